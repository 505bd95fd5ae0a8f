package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"callscore/internal/scoring"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Storage   StorageConfig
	Log       LogConfig
	Scoring   ScoringConfig
	Org       OrgConfig
	Exotel    ExotelConfig
	STT       STTConfig
	LLM       LLMConfig
	Notify    NotifyConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Mock      MockConfig
}

type AppConfig struct {
	Env            string
	Host           string
	Port           int
	WorkersEnabled bool
}

type DBConfig struct {
	// Path is the SQLite database file.
	Path string
	// URL, when set, selects postgres through the pgx stdlib driver.
	URL string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type QueueConfig struct {
	// Backend is redis or memory. memory loses jobs on restart.
	Backend string
}

type StorageConfig struct {
	Path            string
	DownloadTimeout time.Duration
}

type LogConfig struct {
	Level string
	File  string
}

type ScoringConfig struct {
	AlertThreshold     float64
	GoodThreshold      float64
	ExcellentThreshold float64
	RubricPath         string
}

type OrgConfig struct {
	ID   string
	Name string
}

type ExotelConfig struct {
	AccountSID string
	APIKey     string
	APIToken   string
}

type STTConfig struct {
	Provider string
	Language string
	Mock     bool

	GroqAPIKey            string
	GroqModel             string
	ElevenLabsAPIKey      string
	SarvamAPIKey          string
	GoogleAPIKey          string
	GoogleCredentialsFile string
	AzureSpeechKey        string
	AzureSpeechRegion     string
	DeepgramAPIKey        string
}

type LLMConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	FallbackModel string
	Temperature   float64
	MaxTokens     int
	Timeout       time.Duration
	Mock          bool
}

type NotifyConfig struct {
	Enabled            bool
	Channels           []string
	AlertLowScore      bool
	AlertCriticalIssue bool
	DailyDigestEnabled bool
	DailyDigestTime    string

	TelegramBotToken string
	TelegramChatID   string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	EmailTo      string
}

type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	TokenTTL    time.Duration
}

type RateLimitConfig struct {
	Webhook string
	API     string
}

type MockConfig struct {
	RecordingURL string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = envOr("APP_ENV", "local")
	c.App.Host = envOr("HOST", "0.0.0.0")
	c.App.Port, parseErrs = intOr(parseErrs, "PORT", 3000)
	c.App.WorkersEnabled, parseErrs = boolOr(parseErrs, "WORKERS_ENABLED", true)

	c.DB.Path = envOr("DATABASE_PATH", "./data/callscore.db")
	c.DB.URL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	c.Redis.Host = envOr("REDIS_HOST", "localhost")
	c.Redis.Port, parseErrs = intOr(parseErrs, "REDIS_PORT", 6379)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB, parseErrs = intOr(parseErrs, "REDIS_DB", 0)
	c.Queue.Backend = envOr("QUEUE_BACKEND", "redis")

	c.Storage.Path = envOr("STORAGE_PATH", "./storage")
	c.Storage.DownloadTimeout, parseErrs = durationOr(parseErrs, "DOWNLOAD_TIMEOUT", 2*time.Minute)

	c.Log.Level = envOr("LOG_LEVEL", "")
	c.Log.File = strings.TrimSpace(os.Getenv("LOG_FILE"))

	c.Scoring.AlertThreshold, parseErrs = floatOr(parseErrs, "SCORE_THRESHOLD_ALERT", 50)
	c.Scoring.GoodThreshold, parseErrs = floatOr(parseErrs, "SCORE_THRESHOLD_GOOD", 70)
	c.Scoring.ExcellentThreshold, parseErrs = floatOr(parseErrs, "SCORE_THRESHOLD_EXCELLENT", 85)
	c.Scoring.RubricPath = strings.TrimSpace(os.Getenv("RUBRIC_PATH"))

	c.Org.ID = envOr("DEFAULT_ORG_ID", "default")
	c.Org.Name = envOr("DEFAULT_ORG_NAME", "Default Organization")

	c.Exotel.AccountSID = strings.TrimSpace(os.Getenv("EXOTEL_ACCOUNT_SID"))
	c.Exotel.APIKey = strings.TrimSpace(os.Getenv("EXOTEL_API_KEY"))
	c.Exotel.APIToken = os.Getenv("EXOTEL_API_TOKEN")

	c.STT.Provider = strings.ToLower(envOr("STT_PROVIDER", ""))
	c.STT.Language = envOr("STT_LANGUAGE", "en")
	c.STT.Mock, parseErrs = boolOr(parseErrs, "STT_MOCK", false)
	c.STT.GroqAPIKey = os.Getenv("GROQ_API_KEY")
	c.STT.GroqModel = envOr("GROQ_MODEL", "whisper-large-v3")
	c.STT.ElevenLabsAPIKey = os.Getenv("ELEVENLABS_API_KEY")
	c.STT.SarvamAPIKey = os.Getenv("SARVAM_API_KEY")
	c.STT.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
	c.STT.GoogleCredentialsFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	c.STT.AzureSpeechKey = os.Getenv("AZURE_SPEECH_KEY")
	c.STT.AzureSpeechRegion = envOr("AZURE_SPEECH_REGION", "centralindia")
	c.STT.DeepgramAPIKey = os.Getenv("DEEPGRAM_API_KEY")

	c.LLM.APIKey = os.Getenv("OPENROUTER_API_KEY")
	c.LLM.BaseURL = envOr("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	c.LLM.Model = envOr("OPENROUTER_MODEL", "openai/gpt-4o-mini")
	c.LLM.FallbackModel = envOr("OPENROUTER_FALLBACK_MODEL", "meta-llama/llama-3.1-70b-instruct")
	c.LLM.Temperature, parseErrs = floatOr(parseErrs, "LLM_TEMPERATURE", 0.3)
	c.LLM.MaxTokens, parseErrs = intOr(parseErrs, "LLM_MAX_TOKENS", 2000)
	c.LLM.Timeout, parseErrs = durationOr(parseErrs, "LLM_TIMEOUT", 2*time.Minute)
	c.LLM.Mock, parseErrs = boolOr(parseErrs, "LLM_MOCK", false)

	c.Notify.Enabled, parseErrs = boolOr(parseErrs, "NOTIFICATIONS_ENABLED", true)
	c.Notify.Channels = splitList(envOr("NOTIFICATION_CHANNELS", "telegram,console"))
	c.Notify.AlertLowScore, parseErrs = boolOr(parseErrs, "ALERT_LOW_SCORE", true)
	c.Notify.AlertCriticalIssue, parseErrs = boolOr(parseErrs, "ALERT_CRITICAL_ISSUE", true)
	c.Notify.DailyDigestEnabled, parseErrs = boolOr(parseErrs, "DAILY_DIGEST_ENABLED", false)
	c.Notify.DailyDigestTime = envOr("DAILY_DIGEST_TIME", "18:00")
	c.Notify.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	c.Notify.TelegramChatID = strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID"))
	c.Notify.SMTPHost = strings.TrimSpace(os.Getenv("SMTP_HOST"))
	c.Notify.SMTPPort, parseErrs = intOr(parseErrs, "SMTP_PORT", 587)
	c.Notify.SMTPUsername = os.Getenv("SMTP_USERNAME")
	c.Notify.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	c.Notify.SMTPFrom = envOr("SMTP_FROM", "callscore@localhost")
	c.Notify.EmailTo = strings.TrimSpace(os.Getenv("EMAIL_TO"))

	c.Auth.JWTSecret = os.Getenv("API_JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.TokenTTL, parseErrs = durationOr(parseErrs, "API_TOKEN_TTL", 0)

	c.RateLimit.Webhook = envOr("WEBHOOK_RATE_LIMIT", "300-M")
	c.RateLimit.API = envOr("API_RATE_LIMIT", "600-M")

	c.Mock.RecordingURL = envOr("MOCK_RECORDING_URL", "http://mock/recording.wav")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values and fills defaults that depend on other fields.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		c.App.Env = "local"
	}
	if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.URL == "" && strings.TrimSpace(c.DB.Path) == "" {
		errs = append(errs, errors.New("DATABASE_PATH or DATABASE_URL is required"))
	}

	switch c.Queue.Backend {
	case "":
		c.Queue.Backend = "redis"
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND must be redis or memory, got %q", c.Queue.Backend))
	}
	if c.Queue.Backend == "redis" {
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required for the redis queue"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}
	if c.IsProduction() && c.Queue.Backend == "memory" {
		errs = append(errs, errors.New("QUEUE_BACKEND=memory is not durable and is rejected in production"))
	}

	if c.Storage.Path == "" {
		errs = append(errs, errors.New("STORAGE_PATH is required"))
	}
	if c.Storage.DownloadTimeout > 0 && c.Storage.DownloadTimeout < 30*time.Second {
		errs = append(errs, fmt.Errorf("DOWNLOAD_TIMEOUT must be at least 30s, got %s", c.Storage.DownloadTimeout))
	}

	if _, err := c.ScoringConfig(); err != nil {
		errs = append(errs, err)
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("LLM_TEMPERATURE must be within [0,2], got %v", c.LLM.Temperature))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("LLM_MAX_TOKENS must be positive, got %d", c.LLM.MaxTokens))
	}

	for _, ch := range c.Notify.Channels {
		switch ch {
		case "telegram", "console", "email":
		default:
			errs = append(errs, fmt.Errorf("NOTIFICATION_CHANNELS contains unknown channel %q", ch))
		}
	}
	if _, err := c.DigestCronSpec(); err != nil {
		errs = append(errs, err)
	}

	if c.Auth.JWTSecret != "" {
		if c.Auth.TokenTTL <= 0 {
			c.Auth.TokenTTL = 30 * 24 * time.Hour
		}
		if c.IsProduction() && len(c.Auth.JWTSecret) < 32 {
			errs = append(errs, errors.New("API_JWT_SECRET must be at least 32 bytes in production"))
		}
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.App.Host, c.App.Port)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ScoringConfig builds the immutable scoring value shared by services.
func (c Config) ScoringConfig() (scoring.Config, error) {
	sc := scoring.Config{
		AlertThreshold:     c.Scoring.AlertThreshold,
		GoodThreshold:      c.Scoring.GoodThreshold,
		ExcellentThreshold: c.Scoring.ExcellentThreshold,
		Rubric:             scoring.DefaultRubric(),
	}
	if c.Scoring.RubricPath != "" {
		r, err := scoring.LoadRubric(c.Scoring.RubricPath)
		if err != nil {
			return scoring.Config{}, fmt.Errorf("RUBRIC_PATH: %w", err)
		}
		sc.Rubric = r
	}
	if err := sc.Validate(); err != nil {
		return scoring.Config{}, fmt.Errorf("SCORE_THRESHOLD_*: %w", err)
	}
	return sc, nil
}

// DigestCronSpec converts DAILY_DIGEST_TIME (HH:MM, UTC) to a cron spec.
func (c Config) DigestCronSpec() (string, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(c.Notify.DailyDigestTime))
	if err != nil {
		return "", fmt.Errorf("DAILY_DIGEST_TIME must be HH:MM, got %q", c.Notify.DailyDigestTime)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}

// LLMConfigured reports whether the analyzer can run.
func (c Config) LLMConfigured() bool {
	return c.LLM.Mock || c.LLM.APIKey != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intOr(errs []error, key string, def int) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func floatOr(errs []error, key string, def float64) (float64, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be a number, got %q", key, v))
	}
	return f, errs
}

func boolOr(errs []error, key string, def bool) (bool, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
	}
	return b, errs
}

func durationOr(errs []error, key string, def time.Duration) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
