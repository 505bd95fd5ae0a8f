package notify

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/calls"

	"github.com/carlmjohnson/requests"
	"github.com/google/uuid"
)

const telegramAPI = "https://api.telegram.org"

// telegramMaxText is the Bot API limit for one message.
const telegramMaxText = 4096

type TelegramConfig struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Client   *http.Client
}

// Telegram sends messages through the Bot API sendMessage method.
type Telegram struct {
	cfg TelegramConfig
	log *slog.Logger
}

func NewTelegram(cfg TelegramConfig, log *slog.Logger) *Telegram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = telegramAPI
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Telegram{cfg: cfg, log: log}
}

func (t *Telegram) Name() calls.Channel { return calls.ChannelTelegram }

func (t *Telegram) Configured() bool { return t.cfg.BotToken != "" }

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (t *Telegram) Send(ctx context.Context, msg Message) (Receipt, error) {
	chatID := msg.ChatID
	if chatID == "" {
		chatID = t.cfg.ChatID
	}
	if !t.Configured() || chatID == "" {
		t.log.Info("telegram mock send", "type", msg.Type, "chat_id", chatID, "title", msg.Title)
		return Receipt{VendorID: "mock-" + uuid.NewString(), Mock: true}, nil
	}

	text := msg.Text
	if msg.Title != "" {
		text = msg.Title + "\n\n" + text
	}
	if len(text) > telegramMaxText {
		text = text[:telegramMaxText-3] + "..."
	}
	body := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}

	var out telegramResponse
	var status int
	err := requests.
		URL(strings.TrimRight(t.cfg.BaseURL, "/") + "/bot" + t.cfg.BotToken + "/sendMessage").
		Client(t.cfg.Client).
		BodyJSON(body).
		AddValidator(func(res *http.Response) error {
			status = res.StatusCode
			return nil
		}).
		ToJSON(&out).
		Fetch(ctx)
	if err != nil && status == 0 {
		if apperr.IsTimeout(err) {
			return Receipt{}, apperr.Retryable("telegram request timed out", err)
		}
		return Receipt{}, apperr.Retryable("telegram request failed", err)
	}
	if out.OK {
		return Receipt{VendorID: strconv.FormatInt(out.Result.MessageID, 10)}, nil
	}
	if out.ErrorCode != 0 {
		status = out.ErrorCode
	}
	return Receipt{}, telegramError(status, out)
}

func telegramError(status int, out telegramResponse) error {
	msg := "telegram sendMessage failed"
	if out.Description != "" {
		msg += ": " + out.Description
	}
	switch {
	case status == http.StatusTooManyRequests:
		return apperr.RateLimited(msg, time.Duration(out.Parameters.RetryAfter)*time.Second).
			WithDetail("provider", "telegram")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Unauthorized(msg).WithDetail("provider", "telegram")
	case status >= 500 || status == 0:
		return apperr.ExternalAPI("telegram", status, msg, true)
	default:
		return apperr.ExternalAPI("telegram", status, msg, false)
	}
}
