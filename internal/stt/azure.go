package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/resilience"

	"github.com/go-resty/resty/v2"
)

const azureAPIVersion = "2024-11-15"

type AzureConfig struct {
	APIKey string
	Region string
	// BaseURL overrides the regional endpoint.
	BaseURL string
	Timeout time.Duration
	Guard   *resilience.Guard
}

// Azure uses the fast transcription REST API.
type Azure struct {
	base
	cfg    AzureConfig
	client *resty.Client
}

func NewAzure(cfg AzureConfig) *Azure {
	if cfg.Region == "" {
		cfg.Region = "centralindia"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("https://%s.api.cognitive.microsoft.com", cfg.Region)
	}
	return &Azure{
		base: base{
			name:      "azure",
			model:     "fast-transcription",
			formats:   []string{"wav", "mp3", "ogg", "opus", "flac", "webm", "m4a"},
			languages: IndicLanguages,
			perMinute: 0.006,
			guard:     cfg.Guard,
		},
		cfg: cfg,
	}
}

func (a *Azure) Initialize(context.Context) bool {
	if a.cfg.APIKey == "" {
		return false
	}
	a.client = newRestyClient(a.cfg.BaseURL, a.cfg.Timeout).SetHeader("Ocp-Apim-Subscription-Key", a.cfg.APIKey)
	return true
}

type azureDefinition struct {
	Locales     []string          `json:"locales"`
	Diarization *azureDiarization `json:"diarization,omitempty"`
}

type azureDiarization struct {
	Enabled     bool `json:"enabled"`
	MaxSpeakers int  `json:"maxSpeakers"`
}

type azureResponse struct {
	DurationMilliseconds int64 `json:"durationMilliseconds"`
	CombinedPhrases      []struct {
		Text string `json:"text"`
	} `json:"combinedPhrases"`
	Phrases []struct {
		OffsetMilliseconds   int64   `json:"offsetMilliseconds"`
		DurationMilliseconds int64   `json:"durationMilliseconds"`
		Text                 string  `json:"text"`
		Speaker              *int    `json:"speaker"`
		Confidence           float64 `json:"confidence"`
		Locale               string  `json:"locale"`
	} `json:"phrases"`
}

func (a *Azure) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	if a.client == nil {
		return Result{}, apperr.Unavailable("azure is not initialized")
	}
	if _, err := a.checkAudio(audioPath); err != nil {
		return Result{}, err
	}
	start := time.Now()

	lang := a.language(opts, "en")
	def := azureDefinition{Locales: []string{LocaleTag(lang)}}
	if opts.Diarize {
		def.Diarization = &azureDiarization{Enabled: true, MaxSpeakers: 2}
	}
	defJSON, err := json.Marshal(def)
	if err != nil {
		return Result{}, apperr.Internal(err)
	}

	var out azureResponse
	var raw []byte
	err = a.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		raw, err = doJSON(a.name, func() (*resty.Response, error) {
			return a.client.R().
				SetContext(ctx).
				SetQueryParam("api-version", azureAPIVersion).
				SetFile("audio", audioPath).
				SetMultipartField("definition", "", "application/json", bytes.NewReader(defJSON)).
				Post("/speechtotext/transcriptions:transcribe")
		}, &out)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	r := Result{
		Language:    ShortCode(lang),
		DurationS:   float64(out.DurationMilliseconds) / 1000,
		RawResponse: raw,
	}
	var joined strings.Builder
	for _, p := range out.Phrases {
		seg := calls.Segment{
			Start:      float64(p.OffsetMilliseconds) / 1000,
			End:        float64(p.OffsetMilliseconds+p.DurationMilliseconds) / 1000,
			Text:       p.Text,
			Confidence: ptr(p.Confidence),
		}
		if p.Speaker != nil {
			seg.Speaker = fmt.Sprintf("speaker_%d", *p.Speaker)
		}
		r.Segments = append(r.Segments, seg)
		joined.WriteString(p.Text + " ")
	}
	if len(out.CombinedPhrases) > 0 {
		r.Text = out.CombinedPhrases[0].Text
	} else {
		r.Text = joined.String()
	}
	r.ProcessingTimeMs = time.Since(start).Milliseconds()
	a.finish(&r, "")
	return r, nil
}
