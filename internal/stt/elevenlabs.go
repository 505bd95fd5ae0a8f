package stt

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/resilience"

	"github.com/go-resty/resty/v2"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io"

type ElevenLabsConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	Guard   *resilience.Guard
}

// ElevenLabs calls the Scribe speech-to-text endpoint.
type ElevenLabs struct {
	base
	cfg    ElevenLabsConfig
	client *resty.Client
}

func NewElevenLabs(cfg ElevenLabsConfig) *ElevenLabs {
	if cfg.Model == "" {
		cfg.Model = "scribe_v1"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = elevenLabsBaseURL
	}
	return &ElevenLabs{
		base: base{
			name:      "elevenlabs",
			model:     cfg.Model,
			formats:   []string{"wav", "mp3", "m4a", "ogg", "opus", "flac", "webm", "aac", "mp4"},
			languages: append([]string{"auto"}, IndicLanguages...),
			perMinute: 0.0067,
			guard:     cfg.Guard,
		},
		cfg: cfg,
	}
}

func (e *ElevenLabs) Initialize(context.Context) bool {
	if e.cfg.APIKey == "" {
		return false
	}
	e.client = newRestyClient(e.cfg.BaseURL, e.cfg.Timeout).SetHeader("xi-api-key", e.cfg.APIKey)
	return true
}

type elevenLabsWord struct {
	Text      string   `json:"text"`
	Type      string   `json:"type"`
	Start     float64  `json:"start"`
	End       float64  `json:"end"`
	SpeakerID string   `json:"speaker_id"`
	Logprob   *float64 `json:"logprob"`
}

type elevenLabsResponse struct {
	LanguageCode        string           `json:"language_code"`
	LanguageProbability float64          `json:"language_probability"`
	Text                string           `json:"text"`
	Words               []elevenLabsWord `json:"words"`
}

func (e *ElevenLabs) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	if e.client == nil {
		return Result{}, apperr.Unavailable("elevenlabs is not initialized")
	}
	if _, err := e.checkAudio(audioPath); err != nil {
		return Result{}, err
	}
	start := time.Now()

	form := map[string]string{
		"model_id":               e.cfg.Model,
		"diarize":                strconv.FormatBool(opts.Diarize),
		"tag_audio_events":       "false",
		"timestamps_granularity": "word",
	}
	if lang := e.language(opts, ""); lang != "" && lang != "auto" {
		form["language_code"] = ShortCode(lang)
	}

	var out elevenLabsResponse
	var raw []byte
	err := e.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		raw, err = doJSON(e.name, func() (*resty.Response, error) {
			return e.client.R().
				SetContext(ctx).
				SetFile("file", audioPath).
				SetMultipartFormData(form).
				Post("/v1/speech-to-text")
		}, &out)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	r := Result{
		Text:        out.Text,
		Language:    ShortCode(out.LanguageCode),
		Segments:    groupWordsBySpeaker(out.Words),
		RawResponse: raw,
	}
	if r.Language == "" {
		r.Language = ShortCode(e.language(opts, ""))
	}
	r.ProcessingTimeMs = time.Since(start).Milliseconds()
	e.finish(&r, e.cfg.Model)
	return r, nil
}

// groupWordsBySpeaker folds consecutive words from the same speaker into one
// segment. Spacing tokens are kept in the text; audio events are dropped.
func groupWordsBySpeaker(words []elevenLabsWord) []calls.Segment {
	var (
		segs    []calls.Segment
		cur     *calls.Segment
		text    strings.Builder
		lpSum   float64
		lpCount int
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = strings.TrimSpace(text.String())
		if lpCount > 0 {
			cur.Confidence = ptr(math.Exp(lpSum / float64(lpCount)))
		}
		if cur.Text != "" {
			segs = append(segs, *cur)
		}
		cur = nil
		text.Reset()
		lpSum, lpCount = 0, 0
	}
	for _, w := range words {
		switch w.Type {
		case "audio_event":
			continue
		case "spacing":
			if cur != nil {
				text.WriteString(w.Text)
			}
			continue
		}
		if cur != nil && cur.Speaker != w.SpeakerID {
			flush()
		}
		if cur == nil {
			cur = &calls.Segment{Start: w.Start, Speaker: w.SpeakerID}
		}
		text.WriteString(w.Text)
		cur.End = w.End
		if w.Logprob != nil {
			lpSum += *w.Logprob
			lpCount++
		}
	}
	flush()
	return segs
}
