package stt

import (
	"context"
	"strconv"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/resilience"

	"github.com/go-resty/resty/v2"
)

const sarvamBaseURL = "https://api.sarvam.ai"

type SarvamConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	Guard   *resilience.Guard
}

// Sarvam calls the Saarika speech-to-text model, which is tuned for Indian
// languages.
type Sarvam struct {
	base
	cfg    SarvamConfig
	client *resty.Client
}

func NewSarvam(cfg SarvamConfig) *Sarvam {
	if cfg.Model == "" {
		cfg.Model = "saarika:v2"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = sarvamBaseURL
	}
	return &Sarvam{
		base: base{
			name:      "sarvam",
			model:     cfg.Model,
			formats:   []string{"wav", "mp3"},
			languages: append([]string{"auto"}, IndicLanguages...),
			perMinute: 0.006,
			guard:     cfg.Guard,
		},
		cfg: cfg,
	}
}

func (s *Sarvam) Initialize(context.Context) bool {
	if s.cfg.APIKey == "" {
		return false
	}
	s.client = newRestyClient(s.cfg.BaseURL, s.cfg.Timeout).SetHeader("api-subscription-key", s.cfg.APIKey)
	return true
}

type sarvamResponse struct {
	RequestID    string `json:"request_id"`
	Transcript   string `json:"transcript"`
	LanguageCode string `json:"language_code"`
	Timestamps   *struct {
		Words []string  `json:"words"`
		Start []float64 `json:"start_time_seconds"`
		End   []float64 `json:"end_time_seconds"`
	} `json:"timestamps"`
	Diarized *struct {
		Entries []struct {
			Transcript string  `json:"transcript"`
			Start      float64 `json:"start_time_seconds"`
			End        float64 `json:"end_time_seconds"`
			SpeakerID  string  `json:"speaker_id"`
		} `json:"entries"`
	} `json:"diarized_transcript"`
}

func (s *Sarvam) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	if s.client == nil {
		return Result{}, apperr.Unavailable("sarvam is not initialized")
	}
	if _, err := s.checkAudio(audioPath); err != nil {
		return Result{}, err
	}
	start := time.Now()

	lang := s.language(opts, "")
	code := "unknown"
	if lang != "" && lang != "auto" {
		code = LocaleTag(lang)
	}
	form := map[string]string{
		"model":            s.cfg.Model,
		"language_code":    code,
		"with_timestamps":  strconv.FormatBool(opts.Timestamps),
		"with_diarization": strconv.FormatBool(opts.Diarize),
	}

	var out sarvamResponse
	var raw []byte
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		raw, err = doJSON(s.name, func() (*resty.Response, error) {
			return s.client.R().
				SetContext(ctx).
				SetFile("file", audioPath).
				SetMultipartFormData(form).
				Post("/speech-to-text")
		}, &out)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	r := Result{
		Text:        out.Transcript,
		Language:    ShortCode(out.LanguageCode),
		RawResponse: raw,
	}
	switch {
	case out.Diarized != nil && len(out.Diarized.Entries) > 0:
		for _, e := range out.Diarized.Entries {
			r.Segments = append(r.Segments, calls.Segment{
				Start: e.Start, End: e.End, Text: e.Transcript, Speaker: e.SpeakerID,
			})
		}
	case out.Timestamps != nil:
		ts := out.Timestamps
		for i, w := range ts.Words {
			if i >= len(ts.Start) || i >= len(ts.End) {
				break
			}
			r.Segments = append(r.Segments, calls.Segment{Start: ts.Start[i], End: ts.End[i], Text: w})
		}
	}
	if r.Language == "" {
		r.Language = ShortCode(lang)
	}
	if r.DurationS == 0 {
		r.DurationS = EstimateDuration(audioPath)
	}
	r.ProcessingTimeMs = time.Since(start).Milliseconds()
	s.finish(&r, s.cfg.Model)
	return r, nil
}
