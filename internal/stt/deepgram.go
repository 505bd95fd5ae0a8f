package stt

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/resilience"

	"github.com/go-resty/resty/v2"
)

const deepgramBaseURL = "https://api.deepgram.com"

type DeepgramConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	Guard   *resilience.Guard
}

// Deepgram calls the prerecorded /v1/listen endpoint with the raw file as
// the request body.
type Deepgram struct {
	base
	cfg    DeepgramConfig
	client *resty.Client
}

func NewDeepgram(cfg DeepgramConfig) *Deepgram {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = deepgramBaseURL
	}
	return &Deepgram{
		base: base{
			name:      "deepgram",
			model:     cfg.Model,
			formats:   []string{"wav", "mp3", "m4a", "ogg", "opus", "flac", "webm", "aac", "mp4"},
			languages: []string{"en", "hi", "ta", "te", "kn", "mr", "bn"},
			perMinute: 0.0043,
			guard:     cfg.Guard,
		},
		cfg: cfg,
	}
}

func (d *Deepgram) Initialize(context.Context) bool {
	if d.cfg.APIKey == "" {
		return false
	}
	d.client = newRestyClient(d.cfg.BaseURL, d.cfg.Timeout).SetHeader("Authorization", "Token "+d.cfg.APIKey)
	return true
}

type deepgramResponse struct {
	Metadata struct {
		RequestID string  `json:"request_id"`
		Duration  float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
		Utterances []struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Confidence float64 `json:"confidence"`
			Transcript string  `json:"transcript"`
			Speaker    *int    `json:"speaker"`
		} `json:"utterances"`
	} `json:"results"`
}

func (d *Deepgram) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	if d.client == nil {
		return Result{}, apperr.Unavailable("deepgram is not initialized")
	}
	if _, err := d.checkAudio(audioPath); err != nil {
		return Result{}, err
	}
	start := time.Now()

	params := map[string]string{
		"model":        d.cfg.Model,
		"smart_format": "true",
		"punctuate":    "true",
		"utterances":   "true",
		"diarize":      fmt.Sprint(opts.Diarize),
	}
	if lang := d.language(opts, ""); lang != "" && lang != "auto" {
		params["language"] = ShortCode(lang)
	} else {
		params["detect_language"] = "true"
	}

	var out deepgramResponse
	var raw []byte
	err := d.guard.Do(ctx, func(ctx context.Context) error {
		f, err := os.Open(audioPath)
		if err != nil {
			return apperr.Fatal(apperr.CodeValidation, "audio file not readable", err)
		}
		defer f.Close()
		raw, err = doJSON(d.name, func() (*resty.Response, error) {
			return d.client.R().
				SetContext(ctx).
				SetQueryParams(params).
				SetHeader("Content-Type", contentType(audioPath)).
				SetBody(f).
				Post("/v1/listen")
		}, &out)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	r := Result{
		DurationS:   out.Metadata.Duration,
		Language:    ShortCode(d.language(opts, "")),
		RawResponse: raw,
	}
	if ch := out.Results.Channels; len(ch) > 0 {
		if ch[0].DetectedLanguage != "" {
			r.Language = ShortCode(ch[0].DetectedLanguage)
		}
		if alts := ch[0].Alternatives; len(alts) > 0 {
			r.Text = alts[0].Transcript
			r.Confidence = ptr(alts[0].Confidence)
		}
	}
	var joined []string
	for _, u := range out.Results.Utterances {
		seg := calls.Segment{Start: u.Start, End: u.End, Text: u.Transcript, Confidence: ptr(u.Confidence)}
		if u.Speaker != nil {
			seg.Speaker = fmt.Sprintf("speaker_%d", *u.Speaker)
		}
		r.Segments = append(r.Segments, seg)
		joined = append(joined, u.Transcript)
	}
	if r.Text == "" {
		r.Text = strings.Join(joined, " ")
	}
	r.ProcessingTimeMs = time.Since(start).Milliseconds()
	d.finish(&r, d.cfg.Model)
	return r, nil
}
