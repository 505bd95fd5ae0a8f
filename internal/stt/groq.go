package stt

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/resilience"

	"github.com/sashabaranov/go-openai"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

type GroqConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Guard   *resilience.Guard
}

// Groq runs Whisper through Groq's OpenAI-compatible audio endpoint.
type Groq struct {
	base
	cfg    GroqConfig
	client *openai.Client
}

func NewGroq(cfg GroqConfig) *Groq {
	if cfg.Model == "" {
		cfg.Model = "whisper-large-v3"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = groqBaseURL
	}
	return &Groq{
		base: base{
			name:      "groq",
			model:     cfg.Model,
			formats:   []string{"flac", "mp3", "mp4", "mpeg", "mpga", "m4a", "ogg", "opus", "wav", "webm"},
			languages: append([]string{"auto"}, IndicLanguages...),
			perMinute: 0.00185,
			guard:     cfg.Guard,
		},
		cfg: cfg,
	}
}

func (g *Groq) Initialize(context.Context) bool {
	if g.cfg.APIKey == "" {
		return false
	}
	oc := openai.DefaultConfig(g.cfg.APIKey)
	oc.BaseURL = g.cfg.BaseURL
	g.client = openai.NewClientWithConfig(oc)
	return true
}

func (g *Groq) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	if g.client == nil {
		return Result{}, apperr.Unavailable("groq is not initialized")
	}
	if _, err := g.checkAudio(audioPath); err != nil {
		return Result{}, err
	}
	start := time.Now()
	lang := g.language(opts, "")
	if lang == "auto" {
		lang = ""
	}

	req := openai.AudioRequest{
		Model:    g.cfg.Model,
		FilePath: audioPath,
		Language: ShortCode(lang),
		Format:   openai.AudioResponseFormatVerboseJSON,
	}
	if opts.Timestamps {
		req.TimestampGranularities = []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularitySegment,
		}
	}

	var resp openai.AudioResponse
	err := g.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = g.client.CreateTranscription(ctx, req)
		return classifyOpenAIError("groq", err)
	})
	if err != nil {
		return Result{}, err
	}

	r := Result{
		Text:      resp.Text,
		Language:  ShortCode(resp.Language),
		DurationS: resp.Duration,
	}
	var logprobSum float64
	for _, s := range resp.Segments {
		c := math.Exp(s.AvgLogprob)
		r.Segments = append(r.Segments, calls.Segment{Start: s.Start, End: s.End, Text: s.Text, Confidence: ptr(c)})
		logprobSum += s.AvgLogprob
	}
	if n := len(resp.Segments); n > 0 {
		r.Confidence = ptr(math.Exp(logprobSum / float64(n)))
	}
	if r.Language == "" {
		r.Language = ShortCode(lang)
	}
	r.RawResponse, _ = json.Marshal(resp)
	r.ProcessingTimeMs = time.Since(start).Milliseconds()
	g.finish(&r, g.cfg.Model)
	return r, nil
}

// classifyOpenAIError maps go-openai errors for both the STT and LLM paths.
func classifyOpenAIError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return StatusError(provider, apiErr.HTTPStatusCode, apiErr.Message, 0)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return StatusError(provider, reqErr.HTTPStatusCode, string(reqErr.Body), 0)
	}
	return transportError(provider, err)
}
