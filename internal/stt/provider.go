// Package stt adapts speech-to-text vendors to one Provider interface and
// normalises their responses.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/resilience"
)

// Options tune one transcription. Language is a short code (ml, hi, en);
// empty means the provider default or auto-detect.
type Options struct {
	Language   string
	Diarize    bool
	Timestamps bool
}

// Result is the normalised transcription.
type Result struct {
	Text             string          `json:"text"`
	Language         string          `json:"language"`
	DurationS        float64         `json:"duration_s"`
	Segments         []calls.Segment `json:"segments"`
	WordCount        int             `json:"word_count"`
	Confidence       *float64        `json:"confidence,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	RawResponse      json.RawMessage `json:"raw_response,omitempty"`
}

// Provider is one STT vendor. Initialize returns false when credentials are
// absent; such providers are never registered.
type Provider interface {
	Name() string
	Initialize(ctx context.Context) bool
	SupportedFormats() []string
	SupportedLanguages() []string
	// EstimateCost is a best-effort USD estimate from the file size.
	EstimateCost(path string) float64
	Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error)
}

// base carries the metadata every provider shares.
type base struct {
	name      string
	model     string
	formats   []string
	languages []string
	perMinute float64
	guard     *resilience.Guard
}

func (b *base) Name() string                 { return b.name }
func (b *base) SupportedFormats() []string   { return slices.Clone(b.formats) }
func (b *base) SupportedLanguages() []string { return slices.Clone(b.languages) }

func (b *base) EstimateCost(path string) float64 {
	return EstimateDuration(path) / 60 * b.perMinute
}

// checkAudio rejects missing, empty or unsupported files before any vendor
// call. These are input errors and fatal.
func (b *base) checkAudio(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, apperr.Fatal(apperr.CodeValidation, "audio file not readable", err).WithDetail("path", path)
	}
	if st.Size() == 0 {
		return 0, apperr.Fatal(apperr.CodeValidation, "audio file is empty", nil).WithDetail("path", path)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if !slices.Contains(b.formats, ext) {
		return 0, apperr.Fatal(apperr.CodeUnsupportedFormat,
			fmt.Sprintf("%s does not accept .%s audio", b.name, ext), nil).
			WithDetail("provider", b.name)
	}
	return st.Size(), nil
}

func (b *base) language(opts Options, fallback string) string {
	if opts.Language != "" {
		return opts.Language
	}
	return fallback
}

// finish fills the derived fields of r.
func (b *base) finish(r *Result, model string) {
	r.Provider = b.name
	if model == "" {
		model = b.model
	}
	r.Model = model
	r.Text = strings.TrimSpace(r.Text)
	r.WordCount = len(strings.Fields(r.Text))
	if r.Segments == nil {
		r.Segments = []calls.Segment{}
	}
	if r.Confidence == nil {
		r.Confidence = meanConfidence(r.Segments)
	}
	if r.DurationS == 0 && len(r.Segments) > 0 {
		r.DurationS = r.Segments[len(r.Segments)-1].End
	}
}

func meanConfidence(segs []calls.Segment) *float64 {
	var sum float64
	var n int
	for _, s := range segs {
		if s.Confidence != nil {
			sum += *s.Confidence
			n++
		}
	}
	if n == 0 {
		return nil
	}
	v := sum / float64(n)
	return &v
}

func ptr[T any](v T) *T { return &v }
