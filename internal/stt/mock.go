package stt

import (
	"context"
	"sync"
	"time"

	"callscore/internal/calls"
)

// SampleTranscript is what the mock returns when no Text is configured.
const SampleTranscript = "Agent: Good morning, thank you for calling. How can I help you today? " +
	"Customer: I wanted to know more about the premium plan and its pricing. " +
	"Agent: Sure. The premium plan includes priority support and costs 999 rupees a month. " +
	"Customer: That sounds good, can you send me the details? " +
	"Agent: Absolutely, I will email them right away and follow up tomorrow."

// Mock is a deterministic provider for local runs and tests.
type Mock struct {
	base
	Text string
	// Err, when set, is returned from every Transcribe call.
	Err error

	mu    sync.Mutex
	calls int
}

func NewMock() *Mock {
	return &Mock{
		base: base{
			name:      "mock",
			model:     "mock-stt",
			formats:   []string{"wav", "mp3", "m4a", "ogg", "opus", "flac", "webm"},
			languages: append([]string{"auto"}, IndicLanguages...),
		},
	}
}

func (m *Mock) Initialize(context.Context) bool { return true }

// Calls reports how many times Transcribe ran.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Mock) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{}, transportError(m.name, err)
	}
	if m.Err != nil {
		return Result{}, m.Err
	}
	if _, err := m.checkAudio(audioPath); err != nil {
		return Result{}, err
	}
	start := time.Now()
	text := m.Text
	if text == "" {
		text = SampleTranscript
	}
	dur := EstimateDuration(audioPath)
	r := Result{
		Text:      text,
		Language:  ShortCode(m.language(opts, "en")),
		DurationS: dur,
		Segments: []calls.Segment{
			{Start: 0, End: dur, Text: text, Speaker: "speaker_0", Confidence: ptr(0.95)},
		},
	}
	r.ProcessingTimeMs = time.Since(start).Milliseconds()
	m.finish(&r, "")
	return r, nil
}
