package pricing

import (
	"context"
	"time"
)

// MemoryRepo is the in-process price table. DefaultRepo seeds it with the
// published list prices; tests build their own.
type MemoryRepo struct {
	Models []ModelPrice
	STT    []STTRate
}

var tableStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultRepo returns list prices for the gateway models and STT vendors the
// service ships with.
func DefaultRepo() *MemoryRepo {
	m := func(model string, prompt, completion float64, ctxWindow int) ModelPrice {
		return ModelPrice{Model: model, Provider: ProviderOf(model), PromptPerMillion: prompt,
			CompletionPerMillion: completion, ContextWindow: ctxWindow, EffectiveFrom: tableStart, Status: PricingStatusActive}
	}
	s := func(provider, model string, perMinute float64, increment, minimum int) STTRate {
		return STTRate{Provider: provider, Model: model, PerMinuteUSD: perMinute, BillingIncrementSeconds: increment,
			MinimumBillableSeconds: minimum, EffectiveFrom: tableStart, Status: PricingStatusActive}
	}
	return &MemoryRepo{
		Models: []ModelPrice{
			m("openai/gpt-4o-mini", 0.15, 0.60, 128000),
			m("openai/gpt-4o", 2.50, 10.00, 128000),
			m("anthropic/claude-3.5-sonnet", 3.00, 15.00, 200000),
			m("anthropic/claude-3-haiku", 0.25, 1.25, 200000),
			m("google/gemini-flash-1.5", 0.075, 0.30, 1000000),
			m("meta-llama/llama-3.1-70b-instruct", 0.52, 0.75, 131072),
			m("meta-llama/llama-3.1-8b-instruct", 0.055, 0.055, 131072),
			m("mistralai/mistral-large", 2.00, 6.00, 128000),
		},
		STT: []STTRate{
			s("groq", "whisper-large-v3", 0.00185, 10, 10),
			s("elevenlabs", "scribe_v1", 0.0067, 1, 0),
			s("sarvam", "saarika:v2", 0.006, 1, 0),
			s("google", "chirp", 0.016, 15, 15),
			s("azure", "fast-transcription", 0.006, 1, 0),
			s("deepgram", "nova-2", 0.0043, 1, 0),
			s("mock", "mock", 0, 1, 0),
		},
	}
}

func (r *MemoryRepo) FindModelPrice(ctx context.Context, model string, at time.Time) (ModelPrice, bool, error) {
	_ = ctx

	// Prefer the most recent effective row.
	var best ModelPrice
	found := false
	for _, p := range r.Models {
		if p.Model != model || !effectiveAt(p.Status, p.EffectiveFrom, p.EffectiveTo, at) {
			continue
		}
		if !found || p.EffectiveFrom.After(best.EffectiveFrom) {
			best = p
			found = true
		}
	}
	return best, found, nil
}

func (r *MemoryRepo) FindSTTRate(ctx context.Context, provider string, at time.Time) (STTRate, bool, error) {
	_ = ctx

	var best STTRate
	found := false
	for _, p := range r.STT {
		if p.Provider != provider || !effectiveAt(p.Status, p.EffectiveFrom, p.EffectiveTo, at) {
			continue
		}
		if !found || p.EffectiveFrom.After(best.EffectiveFrom) {
			best = p
			found = true
		}
	}
	return best, found, nil
}

func (r *MemoryRepo) ListModelPrices(ctx context.Context, at time.Time) ([]ModelPrice, error) {
	_ = ctx

	latest := map[string]ModelPrice{}
	for _, p := range r.Models {
		if !effectiveAt(p.Status, p.EffectiveFrom, p.EffectiveTo, at) {
			continue
		}
		if cur, ok := latest[p.Model]; !ok || p.EffectiveFrom.After(cur.EffectiveFrom) {
			latest[p.Model] = p
		}
	}
	out := make([]ModelPrice, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	return out, nil
}
