package pricing

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"
)

// Service estimates LLM and STT spend. Estimates are attached to results as
// metadata and never persisted.
//
// Contract:
//   - Pure calculation + repository lookups.
//   - Unknown models or providers yield ErrPricingNotFound; callers treat the
//     cost as unknown rather than failing the job.
type Service struct {
	repo  RateRepository
	clock func() time.Time
}

func NewService(repo RateRepository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var (
	ErrPricingNotFound   = errors.New("pricing not found")
	ErrInvalidPricingReq = errors.New("invalid pricing request")
)

// RateRepository abstracts the price tables.
type RateRepository interface {
	FindModelPrice(ctx context.Context, model string, at time.Time) (ModelPrice, bool, error)
	FindSTTRate(ctx context.Context, provider string, at time.Time) (STTRate, bool, error)
	ListModelPrices(ctx context.Context, at time.Time) ([]ModelPrice, error)
}

type LLMCost struct {
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	USD              float64 `json:"usd"`
}

// LLMCost prices one completion from its reported token counts.
func (s *Service) LLMCost(ctx context.Context, model string, promptTokens, completionTokens int) (LLMCost, error) {
	if model == "" || promptTokens < 0 || completionTokens < 0 {
		return LLMCost{}, ErrInvalidPricingReq
	}
	p, ok, err := s.repo.FindModelPrice(ctx, model, s.clock().UTC())
	if err != nil {
		return LLMCost{}, err
	}
	if !ok {
		return LLMCost{}, ErrPricingNotFound
	}
	usd := float64(promptTokens)*p.PromptPerMillion/1e6 + float64(completionTokens)*p.CompletionPerMillion/1e6
	return LLMCost{
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		USD:              roundUSD(usd),
	}, nil
}

type STTCost struct {
	Provider        string  `json:"provider"`
	BillableSeconds int     `json:"billable_seconds"`
	BillableMinutes int     `json:"billable_minutes"`
	PerMinuteUSD    float64 `json:"per_minute_usd"`
	USD             float64 `json:"usd"`
}

// STTCost prices durationSeconds of audio with the provider's billing
// increment. The per-minute rate is prorated over the billable seconds.
func (s *Service) STTCost(ctx context.Context, provider string, durationSeconds float64) (STTCost, error) {
	if provider == "" || durationSeconds <= 0 {
		return STTCost{}, ErrInvalidPricingReq
	}
	r, ok, err := s.repo.FindSTTRate(ctx, provider, s.clock().UTC())
	if err != nil {
		return STTCost{}, err
	}
	if !ok {
		return STTCost{}, ErrPricingNotFound
	}
	sec := billableSeconds(int(math.Ceil(durationSeconds)), r.MinimumBillableSeconds, r.BillingIncrementSeconds)
	return STTCost{
		Provider:        provider,
		BillableSeconds: sec,
		BillableMinutes: billableMinutesFromSeconds(sec),
		PerMinuteUSD:    r.PerMinuteUSD,
		USD:             roundUSD(float64(sec) / 60 * r.PerMinuteUSD),
	}, nil
}

// Models lists the currently effective model prices sorted by model id.
func (s *Service) Models(ctx context.Context) ([]ModelPrice, error) {
	out, err := s.repo.ListModelPrices(ctx, s.clock().UTC())
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

// ProviderOf returns the vendor prefix of a gateway model id ("openai/gpt-4o" -> "openai").
func ProviderOf(model string) string {
	if i := strings.IndexByte(model, '/'); i > 0 {
		return model[:i]
	}
	return ""
}

func roundUSD(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func billableSeconds(actualSec int, minSec int, incrementSec int) int {
	if actualSec < 0 {
		return 0
	}
	if minSec <= 0 {
		minSec = 0
	}
	if incrementSec <= 0 {
		incrementSec = 60
	}

	sec := actualSec
	if sec < minSec {
		sec = minSec
	}

	// round up to nearest increment
	q := sec / incrementSec
	r := sec % incrementSec
	if r != 0 {
		q++
	}
	return q * incrementSec
}

func billableMinutesFromSeconds(sec int) int {
	if sec <= 0 {
		return 0
	}
	m := sec / 60
	if sec%60 != 0 {
		m++
	}
	return m
}
