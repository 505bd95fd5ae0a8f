package pricing

import "time"

// Prices are in USD. Token prices are per million tokens, STT rates per
// billable minute of audio.

// ModelPrice is the chat-completion price of one gateway model.
type ModelPrice struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`

	PromptPerMillion     float64 `json:"prompt_per_million"`
	CompletionPerMillion float64 `json:"completion_per_million"`

	ContextWindow int `json:"context_window,omitempty"`

	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`

	Status PricingStatus `json:"status"`
}

// STTRate is the per-minute price of a speech-to-text provider.
type STTRate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`

	PerMinuteUSD float64 `json:"per_minute_usd"`

	// BillingIncrementSeconds (e.g. 60 per-minute, 1 per-second, 15 for Google).
	BillingIncrementSeconds int `json:"billing_increment_seconds"`

	// MinimumBillableSeconds enforces a minimum charge duration.
	MinimumBillableSeconds int `json:"minimum_billable_seconds"`

	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`

	Status PricingStatus `json:"status"`
}

type PricingStatus string

const (
	PricingStatusActive   PricingStatus = "active"
	PricingStatusInactive PricingStatus = "inactive"
)

// effectiveAt reports whether a row with the given window and status applies at t.
func effectiveAt(status PricingStatus, from time.Time, to *time.Time, t time.Time) bool {
	if status != PricingStatusActive {
		return false
	}
	if t.Before(from) {
		return false
	}
	return to == nil || t.Before(*to)
}
