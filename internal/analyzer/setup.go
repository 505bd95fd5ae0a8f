package analyzer

import (
	"log/slog"

	"callscore/internal/config"
	"callscore/internal/pricing"
	"callscore/internal/resilience"
	"callscore/internal/scoring"
)

// FromConfig builds the analyzer, or returns nil when neither an API key nor
// mock mode is configured.
func FromConfig(cfg config.LLMConfig, sc scoring.Config, prices *pricing.Service, log *slog.Logger) *Analyzer {
	var client ChatClient
	switch {
	case cfg.Mock:
		client = NewMockClient()
	case cfg.APIKey != "":
		client = NewOpenAIClient(cfg.APIKey, cfg.BaseURL)
	default:
		return nil
	}
	breaker := resilience.NewBreaker("llm", resilience.BreakerSettings{Logger: log})
	return New(client, Config{
		Model:         cfg.Model,
		FallbackModel: cfg.FallbackModel,
		Temperature:   &cfg.Temperature,
		MaxTokens:     cfg.MaxTokens,
		Timeout:       cfg.Timeout,
		Scoring:       sc,
	}, prices, breaker, log)
}
