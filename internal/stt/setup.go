package stt

import (
	"context"
	"log/slog"

	"callscore/internal/config"
	"callscore/internal/resilience"
)

// FromConfig registers every provider whose credentials are present. Each
// gets its own breaker. With cfg.Mock only the mock provider is registered.
func FromConfig(ctx context.Context, cfg config.STTConfig, log *slog.Logger) *Registry {
	reg := NewRegistry(log)
	if cfg.Mock {
		reg.Register(ctx, NewMock())
		return reg
	}
	guard := func(name string) *resilience.Guard {
		return resilience.NewGuard("stt:"+name, resilience.BreakerSettings{Logger: log})
	}
	providers := []Provider{
		NewGroq(GroqConfig{APIKey: cfg.GroqAPIKey, Model: cfg.GroqModel, Guard: guard("groq")}),
		NewElevenLabs(ElevenLabsConfig{APIKey: cfg.ElevenLabsAPIKey, Guard: guard("elevenlabs")}),
		NewSarvam(SarvamConfig{APIKey: cfg.SarvamAPIKey, Guard: guard("sarvam")}),
		NewGoogle(GoogleConfig{APIKey: cfg.GoogleAPIKey, CredentialsFile: cfg.GoogleCredentialsFile, Guard: guard("google")}),
		NewAzure(AzureConfig{APIKey: cfg.AzureSpeechKey, Region: cfg.AzureSpeechRegion, Guard: guard("azure")}),
		NewDeepgram(DeepgramConfig{APIKey: cfg.DeepgramAPIKey, Guard: guard("deepgram")}),
	}
	for _, p := range providers {
		reg.Register(ctx, p)
	}
	return reg
}
