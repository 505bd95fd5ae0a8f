package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"APP_ENV", "PORT", "QUEUE_BACKEND", "SCORE_THRESHOLD_ALERT", "SCORE_THRESHOLD_GOOD",
		"SCORE_THRESHOLD_EXCELLENT", "DAILY_DIGEST_TIME", "OPENROUTER_API_KEY", "LLM_MOCK",
		"NOTIFICATION_CHANNELS", "RUBRIC_PATH", "API_JWT_SECRET", "DOWNLOAD_TIMEOUT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_DefaultsStartWithoutKeys(t *testing.T) {
	clearEnv(t)
	c, err := Load()
	if err != nil {
		t.Fatalf("expected defaults to load, got %v", err)
	}
	if c.App.Port != 3000 || c.App.Env != "local" {
		t.Fatalf("unexpected app defaults: %+v", c.App)
	}
	if c.LLMConfigured() {
		t.Fatalf("LLM should be unavailable without a key")
	}
	sc, err := c.ScoringConfig()
	if err != nil {
		t.Fatalf("scoring config: %v", err)
	}
	if sc.AlertThreshold != 50 || sc.GoodThreshold != 70 || sc.ExcellentThreshold != 85 {
		t.Fatalf("unexpected thresholds: %+v", sc)
	}
}

func TestLoad_AccumulatesParseErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "abc")
	t.Setenv("SCORE_THRESHOLD_ALERT", "low")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "config errors:") || !strings.Contains(msg, "PORT") || !strings.Contains(msg, "SCORE_THRESHOLD_ALERT") {
		t.Fatalf("expected both errors in %q", msg)
	}
}

func TestValidate_ThresholdOrder(t *testing.T) {
	clearEnv(t)
	t.Setenv("SCORE_THRESHOLD_ALERT", "80")
	if _, err := Load(); err == nil {
		t.Fatalf("expected threshold order error")
	}
}

func TestValidate_DigestTime(t *testing.T) {
	clearEnv(t)
	t.Setenv("DAILY_DIGEST_TIME", "25:99")
	if _, err := Load(); err == nil {
		t.Fatalf("expected digest time error")
	}

	c := Config{Notify: NotifyConfig{DailyDigestTime: "07:30"}}
	spec, err := c.DigestCronSpec()
	if err != nil || spec != "30 7 * * *" {
		t.Fatalf("unexpected spec %q err=%v", spec, err)
	}
}

func TestValidate_ProductionRejectsMemoryQueue(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("QUEUE_BACKEND", "memory")
	if _, err := Load(); err == nil {
		t.Fatalf("expected memory queue to be rejected in production")
	}
}

func TestValidate_TokenTTLDefaultWhenSecretSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_JWT_SECRET", "secret")
	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Auth.TokenTTL != 30*24*time.Hour {
		t.Fatalf("expected default ttl, got %s", c.Auth.TokenTTL)
	}
}

func TestValidate_UnknownChannel(t *testing.T) {
	clearEnv(t)
	t.Setenv("NOTIFICATION_CHANNELS", "telegram,pager")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unknown channel error")
	}
}
