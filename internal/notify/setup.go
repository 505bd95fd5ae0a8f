package notify

import (
	"log/slog"
	"strings"

	"callscore/internal/calls"
	"callscore/internal/config"
	"callscore/internal/scoring"
)

// FromConfig wires the telegram, console and email channels. Channels whose
// credentials are missing run in mock mode.
func FromConfig(cfg config.NotifyConfig, store Store, sc scoring.Config, log *slog.Logger) *Router {
	var to []string
	for _, addr := range strings.Split(cfg.EmailTo, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	settings := Settings{
		Enabled:            cfg.Enabled,
		AlertLowScore:      cfg.AlertLowScore,
		AlertCriticalIssue: cfg.AlertCriticalIssue,
		DailyDigest:        cfg.DailyDigestEnabled,
	}
	for _, name := range cfg.Channels {
		if ch, ok := calls.ParseChannel(name); ok {
			settings.Channels = append(settings.Channels, ch)
		}
	}
	return NewRouter(store, sc, settings, log,
		NewTelegram(TelegramConfig{BotToken: cfg.TelegramBotToken, ChatID: cfg.TelegramChatID}, log),
		NewConsole(log),
		NewEmail(EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			To:       to,
		}, log),
	)
}
