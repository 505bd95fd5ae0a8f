package store

import (
	"context"
	"database/sql"
	"errors"

	"callscore/internal/calls"
)

const preferenceColumns = `user_id, telegram_enabled, telegram_chat_id, console_enabled, email_enabled,
	alert_low_score, alert_critical_issue, daily_digest, low_score_threshold, updated_at`

func (s *Store) GetPreferences(ctx context.Context, userID string) (calls.UserPreferences, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+preferenceColumns+` FROM user_preferences WHERE user_id = ?`), userID)
	p, err := scanPreferences(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.UserPreferences{}, ErrNotFound
	}
	return p, err
}

func (s *Store) UpsertPreferences(ctx context.Context, p calls.UserPreferences) (calls.UserPreferences, error) {
	p.UpdatedAt = s.now()
	err := s.tx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO user_preferences (`+preferenceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				telegram_enabled = excluded.telegram_enabled,
				telegram_chat_id = excluded.telegram_chat_id,
				console_enabled = excluded.console_enabled,
				email_enabled = excluded.email_enabled,
				alert_low_score = excluded.alert_low_score,
				alert_critical_issue = excluded.alert_critical_issue,
				daily_digest = excluded.daily_digest,
				low_score_threshold = excluded.low_score_threshold,
				updated_at = excluded.updated_at`),
			p.UserID, p.TelegramEnabled, nullString(p.TelegramChatID), p.ConsoleEnabled, p.EmailEnabled,
			p.AlertLowScore, p.AlertCriticalIssue, p.DailyDigest, p.LowScoreThreshold, fmtTime(p.UpdatedAt))
		return err
	})
	return p, err
}

func (s *Store) ListPreferences(ctx context.Context) ([]calls.UserPreferences, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+preferenceColumns+` FROM user_preferences ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []calls.UserPreferences
	for rows.Next() {
		p, err := scanPreferences(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPreferences(sc scanner) (calls.UserPreferences, error) {
	var (
		p       calls.UserPreferences
		chatID  sql.NullString
		updated string
	)
	err := sc.Scan(&p.UserID, &p.TelegramEnabled, &chatID, &p.ConsoleEnabled, &p.EmailEnabled,
		&p.AlertLowScore, &p.AlertCriticalIssue, &p.DailyDigest, &p.LowScoreThreshold, &updated)
	if err != nil {
		return calls.UserPreferences{}, err
	}
	p.TelegramChatID = chatID.String
	p.UpdatedAt = parseTime(updated)
	return p, nil
}
