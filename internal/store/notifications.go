package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"callscore/internal/calls"
)

const notificationColumns = `id, call_id, user_id, channel, type, message, status, metadata, dedupe_key, sent_at, created_at`

// AppendNotification writes one dispatch log row.
func (s *Store) AppendNotification(ctx context.Context, n calls.Notification) (calls.Notification, error) {
	if n.ID == "" {
		n.ID = s.newID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	if n.Status == "" {
		n.Status = calls.NotificationPending
	}
	err := s.tx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO notifications (`+notificationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			n.ID, nullString(n.CallID), nullString(n.UserID), string(n.Channel), string(n.Type), n.Message,
			string(n.Status), toJSON(n.Metadata, "{}"), n.DedupeKey, nullTime(n.SentAt), fmtTime(n.CreatedAt))
		return err
	})
	if err != nil {
		return calls.Notification{}, fmt.Errorf("append notification: %w", err)
	}
	return n, nil
}

// HasSentNotification reports whether a sent row exists for dedupeKey.
func (s *Store) HasSentNotification(ctx context.Context, dedupeKey string) (bool, error) {
	if dedupeKey == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM notifications WHERE dedupe_key = ? AND status = ?`),
		dedupeKey, string(calls.NotificationSent)).Scan(&n)
	return n > 0, err
}

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	// OrgID keeps notifications of that org's calls; call-less rows drop out.
	OrgID   string
	CallID  string
	Type    calls.NotificationType
	Status  calls.NotificationStatus
	Channel calls.Channel
	From    time.Time
	To      time.Time
	Page    Page
}

func (f NotificationFilter) where() (string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.OrgID != "" {
		add("call_id IN (SELECT id FROM calls WHERE org_id = ?)", f.OrgID)
	}
	if f.CallID != "" {
		add("call_id = ?", f.CallID)
	}
	if f.Type != "" {
		add("type = ?", string(f.Type))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Channel != "" {
		add("channel = ?", string(f.Channel))
	}
	if !f.From.IsZero() {
		add("created_at >= ?", fmtTime(f.From))
	}
	if !f.To.IsZero() {
		add("created_at < ?", fmtTime(f.To))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *Store) ListNotifications(ctx context.Context, f NotificationFilter) ([]calls.Notification, int, error) {
	clause, args := f.where()
	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM notifications`+clause), args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	p := f.Page.normalize()
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+notificationColumns+` FROM notifications`+clause+
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`), append(args, p.Limit, p.offset())...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []calls.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

// CountNotifications counts rows matching f, ignoring paging.
func (s *Store) CountNotifications(ctx context.Context, f NotificationFilter) (int, error) {
	clause, args := f.where()
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM notifications`+clause), args...).Scan(&n)
	return n, err
}

// NotificationStats groups the dispatch log.
type NotificationStats struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	ByType    map[string]int `json:"by_type"`
	ByChannel map[string]int `json:"by_channel"`
}

func (s *Store) NotificationStatistics(ctx context.Context, from, to time.Time) (NotificationStats, error) {
	st := NotificationStats{ByStatus: map[string]int{}, ByType: map[string]int{}, ByChannel: map[string]int{}}
	clause, args := NotificationFilter{From: from, To: to}.where()
	for col, into := range map[string]map[string]int{"status": st.ByStatus, "type": st.ByType, "channel": st.ByChannel} {
		if err := s.groupCount(ctx, `SELECT `+col+`, COUNT(*) FROM notifications`+clause+` GROUP BY `+col, args, into); err != nil {
			return NotificationStats{}, err
		}
	}
	for _, n := range st.ByStatus {
		st.Total += n
	}
	return st, nil
}

func scanNotification(sc scanner) (calls.Notification, error) {
	var (
		n                                       calls.Notification
		callID, userID, sentAt                  sql.NullString
		channel, typ, status, metadata, created string
	)
	if err := sc.Scan(&n.ID, &callID, &userID, &channel, &typ, &n.Message, &status, &metadata, &n.DedupeKey, &sentAt, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Notification{}, ErrNotFound
		}
		return calls.Notification{}, err
	}
	n.CallID, n.UserID = callID.String, userID.String
	n.Channel = calls.Channel(channel)
	n.Type = calls.NotificationType(typ)
	n.Status = calls.NotificationStatus(status)
	if err := fromJSON(metadata, &n.Metadata); err != nil {
		return calls.Notification{}, fmt.Errorf("notification %s metadata: %w", n.ID, err)
	}
	if sentAt.Valid {
		t := parseTime(sentAt.String)
		n.SentAt = &t
	}
	n.CreatedAt = parseTime(created)
	return n, nil
}
