package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"callscore/internal/audit"
	"callscore/internal/calls"
)

const callColumns = `id, org_id, agent_id, external_call_sid, recording_url, local_audio_path,
	duration_seconds, direction, caller_number, callee_number, status, metadata, created_at, updated_at`

// EnsureOrganization creates the organization if it does not exist.
func (s *Store) EnsureOrganization(ctx context.Context, org calls.Organization) error {
	if org.ID == "" {
		return errors.New("store: organization id is required")
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO organizations (id, name, settings, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		org.ID, org.Name, toJSON(org.Settings, "{}"), fmtTime(s.now()))
	return err
}

// CreateCall inserts c in status received. When external_call_sid already
// exists the existing row is returned unmodified and created is false.
func (s *Store) CreateCall(ctx context.Context, c calls.Call) (out calls.Call, created bool, err error) {
	if c.ExternalCallSID == "" {
		return calls.Call{}, false, errors.New("store: external_call_sid is required")
	}
	if c.OrgID == "" {
		return calls.Call{}, false, errors.New("store: org_id is required")
	}
	now := s.now()
	if c.ID == "" {
		c.ID = s.newID()
	}
	c.Status = calls.StatusReceived
	c.CreatedAt, c.UpdatedAt = now, now

	var duration sql.NullInt64
	if c.DurationSeconds != nil {
		duration = sql.NullInt64{Int64: int64(*c.DurationSeconds), Valid: true}
	}

	err = s.tx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`INSERT INTO calls (`+callColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (external_call_sid) DO NOTHING`),
			c.ID, c.OrgID, nullString(c.AgentID), c.ExternalCallSID, c.RecordingURL, nullString(c.LocalAudioPath),
			duration, nullString(string(c.Direction)), c.CallerNumber, c.CalleeNumber, string(c.Status),
			toJSON(c.Metadata, "{}"), fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		row := tx.QueryRowContext(ctx, s.q(`SELECT `+callColumns+` FROM calls WHERE external_call_sid = ?`), c.ExternalCallSID)
		out, err = scanCall(row)
		return err
	})
	if err != nil {
		return calls.Call{}, false, fmt.Errorf("create call: %w", err)
	}
	return out, created, nil
}

func (s *Store) GetCall(ctx context.Context, id string) (calls.Call, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+callColumns+` FROM calls WHERE id = ?`), id)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Call{}, ErrNotFound
	}
	return c, err
}

// GetCallBySID looks a call up by the vendor's call id.
func (s *Store) GetCallBySID(ctx context.Context, sid string) (calls.Call, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+callColumns+` FROM calls WHERE external_call_sid = ?`), sid)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Call{}, ErrNotFound
	}
	return c, err
}

// CallFilter narrows ListCalls.
type CallFilter struct {
	OrgID    string
	Statuses []calls.Status
	Page     Page
}

func (s *Store) ListCalls(ctx context.Context, f CallFilter) ([]calls.Call, int, error) {
	var where []string
	var args []any
	if f.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, f.OrgID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM calls`+clause), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	p := f.Page.normalize()
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+callColumns+` FROM calls`+clause+
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`), append(args, p.Limit, p.offset())...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []calls.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// CallsInStatus lists up to limit calls currently in one of statuses.
func (s *Store) CallsInStatus(ctx context.Context, limit int, statuses ...calls.Status) ([]calls.Call, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	out, _, err := s.ListCalls(ctx, CallFilter{Statuses: statuses, Page: Page{Page: 1, Limit: limit}})
	return out, err
}

// DeleteCall removes the call; transcripts, analyses, notifications and events
// cascade.
func (s *Store) DeleteCall(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM calls WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceStatus is the conditional update used by workers. It fails with
// calls.ErrIllegalTransition when the call is not currently in from.
func (s *Store) AdvanceStatus(ctx context.Context, callID string, from, to calls.Status, actor, message string) error {
	return s.tx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.advanceTx(ctx, tx, callID, from, to, actor, message)
	})
}

// MarkDownloaded records the audio path and advances received -> downloaded.
func (s *Store) MarkDownloaded(ctx context.Context, callID, localPath string) error {
	return s.tx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.advanceTx(ctx, tx, callID, calls.StatusReceived, calls.StatusDownloaded, "download", "audio stored"); err != nil {
			return err
		}
		return s.setLocalAudioPathTx(ctx, tx, callID, localPath)
	})
}

func (s *Store) setLocalAudioPathTx(ctx context.Context, tx *sql.Tx, callID, localPath string) error {
	res, err := tx.ExecContext(ctx, s.q(`UPDATE calls SET local_audio_path = ?, updated_at = ? WHERE id = ?`),
		nullString(localPath), fmtTime(s.now()), callID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) advanceTx(ctx context.Context, tx *sql.Tx, callID string, from, to calls.Status, actor, message string) error {
	if err := calls.CheckAdvance(from, to); err != nil {
		return err
	}
	now := s.now()
	res, err := tx.ExecContext(ctx, s.q(`UPDATE calls SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(to), fmtTime(now), callID, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	var orgID, current string
	err = tx.QueryRowContext(ctx, s.q(`SELECT org_id, status FROM calls WHERE id = ?`), callID).Scan(&orgID, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: call %s is %s, expected %s", calls.ErrIllegalTransition, callID, current, from)
	}

	ev, err := audit.Normalize(audit.Event{
		ID:         s.newID(),
		OrgID:      orgID,
		CallID:     callID,
		Type:       audit.EventTypeStatusChanged,
		FromStatus: string(from),
		ToStatus:   string(to),
		Actor:      actor,
		Message:    message,
	}, now)
	if err != nil {
		return err
	}
	return s.insertEventTx(ctx, tx, ev)
}

func scanCall(sc scanner) (calls.Call, error) {
	var (
		c                          calls.Call
		agent, local, direction    sql.NullString
		duration                   sql.NullInt64
		status, metadata, cat, uat string
	)
	if err := sc.Scan(&c.ID, &c.OrgID, &agent, &c.ExternalCallSID, &c.RecordingURL, &local,
		&duration, &direction, &c.CallerNumber, &c.CalleeNumber, &status, &metadata, &cat, &uat); err != nil {
		return calls.Call{}, err
	}
	c.AgentID = agent.String
	c.LocalAudioPath = local.String
	if duration.Valid {
		d := int(duration.Int64)
		c.DurationSeconds = &d
	}
	c.Direction = calls.Direction(direction.String)
	c.Status = calls.Status(status)
	if err := fromJSON(metadata, &c.Metadata); err != nil {
		return calls.Call{}, fmt.Errorf("call %s metadata: %w", c.ID, err)
	}
	c.CreatedAt = parseTime(cat)
	c.UpdatedAt = parseTime(uat)
	return c, nil
}

// touchInStatusTx guards re-analysis, which keeps the call in analyzed.
func (s *Store) touchInStatusTx(ctx context.Context, tx *sql.Tx, callID string, status calls.Status) error {
	res, err := tx.ExecContext(ctx, s.q(`UPDATE calls SET updated_at = ? WHERE id = ? AND status = ?`),
		fmtTime(s.now()), callID, string(status))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: call %s is not %s", calls.ErrIllegalTransition, callID, status)
	}
	return nil
}
