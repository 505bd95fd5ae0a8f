package store

import (
	"context"
	"database/sql"

	"callscore/internal/audit"
)

// AppendEvent implements audit.Repository.
func (s *Store) AppendEvent(ctx context.Context, e audit.Event) error {
	return s.tx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.insertEventTx(ctx, tx, e)
	})
}

func (s *Store) insertEventTx(ctx context.Context, tx *sql.Tx, e audit.Event) error {
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO call_events
		(id, org_id, call_id, type, from_status, to_status, actor, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.OrgID, e.CallID, string(e.Type), e.FromStatus, e.ToStatus, e.Actor, e.Message,
		toJSON(e.Metadata, "{}"), fmtTime(e.CreatedAt))
	return err
}

// ListEvents implements audit.Repository.
func (s *Store) ListEvents(ctx context.Context, callID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, org_id, call_id, type, from_status, to_status, actor, message, metadata, created_at
		FROM call_events WHERE call_id = ? ORDER BY created_at, id`), callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Event
	for rows.Next() {
		var (
			e            audit.Event
			typ, md, cat string
		)
		if err := rows.Scan(&e.ID, &e.OrgID, &e.CallID, &typ, &e.FromStatus, &e.ToStatus, &e.Actor, &e.Message, &md, &cat); err != nil {
			return nil, err
		}
		e.Type = audit.EventType(typ)
		if err := fromJSON(md, &e.Metadata); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(cat)
		out = append(out, e)
	}
	return out, rows.Err()
}
