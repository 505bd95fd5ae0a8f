// Package store is the relational call store: calls, transcripts, analyses,
// notifications, user preferences and call events.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callscore/pkg/utils"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("store: not found")

const tsLayout = "2006-01-02T15:04:05.000000Z"

// Store implements the call store over database/sql. It works with the
// SQLite driver (default) and the pgx stdlib driver.
type Store struct {
	db     *sql.DB
	driver string
	clock  func() time.Time
	newID  func() string
}

func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver, clock: time.Now, newID: uuid.NewString}
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return utils.HealthCheck(ctx, s.db, 2*time.Second)
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) q(query string) string { return utils.Rebind(s.driver, query) }

func (s *Store) now() time.Time { return s.clock().UTC() }

func (s *Store) tx(ctx context.Context, fn utils.TxFunc) error {
	return utils.WithTx(ctx, s.db, nil, fn)
}

// Page is a 1-based page request.
type Page struct {
	Page  int
	Limit int
}

func (p Page) normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	return p
}

func (p Page) offset() int { return (p.Page - 1) * p.Limit }

func fmtTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func toJSON(v any, empty string) string {
	if v == nil {
		return empty
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}

func fromJSON(s string, dst any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}

type scanner interface {
	Scan(dest ...any) error
}
