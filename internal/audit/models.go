package audit

import "time"

// Event is an immutable, append-only record of something that happened to a
// call: a status transition committed by a worker, or an operator action taken
// through the API.
//
// Invariants:
// - Events are never updated or deleted (except by call cascade).
// - status_changed events are written in the same transaction as the advance.
type Event struct {
	ID     string    `json:"id"`
	OrgID  string    `json:"org_id"`
	CallID string    `json:"call_id"`
	Type   EventType `json:"type"`

	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`

	// Actor is the worker queue name or "api" for operator actions.
	Actor string `json:"actor,omitempty"`

	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventTypeStatusChanged EventType = "status_changed"
	EventTypeAPIAction     EventType = "api_action"
)
