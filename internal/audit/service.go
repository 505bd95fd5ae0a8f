package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for call events.
//
// It MUST be append-only.
type Repository interface {
	AppendEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, callID string) ([]Event, error)
}

// Service records operator actions against calls. Callers treat it as
// best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

// Normalize validates e and fills the id and timestamp.
func Normalize(e Event, now time.Time) (Event, error) {
	if e.CallID == "" || e.Type == "" {
		return Event{}, ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
	return e, nil
}

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	e, err := Normalize(e, s.clock())
	if err != nil {
		return err
	}
	return s.repo.AppendEvent(ctx, e)
}

// LogAPIAction records an action an operator triggered over HTTP.
func (s *Service) LogAPIAction(ctx context.Context, orgID, callID, message string, metadata map[string]any) error {
	return s.Append(ctx, Event{
		OrgID:    orgID,
		CallID:   callID,
		Type:     EventTypeAPIAction,
		Actor:    "api",
		Message:  message,
		Metadata: metadata,
	})
}

// History lists a call's events oldest first.
func (s *Service) History(ctx context.Context, callID string) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.ListEvents(ctx, callID)
}
