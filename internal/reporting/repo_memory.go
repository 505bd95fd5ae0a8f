package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"callscore/internal/calls"
	"callscore/internal/store"
)

// MemoryRepo is an in-memory reporting repository for tests. It enforces org
// isolation on reads.
type MemoryRepo struct {
	mu sync.Mutex

	Analyses      []store.AnalysisRow
	Notifications []calls.Notification

	// Reads counts AnalysesBetween calls.
	Reads int
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) AnalysesBetween(_ context.Context, orgID string, from, to time.Time) ([]store.AnalysisRow, error) {
	if orgID == "" {
		return nil, errors.New("org_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Reads++
	out := make([]store.AnalysisRow, 0)
	for _, a := range r.Analyses {
		if a.OrgID != orgID {
			continue
		}
		if a.CreatedAt.Before(from) || !a.CreatedAt.Before(to) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *MemoryRepo) CountNotifications(_ context.Context, f store.NotificationFilter) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orgOf := make(map[string]string, len(r.Analyses))
	for _, a := range r.Analyses {
		orgOf[a.CallID] = a.OrgID
	}
	n := 0
	for _, x := range r.Notifications {
		if f.OrgID != "" && (x.CallID == "" || orgOf[x.CallID] != f.OrgID) {
			continue
		}
		if f.CallID != "" && x.CallID != f.CallID {
			continue
		}
		if f.Type != "" && x.Type != f.Type {
			continue
		}
		if f.Status != "" && x.Status != f.Status {
			continue
		}
		if f.Channel != "" && x.Channel != f.Channel {
			continue
		}
		if !f.From.IsZero() && x.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !x.CreatedAt.Before(f.To) {
			continue
		}
		n++
	}
	return n, nil
}
