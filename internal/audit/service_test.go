package audit

import (
	"context"
	"testing"
	"time"
)

func TestService_AppendRequiresCallAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeAPIAction}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{CallID: "c1"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_LogAPIActionFillsIDAndTime(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	fixed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return fixed }

	if err := svc.LogAPIAction(context.Background(), "org", "c1", "reanalyze requested", map[string]any{"model": "x"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs, err := svc.History(context.Background(), "c1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	e := evs[0]
	if e.ID == "" || !e.CreatedAt.Equal(fixed) || e.Actor != "api" || e.Type != EventTypeAPIAction {
		t.Fatalf("unexpected event: %+v", e)
	}
	if other, _ := svc.History(context.Background(), "c2"); len(other) != 0 {
		t.Fatalf("expected no events for another call")
	}
}
