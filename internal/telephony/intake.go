package telephony

import (
	"context"
	"errors"
	"log/slog"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/store"
)

// CallStore creates calls idempotently on external_call_sid. GetCallBySID
// returns store.ErrNotFound for an unknown sid.
type CallStore interface {
	GetCallBySID(ctx context.Context, sid string) (calls.Call, error)
	CreateCall(ctx context.Context, c calls.Call) (calls.Call, bool, error)
}

// Enqueuer queues the first pipeline stage. created is false when the job
// already exists.
type Enqueuer interface {
	EnqueueDownload(ctx context.Context, callID string) (jobID string, created bool, err error)
}

const (
	OutcomeProcessed = "processed"
	OutcomeIgnored   = "ignored"
)

// Result is the webhook outcome returned to the vendor.
type Result struct {
	Status    string `json:"status"`
	CallID    string `json:"call_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Intake ingests completion events for one organization.
type Intake struct {
	store CallStore
	jobs  Enqueuer
	orgID string
	log   *slog.Logger
}

func NewIntake(store CallStore, jobs Enqueuer, orgID string, log *slog.Logger) *Intake {
	if log == nil {
		log = slog.Default()
	}
	return &Intake{store: store, jobs: jobs, orgID: orgID, log: log}
}

// Ingest stores the call in status received and queues its download. A
// repeated event returns the existing call and queues nothing: a call that
// already exists has had its download queued, and calls stranded by a crash
// between the two steps are picked up by the resume sweep.
func (in *Intake) Ingest(ctx context.Context, ev CompletionEvent) (Result, error) {
	if ev.ProviderCallID == "" {
		return Result{}, apperr.Validation("call_sid is required")
	}
	if reason := ev.IgnoreReason(); reason != "" {
		in.log.Info("webhook ignored", "call_sid", ev.ProviderCallID, "reason", reason)
		return Result{Status: OutcomeIgnored, Reason: reason}, nil
	}

	existing, err := in.store.GetCallBySID(ctx, ev.ProviderCallID)
	switch {
	case err == nil:
		return in.duplicate(ev, existing), nil
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, apperr.Retryable("look up call", err)
	}

	// A concurrent delivery can still win the insert; CreateCall reports it.
	call, created, err := in.store.CreateCall(ctx, ev.Call(in.orgID))
	if err != nil {
		return Result{}, apperr.Retryable("store call", err)
	}
	if !created {
		return in.duplicate(ev, call), nil
	}

	jobID, _, err := in.jobs.EnqueueDownload(ctx, call.ID)
	if err != nil {
		// The call exists; the resume sweep queues its download.
		return Result{}, apperr.Unavailable("queue download job").WithCause(err).WithDetail("call_id", call.ID)
	}
	in.log.Info("call received", "call_sid", ev.ProviderCallID, "call_id", call.ID, "job_id", jobID,
		"duration_s", derefInt(ev.DurationSeconds))
	return Result{Status: OutcomeProcessed, CallID: call.ID, JobID: jobID}, nil
}

func (in *Intake) duplicate(ev CompletionEvent, call calls.Call) Result {
	in.log.Info("duplicate webhook", "call_sid", ev.ProviderCallID, "call_id", call.ID, "status", call.Status)
	return Result{Status: OutcomeProcessed, CallID: call.ID, Duplicate: true}
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
