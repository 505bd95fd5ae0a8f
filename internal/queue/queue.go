// Package queue is the durable job queue: four named queues with per-job
// attempts, exponential backoff, priority and timeouts. Delivery is
// at-least-once; handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Name string

const (
	Download   Name = "download"
	Transcribe Name = "transcribe"
	Analyze    Name = "analyze"
	Notify     Name = "notify"
)

// Names lists the queues in pipeline order.
var Names = []Name{Download, Transcribe, Analyze, Notify}

const (
	// KeepCompleted and KeepFailed bound the finished-job bins.
	KeepCompleted = 50
	KeepFailed    = 100

	// leaseGrace is added to a job's timeout before the reaper reclaims it.
	leaseGrace = 30 * time.Second
)

var (
	ErrUnknownQueue = errors.New("queue: unknown queue")
	// ErrNotActive means the job's lease was lost (reclaimed by the reaper).
	ErrNotActive = errors.New("queue: job is not active")
)

// Settings are the per-stage defaults.
type Settings struct {
	Attempts    int
	Backoff     time.Duration
	Timeout     time.Duration
	Concurrency int
}

var Defaults = map[Name]Settings{
	Download:   {Attempts: 5, Backoff: 3 * time.Second, Timeout: 5 * time.Minute, Concurrency: 2},
	Transcribe: {Attempts: 3, Backoff: 5 * time.Second, Timeout: 30 * time.Minute, Concurrency: 1},
	Analyze:    {Attempts: 3, Backoff: 5 * time.Second, Timeout: 10 * time.Minute, Concurrency: 1},
	Notify:     {Attempts: 5, Backoff: 2 * time.Second, Timeout: 2 * time.Minute, Concurrency: 5},
}

// Options control one enqueue. Zero values take the queue defaults.
type Options struct {
	// JobID dedupes: enqueueing an id that still exists is a no-op.
	JobID    string
	Priority int
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
	Delay    time.Duration
}

func (o Options) withDefaults(name Name) Options {
	d := Defaults[name]
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.Priority < 0 {
		o.Priority = 0
	}
	return o
}

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one unit of work. AttemptsMade counts the current attempt once the
// job is reserved.
type Job struct {
	ID           string          `json:"id"`
	Queue        Name            `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attempts_made"`
	Backoff      time.Duration   `json:"backoff"`
	Timeout      time.Duration   `json:"timeout"`
	State        State           `json:"state"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	FinishedAt   time.Time       `json:"finished_at,omitzero"`
}

func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s job %s: %w", j.Queue, j.ID, err)
	}
	return nil
}

// Exhausted reports whether no attempt is left after the current one.
func (j *Job) Exhausted() bool {
	return j.AttemptsMade >= j.Attempts
}

// BackoffDelay is base * 2^(attempt-1) for the attempt just made.
func (j *Job) BackoffDelay() time.Duration {
	n := j.AttemptsMade
	if n < 1 {
		n = 1
	}
	if n > 16 {
		n = 16
	}
	return j.Backoff * time.Duration(1<<(n-1))
}

// Counts summarises a queue.
type Counts struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is the backend contract. Reserve returns (nil, nil) when nothing is
// due.
type Queue interface {
	Enqueue(ctx context.Context, name Name, payload any, opts Options) (id string, created bool, err error)
	Reserve(ctx context.Context, name Name) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, delay time.Duration, cause error) error
	Fail(ctx context.Context, job *Job, cause error) error
	// RecoverStalled reclaims jobs whose lease expired. Jobs with attempts
	// left are delayed; exhausted jobs are failed and returned.
	RecoverStalled(ctx context.Context, name Name) ([]*Job, error)
	Counts(ctx context.Context, name Name) (Counts, error)
	FailedJobs(ctx context.Context, name Name, limit int) ([]*Job, error)
	Ping(ctx context.Context) error
}

func validName(n Name) bool {
	_, ok := Defaults[n]
	return ok
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal payload: %w", err)
	}
	return b, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
