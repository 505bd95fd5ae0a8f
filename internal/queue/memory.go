package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process backend with the same semantics as
// RedisQueue. Jobs are lost on restart; it backs tests and QUEUE_BACKEND=memory.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[Name]*memQueue

	// Now is the clock. SkipDelays makes retries and delays due immediately.
	Now        func() time.Time
	SkipDelays bool
}

type memQueue struct {
	jobs      map[string]*memJob
	seq       int64
	completed []string
	failed    []string
}

type memJob struct {
	job   Job
	seq   int64
	runAt time.Time
	lease time.Time
}

func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{queues: map[Name]*memQueue{}, Now: time.Now}
	for _, n := range Names {
		q.queues[n] = &memQueue{jobs: map[string]*memJob{}}
	}
	return q
}

func (q *MemoryQueue) get(name Name) (*memQueue, error) {
	mq, ok := q.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return mq, nil
}

func (q *MemoryQueue) Enqueue(_ context.Context, name Name, payload any, opts Options) (string, bool, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, err := q.get(name)
	if err != nil {
		return "", false, err
	}
	opts = opts.withDefaults(name)
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := mq.jobs[id]; exists {
		return id, false, nil
	}
	now := q.Now()
	mq.seq++
	mj := &memJob{
		job: Job{
			ID: id, Queue: name, Payload: raw, Priority: opts.Priority,
			Attempts: opts.Attempts, Backoff: opts.Backoff, Timeout: opts.Timeout,
			State: StateWaiting, CreatedAt: now.UTC(),
		},
		seq: mq.seq,
	}
	if opts.Delay > 0 && !q.SkipDelays {
		mj.job.State = StateDelayed
		mj.runAt = now.Add(opts.Delay)
	}
	mq.jobs[id] = mj
	return id, true, nil
}

func (q *MemoryQueue) Reserve(_ context.Context, name Name) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, err := q.get(name)
	if err != nil {
		return nil, err
	}
	now := q.Now()
	var best *memJob
	for _, mj := range mq.jobs {
		if mj.job.State == StateDelayed && !now.Before(mj.runAt) {
			mj.job.State = StateWaiting
			mq.seq++
			mj.seq = mq.seq
		}
		if mj.job.State != StateWaiting {
			continue
		}
		if best == nil || mj.job.Priority < best.job.Priority ||
			(mj.job.Priority == best.job.Priority && mj.seq < best.seq) {
			best = mj
		}
	}
	if best == nil {
		return nil, nil
	}
	best.job.State = StateActive
	best.job.AttemptsMade++
	best.lease = now.Add(best.job.Timeout + leaseGrace)
	j := best.job
	return &j, nil
}

func (q *MemoryQueue) active(job *Job) (*memQueue, *memJob, error) {
	mq, err := q.get(job.Queue)
	if err != nil {
		return nil, nil, err
	}
	mj, ok := mq.jobs[job.ID]
	if !ok || mj.job.State != StateActive {
		return nil, nil, ErrNotActive
	}
	return mq, mj, nil
}

func (q *MemoryQueue) Complete(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, mj, err := q.active(job)
	if err != nil {
		return err
	}
	mj.job.State = StateCompleted
	mj.job.FinishedAt = q.Now().UTC()
	mq.completed = pushTrim(mq, mq.completed, job.ID, KeepCompleted)
	job.State = StateCompleted
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, job *Job, delay time.Duration, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, mj, err := q.active(job)
	if err != nil {
		return err
	}
	if q.SkipDelays {
		delay = 0
	}
	mj.job.State = StateDelayed
	mj.job.LastError = errString(cause)
	mj.runAt = q.Now().Add(delay)
	job.State, job.LastError = StateDelayed, mj.job.LastError
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, job *Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, mj, err := q.active(job)
	if err != nil {
		return err
	}
	q.failLocked(mq, mj, errString(cause))
	job.State, job.LastError = StateFailed, mj.job.LastError
	return nil
}

func (q *MemoryQueue) failLocked(mq *memQueue, mj *memJob, msg string) {
	mj.job.State = StateFailed
	mj.job.LastError = msg
	mj.job.FinishedAt = q.Now().UTC()
	mq.failed = pushTrim(mq, mq.failed, mj.job.ID, KeepFailed)
}

// pushTrim prepends id and drops the jobs that fall off the end.
func pushTrim(mq *memQueue, list []string, id string, keep int) []string {
	list = append([]string{id}, list...)
	if len(list) > keep {
		for _, old := range list[keep:] {
			delete(mq.jobs, old)
		}
		list = list[:keep]
	}
	return list
}

func (q *MemoryQueue) RecoverStalled(_ context.Context, name Name) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, err := q.get(name)
	if err != nil {
		return nil, err
	}
	now := q.Now()
	var failed []*Job
	for _, mj := range mq.jobs {
		if mj.job.State != StateActive || now.Before(mj.lease) {
			continue
		}
		if mj.job.Exhausted() {
			q.failLocked(mq, mj, "job stalled: lease expired")
			j := mj.job
			failed = append(failed, &j)
			continue
		}
		mj.job.State = StateDelayed
		mj.job.LastError = "job stalled: lease expired"
		mj.runAt = now.Add(mj.job.Backoff)
	}
	return failed, nil
}

func (q *MemoryQueue) Counts(_ context.Context, name Name) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, err := q.get(name)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, mj := range mq.jobs {
		switch mj.job.State {
		case StateWaiting:
			c.Waiting++
		case StateDelayed:
			c.Delayed++
		case StateActive:
			c.Active++
		}
	}
	c.Completed, c.Failed = len(mq.completed), len(mq.failed)
	return c, nil
}

func (q *MemoryQueue) FailedJobs(_ context.Context, name Name, limit int) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, err := q.get(name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	var out []*Job
	for _, id := range mq.failed {
		if len(out) == limit {
			break
		}
		if mj, ok := mq.jobs[id]; ok {
			j := mj.job
			out = append(out, &j)
		}
	}
	return out, nil
}

// Jobs returns a snapshot of every retained job in name, oldest first.
func (q *MemoryQueue) Jobs(name Name) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, ok := q.queues[name]
	if !ok {
		return nil
	}
	out := make([]Job, 0, len(mq.jobs))
	for _, mj := range mq.jobs {
		out = append(out, mj.job)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

func (q *MemoryQueue) Ping(context.Context) error { return nil }
