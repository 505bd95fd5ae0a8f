package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"callscore/internal/apperr"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type backend struct {
	name  string
	q     Queue
	clock *fakeClock
}

func backends(t *testing.T) []backend {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rc := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rq := NewRedisQueue(rdb)
	rq.now = rc.Now

	mc := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	mq := NewMemoryQueue()
	mq.Now = mc.Now

	return []backend{{"redis", rq, rc}, {"memory", mq, mc}}
}

type payload struct {
	CallID string `json:"call_id"`
}

func TestEnqueue_DedupesOnJobID(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			id, created, err := b.q.Enqueue(ctx, Download, payload{"c1"}, Options{JobID: "download:c1", Priority: 3})
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, "download:c1", id)

			id2, created, err := b.q.Enqueue(ctx, Download, payload{"c1"}, Options{JobID: "download:c1", Priority: 3})
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, id, id2)

			// completed jobs still dedupe
			job, err := b.q.Reserve(ctx, Download)
			require.NoError(t, err)
			require.NotNil(t, job)
			require.NoError(t, b.q.Complete(ctx, job))
			_, created, err = b.q.Enqueue(ctx, Download, payload{"c1"}, Options{JobID: "download:c1"})
			require.NoError(t, err)
			assert.False(t, created)

			c, err := b.q.Counts(ctx, Download)
			require.NoError(t, err)
			assert.Equal(t, Counts{Completed: 1}, c)
		})
	}
}

func TestReserve_PriorityThenFIFO(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			for i, prio := range []int{5, 1, 5, 1} {
				_, _, err := b.q.Enqueue(ctx, Notify, payload{fmt.Sprint(i)}, Options{JobID: fmt.Sprint("j", i), Priority: prio})
				require.NoError(t, err)
				b.clock.Advance(time.Millisecond)
			}
			var order []string
			for {
				job, err := b.q.Reserve(ctx, Notify)
				require.NoError(t, err)
				if job == nil {
					break
				}
				order = append(order, job.ID)
				assert.Equal(t, 1, job.AttemptsMade)
				assert.Equal(t, Defaults[Notify].Attempts, job.Attempts)
			}
			assert.Equal(t, []string{"j1", "j3", "j0", "j2"}, order)
		})
	}
}

func TestRetry_DelaysUntilDue(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := b.q.Enqueue(ctx, Analyze, payload{"c1"}, Options{})
			require.NoError(t, err)
			job, err := b.q.Reserve(ctx, Analyze)
			require.NoError(t, err)
			require.NoError(t, b.q.Retry(ctx, job, 5*time.Second, errors.New("boom")))

			none, err := b.q.Reserve(ctx, Analyze)
			require.NoError(t, err)
			assert.Nil(t, none)

			b.clock.Advance(5 * time.Second)
			again, err := b.q.Reserve(ctx, Analyze)
			require.NoError(t, err)
			require.NotNil(t, again)
			assert.Equal(t, 2, again.AttemptsMade)
			assert.Equal(t, "boom", again.LastError)
			var p payload
			require.NoError(t, again.Decode(&p))
			assert.Equal(t, "c1", p.CallID)
		})
	}
}

func TestFail_TrimsFailedBin(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < KeepFailed+3; i++ {
				_, _, err := b.q.Enqueue(ctx, Notify, payload{}, Options{JobID: fmt.Sprint("f", i)})
				require.NoError(t, err)
				job, err := b.q.Reserve(ctx, Notify)
				require.NoError(t, err)
				require.NoError(t, b.q.Fail(ctx, job, errors.New("bad")))
			}
			c, err := b.q.Counts(ctx, Notify)
			require.NoError(t, err)
			assert.Equal(t, KeepFailed, c.Failed)

			jobs, err := b.q.FailedJobs(ctx, Notify, 2)
			require.NoError(t, err)
			require.Len(t, jobs, 2)
			assert.Equal(t, fmt.Sprint("f", KeepFailed+2), jobs[0].ID)
			assert.Equal(t, "bad", jobs[0].LastError)

			// the oldest hash was dropped, so its id can be enqueued again
			_, created, err := b.q.Enqueue(ctx, Notify, payload{}, Options{JobID: "f0"})
			require.NoError(t, err)
			assert.True(t, created)
		})
	}
}

func TestComplete_AfterLeaseLost(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := b.q.Enqueue(ctx, Download, payload{}, Options{Timeout: time.Minute, Attempts: 2})
			require.NoError(t, err)
			job, err := b.q.Reserve(ctx, Download)
			require.NoError(t, err)

			b.clock.Advance(time.Minute + leaseGrace + time.Second)
			failed, err := b.q.RecoverStalled(ctx, Download)
			require.NoError(t, err)
			assert.Empty(t, failed, "attempts left: job goes back to delayed")
			assert.ErrorIs(t, b.q.Complete(ctx, job), ErrNotActive)

			b.clock.Advance(Defaults[Download].Backoff)
			job, err = b.q.Reserve(ctx, Download)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, 2, job.AttemptsMade)

			b.clock.Advance(time.Minute + leaseGrace + time.Second)
			failed, err = b.q.RecoverStalled(ctx, Download)
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, job.ID, failed[0].ID)
			assert.Contains(t, failed[0].LastError, "stalled")
		})
	}
}

func TestWorker_Outcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("fatal fails immediately and runs hook", func(t *testing.T) {
		q := NewMemoryQueue()
		var hooked []string
		w := NewWorker(q, WorkerConfig{Queue: Transcribe, OnFailed: func(_ context.Context, j *Job, err error) {
			hooked = append(hooked, j.ID+":"+apperr.From(err).Code)
		}}, func(context.Context, *Job) error {
			return apperr.Unauthorized("bad key")
		})
		_, _, err := q.Enqueue(ctx, Transcribe, payload{"c1"}, Options{JobID: "t1"})
		require.NoError(t, err)

		ok, err := w.ProcessOne(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []string{"t1:UNAUTHORIZED"}, hooked)
		c, _ := q.Counts(ctx, Transcribe)
		assert.Equal(t, 1, c.Failed)
	})

	t.Run("retryable exhausts attempts", func(t *testing.T) {
		q := NewMemoryQueue()
		q.SkipDelays = true
		calls := 0
		hooks := 0
		w := NewWorker(q, WorkerConfig{Queue: Analyze, OnFailed: func(context.Context, *Job, error) { hooks++ }},
			func(context.Context, *Job) error {
				calls++
				return apperr.Retryable("upstream 503", nil)
			})
		_, _, err := q.Enqueue(ctx, Analyze, payload{}, Options{})
		require.NoError(t, err)
		for {
			ok, err := w.ProcessOne(ctx)
			require.NoError(t, err)
			if !ok {
				break
			}
		}
		assert.Equal(t, Defaults[Analyze].Attempts, calls)
		assert.Equal(t, 1, hooks)
	})

	t.Run("retry honors retry_after", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(0, 0)}
		q := NewMemoryQueue()
		q.Now = clock.Now
		w := NewWorker(q, WorkerConfig{Queue: Notify}, func(context.Context, *Job) error {
			return apperr.RateLimited("slow down", time.Minute)
		})
		_, _, err := q.Enqueue(ctx, Notify, payload{}, Options{})
		require.NoError(t, err)
		_, err = w.ProcessOne(ctx)
		require.NoError(t, err)

		clock.Advance(30 * time.Second)
		ok, _ := w.ProcessOne(ctx)
		assert.False(t, ok)
		clock.Advance(31 * time.Second)
		ok, _ = w.ProcessOne(ctx)
		assert.True(t, ok)
	})

	t.Run("panic is fatal", func(t *testing.T) {
		q := NewMemoryQueue()
		failed := false
		w := NewWorker(q, WorkerConfig{Queue: Download, OnFailed: func(context.Context, *Job, error) { failed = true }},
			func(context.Context, *Job) error { panic("nil map") })
		_, _, err := q.Enqueue(ctx, Download, payload{}, Options{})
		require.NoError(t, err)
		_, err = w.ProcessOne(ctx)
		require.NoError(t, err)
		assert.True(t, failed)
	})
}

func TestBackoffDelay(t *testing.T) {
	j := &Job{Backoff: 3 * time.Second}
	for attempt, want := range map[int]time.Duration{1: 3 * time.Second, 2: 6 * time.Second, 3: 12 * time.Second} {
		j.AttemptsMade = attempt
		assert.Equal(t, want, j.BackoffDelay())
	}
}

func TestGate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	g := NewGate(rdb, Transcribe, 1, time.Minute)
	ok, err := g.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = g.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, g.Release(ctx))
	ok, err = g.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
