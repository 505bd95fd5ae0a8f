package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"callscore/internal/apperr"
	"callscore/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Handler processes one job. Returning an error classified fatal by
// apperr.IsFatal fails the job immediately; any other error is retried with
// backoff until attempts run out.
type Handler func(ctx context.Context, job *Job) error

// FailureHook runs once when a job lands in the failed bin.
type FailureHook func(ctx context.Context, job *Job, cause error)

// Observer receives job outcomes (completed, retried, failed).
type Observer interface {
	ObserveJob(queue string, outcome string, d time.Duration)
}

type WorkerConfig struct {
	Queue        Name
	Concurrency  int
	PollInterval time.Duration
	ReapInterval time.Duration
	Gate         *Gate
	Logger       *slog.Logger
	Observer     Observer
	OnFailed     FailureHook
}

type Worker struct {
	q       Queue
	cfg     WorkerConfig
	handler Handler
	log     *slog.Logger
}

func NewWorker(q Queue, cfg WorkerConfig, h Handler) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = Defaults[cfg.Queue].Concurrency
		if cfg.Concurrency <= 0 {
			cfg.Concurrency = 1
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{q: q, cfg: cfg, handler: h, log: log.With("queue", string(cfg.Queue))}
}

func (w *Worker) Name() Name { return w.cfg.Queue }

// Run processes jobs with Concurrency goroutines and reaps stalled jobs until
// ctx is cancelled. In-flight jobs finish before Run returns.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(w.cfg.ReapInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := w.Reap(ctx); err != nil && ctx.Err() == nil {
					w.log.Warn("reap stalled jobs failed", "err", err)
				}
			}
		}
	}()
	w.log.Info("worker started", "concurrency", w.cfg.Concurrency)
	wg.Wait()
	w.log.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Warn("queue poll failed", "err", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessOne reserves and handles at most one job. It reports whether a job
// was handled.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	if w.cfg.Gate != nil {
		ok, err := w.cfg.Gate.Acquire(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		defer func() {
			// Release even when ctx is already cancelled.
			_ = w.cfg.Gate.Release(context.WithoutCancel(ctx))
		}()
	}

	job, err := w.q.Reserve(ctx, w.cfg.Queue)
	if err != nil || job == nil {
		return false, err
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *Job) {
	log := w.log.With("job_id", job.ID, "attempt", job.AttemptsMade)
	start := time.Now()

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	err := w.safeCall(runCtx, job)
	// Bookkeeping must not be lost to shutdown.
	bg := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		if cerr := w.q.Complete(bg, job); cerr != nil {
			log.Warn("complete job failed", "err", cerr)
		}
		w.observe("completed", start)
		log.Debug("job completed", "duration_ms", time.Since(start).Milliseconds())

	case apperr.IsFatal(err) || job.Exhausted():
		if ferr := w.q.Fail(bg, job, err); ferr != nil {
			log.Warn("fail job failed", "err", ferr)
			if errors.Is(ferr, ErrNotActive) {
				return
			}
		}
		w.observe("failed", start)
		logFailure(log, err, "job failed", "exhausted", job.Exhausted())
		if w.cfg.OnFailed != nil {
			w.cfg.OnFailed(bg, job, err)
		}

	default:
		delay := job.BackoffDelay()
		if ra := apperr.RetryAfterOf(err); ra > delay {
			delay = ra
		}
		if rerr := w.q.Retry(bg, job, delay, err); rerr != nil {
			log.Warn("retry job failed", "err", rerr)
		}
		w.observe("retried", start)
		log.Warn("job retry scheduled", "err", err, "delay_ms", delay.Milliseconds())
	}
}

// safeCall turns a handler panic into a fatal error.
func (w *Worker) safeCall(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job handler panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = apperr.Fatal(apperr.CodeInternal, fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	return w.handler(ctx, job)
}

// Reap reclaims stalled jobs and runs the failure hook for exhausted ones.
func (w *Worker) Reap(ctx context.Context) (int, error) {
	failed, err := w.q.RecoverStalled(ctx, w.cfg.Queue)
	for _, job := range failed {
		w.observe("failed", time.Now())
		w.log.Warn("stalled job failed", "job_id", job.ID, "attempts", job.AttemptsMade)
		if w.cfg.OnFailed != nil {
			w.cfg.OnFailed(ctx, job, errors.New(job.LastError))
		}
	}
	return len(failed), err
}

func (w *Worker) observe(outcome string, start time.Time) {
	if w.cfg.Observer != nil {
		w.cfg.Observer.ObserveJob(string(w.cfg.Queue), outcome, time.Since(start))
	}
}

// logFailure logs operational errors at warn and programmer errors at error.
func logFailure(log *slog.Logger, err error, msg string, args ...any) {
	args = append(args, "err", err)
	if e, ok := apperr.As(err); ok {
		args = append(args, "code", e.Code)
		if !e.Operational {
			log.Error(msg, args...)
			return
		}
	}
	log.Warn(msg, args...)
}

// Gate caps in-flight jobs of one queue across processes with a redis
// counter. The TTL releases slots held by crashed processes.
type Gate struct {
	rdb   *redis.Client
	key   string
	limit int
	ttl   time.Duration
}

func NewGate(rdb *redis.Client, name Name, limit int, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = Defaults[name].Timeout + leaseGrace
	}
	return &Gate{rdb: rdb, key: "callscore:cap:" + string(name), limit: limit, ttl: ttl}
}

func (g *Gate) Acquire(ctx context.Context) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, g.rdb, g.key, g.limit, g.ttl)
}

func (g *Gate) Release(ctx context.Context) error {
	return utils.ReleaseConcurrencyCap(ctx, g.rdb, g.key)
}
