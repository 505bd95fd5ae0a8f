// Package scheduler runs periodic jobs on a UTC cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"callscore/internal/notify"
	"callscore/internal/reporting"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron that recovers panics and skips a run while the
// previous one is still going.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
}

func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log: log,
	}
}

// Add registers fn under spec (five-field cron, UTC).
func (s *Scheduler) Add(name, spec string, timeout time.Duration, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.log.Error("scheduled job failed", "job", name, "err", err)
			return
		}
		s.log.Info("scheduled job done", "job", name, "duration_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.log.Info("job scheduled", "job", name, "spec", spec, "tz", "UTC")
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for running jobs or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Entries reports how many jobs are scheduled.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

// DigestSender builds the day's digest and sends it once per date.
type DigestSender struct {
	Reports *reporting.Service
	Router  *notify.Router
	OrgID   string
	Log     *slog.Logger
}

// Send delivers the digest of date. Without force, a date that was already
// sent on a channel is skipped there.
func (d DigestSender) Send(ctx context.Context, date time.Time, force bool) (reporting.Digest, []notify.Dispatch, error) {
	dg, err := d.Reports.Daily(ctx, reporting.DailyRequest{OrgID: d.OrgID, Date: date})
	if err != nil {
		return reporting.Digest{}, nil, err
	}
	title, text := reporting.FormatDigest(dg)
	out, err := d.Router.SendDigest(ctx, dg.Date, title, text, force)
	return dg, out, err
}

// Run is the scheduled entry point: today's digest, deduped per date.
func (d DigestSender) Run(ctx context.Context) error {
	if !d.Router.Settings().DailyDigest {
		return nil
	}
	dg, out, err := d.Send(ctx, d.Reports.Today(), false)
	if d.Log != nil {
		d.Log.Info("daily digest dispatched", "date", dg.Date, "calls", dg.TotalCalls, "dispatches", len(out))
	}
	return err
}

type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug("cron: "+msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kv, "err", err)...)
}
