package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callscore/internal/analyzer"
	"callscore/internal/audit"
	"callscore/internal/calls"
	"callscore/internal/config"
	"callscore/internal/export"
	"callscore/internal/httpapi"
	"callscore/internal/metrics"
	"callscore/internal/notify"
	"callscore/internal/objectstore"
	"callscore/internal/pipeline"
	"callscore/internal/pricing"
	"callscore/internal/queue"
	"callscore/internal/reporting"
	"callscore/internal/scheduler"
	"callscore/internal/store"
	"callscore/internal/stt"
	"callscore/internal/telephony"
	"callscore/pkg/utils"

	"github.com/redis/go-redis/v9"
)

var version = "dev"

const reportCacheTTL = 30 * time.Second

// app holds the process-wide components. Nothing here is global.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	db       *sql.DB
	rdb      *redis.Client
	store    *store.Store
	queue    queue.Queue
	pipeline *pipeline.Pipeline
	workers  []*queue.Worker
	metrics  *metrics.Metrics
	sched    *scheduler.Scheduler
	handlers httpapi.Handlers
	webhook  telephony.WebhookHandler

	wg sync.WaitGroup
}

func buildApp(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.closeStores()
		}
	}()

	sc, err := cfg.ScoringConfig()
	if err != nil {
		return nil, err
	}

	if cfg.DB.URL != "" {
		a.db, err = utils.OpenSQL(ctx, utils.DriverPostgres, cfg.DB.URL, utils.SQLPoolConfig{})
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		a.store = store.New(a.db, utils.DriverPostgres)
	} else {
		a.db, err = utils.OpenSQLite(ctx, cfg.DB.Path, utils.SQLPoolConfig{})
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		a.store = store.New(a.db, utils.DriverSQLite)
	}
	if err := a.store.Migrate(ctx); err != nil {
		return nil, err
	}
	if err := a.store.EnsureOrganization(ctx, calls.Organization{ID: cfg.Org.ID, Name: cfg.Org.Name}); err != nil {
		return nil, err
	}

	gates := map[queue.Name]*queue.Gate{}
	if cfg.Queue.Backend == "redis" {
		a.rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis init: %w", err)
		}
		a.queue = queue.NewRedisQueue(a.rdb)
		// Provider rate limits are per account, not per process.
		for _, name := range []queue.Name{queue.Transcribe, queue.Analyze} {
			gates[name] = queue.NewGate(a.rdb, name, queue.Defaults[name].Concurrency, 0)
		}
	} else {
		log.Warn("memory queue in use; jobs are lost on restart")
		a.queue = queue.NewMemoryQueue()
	}
	a.metrics.RegisterQueueDepth(a.queue, log)

	objects, err := objectstore.New(cfg.Storage.Path, objectstore.Options{ReadTimeout: cfg.Storage.DownloadTimeout})
	if err != nil {
		return nil, err
	}

	registry := stt.FromConfig(ctx, cfg.STT, log)
	if registry.Len() == 0 {
		log.Warn("no speech-to-text provider configured; calls wait in downloaded")
	}
	prices := pricing.NewService(pricing.DefaultRepo())
	an := analyzer.FromConfig(cfg.LLM, sc, prices, log)
	if an == nil {
		log.Warn("llm is not configured; calls wait in transcribed")
	}
	router := notify.FromConfig(cfg.Notify, a.store, sc, log)
	router.SetObserver(a.metrics)

	exotel := telephony.NewExotel(cfg.Exotel)
	a.pipeline = pipeline.New(pipeline.Deps{
		Store:    a.store,
		Queue:    a.queue,
		Objects:  objects,
		STT:      registry,
		Analyzer: an,
		Router:   router,
		Logger:   log,
	}, pipeline.Config{
		STTProvider: cfg.STT.Provider,
		STTOptions:  stt.Options{Language: cfg.STT.Language},
		Recording:   exotel.RecordingCredentials(),
	})
	if cfg.App.WorkersEnabled {
		a.workers = a.pipeline.Workers(pipeline.WorkerOptions{Gates: gates, Observer: a.metrics})
	}

	reports := reporting.NewService(a.store, sc, reportCacheTTL)
	exporter, err := export.New(a.store, cfg.Storage.Path, sc)
	if err != nil {
		return nil, err
	}
	digest := &scheduler.DigestSender{Reports: reports, Router: router, OrgID: cfg.Org.ID, Log: log}
	spec, err := cfg.DigestCronSpec()
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(log)
	if err := a.sched.Add("daily_digest", spec, 5*time.Minute, digest.Run); err != nil {
		return nil, err
	}

	a.webhook = telephony.WebhookHandler{
		Providers: telephony.NewRegistry(exotel, telephony.NewMock(cfg.Mock.RecordingURL)),
		Intake:    telephony.NewIntake(a.store, a.pipeline, cfg.Org.ID, log),
		Observer:  a.metrics,
	}
	a.handlers = httpapi.Handlers{
		Store:        a.store,
		Pipeline:     a.pipeline,
		Queue:        a.queue,
		Objects:      objects,
		STT:          registry,
		Reports:      reports,
		Digest:       digest,
		Router:       router,
		Prices:       prices,
		Exports:      exporter,
		Audit:        audit.NewService(a.store),
		Scoring:      sc,
		DefaultOrgID: cfg.Org.ID,
		Version:      version,
		Started:      time.Now(),
	}
	return a, nil
}

// start re-queues stranded calls and launches the workers and the cron.
func (a *app) start(ctx context.Context) {
	if _, err := a.pipeline.Resume(ctx); err != nil {
		a.log.Error("resume failed", "err", err)
	}
	for _, w := range a.workers {
		a.wg.Add(1)
		go func(w *queue.Worker) {
			defer a.wg.Done()
			w.Run(ctx)
		}(w)
	}
	a.sched.Start()
	a.log.Info("background processing started", "workers", len(a.workers))
}

// stop waits for the workers (ctx must already be cancelled for them to
// return) and the cron, bounded by shutdownCtx.
func (a *app) stop(shutdownCtx context.Context) {
	a.sched.Stop(shutdownCtx)
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.log.Warn("workers did not stop in time")
	}
	a.closeStores()
}

func (a *app) closeStores() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
