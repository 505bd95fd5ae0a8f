// Package pipeline drives a call from received to analyzed: one handler per
// queue, each safe against duplicate delivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callscore/internal/analyzer"
	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/notify"
	"callscore/internal/objectstore"
	"callscore/internal/queue"
	"callscore/internal/store"
	"callscore/internal/stt"
)

// Store is the persistence the handlers use. *store.Store implements it.
type Store interface {
	GetCall(ctx context.Context, id string) (calls.Call, error)
	CallsInStatus(ctx context.Context, limit int, statuses ...calls.Status) ([]calls.Call, error)
	AdvanceStatus(ctx context.Context, callID string, from, to calls.Status, actor, message string) error
	MarkDownloaded(ctx context.Context, callID, localPath string) error
	CompleteTranscription(ctx context.Context, t calls.Transcript) (calls.Transcript, error)
	GetTranscript(ctx context.Context, callID string) (calls.Transcript, error)
	CompleteAnalysis(ctx context.Context, a calls.Analysis, from calls.Status) (calls.Analysis, error)
	GetAnalysisByCall(ctx context.Context, callID string) (calls.Analysis, error)
}

// ErrRaceLost means another worker advanced the call first; the produced
// entity was discarded.
var ErrRaceLost = errors.New("pipeline: call advanced by another worker")

type Deps struct {
	Store   Store
	Queue   queue.Queue
	Objects *objectstore.Store
	STT     *stt.Registry
	// Analyzer and Router may be nil when the LLM or notifications are not
	// configured.
	Analyzer *analyzer.Analyzer
	Router   *notify.Router
	Logger   *slog.Logger
}

type Config struct {
	// STTProvider is the preferred provider; empty uses the first registered.
	STTProvider string
	STTOptions  stt.Options
	// Recording holds basic-auth credentials for the vendor's recording URLs.
	Recording *objectstore.Credentials
}

type Pipeline struct {
	store    Store
	queue    queue.Queue
	objects  *objectstore.Store
	stt      *stt.Registry
	analyzer *analyzer.Analyzer
	router   *notify.Router
	cfg      Config
	log      *slog.Logger
}

func New(deps Deps, cfg Config) *Pipeline {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		store:    deps.Store,
		queue:    deps.Queue,
		objects:  deps.Objects,
		stt:      deps.STT,
		analyzer: deps.Analyzer,
		router:   deps.Router,
		cfg:      cfg,
		log:      log,
	}
}

// AnalyzerReady reports whether AnalyzeCall can run.
func (p *Pipeline) AnalyzerReady() bool { return p.analyzer != nil }

// TranscriberReady reports whether at least one STT provider is registered.
func (p *Pipeline) TranscriberReady() bool { return p.stt != nil && p.stt.Len() > 0 }

// Models returns the analyzer's default and fallback model, or empty strings
// when no analyzer is configured.
func (p *Pipeline) Models() (model, fallback string) {
	if p.analyzer == nil {
		return "", ""
	}
	return p.analyzer.Model(), p.analyzer.FallbackModel()
}

// AnalyzeResult is the outcome of AnalyzeCall.
type AnalyzeResult struct {
	Analysis     calls.Analysis `json:"analysis"`
	CostUSD      float64        `json:"cost_usd"`
	FallbackUsed bool           `json:"fallback_used"`
	NotifyJobID  string         `json:"notify_job_id,omitempty"`
}

// AnalyzeCall scores a transcribed or analyzed call, stores the analysis and
// queues a notify job when the router wants one. The analyze worker and the
// synchronous API share it.
func (p *Pipeline) AnalyzeCall(ctx context.Context, callID string, opts analyzer.Options) (AnalyzeResult, error) {
	if p.analyzer == nil {
		return AnalyzeResult{}, apperr.Unavailable("llm analyzer is not configured")
	}
	call, err := p.store.GetCall(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		return AnalyzeResult{}, apperr.NotFound("call", callID)
	}
	if err != nil {
		return AnalyzeResult{}, err
	}
	if call.Status != calls.StatusTranscribed && call.Status != calls.StatusAnalyzed {
		return AnalyzeResult{}, apperr.Validation(fmt.Sprintf("call %s has no transcript (status %s)", callID, call.Status)).
			WithDetail("status", string(call.Status))
	}
	t, err := p.store.GetTranscript(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		return AnalyzeResult{}, apperr.Validation("call has no transcript")
	}
	if err != nil {
		return AnalyzeResult{}, err
	}

	res, err := p.analyzer.Analyze(ctx, t.Content, opts)
	if err != nil {
		return AnalyzeResult{}, err
	}
	a := res.Analysis
	a.CallID = callID
	saved, err := p.store.CompleteAnalysis(ctx, a, call.Status)
	if errors.Is(err, calls.ErrIllegalTransition) {
		return AnalyzeResult{}, fmt.Errorf("%w: %v", ErrRaceLost, err)
	}
	if err != nil {
		return AnalyzeResult{}, err
	}
	out := AnalyzeResult{Analysis: saved, CostUSD: res.CostUSD, FallbackUsed: res.FallbackUsed}
	p.log.Info("call analyzed", "call_id", callID, "score", saved.OverallScore, "model", saved.LLMModel,
		"fallback", res.FallbackUsed, "cost_usd", res.CostUSD)

	if p.router != nil && p.router.Wants(ctx, saved) {
		id, err := p.enqueueNotify(ctx, callID, saved.ID)
		if err != nil {
			return out, apperr.Retryable("enqueue notify job", err)
		}
		out.NotifyJobID = id
	}
	return out, nil
}

// Resume re-enqueues the next stage of every call left mid-pipeline. Job id
// dedupe makes it safe to run at every start.
func (p *Pipeline) Resume(ctx context.Context) (int, error) {
	pending, err := p.store.CallsInStatus(ctx, 1000, calls.StatusReceived, calls.StatusDownloaded, calls.StatusTranscribed)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range pending {
		stage := nextStage(c.Status)
		if stage == "" {
			continue
		}
		_, created, err := p.queue.Enqueue(ctx, stage, CallJob{CallID: c.ID},
			queue.Options{JobID: JobID(stage, c.ID), Priority: PriorityPipeline})
		if err != nil {
			return n, err
		}
		if created {
			n++
		}
	}
	if n > 0 {
		p.log.Info("resumed pending calls", "count", n)
	}
	return n, nil
}

// nextStage is the queue that moves a call out of status.
func nextStage(s calls.Status) queue.Name {
	switch s {
	case calls.StatusReceived:
		return queue.Download
	case calls.StatusDownloaded:
		return queue.Transcribe
	case calls.StatusTranscribed:
		return queue.Analyze
	default:
		return ""
	}
}

// WorkerOptions tune the workers built by Workers.
type WorkerOptions struct {
	PollInterval time.Duration
	ReapInterval time.Duration
	// Concurrency overrides the per-queue defaults.
	Concurrency map[queue.Name]int
	Gates       map[queue.Name]*queue.Gate
	Observer    queue.Observer
}

// Workers builds one worker per queue in pipeline order. A stage with no
// backend gets no worker: its jobs stay queued and its calls keep their
// status, so Resume picks them up once the backend is configured.
func (p *Pipeline) Workers(o WorkerOptions) []*queue.Worker {
	handlers := map[queue.Name]queue.Handler{
		queue.Download:   p.HandleDownload,
		queue.Transcribe: p.HandleTranscribe,
		queue.Analyze:    p.HandleAnalyze,
		queue.Notify:     p.HandleNotify,
	}
	out := make([]*queue.Worker, 0, len(queue.Names))
	for _, name := range queue.Names {
		if !p.stageReady(name) {
			p.log.Warn("stage has no backend; worker not started", "queue", name)
			continue
		}
		out = append(out, queue.NewWorker(p.queue, queue.WorkerConfig{
			Queue:        name,
			Concurrency:  o.Concurrency[name],
			PollInterval: o.PollInterval,
			ReapInterval: o.ReapInterval,
			Gate:         o.Gates[name],
			Logger:       p.log,
			Observer:     o.Observer,
			OnFailed:     p.onFailed(name),
		}, handlers[name]))
	}
	return out
}

func (p *Pipeline) stageReady(name queue.Name) bool {
	switch name {
	case queue.Transcribe:
		return p.TranscriberReady()
	case queue.Analyze:
		return p.AnalyzerReady()
	default:
		return true
	}
}
