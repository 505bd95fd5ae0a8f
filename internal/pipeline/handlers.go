package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"callscore/internal/analyzer"
	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/objectstore"
	"callscore/internal/queue"
	"callscore/internal/store"
)

// loadCall is step 1 of every handler. A missing call is fatal: the job can
// never succeed.
func (p *Pipeline) loadCall(ctx context.Context, job *queue.Job, callID string) (calls.Call, error) {
	if callID == "" {
		return calls.Call{}, apperr.Fatal(apperr.CodeValidation, "job payload has no call_id", nil)
	}
	c, err := p.store.GetCall(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Warn("job for unknown call dropped", "queue", job.Queue, "job_id", job.ID, "call_id", callID)
		return calls.Call{}, apperr.Fatal(apperr.CodeNotFound, "call not found", err).WithDetail("call_id", callID)
	}
	if err != nil {
		return calls.Call{}, apperr.Retryable("load call", err)
	}
	return c, nil
}

func decodeCallJob(job *queue.Job) (CallJob, error) {
	var cj CallJob
	if err := job.Decode(&cj); err != nil {
		return cj, apperr.Fatal(apperr.CodeValidation, "malformed job payload", err)
	}
	return cj, nil
}

// HandleDownload fetches the recording into the object store and advances
// received -> downloaded.
func (p *Pipeline) HandleDownload(ctx context.Context, job *queue.Job) error {
	cj, err := decodeCallJob(job)
	if err != nil {
		return err
	}
	call, err := p.loadCall(ctx, job, cj.CallID)
	if err != nil {
		return err
	}
	log := p.log.With("call_id", call.ID, "job_id", job.ID, "attempt", job.AttemptsMade)

	switch {
	case call.Status == calls.StatusDownloaded:
		// A previous attempt committed but crashed before queueing the next stage.
		return p.enqueueStage(ctx, queue.Transcribe, call.ID)
	case call.Status != calls.StatusReceived:
		log.Debug("download skipped", "status", call.Status)
		return nil
	}
	if strings.TrimSpace(call.RecordingURL) == "" {
		return apperr.Fatal(apperr.CodeValidation, "call has no recording url", nil)
	}

	obj, err := p.objects.PutFromURL(ctx, call.RecordingURL, objectstore.AudioKeyBase(call.OrgID, call.ID), p.cfg.Recording)
	if err != nil {
		return err
	}
	if err := p.store.MarkDownloaded(ctx, call.ID, obj.Path); err != nil {
		if errors.Is(err, calls.ErrIllegalTransition) {
			log.Info("download race lost", "err", err)
			return nil
		}
		return apperr.Retryable("mark downloaded", err)
	}
	log.Info("recording downloaded", "key", obj.Key, "bytes", obj.Size, "ext", obj.Extension)
	return p.enqueueStage(ctx, queue.Transcribe, call.ID)
}

// HandleTranscribe runs the configured STT provider and advances
// downloaded -> transcribed together with the transcript write.
func (p *Pipeline) HandleTranscribe(ctx context.Context, job *queue.Job) error {
	cj, err := decodeCallJob(job)
	if err != nil {
		return err
	}
	call, err := p.loadCall(ctx, job, cj.CallID)
	if err != nil {
		return err
	}
	log := p.log.With("call_id", call.ID, "job_id", job.ID, "attempt", job.AttemptsMade)

	switch {
	case call.Status == calls.StatusTranscribed:
		return p.enqueueStage(ctx, queue.Analyze, call.ID)
	case call.Status.Failed() || call.Status.Rank() > calls.StatusDownloaded.Rank():
		log.Debug("transcribe skipped", "status", call.Status)
		return nil
	case call.Status != calls.StatusDownloaded:
		return apperr.Fatal(apperr.CodeIllegalTransition,
			fmt.Sprintf("transcribe job for call in status %s", call.Status), nil)
	}
	if call.LocalAudioPath == "" {
		return apperr.Fatal(apperr.CodeValidation, "downloaded call has no audio path", nil)
	}
	if p.stt == nil {
		return apperr.Unavailable("stt is not configured")
	}
	provider, err := p.stt.Default(p.cfg.STTProvider)
	if err != nil {
		return apperr.Unavailable("no stt provider available").WithCause(err)
	}

	opts := p.cfg.STTOptions
	if opts.Language != "" && !slices.Contains(provider.SupportedLanguages(), opts.Language) {
		log.Warn("language not listed by provider; using auto-detect", "provider", provider.Name(), "language", opts.Language)
		opts.Language = ""
	}
	estimate := provider.EstimateCost(call.LocalAudioPath)

	res, err := provider.Transcribe(ctx, call.LocalAudioPath, opts)
	if err != nil {
		return err
	}
	if res.Text == "" {
		return apperr.Fatal(apperr.CodeValidation, "transcription returned no text", nil).
			WithDetail("provider", provider.Name())
	}

	t, err := p.store.CompleteTranscription(ctx, calls.Transcript{
		CallID:           call.ID,
		Content:          res.Text,
		Language:         res.Language,
		SpeakerSegments:  res.Segments,
		WordCount:        res.WordCount,
		STTProvider:      res.Provider,
		ProcessingTimeMs: res.ProcessingTimeMs,
	})
	if err != nil {
		if errors.Is(err, calls.ErrIllegalTransition) {
			log.Info("transcribe race lost", "err", err)
			return nil
		}
		return apperr.Retryable("store transcript", err)
	}
	log.Info("call transcribed", "provider", t.STTProvider, "words", t.WordCount, "language", t.Language,
		"processing_ms", t.ProcessingTimeMs, "est_cost_usd", estimate)
	return p.enqueueStage(ctx, queue.Analyze, call.ID)
}

// HandleAnalyze scores the transcript. Re-analysis jobs run against analyzed
// calls; first analyses skip calls that are already analyzed.
func (p *Pipeline) HandleAnalyze(ctx context.Context, job *queue.Job) error {
	cj, err := decodeCallJob(job)
	if err != nil {
		return err
	}
	call, err := p.loadCall(ctx, job, cj.CallID)
	if err != nil {
		return err
	}
	log := p.log.With("call_id", call.ID, "job_id", job.ID, "attempt", job.AttemptsMade)

	switch {
	case call.Status == calls.StatusAnalyzed && !cj.Reanalyze:
		return p.ensureNotify(ctx, call)
	case call.Status.Failed():
		log.Debug("analyze skipped", "status", call.Status)
		return nil
	case call.Status.Rank() < calls.StatusTranscribed.Rank():
		return apperr.Fatal(apperr.CodeIllegalTransition,
			fmt.Sprintf("analyze job for call in status %s", call.Status), nil)
	}

	_, err = p.AnalyzeCall(ctx, call.ID, analyzer.Options{Model: cj.Model})
	if errors.Is(err, ErrRaceLost) {
		log.Info("analyze race lost", "err", err)
		return nil
	}
	return err
}

// ensureNotify re-queues the notify job of an analyzed call. The job id
// dedupes it against the one AnalyzeCall queued.
func (p *Pipeline) ensureNotify(ctx context.Context, call calls.Call) error {
	if p.router == nil {
		return nil
	}
	a, err := p.store.GetAnalysisByCall(ctx, call.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Retryable("load analysis", err)
	}
	if !p.router.Wants(ctx, a) {
		return nil
	}
	_, err = p.enqueueNotify(ctx, call.ID, a.ID)
	return err
}

// HandleNotify routes the alerts of one analysis. Sends already recorded are
// skipped by the router, so a retried job only repeats failed channels.
func (p *Pipeline) HandleNotify(ctx context.Context, job *queue.Job) error {
	var nj NotifyJob
	if err := job.Decode(&nj); err != nil {
		return apperr.Fatal(apperr.CodeValidation, "malformed job payload", err)
	}
	call, err := p.loadCall(ctx, job, nj.CallID)
	if err != nil {
		return err
	}
	if p.router == nil {
		return nil
	}
	a, err := p.store.GetAnalysisByCall(ctx, call.ID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Fatal(apperr.CodeNotFound, "analysis not found", err).WithDetail("call_id", call.ID)
	}
	if err != nil {
		return apperr.Retryable("load analysis", err)
	}
	if nj.AnalysisID != "" && a.ID != nj.AnalysisID {
		p.log.Info("notify skipped for superseded analysis", "call_id", call.ID, "job_id", job.ID,
			"analysis_id", nj.AnalysisID, "current", a.ID)
		return nil
	}
	out, err := p.router.Route(ctx, a, call)
	sent := 0
	for _, d := range out {
		if d.Status == calls.NotificationSent && !d.Skipped {
			sent++
		}
	}
	p.log.Info("notifications routed", "call_id", call.ID, "job_id", job.ID, "dispatches", len(out), "sent", sent)
	return err
}

// onFailed moves the call to the failure terminal of the stage that gave up.
// The conditional advance leaves calls that already moved on untouched.
func (p *Pipeline) onFailed(stage queue.Name) queue.FailureHook {
	return func(ctx context.Context, job *queue.Job, cause error) {
		log := p.log.With("queue", stage, "job_id", job.ID)
		if stage == queue.Notify {
			log.Warn("notify job failed", "err", cause)
			return
		}
		var cj CallJob
		if err := job.Decode(&cj); err != nil || cj.CallID == "" {
			return
		}
		from := stageFrom(stage)
		to, ok := calls.FailureFor(from)
		if !ok {
			return
		}
		msg := "failed"
		if cause != nil {
			msg = cause.Error()
		}
		err := p.store.AdvanceStatus(ctx, cj.CallID, from, to, string(stage), msg)
		switch {
		case err == nil:
			log.Warn("call marked failed", "call_id", cj.CallID, "status", to, "err", cause)
		case errors.Is(err, calls.ErrIllegalTransition), errors.Is(err, store.ErrNotFound):
			log.Debug("failure not recorded on call", "call_id", cj.CallID, "reason", err)
		default:
			log.Error("mark call failed", "call_id", cj.CallID, "err", err)
		}
	}
}

// stageFrom is the status a stage's job expects to find.
func stageFrom(stage queue.Name) calls.Status {
	switch stage {
	case queue.Download:
		return calls.StatusReceived
	case queue.Transcribe:
		return calls.StatusDownloaded
	case queue.Analyze:
		return calls.StatusTranscribed
	default:
		return ""
	}
}
