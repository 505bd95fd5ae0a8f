package pipeline

import (
	"context"
	"fmt"

	"callscore/internal/queue"

	"github.com/google/uuid"
)

// Stage job priorities; lower runs first.
const (
	PriorityWebhook   = 3
	PriorityPipeline  = 5
	PriorityReanalyze = 2
)

// CallJob is the payload of download, transcribe and analyze jobs.
type CallJob struct {
	CallID string `json:"call_id"`
	// Model overrides the analyzer model (analyze only).
	Model string `json:"model,omitempty"`
	// Reanalyze lets an analyze job run against an analyzed call.
	Reanalyze bool `json:"reanalyze,omitempty"`
}

type NotifyJob struct {
	CallID     string `json:"call_id"`
	AnalysisID string `json:"analysis_id"`
}

// JobID is the dedupe id of a stage job: <queue>:<call id>.
func JobID(stage queue.Name, callID string) string {
	return fmt.Sprintf("%s:%s", stage, callID)
}

// EnqueueDownload queues the first stage of a new call. created is false when
// a download job for the call still exists.
func (p *Pipeline) EnqueueDownload(ctx context.Context, callID string) (string, bool, error) {
	return p.queue.Enqueue(ctx, queue.Download, CallJob{CallID: callID},
		queue.Options{JobID: JobID(queue.Download, callID), Priority: PriorityWebhook})
}

// EnqueueAnalyze queues an analysis. Re-analysis jobs get a fresh id so they
// are not deduped against the original analyze job.
func (p *Pipeline) EnqueueAnalyze(ctx context.Context, callID, model string, reanalyze bool) (string, error) {
	opts := queue.Options{JobID: JobID(queue.Analyze, callID), Priority: PriorityPipeline}
	if reanalyze {
		opts.JobID = fmt.Sprintf("reanalyze:%s:%s", callID, uuid.NewString())
		opts.Priority = PriorityReanalyze
	}
	id, _, err := p.queue.Enqueue(ctx, queue.Analyze, CallJob{CallID: callID, Model: model, Reanalyze: reanalyze}, opts)
	return id, err
}

func (p *Pipeline) enqueueStage(ctx context.Context, stage queue.Name, callID string) error {
	_, _, err := p.queue.Enqueue(ctx, stage, CallJob{CallID: callID},
		queue.Options{JobID: JobID(stage, callID), Priority: PriorityPipeline})
	return err
}

func (p *Pipeline) enqueueNotify(ctx context.Context, callID, analysisID string) (string, error) {
	id, _, err := p.queue.Enqueue(ctx, queue.Notify, NotifyJob{CallID: callID, AnalysisID: analysisID},
		queue.Options{JobID: JobID(queue.Notify, analysisID), Priority: PriorityPipeline})
	return id, err
}
