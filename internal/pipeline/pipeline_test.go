package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"callscore/internal/analyzer"
	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/notify"
	"callscore/internal/objectstore"
	"callscore/internal/pricing"
	"callscore/internal/queue"
	"callscore/internal/scoring"
	"callscore/internal/store"
	"callscore/internal/stt"
	"callscore/pkg/logger"
	"callscore/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	p       *Pipeline
	store   *store.Store
	queue   *queue.MemoryQueue
	stt     *stt.Mock
	llm     *analyzer.MockClient
	console *notify.NullChannel
	workers []*queue.Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := utils.OpenSQLite(ctx, filepath.Join(t.TempDir(), "pipeline.db"), utils.SQLPoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db, utils.DriverSQLite)
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.EnsureOrganization(ctx, calls.Organization{ID: "org1", Name: "Org"}))

	objects, err := objectstore.New(t.TempDir(), objectstore.Options{})
	require.NoError(t, err)

	log := logger.Discard()
	mock := stt.NewMock()
	reg := stt.NewRegistry(log)
	require.True(t, reg.Register(ctx, mock))

	llm := analyzer.NewMockClient()
	an := analyzer.New(llm, analyzer.Config{Model: "openai/gpt-4o-mini", Scoring: scoring.DefaultConfig()},
		pricing.NewService(pricing.DefaultRepo()), nil, log)

	console := notify.NewNullChannel(calls.ChannelConsole)
	router := notify.NewRouter(st, scoring.DefaultConfig(), notify.Settings{
		Enabled:            true,
		AlertLowScore:      true,
		AlertCriticalIssue: true,
		Channels:           []calls.Channel{calls.ChannelConsole},
	}, log, console)

	q := queue.NewMemoryQueue()
	q.SkipDelays = true
	p := New(Deps{Store: st, Queue: q, Objects: objects, STT: reg, Analyzer: an, Router: router, Logger: log},
		Config{STTOptions: stt.Options{Language: "en"}})

	return &harness{
		p: p, store: st, queue: q, stt: mock, llm: llm, console: console,
		workers: p.Workers(WorkerOptions{PollInterval: time.Millisecond}),
	}
}

// drain runs the workers until a full pass handles nothing.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		handled := false
		for _, w := range h.workers {
			ok, err := w.ProcessOne(ctx)
			require.NoError(t, err)
			handled = handled || ok
		}
		if !handled {
			return
		}
	}
	t.Fatal("queues did not drain")
}

func (h *harness) receive(t *testing.T, sid string) calls.Call {
	t.Helper()
	d := 95
	c, created, err := h.store.CreateCall(context.Background(), calls.Call{
		OrgID:           "org1",
		AgentID:         "agent-7",
		ExternalCallSID: sid,
		RecordingURL:    "http://mock/" + sid + ".mp3",
		DurationSeconds: &d,
		Direction:       calls.DirectionIncoming,
		CallerNumber:    "9000000001",
		CalleeNumber:    "8000000001",
	})
	require.NoError(t, err)
	require.True(t, created)
	_, queued, err := h.p.EnqueueDownload(context.Background(), c.ID)
	require.NoError(t, err)
	require.True(t, queued)
	return c
}

func (h *harness) notifications(t *testing.T, callID string) []calls.Notification {
	t.Helper()
	out, _, err := h.store.ListNotifications(context.Background(), store.NotificationFilter{CallID: callID})
	require.NoError(t, err)
	return out
}

func TestPipelineHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.receive(t, "sid-happy")
	h.drain(t)

	got, err := h.store.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusAnalyzed, got.Status)
	assert.True(t, strings.HasSuffix(filepath.ToSlash(got.LocalAudioPath), objectstore.AudioKeyBase("org1", c.ID)+".wav"),
		got.LocalAudioPath)

	tr, err := h.store.GetTranscript(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, stt.SampleTranscript, tr.Content)
	assert.Equal(t, "mock", tr.STTProvider)

	a, err := h.store.GetAnalysisByCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 78.0, a.OverallScore)
	assert.Equal(t, calls.SentimentPositive, a.Sentiment)

	assert.Empty(t, h.notifications(t, c.ID))
	assert.Empty(t, h.console.Sent())
	assert.Equal(t, 1, h.stt.Calls())
}

func TestPipelineLowScoreAlerts(t *testing.T) {
	h := newHarness(t)
	h.llm.Set(40, calls.SentimentNegative, []calls.Issue{
		{Type: "objection_handling", Severity: calls.SeverityHigh, Detail: "ignored the price concern"},
	})
	c := h.receive(t, "sid-low")
	h.drain(t)

	rows := h.notifications(t, c.ID)
	types := map[calls.NotificationType]int{}
	for _, n := range rows {
		assert.Equal(t, calls.NotificationSent, n.Status)
		assert.Equal(t, calls.ChannelConsole, n.Channel)
		types[n.Type]++
	}
	assert.Equal(t, 1, types[calls.NotificationLowScoreAlert])
	assert.Equal(t, 1, types[calls.NotificationCriticalIssue])
	assert.Len(t, h.console.Sent(), 2)
}

func TestPipelineDuplicateDeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.llm.Set(40, calls.SentimentNegative, nil)
	c := h.receive(t, "sid-dup")
	h.drain(t)
	require.Len(t, h.notifications(t, c.ID), 1)

	// Redeliver every stage under fresh ids, as after a lost lease.
	for i, stage := range []queue.Name{queue.Download, queue.Transcribe, queue.Analyze} {
		_, created, err := h.queue.Enqueue(ctx, stage, CallJob{CallID: c.ID},
			queue.Options{JobID: fmt.Sprintf("redeliver-%d", i)})
		require.NoError(t, err)
		require.True(t, created)
	}
	h.drain(t)

	n, err := h.store.CountTranscripts(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = h.store.CountAnalyses(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.stt.Calls())
	assert.Len(t, h.notifications(t, c.ID), 1, "sent alerts are not repeated")
}

func TestPipelineDuplicateWebhookQueuesOneDownload(t *testing.T) {
	h := newHarness(t)
	c := h.receive(t, "sid-once")
	_, created, err := h.p.EnqueueDownload(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, h.queue.Jobs(queue.Download), 1)
}

func TestPipelineTranscriptionUnauthorizedFailsCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stt.Err = apperr.ExternalAPI("mock", 401, "invalid api key", false)
	c := h.receive(t, "sid-401")
	h.drain(t)

	got, err := h.store.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusTranscriptionFailed, got.Status)
	assert.Equal(t, 1, h.stt.Calls(), "a non-retryable error is not retried")

	failed, err := h.queue.FailedJobs(ctx, queue.Transcribe, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "invalid api key")

	_, err = h.store.GetTranscript(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.store.GetAnalysisByCall(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPipelineRetryableErrorExhaustsAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.llm.Err = apperr.ExternalAPI("openrouter", 503, "upstream unavailable", true)
	c := h.receive(t, "sid-503")
	h.drain(t)

	got, err := h.store.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusAnalysisFailed, got.Status)
	failed, err := h.queue.FailedJobs(ctx, queue.Analyze, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, queue.Defaults[queue.Analyze].Attempts, failed[0].AttemptsMade)
}

func TestPipelineReanalyzeReplacesAnalysis(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.receive(t, "sid-re")
	h.drain(t)

	first, err := h.store.GetAnalysisByCall(ctx, c.ID)
	require.NoError(t, err)

	h.llm.Set(35, calls.SentimentNegative, nil)
	id, err := h.p.EnqueueAnalyze(ctx, c.ID, "X", true)
	require.NoError(t, err)
	assert.Contains(t, id, "reanalyze:"+c.ID)
	h.drain(t)

	n, err := h.store.CountAnalyses(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	a, err := h.store.GetAnalysisByCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "X", a.LLMModel)
	assert.Equal(t, 35.0, a.OverallScore)
	assert.NotEqual(t, first.OverallScore, a.OverallScore)

	// The new low score alerts even though the first analysis did not.
	rows := h.notifications(t, c.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, calls.NotificationLowScoreAlert, rows[0].Type)
}

func TestAnalyzeCallRejectsUntranscribedCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.receive(t, "sid-early")

	_, err := h.p.AnalyzeCall(ctx, c.ID, analyzer.Options{})
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
	e, _ := apperr.As(err)
	assert.Equal(t, 400, e.HTTPStatus())

	_, err = h.p.AnalyzeCall(ctx, "missing", analyzer.Options{})
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
}

func TestAnalyzeCallWithoutAnalyzer(t *testing.T) {
	p := New(Deps{Logger: logger.Discard()}, Config{})
	assert.False(t, p.AnalyzerReady())
	_, err := p.AnalyzeCall(context.Background(), "c1", analyzer.Options{})
	assert.True(t, apperr.HasCode(err, apperr.CodeServiceUnavailable))
}

func TestResumeRequeuesPendingCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.receive(t, "sid-resume")

	// Simulate a restart that lost the in-memory queue.
	h.queue = queue.NewMemoryQueue()
	h.queue.SkipDelays = true
	h.p.queue = h.queue
	h.workers = h.p.Workers(WorkerOptions{PollInterval: time.Millisecond})

	n, err := h.p.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = h.p.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "resume is deduped by job id")

	h.drain(t)
	got, err := h.store.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusAnalyzed, got.Status)
}

func TestPipelineWithoutAnalyzerWaitsInTranscribed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	an := h.p.analyzer
	h.p.analyzer = nil
	h.workers = h.p.Workers(WorkerOptions{PollInterval: time.Millisecond})
	assert.Len(t, h.workers, len(queue.Names)-1)

	c := h.receive(t, "sid-nollm")
	h.drain(t)

	got, err := h.store.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusTranscribed, got.Status)
	counts, err := h.queue.Counts(ctx, queue.Analyze)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)

	// Restart with the LLM configured and an empty queue.
	h.p.analyzer = an
	h.queue = queue.NewMemoryQueue()
	h.queue.SkipDelays = true
	h.p.queue = h.queue
	h.workers = h.p.Workers(WorkerOptions{PollInterval: time.Millisecond})
	n, err := h.p.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.drain(t)

	got, err = h.store.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusAnalyzed, got.Status)
}

func TestPipelineWithoutSTTWaitsInDownloaded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.p.stt = stt.NewRegistry(logger.Discard())
	assert.False(t, h.p.TranscriberReady())
	h.workers = h.p.Workers(WorkerOptions{PollInterval: time.Millisecond})

	c := h.receive(t, "sid-nostt")
	h.drain(t)

	got, err := h.store.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusDownloaded, got.Status)
}

func TestJobForUnknownCallIsFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.queue.Enqueue(ctx, queue.Download, CallJob{CallID: "ghost"}, queue.Options{JobID: JobID(queue.Download, "ghost")})
	require.NoError(t, err)
	h.drain(t)

	failed, err := h.queue.FailedJobs(ctx, queue.Download, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].AttemptsMade)
}
