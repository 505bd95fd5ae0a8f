package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"callscore/internal/auth"
	"callscore/internal/calls"
	"callscore/internal/config"
	"callscore/internal/queue"
	"callscore/internal/rbac"
	"callscore/internal/telephony"
	"callscore/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		App:     config.AppConfig{Env: "local", Host: "127.0.0.1", Port: 3000, WorkersEnabled: true},
		DB:      config.DBConfig{Path: filepath.Join(dir, "callscore.db")},
		Queue:   config.QueueConfig{Backend: "memory"},
		Storage: config.StorageConfig{Path: filepath.Join(dir, "storage")},
		Scoring: config.ScoringConfig{AlertThreshold: 50, GoodThreshold: 70, ExcellentThreshold: 85},
		Org:     config.OrgConfig{ID: "default", Name: "Default Organization"},
		STT:     config.STTConfig{Mock: true, Language: "en"},
		LLM: config.LLMConfig{
			Mock: true, Model: "openai/gpt-4o-mini", FallbackModel: "meta-llama/llama-3.1-70b-instruct",
			Temperature: 0.3, MaxTokens: 2000, Timeout: time.Minute,
		},
		Notify: config.NotifyConfig{
			Enabled: true, Channels: []string{"console"},
			AlertLowScore: true, AlertCriticalIssue: true, DailyDigestTime: "18:00",
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

type harness struct {
	app    *app
	router *gin.Engine
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a, err := buildApp(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(a.closeStores)
	if mq, ok := a.queue.(*queue.MemoryQueue); ok {
		mq.SkipDelays = true
	}
	r, err := newRouter(a)
	require.NoError(t, err)
	return &harness{app: a, router: r}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		handled := false
		for _, w := range h.app.workers {
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

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestWebhookToAnalysis(t *testing.T) {
	h := newHarness(t, testConfig(t))

	w, env := h.do(t, http.MethodPost, "/webhook/mock", "", map[string]any{"call_sid": "sid-e2e-1", "agent_id": "agent-7"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res telephony.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, telephony.OutcomeProcessed, res.Status)
	assert.NotEmpty(t, res.CallID)
	assert.NotEmpty(t, res.JobID)

	h.drain(t)

	w, env = h.do(t, http.MethodGet, "/api/calls/"+res.CallID, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var call calls.Call
	require.NoError(t, json.Unmarshal(env.Data, &call))
	assert.Equal(t, calls.StatusAnalyzed, call.Status)
	assert.Equal(t, "default", call.OrgID)
	assert.Equal(t, "agent-7", call.AgentID)

	w, env = h.do(t, http.MethodGet, "/api/calls/"+res.CallID+"/analysis", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var an calls.Analysis
	require.NoError(t, json.Unmarshal(env.Data, &an))
	assert.Equal(t, res.CallID, an.CallID)
	assert.InDelta(t, 78, an.OverallScore, 0.01)
}

func TestWebhookDuplicateAndIgnored(t *testing.T) {
	h := newHarness(t, testConfig(t))
	body := map[string]any{"call_sid": "sid-dup"}

	_, first := h.do(t, http.MethodPost, "/webhook/mock", "", body)
	var a telephony.Result
	require.NoError(t, json.Unmarshal(first.Data, &a))

	w, second := h.do(t, http.MethodPost, "/webhook/mock", "", body)
	require.Equal(t, http.StatusOK, w.Code)
	var b telephony.Result
	require.NoError(t, json.Unmarshal(second.Data, &b))
	assert.True(t, b.Duplicate)
	assert.Equal(t, a.CallID, b.CallID)
	assert.Empty(t, b.JobID)

	counts, err := h.app.queue.Counts(context.Background(), queue.Download)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)

	w, env := h.do(t, http.MethodPost, "/webhook/mock", "", map[string]any{"call_sid": "sid-busy", "call_type": "incomplete"})
	require.Equal(t, http.StatusOK, w.Code)
	var ignored telephony.Result
	require.NoError(t, json.Unmarshal(env.Data, &ignored))
	assert.Equal(t, telephony.OutcomeIgnored, ignored.Status)
	assert.Empty(t, ignored.CallID)
}

func TestWebhookRejections(t *testing.T) {
	h := newHarness(t, testConfig(t))

	w, env := h.do(t, http.MethodPost, "/webhook/nope", "", map[string]any{"call_sid": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, env.OK)

	w, env = h.do(t, http.MethodPost, "/webhook/exotel", "", map[string]any{"from": "123"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
}

func TestTokenAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth = config.AuthConfig{JWTSecret: "0123456789abcdef0123456789abcdef"}
	require.NoError(t, cfg.Validate())
	h := newHarness(t, cfg)

	m, err := auth.NewManager(cfg.Auth)
	require.NoError(t, err)
	viewer, err := m.Issue(time.Now(), auth.Identity{Subject: "u1", OrgID: "default", Role: rbac.RoleViewer}, 0)
	require.NoError(t, err)

	w, env := h.do(t, http.MethodGet, "/api/calls", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, env.OK)

	w, _ = h.do(t, http.MethodGet, "/api/calls", viewer, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = h.do(t, http.MethodDelete, "/api/calls/whatever", viewer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Webhooks and health stay public.
	w, _ = h.do(t, http.MethodPost, "/webhook/mock", "", map[string]any{"call_sid": "sid-public"})
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.do(t, http.MethodPost, "/webhook/mock", "", map[string]any{"call_sid": "sid-metrics"})

	w, _ := h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `callscore_webhooks_total{outcome="processed",vendor="mock"} 1`)
	assert.Contains(t, body, `callscore_queue_jobs{queue="download",state="waiting"} 1`)
}

func TestResumeRequeuesStrandedCalls(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	ctx := context.Background()

	c, _, err := h.app.store.CreateCall(ctx, calls.Call{
		OrgID: cfg.Org.ID, ExternalCallSID: "sid-stranded",
		RecordingURL: telephony.DefaultMockRecordingURL, Direction: calls.DirectionIncoming,
	})
	require.NoError(t, err)

	n, err := h.app.pipeline.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.drain(t)
	got, err := h.app.store.GetCall(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusAnalyzed, got.Status)
}
