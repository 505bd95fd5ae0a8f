package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"callscore/internal/analyzer"
	"callscore/internal/apperr"
	"callscore/internal/audit"
	"callscore/internal/calls"
	"callscore/internal/httpapi/respond"
	"callscore/internal/pipeline"
	"callscore/internal/store"
	"callscore/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ListCalls serves GET /api/calls?page=&limit=&status=a,b.
func (h Handlers) ListCalls(c *gin.Context) {
	p, err := page(c)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	f := store.CallFilter{OrgID: h.orgID(c), Page: p}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, ok := calls.ParseStatus(strings.TrimSpace(s))
			if !ok {
				respond.Fail(c, apperr.Validation("unknown status").WithDetail("status", s))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	rows, total, err := h.Store.ListCalls(c.Request.Context(), f)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	if rows == nil {
		rows = []calls.Call{}
	}
	respond.OK(c, http.StatusOK, paged(rows, total, p))
}

func (h Handlers) GetCall(c *gin.Context) {
	call, err := h.call(c)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, call)
}

// DeleteCall removes the call with everything it owns, audio included.
func (h Handlers) DeleteCall(c *gin.Context) {
	call, err := h.call(c)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	if err := h.Store.DeleteCall(c.Request.Context(), call.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = apperr.NotFound("call", call.ID)
		}
		respond.Fail(c, err)
		return
	}
	if call.LocalAudioPath != "" && h.Objects != nil {
		if err := h.Objects.DeletePath(call.LocalAudioPath); err != nil {
			logger.FromGin(c).Warn("audio delete failed", "call_id", call.ID, "path", call.LocalAudioPath, "err", err)
		}
	}
	logger.FromGin(c).Info("call deleted", "call_id", call.ID)
	respond.OK(c, http.StatusOK, gin.H{"id": call.ID, "deleted": true})
}

func (h Handlers) CallEvents(c *gin.Context) {
	call, err := h.call(c)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	var events []audit.Event
	if h.Audit != nil {
		events, err = h.Audit.History(c.Request.Context(), call.ID)
	} else {
		events, err = h.Store.ListEvents(c.Request.Context(), call.ID)
	}
	if err != nil {
		respond.Fail(c, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	respond.OK(c, http.StatusOK, events)
}

func (h Handlers) CallAnalysis(c *gin.Context) {
	call, err := h.call(c)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	a, err := h.Store.GetAnalysisByCall(c.Request.Context(), call.ID)
	if errors.Is(err, store.ErrNotFound) {
		respond.Fail(c, apperr.NotFound("analysis", call.ID).WithDetail("status", string(call.Status)))
		return
	}
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"analysis": a, "band": h.Scoring.Band(a.OverallScore)})
}

type analyzeRequest struct {
	Model string `json:"model"`
	Async bool   `json:"async"`
}

// AnalyzeCall serves POST /api/calls/:id/analyze. Synchronous requests run
// the analyzer inline; async ones queue a job and answer 202.
func (h Handlers) AnalyzeCall(c *gin.Context) {
	h.analyze(c, false)
}

// ReanalyzeCall always queues a fresh analysis job, replacing the current
// analysis when it completes.
func (h Handlers) ReanalyzeCall(c *gin.Context) {
	h.analyze(c, true)
}

func (h Handlers) analyze(c *gin.Context, reanalyze bool) {
	var req analyzeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.BadRequest(c, "invalid json")
			return
		}
	}
	call, err := h.call(c)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	if !h.Pipeline.AnalyzerReady() {
		respond.Fail(c, apperr.Unavailable("llm analyzer is not configured"))
		return
	}
	if call.Status != calls.StatusTranscribed && call.Status != calls.StatusAnalyzed {
		respond.Fail(c, apperr.Validation("call has no transcript").WithDetail("status", string(call.Status)))
		return
	}

	if reanalyze || req.Async {
		id, err := h.Pipeline.EnqueueAnalyze(c.Request.Context(), call.ID, req.Model, reanalyze || call.Status == calls.StatusAnalyzed)
		if err != nil {
			respond.Fail(c, apperr.Unavailable("queue unavailable").WithCause(err))
			return
		}
		action := "analysis queued"
		if reanalyze {
			action = "reanalysis queued"
		}
		h.logAction(c, call.ID, action, map[string]any{"job_id": id, "model": req.Model})
		respond.OK(c, http.StatusAccepted, gin.H{"call_id": call.ID, "job_id": id, "status": "queued"})
		return
	}

	res, err := h.Pipeline.AnalyzeCall(c.Request.Context(), call.ID, analyzer.Options{Model: req.Model})
	if errors.Is(err, pipeline.ErrRaceLost) {
		respond.Fail(c, apperr.Conflict(apperr.CodeIllegalTransition, "call was advanced concurrently"))
		return
	}
	if err != nil {
		respond.Fail(c, err)
		return
	}
	h.logAction(c, call.ID, "analysis run", map[string]any{"analysis_id": res.Analysis.ID, "model": res.Analysis.LLMModel})
	respond.OK(c, http.StatusOK, res)
}

// CallReport is everything known about one call.
type CallReport struct {
	Call          calls.Call           `json:"call"`
	Transcript    *calls.Transcript    `json:"transcript,omitempty"`
	Analysis      *calls.Analysis      `json:"analysis,omitempty"`
	Band          string               `json:"band,omitempty"`
	Notifications []calls.Notification `json:"notifications"`
}

func (h Handlers) CallReport(c *gin.Context) {
	call, err := h.call(c)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	ctx := c.Request.Context()
	rep := CallReport{Call: call, Notifications: []calls.Notification{}}

	t, err := h.Store.GetTranscript(ctx, call.ID)
	switch {
	case err == nil:
		rep.Transcript = &t
	case !errors.Is(err, store.ErrNotFound):
		respond.Fail(c, err)
		return
	}
	a, err := h.Store.GetAnalysisByCall(ctx, call.ID)
	switch {
	case err == nil:
		rep.Analysis = &a
		rep.Band = string(h.Scoring.Band(a.OverallScore))
	case !errors.Is(err, store.ErrNotFound):
		respond.Fail(c, err)
		return
	}
	ns, _, err := h.Store.ListNotifications(ctx, store.NotificationFilter{CallID: call.ID, Page: store.Page{Limit: 100}})
	if err != nil {
		respond.Fail(c, err)
		return
	}
	if ns != nil {
		rep.Notifications = ns
	}
	respond.OK(c, http.StatusOK, rep)
}
