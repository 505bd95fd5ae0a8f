package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/httpapi/respond"
	"callscore/internal/store"

	"github.com/gin-gonic/gin"
)

// ListAnalyses serves GET /api/analyses?page=&limit=&minScore=&maxScore=&sentiment=&agentId=&from=&to=.
func (h Handlers) ListAnalyses(c *gin.Context) {
	f, err := h.analysisFilter(c)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	h.listAnalyses(c, f)
}

// Alerts lists analyses scoring below ?threshold= (default: the alert
// threshold).
func (h Handlers) Alerts(c *gin.Context) {
	f, err := h.analysisFilter(c)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	th, err := floatQuery(c, "threshold")
	if err != nil {
		respond.Fail(c, err)
		return
	}
	if th == nil {
		v := h.Scoring.AlertThreshold
		th = &v
	}
	if *th < 0 || *th > 100 {
		respond.Fail(c, apperr.Validation("threshold must be within 0..100"))
		return
	}
	f.Below = th
	h.listAnalyses(c, f)
}

func (h Handlers) listAnalyses(c *gin.Context, f store.AnalysisFilter) {
	rows, total, err := h.Store.ListAnalyses(c.Request.Context(), f)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	type item struct {
		store.AnalysisRow
		Band string `json:"band"`
	}
	items := make([]item, 0, len(rows))
	for _, r := range rows {
		items = append(items, item{AnalysisRow: r, Band: string(h.Scoring.Band(r.OverallScore))})
	}
	respond.OK(c, http.StatusOK, paged(items, total, f.Page))
}

func (h Handlers) analysisFilter(c *gin.Context) (store.AnalysisFilter, error) {
	p, err := page(c)
	if err != nil {
		return store.AnalysisFilter{}, err
	}
	f := store.AnalysisFilter{OrgID: h.orgID(c), AgentID: c.Query("agentId"), Page: p}
	if f.MinScore, err = floatQuery(c, "minScore"); err != nil {
		return f, err
	}
	if f.MaxScore, err = floatQuery(c, "maxScore"); err != nil {
		return f, err
	}
	if f.MinScore != nil && f.MaxScore != nil && *f.MinScore > *f.MaxScore {
		return f, apperr.Validation("minScore must not exceed maxScore")
	}
	if s := strings.ToLower(strings.TrimSpace(c.Query("sentiment"))); s != "" {
		switch calls.Sentiment(s) {
		case calls.SentimentPositive, calls.SentimentNeutral, calls.SentimentNegative:
			f.Sentiment = calls.Sentiment(s)
		default:
			return f, apperr.Validation("sentiment must be positive, neutral or negative").WithDetail("sentiment", s)
		}
	}
	if f.From, err = timeQuery(c, "from"); err != nil {
		return f, err
	}
	if f.To, err = timeQuery(c, "to"); err != nil {
		return f, err
	}
	return f, nil
}

func (h Handlers) AnalysisStatistics(c *gin.Context) {
	st, err := h.Store.Statistics(c.Request.Context(), h.orgID(c), h.Scoring)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{
		"statistics": st,
		"thresholds": gin.H{
			"alert":     h.Scoring.AlertThreshold,
			"good":      h.Scoring.GoodThreshold,
			"excellent": h.Scoring.ExcellentThreshold,
		},
	})
}

func (h Handlers) GetAnalysis(c *gin.Context) {
	id := c.Param("id")
	a, err := h.Store.GetAnalysis(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respond.Fail(c, apperr.NotFound("analysis", id))
		return
	}
	if err != nil {
		respond.Fail(c, err)
		return
	}
	call, err := h.Store.GetCall(c.Request.Context(), a.CallID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && call.OrgID != h.orgID(c)) {
		respond.Fail(c, apperr.NotFound("analysis", id))
		return
	}
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"analysis": a, "call": call, "band": h.Scoring.Band(a.OverallScore)})
}

// Models lists the gateway models with their prices and the configured
// defaults.
func (h Handlers) Models(c *gin.Context) {
	if h.Prices == nil {
		respond.Fail(c, apperr.Unavailable("pricing is not configured"))
		return
	}
	models, err := h.Prices.Models(c.Request.Context())
	if err != nil {
		respond.Fail(c, err)
		return
	}
	body := gin.H{"models": models}
	if h.Pipeline != nil {
		if m, fb := h.Pipeline.Models(); m != "" {
			body["default"] = m
			body["fallback"] = fb
		}
	}
	respond.OK(c, http.StatusOK, body)
}
