// Package httpapi serves the read API: calls, analyses, reports,
// notifications, queues and exports.
package httpapi

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/audit"
	"callscore/internal/auth"
	"callscore/internal/calls"
	"callscore/internal/export"
	"callscore/internal/notify"
	"callscore/internal/objectstore"
	"callscore/internal/pipeline"
	"callscore/internal/pricing"
	"callscore/internal/queue"
	"callscore/internal/reporting"
	"callscore/internal/scheduler"
	"callscore/internal/scoring"
	"callscore/internal/store"
	"callscore/internal/stt"
	"callscore/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
//
// Router, Digest and Exports may be nil; their routes then answer 503.
type Handlers struct {
	Store    *store.Store
	Pipeline *pipeline.Pipeline
	Queue    queue.Queue
	Objects  *objectstore.Store
	STT      *stt.Registry
	Reports  *reporting.Service
	Digest   *scheduler.DigestSender
	Router   *notify.Router
	Prices   *pricing.Service
	Exports  *export.Exporter
	Audit    *audit.Service
	Scoring  scoring.Config

	// DefaultOrgID scopes requests that carry no token identity.
	DefaultOrgID string
	Version      string
	Started      time.Time
}

// orgID resolves the tenant of the request.
func (h Handlers) orgID(c *gin.Context) string {
	if oid, err := auth.OrgID(c.Request.Context()); err == nil {
		return oid
	}
	return h.DefaultOrgID
}

// call loads a call of the caller's org. Calls of other orgs are reported
// as not found.
func (h Handlers) call(c *gin.Context) (calls.Call, error) {
	id := c.Param("id")
	call, err := h.Store.GetCall(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && call.OrgID != h.orgID(c)) {
		return calls.Call{}, apperr.NotFound("call", id)
	}
	return call, err
}

// logAction records an operator action; failures only log.
func (h Handlers) logAction(c *gin.Context, callID, message string, meta map[string]any) {
	if h.Audit == nil || callID == "" {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	if sub, err := auth.Subject(c.Request.Context()); err == nil {
		meta["subject"] = sub
	}
	meta["client_ip"] = c.ClientIP()
	if err := h.Audit.LogAPIAction(c.Request.Context(), h.orgID(c), callID, message, meta); err != nil {
		logger.FromGin(c).Warn("audit append failed", "call_id", callID, "err", err)
	}
}

// page reads ?page= and ?limit=. The store clamps out-of-range values.
func page(c *gin.Context) (store.Page, error) {
	p, err := intQuery(c, "page", 1)
	if err != nil {
		return store.Page{}, err
	}
	l, err := intQuery(c, "limit", 20)
	if err != nil {
		return store.Page{}, err
	}
	return store.Page{Page: p, Limit: l}, nil
}

// Paged is a page of results.
type Paged struct {
	Items any `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

func paged(items any, total int, p store.Page) Paged {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	return Paged{Items: items, Total: total, Page: p.Page, Limit: p.Limit, Pages: (total + p.Limit - 1) / p.Limit}
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation(key+" must be an integer").WithDetail(key, v)
	}
	return n, nil
}

func floatQuery(c *gin.Context, key string) (*float64, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return nil, apperr.Validation(key+" must be a number").WithDetail(key, v)
	}
	return &f, nil
}

func boolQuery(c *gin.Context, key string) bool {
	return cast.ToBool(strings.TrimSpace(c.Query(key)))
}

// timeQuery accepts RFC 3339 or a YYYY-MM-DD date.
func timeQuery(c *gin.Context, key string) (time.Time, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, apperr.Validation(key+" must be RFC 3339 or YYYY-MM-DD").WithDetail(key, v)
	}
	return t, nil
}
