package httpapi

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"callscore/internal/apperr"
	"callscore/internal/export"
	"callscore/internal/httpapi/respond"
	"callscore/internal/queue"

	"github.com/gin-gonic/gin"
)

type failedJob struct {
	ID           string `json:"id"`
	AttemptsMade int    `json:"attempts_made"`
	LastError    string `json:"last_error,omitempty"`
	FinishedAt   string `json:"finished_at,omitempty"`
}

type queueState struct {
	Name   queue.Name   `json:"name"`
	Counts queue.Counts `json:"counts"`
	Failed []failedJob  `json:"recent_failures"`
}

// Queues reports job counts per queue and the latest failures.
func (h Handlers) Queues(c *gin.Context) {
	if h.Queue == nil {
		respond.Fail(c, apperr.Unavailable("queue is not configured"))
		return
	}
	limit, err := intQuery(c, "failed", 5)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	if limit < 0 || limit > 50 {
		limit = 5
	}
	ctx := c.Request.Context()
	out := make([]queueState, 0, len(queue.Names))
	for _, name := range queue.Names {
		counts, err := h.Queue.Counts(ctx, name)
		if err != nil {
			respond.Fail(c, apperr.Unavailable("queue unavailable").WithCause(err))
			return
		}
		st := queueState{Name: name, Counts: counts, Failed: []failedJob{}}
		if limit > 0 && counts.Failed > 0 {
			jobs, err := h.Queue.FailedJobs(ctx, name, limit)
			if err != nil {
				respond.Fail(c, apperr.Unavailable("queue unavailable").WithCause(err))
				return
			}
			for _, j := range jobs {
				fj := failedJob{ID: j.ID, AttemptsMade: j.AttemptsMade, LastError: j.LastError}
				if !j.FinishedAt.IsZero() {
					fj.FinishedAt = j.FinishedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
				}
				st.Failed = append(st.Failed, fj)
			}
		}
		out = append(out, st)
	}
	respond.OK(c, http.StatusOK, gin.H{"queues": out})
}

// ExportAnalyses writes the caller's analyses in [from, to) to a CSV or XLSX
// file and serves it as an attachment.
func (h Handlers) ExportAnalyses(c *gin.Context) {
	if h.Exports == nil {
		respond.Fail(c, apperr.Unavailable("exports are not configured"))
		return
	}
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		respond.Fail(c, apperr.Validation(err.Error()))
		return
	}
	from, err := timeQuery(c, "from")
	if err != nil {
		respond.Fail(c, err)
		return
	}
	to, err := timeQuery(c, "to")
	if err != nil {
		respond.Fail(c, err)
		return
	}
	f, err := h.Exports.Analyses(c.Request.Context(), export.Request{OrgID: h.orgID(c), From: from, To: to, Format: format})
	if errors.Is(err, export.ErrInvalidRequest) {
		respond.Fail(c, apperr.Validation(err.Error()))
		return
	}
	if err != nil {
		respond.Fail(c, err)
		return
	}
	c.Header("Content-Type", f.ContentType)
	c.Header("X-Export-Rows", strconv.Itoa(f.Rows))
	c.FileAttachment(f.Path, f.Name)
}

// DownloadExport serves a previously written export by name.
func (h Handlers) DownloadExport(c *gin.Context) {
	if h.Exports == nil {
		respond.Fail(c, apperr.Unavailable("exports are not configured"))
		return
	}
	name := c.Param("name")
	if !strings.HasPrefix(name, "analyses_"+h.orgID(c)+"_") {
		respond.Fail(c, apperr.NotFound("export", name))
		return
	}
	p, err := h.Exports.Open(name)
	switch {
	case errors.Is(err, export.ErrInvalidRequest):
		respond.Fail(c, apperr.Validation(err.Error()))
		return
	case errors.Is(err, os.ErrNotExist):
		respond.Fail(c, apperr.NotFound("export", name))
		return
	case err != nil:
		respond.Fail(c, err)
		return
	}
	c.FileAttachment(p, name)
}
