package httpapi

import (
	"errors"
	"net/http"

	"callscore/internal/apperr"
	"callscore/internal/httpapi/respond"
	"callscore/internal/reporting"

	"github.com/gin-gonic/gin"
)

func reportErr(err error) error {
	if errors.Is(err, reporting.ErrInvalidRequest) {
		return apperr.Validation(err.Error())
	}
	return err
}

// DailyReport serves GET /api/reports/daily?date=YYYY-MM-DD&includeDetails=.
func (h Handlers) DailyReport(c *gin.Context) {
	date, err := reporting.ParseDate(c.Query("date"), h.Reports.Today())
	if err != nil {
		respond.Fail(c, reportErr(err))
		return
	}
	dg, err := h.Reports.Daily(c.Request.Context(), reporting.DailyRequest{
		OrgID:          h.orgID(c),
		Date:           date,
		IncludeDetails: boolQuery(c, "includeDetails"),
	})
	if err != nil {
		respond.Fail(c, reportErr(err))
		return
	}
	respond.OK(c, http.StatusOK, dg)
}

func (h Handlers) WeeklyReport(c *gin.Context) {
	days, err := intQuery(c, "days", 7)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	end, err := timeQuery(c, "end")
	if err != nil {
		respond.Fail(c, err)
		return
	}
	wd, err := h.Reports.Weekly(c.Request.Context(), reporting.WeeklyRequest{OrgID: h.orgID(c), Days: days, End: end})
	if err != nil {
		respond.Fail(c, reportErr(err))
		return
	}
	respond.OK(c, http.StatusOK, wd)
}

func (h Handlers) Trends(c *gin.Context) {
	days, err := intQuery(c, "days", 7)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	t, err := h.Reports.Trends(c.Request.Context(), reporting.TrendRequest{OrgID: h.orgID(c), Days: days})
	if err != nil {
		respond.Fail(c, reportErr(err))
		return
	}
	respond.OK(c, http.StatusOK, t)
}

func (h Handlers) AgentReport(c *gin.Context) {
	days, err := intQuery(c, "days", 30)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	r, err := h.Reports.Agent(c.Request.Context(), reporting.AgentRequest{
		OrgID:   h.orgID(c),
		AgentID: c.Param("id"),
		Days:    days,
	})
	if err != nil {
		respond.Fail(c, reportErr(err))
		return
	}
	respond.OK(c, http.StatusOK, r)
}

type sendDigestRequest struct {
	Date  string `json:"date"`
	Force bool   `json:"force"`
}

// SendDailyReport builds a day's digest and sends it now. Without force a
// date already delivered on a channel is skipped there.
func (h Handlers) SendDailyReport(c *gin.Context) {
	if h.Digest == nil {
		respond.Fail(c, apperr.Unavailable("notifications are not configured"))
		return
	}
	var req sendDigestRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.BadRequest(c, "invalid json")
			return
		}
	}
	date, err := reporting.ParseDate(req.Date, h.Reports.Today())
	if err != nil {
		respond.Fail(c, reportErr(err))
		return
	}
	d := *h.Digest
	d.OrgID = h.orgID(c)
	dg, out, err := d.Send(c.Request.Context(), date, req.Force)
	if err != nil && len(out) == 0 {
		respond.Fail(c, reportErr(err))
		return
	}
	body := gin.H{"date": dg.Date, "total_calls": dg.TotalCalls, "dispatches": out}
	if err != nil {
		body["error"] = apperr.From(err).Message
	}
	respond.OK(c, http.StatusOK, body)
}
