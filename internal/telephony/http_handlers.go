package telephony

import (
	"net/http"

	"callscore/internal/apperr"
	"callscore/internal/httpapi/respond"
	"callscore/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Observer counts webhook outcomes per vendor.
type Observer interface {
	ObserveWebhook(vendor, outcome string)
}

// WebhookHandler parses the vendor payload with the adapter named in the
// path and hands it to Intake.
//
// No ingestion rules here.
type WebhookHandler struct {
	Providers Registry
	Intake    *Intake
	Observer  Observer
}

// Handle serves POST /webhook/:vendor. The mock adapter is registered as
// vendor "mock".
func (h WebhookHandler) Handle(c *gin.Context) {
	vendor := c.Param("vendor")
	log := logger.FromGin(c)
	p, ok := h.Providers[vendor]
	if !ok {
		h.observe(vendor, "unknown_vendor")
		respond.Fail(c, apperr.NotFound("webhook vendor", vendor))
		return
	}
	if h.Intake == nil {
		respond.Fail(c, apperr.Unavailable("webhook intake not configured"))
		return
	}

	ev, err := p.ParseCompletion(c.Request)
	if err != nil {
		log.Warn("webhook rejected", "vendor", vendor, "err", err)
		h.observe(vendor, "rejected")
		respond.Fail(c, err)
		return
	}

	res, err := h.Intake.Ingest(c.Request.Context(), ev)
	if err != nil {
		h.observe(vendor, "error")
		respond.Fail(c, err)
		return
	}
	outcome := res.Status
	if res.Duplicate {
		outcome = "duplicate"
	}
	h.observe(vendor, outcome)
	respond.OK(c, http.StatusOK, res)
}

func (h WebhookHandler) observe(vendor, outcome string) {
	if h.Observer != nil {
		h.Observer.ObserveWebhook(vendor, outcome)
	}
}
