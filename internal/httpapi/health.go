package httpapi

import (
	"context"
	"net/http"
	"time"

	"callscore/internal/httpapi/respond"

	"github.com/gin-gonic/gin"
)

// Probe states.
const (
	ProbeOK            = "ok"
	ProbeError         = "error"
	ProbeNotConfigured = "not_configured"
)

type ProbeResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	Detail    any    `json:"detail,omitempty"`
}

type healthBody struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version,omitempty"`
	Uptime   string                 `json:"uptime"`
	Time     time.Time              `json:"time"`
	Services map[string]ProbeResult `json:"services,omitempty"`
}

func (h Handlers) Health(c *gin.Context) {
	respond.OK(c, http.StatusOK, healthBody{
		Status:  "ok",
		Version: h.Version,
		Uptime:  time.Since(h.Started).Round(time.Second).String(),
		Time:    time.Now().UTC(),
	})
}

// HealthDetailed probes each dependency. Missing LLM or STT credentials are
// reported, not treated as failures; a broken database or queue answers 503.
func (h Handlers) HealthDetailed(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	services := map[string]ProbeResult{
		"db":    probe(ctx, h.Store != nil, func(ctx context.Context) error { return h.Store.Ping(ctx) }),
		"queue": probe(ctx, h.Queue != nil, func(ctx context.Context) error { return h.Queue.Ping(ctx) }),
	}

	llm := ProbeResult{Status: ProbeNotConfigured}
	if h.Pipeline != nil && h.Pipeline.AnalyzerReady() {
		llm.Status = ProbeOK
	}
	services["llm"] = llm

	sttProbe := ProbeResult{Status: ProbeNotConfigured}
	if h.STT != nil && h.STT.Len() > 0 {
		sttProbe = ProbeResult{Status: ProbeOK, Detail: h.STT.Describe()}
	}
	services["stt"] = sttProbe

	if h.Router != nil {
		services["notifications"] = ProbeResult{Status: ProbeOK, Detail: h.Router.Channels()}
	} else {
		services["notifications"] = ProbeResult{Status: ProbeNotConfigured}
	}

	status, code := "ok", http.StatusOK
	for _, name := range []string{"llm", "stt"} {
		if services[name].Status != ProbeOK {
			status = "degraded"
		}
	}
	for _, name := range []string{"db", "queue"} {
		if services[name].Status != ProbeOK {
			status, code = "error", http.StatusServiceUnavailable
		}
	}
	respond.OK(c, code, healthBody{
		Status:   status,
		Version:  h.Version,
		Uptime:   time.Since(h.Started).Round(time.Second).String(),
		Time:     time.Now().UTC(),
		Services: services,
	})
}

func probe(ctx context.Context, configured bool, ping func(context.Context) error) ProbeResult {
	if !configured {
		return ProbeResult{Status: ProbeNotConfigured}
	}
	start := time.Now()
	if err := ping(ctx); err != nil {
		return ProbeResult{Status: ProbeError, Error: err.Error(), LatencyMs: time.Since(start).Milliseconds()}
	}
	return ProbeResult{Status: ProbeOK, LatencyMs: time.Since(start).Milliseconds()}
}
