// Package metrics holds the prometheus collectors of the service. Each
// Metrics owns its registry so tests do not share global state.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"callscore/internal/queue"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callscore"

type Metrics struct {
	reg *prometheus.Registry

	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	webhooks      *prometheus.CounterVec
	notifications *prometheus.CounterVec
	requests      *prometheus.CounterVec
	reqDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_total",
			Help: "Pipeline jobs handled, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Pipeline job handling time.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600},
		}, []string{"queue"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhooks_total",
			Help: "Telephony webhooks received, by vendor and outcome.",
		}, []string{"vendor", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Notification dispatches, by channel, type and status.",
		}, []string{"channel", "type", "status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests, by route and status.",
		}, []string{"method", "route", "status"}),
		reqDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.reg.MustRegister(
		m.jobs, m.jobDuration, m.webhooks, m.notifications, m.requests, m.reqDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for extra collectors and tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveJob implements queue.Observer.
func (m *Metrics) ObserveJob(q string, outcome string, d time.Duration) {
	m.jobs.WithLabelValues(q, outcome).Inc()
	m.jobDuration.WithLabelValues(q).Observe(d.Seconds())
}

// ObserveWebhook implements telephony.Observer.
func (m *Metrics) ObserveWebhook(vendor, outcome string) {
	m.webhooks.WithLabelValues(vendor, outcome).Inc()
}

// ObserveNotification implements notify.Observer.
func (m *Metrics) ObserveNotification(channel, typ, status string) {
	m.notifications.WithLabelValues(channel, typ, status).Inc()
}

// Middleware records request counts and latency per matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.reqDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Counter is the part of a queue backend the depth collector reads.
type Counter interface {
	Counts(ctx context.Context, name queue.Name) (queue.Counts, error)
}

// RegisterQueueDepth adds a collector that reads queue depths at scrape
// time.
func (m *Metrics) RegisterQueueDepth(q Counter, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	m.reg.MustRegister(&depthCollector{q: q, log: log, desc: prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "jobs"),
		"Jobs per queue and state.",
		[]string{"queue", "state"}, nil,
	)})
}

type depthCollector struct {
	q    Counter
	log  *slog.Logger
	desc *prometheus.Desc
}

func (d *depthCollector) Describe(ch chan<- *prometheus.Desc) { ch <- d.desc }

func (d *depthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, name := range queue.Names {
		c, err := d.q.Counts(ctx, name)
		if err != nil {
			d.log.Warn("queue depth scrape failed", "queue", name, "err", err)
			continue
		}
		for state, n := range map[queue.State]int{
			queue.StateWaiting:   c.Waiting,
			queue.StateDelayed:   c.Delayed,
			queue.StateActive:    c.Active,
			queue.StateCompleted: c.Completed,
			queue.StateFailed:    c.Failed,
		} {
			ch <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, float64(n), string(name), string(state))
		}
	}
}
