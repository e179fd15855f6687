package httpapi

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/approvalflow/orchestrator/eventbus"
)

// Metrics holds the orchestrator's Prometheus collectors. The bus gauges
// read live stats on scrape; the counters are incremented by the HTTP
// layer as operations complete.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests      *prometheus.CounterVec
	WorkflowsCreated  prometheus.Counter
	ApprovalDecisions *prometheus.CounterVec
}

// NewMetrics builds and registers the collectors, wiring the bus's live
// stats as gauge functions.
func NewMetrics(bus *eventbus.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		WorkflowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_workflows_created_total",
			Help: "Workflows created through the API.",
		}),
		ApprovalDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_approval_decisions_total",
			Help: "Approval decisions recorded, by decision verb.",
		}, []string{"decision"}),
	}
	reg.MustRegister(m.HTTPRequests, m.WorkflowsCreated, m.ApprovalDecisions)

	if bus != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "orchestrator_eventbus_queue_size",
			Help: "Events waiting in the in-process bus queue.",
		}, func() float64 { return float64(bus.Stats().QueueSize) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "orchestrator_eventbus_handlers",
			Help: "Total handlers subscribed on the bus.",
		}, func() float64 { return float64(bus.Stats().TotalHandlers) }))
	}
	return m
}

// Handler returns the /metrics scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps next, counting requests by route pattern and status.
func (m *Metrics) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
	}
}
