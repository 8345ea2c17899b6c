package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gsp",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gsp",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gsp",
			Subsystem: "transform",
			Name:      "evaluations_total",
			Help:      "Transform evaluations by outcome.",
		},
		[]string{"node", "success"},
	)
	evaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gsp",
			Subsystem: "transform",
			Name:      "evaluation_duration_seconds",
			Help:      "Transform evaluation duration in seconds.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"node"},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gsp",
			Subsystem: "transform",
			Name:      "cache_lookups_total",
			Help:      "Evaluation cache lookups by result.",
		},
		[]string{"node", "result"},
	)
	sessionMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gsp",
			Subsystem: "session",
			Name:      "messages_total",
			Help:      "Protocol messages applied to sessions.",
		},
		[]string{"node", "transport", "command", "accepted"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gsp",
			Subsystem: "session",
			Name:      "active",
			Help:      "Open sessions.",
		},
		[]string{"node"},
	)
	renderPasses = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gsp",
			Subsystem: "render",
			Name:      "pass_duration_seconds",
			Help:      "Render pass duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "backend", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			evaluations, evaluationDuration, cacheLookups,
			sessionMessages, sessionsActive,
			renderPasses,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionMessage(node, transport, command string, accepted bool) {
	RegisterMetrics()
	sessionMessages.WithLabelValues(node, transport, command, strconv.FormatBool(accepted)).Inc()
}

// SessionOpened and SessionClosed track the open session gauge.
func SessionOpened(node string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(node).Inc()
}

func SessionClosed(node string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(node).Dec()
}

func RecordRenderPass(node, backend string, duration time.Duration, success bool) {
	RegisterMetrics()
	renderPasses.WithLabelValues(node, backend, strconv.FormatBool(success)).Observe(duration.Seconds())
}

// EvaluationObserver reports transform engine activity under one node label.
// It satisfies transform.Observer.
type EvaluationObserver struct {
	Node string
}

func (o EvaluationObserver) ObserveEvaluation(d time.Duration, err error) {
	RegisterMetrics()
	evaluations.WithLabelValues(o.Node, strconv.FormatBool(err == nil)).Inc()
	evaluationDuration.WithLabelValues(o.Node).Observe(d.Seconds())
}

func (o EvaluationObserver) ObserveCache(hit bool) {
	RegisterMetrics()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(o.Node, result).Inc()
}
