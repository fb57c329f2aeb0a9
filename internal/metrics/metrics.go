// Package metrics provides Prometheus metrics for the marker pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "markerplow"

var (
	// SessionsActive tracks tracked playback sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Current number of tracked playback sessions.",
	})

	// MarkerUpdates counts marker writes triggered by playback, by kind and result.
	MarkerUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "marker_updates_total",
		Help:      "Total number of marker updates, by kind and result.",
	}, []string{"kind", "result"})

	// CoalescerDropped counts update requests dropped before running.
	CoalescerDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coalescer_dropped_total",
		Help:      "Total number of marker update requests dropped, by kind and reason.",
	}, []string{"kind", "reason"})

	QueueUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_units_total",
		Help:      "Total number of queue work units executed, by queue and result.",
	}, []string{"queue", "result"})

	QueueInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_inflight",
		Help:      "Current number of queue work units holding a budget slot.",
	})

	QueueBudget = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_budget",
		Help:      "Configured maximum number of concurrent queue work units.",
	})

	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_clients",
		Help:      "Current number of connected event stream clients.",
	})

	// HTTPRequests counts served requests by route pattern and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests, by route and status code.",
	}, []string{"route", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency, by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	// PropagationEpisodes counts propagation outcomes per target episode.
	PropagationEpisodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "propagation_episodes_total",
		Help:      "Total number of episodes visited by propagation, by result.",
	}, []string{"result"})
)

// RecordMarkerUpdate records the result of a marker write
func RecordMarkerUpdate(kind string, err error) {
	MarkerUpdates.WithLabelValues(label(kind), resultLabel(err)).Inc()
}

// RecordDrop records a coalescer drop with a concrete reason
func RecordDrop(kind, reason string) {
	CoalescerDropped.WithLabelValues(label(kind), label(reason)).Inc()
}

// RecordQueueUnit records the result of a queue work unit
func RecordQueueUnit(queue string, err error) {
	QueueUnits.WithLabelValues(label(queue), resultLabel(err)).Inc()
}

// RecordHTTPRequest records one served request. Streams are recorded when
// they close.
func RecordHTTPRequest(route string, status int, elapsed time.Duration) {
	route = label(route)
	HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
