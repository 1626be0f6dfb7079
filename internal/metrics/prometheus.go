package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollgate_online_clients",
		Help: "Number of connected stream subscribers",
	})
	pushCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollgate_push_total",
		Help: "Total number of change messages pushed to subscribers",
	})
	pushLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rollgate_push_latency_seconds",
		Help:    "Time to fan one change message out to every subscriber",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
	eventLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollgate_hub_event_lag",
		Help: "Messages queued in the hub broadcast channel",
	})
	evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollgate_evaluations_total",
		Help: "Flag evaluations by deciding rule",
	}, []string{"reason"})
	rolloutSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollgate_rollout_steps_total",
		Help: "Rollout step attempts by outcome and block reason",
	}, []string{"outcome", "reason"})
	lockAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollgate_lock_acquire_total",
		Help: "Lock acquire attempts by backend and result",
	}, []string{"backend", "result"})
	scanLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollgate_log_scan_lines_total",
		Help: "NDJSON lines read by metric scans",
	}, []string{"source", "kind"})
	scanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "rollgate_log_scan_seconds",
		Help: "Duration of one metric log scan",
	}, []string{"source"})
	purgedLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollgate_purged_lines_total",
		Help: "Log lines removed by erasure purges and compaction",
	}, []string{"target"})
	telemetryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollgate_telemetry_dropped_total",
		Help: "Exposure events dropped because the sink buffer was full",
	})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rollgate_http_request_duration_seconds",
		Help:    "Duration of API requests by route, method and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
)

type prometheusObserver struct{}

// NewPrometheusObserver reports to the default registry.
func NewPrometheusObserver() Observer {
	return &prometheusObserver{}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *prometheusObserver) IncOnline() {
	onlineGauge.Inc()
}

func (p *prometheusObserver) DecOnline() {
	onlineGauge.Dec()
}

func (p *prometheusObserver) RecordPush() {
	pushCounter.Inc()
}

func (p *prometheusObserver) ObservePushLatency(duration float64) {
	pushLatency.Observe(duration)
}

func (p *prometheusObserver) UpdateEventLag(lag int) {
	eventLag.Set(float64(lag))
}

func (p *prometheusObserver) ObserveEvaluation(reason string) {
	evaluations.WithLabelValues(reason).Inc()
}

func (p *prometheusObserver) ObserveRolloutStep(outcome, reason string) {
	rolloutSteps.WithLabelValues(outcome, reason).Inc()
}

func (p *prometheusObserver) ObserveLock(backend string, acquired bool, contended bool) {
	result := "error"
	switch {
	case acquired:
		result = "acquired"
	case contended:
		result = "contended"
	}
	lockAcquires.WithLabelValues(backend, result).Inc()
}

func (p *prometheusObserver) ObserveScan(source string, lines, skipped int, d time.Duration) {
	scanLines.WithLabelValues(source, "read").Add(float64(lines))
	scanLines.WithLabelValues(source, "skipped").Add(float64(skipped))
	scanDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (p *prometheusObserver) ObservePurge(target string, removed int) {
	purgedLines.WithLabelValues(target).Add(float64(removed))
}

func (p *prometheusObserver) TelemetryDropped() {
	telemetryDropped.Inc()
}

func (p *prometheusObserver) ObserveHTTP(route, method string, status int, d time.Duration) {
	httpDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(d.Seconds())
}
