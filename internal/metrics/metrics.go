package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "airquality_backfill_"

	resultSuccess = "success"
	resultError   = "error"
)

// Sub-interval outcomes.
const (
	OutcomePublished     = "published"
	OutcomeEmpty         = "empty"
	OutcomeFailed        = "failed"
	OutcomePublishFailed = "publish_failed"
)

var (
	registerOnce sync.Once

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	intervalsTotal *prometheus.CounterVec

	runsTotal   *prometheus.CounterVec
	runDuration prometheus.Histogram

	publishTotal *prometheus.CounterVec
	queueDepth   prometheus.Gauge
)

// Init registers the collectors with reg. Calls after the first are no-ops.
// Until Init is called every helper in this package does nothing.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		fetchRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fetch_requests_total",
				Help: "LUBW API requests by component and result",
			},
			[]string{"component", "result"},
		)
		fetchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "fetch_latency_seconds",
				Help:    "LUBW API request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		intervalsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "intervals_total",
				Help: "Processed sub-intervals by outcome",
			},
			[]string{"outcome"},
		)
		runsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "runs_total",
				Help: "Backfill runs by result",
			},
			[]string{"result"},
		)
		runDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "run_duration_seconds",
				Help:    "Backfill run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		)
		publishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "mqtt_publish_total",
				Help: "MQTT publishes by result",
			},
			[]string{"result"},
		)
		queueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "mqtt_queue_depth",
				Help: "Messages waiting in the publish queue",
			},
		)

		reg.MustRegister(
			fetchRequests,
			fetchLatency,
			intervalsTotal,
			runsTotal,
			runDuration,
			publishTotal,
			queueDepth,
		)
	})
}

// ObserveFetch records one API request.
func ObserveFetch(component string, ok bool, duration time.Duration) {
	result := resultLabel(ok)
	if fetchRequests != nil {
		fetchRequests.WithLabelValues(component, result).Inc()
	}
	if fetchLatency != nil {
		fetchLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncInterval counts one processed sub-interval.
func IncInterval(outcome string) {
	if intervalsTotal != nil {
		intervalsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveRun records a finished backfill run.
func ObserveRun(ok bool, duration time.Duration) {
	if runsTotal != nil {
		runsTotal.WithLabelValues(resultLabel(ok)).Inc()
	}
	if runDuration != nil {
		runDuration.Observe(duration.Seconds())
	}
}

// IncPublish counts one MQTT publish attempt.
func IncPublish(ok bool) {
	if publishTotal != nil {
		publishTotal.WithLabelValues(resultLabel(ok)).Inc()
	}
}

// SetQueueDepth reports the current publish queue length.
func SetQueueDepth(n int) {
	if queueDepth != nil {
		queueDepth.Set(float64(n))
	}
}

func resultLabel(ok bool) string {
	if ok {
		return resultSuccess
	}
	return resultError
}
