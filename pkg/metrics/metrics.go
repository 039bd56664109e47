package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Backlog depth metrics, polled by Collector.
	OutboxBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workcoord_outbox_backlog",
			Help: "Outstanding outbox rows by status bit",
		},
		[]string{"status"},
	)

	InboxBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workcoord_inbox_backlog",
			Help: "Outstanding inbox rows by status bit",
		},
		[]string{"status"},
	)

	PerspectiveBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workcoord_perspective_backlog",
			Help: "Outstanding perspective event rows by perspective name",
		},
		[]string{"perspective"},
	)

	ActiveInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workcoord_active_instances",
			Help: "Number of instances considered live for rank calculation",
		},
	)

	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workcoord_active_streams",
			Help: "Number of streams currently present in the active-streams table",
		},
	)

	// Flush metrics.
	FlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workcoord_flush_duration_seconds",
			Help:    "Time taken by a single process_work_batch round trip",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	FlushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workcoord_flush_total",
			Help: "Total number of flush calls by result",
		},
		[]string{"result"},
	)

	ReclaimedRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workcoord_reclaimed_rows_total",
			Help: "Total number of rows reclaimed from a foreign instance after lease expiry",
		},
		[]string{"queue"},
	)

	// Publisher metrics.
	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workcoord_publish_total",
			Help: "Total number of publish attempts by outcome",
		},
		[]string{"destination", "outcome"},
	)

	PublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workcoord_publish_duration_seconds",
			Help:    "Time taken for a single Transport.Publish call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"destination"},
	)

	// Consumer metrics.
	ConsumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workcoord_consume_total",
			Help: "Total number of envelopes observed by the consumer worker by outcome",
		},
		[]string{"destination", "outcome"},
	)

	// Perspective runner metrics.
	PerspectiveApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workcoord_perspective_apply_duration_seconds",
			Help:    "Time taken to apply one perspective projection",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"perspective"},
	)

	PerspectiveFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workcoord_perspective_failures_total",
			Help: "Total number of failed perspective projection attempts",
		},
		[]string{"perspective"},
	)

	// Heartbeat metrics.
	HeartbeatAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workcoord_heartbeat_age_seconds",
			Help: "Seconds since this instance's last successful heartbeat",
		},
	)
)

func init() {
	prometheus.MustRegister(OutboxBacklog)
	prometheus.MustRegister(InboxBacklog)
	prometheus.MustRegister(PerspectiveBacklog)
	prometheus.MustRegister(ActiveInstances)
	prometheus.MustRegister(ActiveStreams)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(FlushTotal)
	prometheus.MustRegister(ReclaimedRowsTotal)
	prometheus.MustRegister(PublishTotal)
	prometheus.MustRegister(PublishDuration)
	prometheus.MustRegister(ConsumeTotal)
	prometheus.MustRegister(PerspectiveApplyDuration)
	prometheus.MustRegister(PerspectiveFailuresTotal)
	prometheus.MustRegister(HeartbeatAgeSeconds)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
