/*
Package metrics provides Prometheus metrics collection and exposition for the
work coordinator.

Metrics are registered at package init and exposed via Handler() for
scraping. pkg/metrics/collector.go polls storage.Store on a ticker to keep
backlog gauges current between flushes; the remaining metrics are updated
inline by the coordinator, publisher, consumer, perspective runner, and
instance heartbeat as they run.

# Catalog

Backlog and topology gauges:

	workcoord_outbox_backlog{status}
	workcoord_inbox_backlog{status}
	workcoord_perspective_backlog{perspective}
	workcoord_active_instances
	workcoord_active_streams
	workcoord_heartbeat_age_seconds

Flush metrics (pkg/coordinator):

	workcoord_flush_duration_seconds{result}
	workcoord_flush_total{result}
	workcoord_reclaimed_rows_total{queue}

Publish metrics (pkg/publisher):

	workcoord_publish_total{destination, outcome}
	workcoord_publish_duration_seconds{destination}

Consume metrics (pkg/consumer):

	workcoord_consume_total{destination, outcome}

Perspective metrics (pkg/perspective):

	workcoord_perspective_apply_duration_seconds{perspective}
	workcoord_perspective_failures_total{perspective}

# Usage

	timer := metrics.NewTimer()
	err := transport.Publish(ctx, env, destination)
	timer.ObserveDurationVec(metrics.PublishDuration, destination)

# Health

This package also exposes /health, /ready and /live handlers backed by a
HealthChecker (see health.go). Readiness is not_ready while any registered
probe (cmd/coordinator registers storage, transport and instance) fails;
liveness never depends on them.
*/
package metrics
