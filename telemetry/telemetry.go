// Package telemetry bundles the Prometheus metrics and OpenTelemetry tracer
// shared by the broker and worker runtimes.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the engine's instrument set. All instruments are safe for
// concurrent use.
type Metrics struct {
	// EventsAppended counts appended events by type.
	EventsAppended *prometheus.CounterVec

	// JobsEnqueued counts queue inserts by purpose.
	JobsEnqueued *prometheus.CounterVec

	// JobsCompleted counts worker job outcomes by status.
	JobsCompleted *prometheus.CounterVec

	// ExecutionsFinished counts terminal executions by outcome.
	ExecutionsFinished *prometheus.CounterVec

	// LeasesReaped counts expired leases returned to the queue.
	LeasesReaped prometheus.Counter

	// ActionDuration observes executor wall time in seconds by tool kind.
	ActionDuration *prometheus.HistogramVec
}

// NewMetrics registers the instrument set on reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "events_appended_total",
			Help:      "Events appended to execution logs, by event type.",
		}, []string{"type"}),
		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs inserted into the work queue, by purpose.",
		}, []string{"purpose"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "jobs_completed_total",
			Help:      "Worker job outcomes, by status.",
		}, []string{"status"}),
		ExecutionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "executions_finished_total",
			Help:      "Terminal executions, by outcome.",
		}, []string{"outcome"}),
		LeasesReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "leases_reaped_total",
			Help:      "Expired leases returned to the queue.",
		}),
		ActionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "noetl",
			Name:      "action_duration_seconds",
			Help:      "Executor wall time, by tool kind.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
	}
}

// Tracer returns the named tracer from the global provider. Binaries that
// want exported spans install a provider; without one this is a no-op tracer.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
