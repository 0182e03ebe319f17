// Package metrics holds the Prometheus collectors exported by simrunner.
//
// Each runner owns one [Metrics] set registered on its own registry, so
// several runners in one process never overwrite each other's gauges. The
// status server serves that registry at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Kinds pre-initialised on the outcome counter.
var kinds = []string{"test", "connection_test", "risk_evaluation"}

// Eviction reasons pre-initialised on the eviction counter.
var evictionReasons = []string{"idle", "broken", "closed"}

// Metrics is one runner's set of collectors.
type Metrics struct {
	// TrackedItems is the size of the dedup set: queued plus in-flight items.
	TrackedItems prometheus.Gauge

	// QueueDepth is the number of admitted items not yet handed to a worker.
	QueueDepth prometheus.Gauge

	// ItemsProcessed counts finished items by kind and outcome.
	ItemsProcessed *prometheus.CounterVec

	// ItemDuration observes end-to-end processing time per item.
	ItemDuration *prometheus.HistogramVec

	// ReportErrors counts failures to deliver a report to the control plane.
	ReportErrors prometheus.Counter

	// PollErrors counts failed discovery cycles per concern.
	PollErrors *prometheus.CounterVec

	// RetryBudgetUsed is the current consecutive-failure count per concern.
	RetryBudgetUsed *prometheus.GaugeVec

	// ItemsDiscovered counts items admitted into the queue per concern.
	ItemsDiscovered *prometheus.CounterVec

	// ChannelConnections is the number of live pooled channel connections.
	ChannelConnections prometheus.Gauge

	// ChannelEvictions counts connections closed for idleness or breakage.
	ChannelEvictions *prometheus.CounterVec

	// ChannelFallbacks counts items that fell back from a channel to the
	// direct completion path.
	ChannelFallbacks prometheus.Counter
}

// New creates an unregistered [Metrics] set with its label combinations
// pre-initialised, so they appear with value 0 from startup.
func New() *Metrics {
	m := &Metrics{
		TrackedItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "simrunner_tracked_items",
				Help: "Number of work items currently queued or being processed.",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "simrunner_queue_depth",
				Help: "Number of work items waiting for a worker.",
			},
		),
		ItemsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simrunner_items_processed_total",
				Help: "Total number of work items processed.",
			},
			[]string{"kind", "outcome"},
		),
		ItemDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "simrunner_item_duration_seconds",
				Help:    "Work item processing time from dequeue to report, in seconds.",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"kind"},
		),
		ReportErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "simrunner_report_errors_total",
				Help: "Total number of reports the control plane did not accept.",
			},
		),
		PollErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simrunner_poll_errors_total",
				Help: "Total number of failed discovery cycles.",
			},
			[]string{"concern"},
		),
		RetryBudgetUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "simrunner_retry_budget_used",
				Help: "Consecutive discovery failures per concern.",
			},
			[]string{"concern"},
		),
		ItemsDiscovered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simrunner_items_discovered_total",
				Help: "Total number of work items admitted for processing.",
			},
			[]string{"concern"},
		),
		ChannelConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "simrunner_channel_connections",
				Help: "Number of live persistent channel connections.",
			},
		),
		ChannelEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simrunner_channel_evictions_total",
				Help: "Total number of pooled connections removed.",
			},
			[]string{"reason"},
		),
		ChannelFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "simrunner_channel_fallbacks_total",
				Help: "Total number of items completed without their persistent channel.",
			},
		),
	}

	for _, k := range kinds {
		m.ItemsProcessed.WithLabelValues(k, OutcomeCompleted)
		m.ItemsProcessed.WithLabelValues(k, OutcomeFailed)
	}
	for _, reason := range evictionReasons {
		m.ChannelEvictions.WithLabelValues(reason)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.TrackedItems,
		m.QueueDepth,
		m.ItemsProcessed,
		m.ItemDuration,
		m.ReportErrors,
		m.PollErrors,
		m.RetryBudgetUsed,
		m.ItemsDiscovered,
		m.ChannelConnections,
		m.ChannelEvictions,
		m.ChannelFallbacks,
	}
}

// Register adds every collector to reg. On failure the collectors already
// added are removed again.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var done []prometheus.Collector
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			for _, d := range done {
				reg.Unregister(d)
			}
			return err
		}
		done = append(done, c)
	}
	return nil
}

// Unregister removes every collector from reg.
func (m *Metrics) Unregister(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}
