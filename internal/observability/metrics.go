package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the engine's operational gauges and counters on a
// dedicated registry so tests can run many schedulers side by side.
type Metrics struct {
	Registry *prometheus.Registry

	TasksByStatus  *prometheus.GaugeVec
	QueueActive    *prometheus.GaugeVec
	QueueLimit     *prometheus.GaugeVec
	EventQueueLen  prometheus.Gauge
	PoolSize       prometheus.Gauge
	DeferredSpawns prometheus.Gauge

	MessagesTotal    prometheus.Counter
	SubmissionsTotal prometheus.Counter
	PollsTotal       prometheus.Counter
	StoreWrites      prometheus.Counter
	StoreRetries     prometheus.Counter
	Stalls           prometheus.Counter
}

// NewMetrics builds and registers the metric set.
func NewMetrics() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.TasksByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cyclon_tasks",
		Help: "Live task instances by status.",
	}, []string{"status"})
	m.QueueActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cyclon_queue_active",
		Help: "Active task instances per queue.",
	}, []string{"queue"})
	m.QueueLimit = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cyclon_queue_limit",
		Help: "Configured limit per queue (0 = unlimited).",
	}, []string{"queue"})
	m.EventQueueLen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyclon_event_queue_length",
		Help: "Events waiting for the scheduler loop.",
	})
	m.PoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyclon_pool_size",
		Help: "Live task instances in the pool.",
	})
	m.DeferredSpawns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cyclon_deferred_spawns",
		Help: "Spawns deferred by the runahead limit.",
	})

	m.MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cyclon_messages_total",
		Help: "Task messages processed.",
	})
	m.SubmissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cyclon_submissions_total",
		Help: "Job submissions dispatched.",
	})
	m.PollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cyclon_polls_total",
		Help: "Job polls dispatched.",
	})
	m.StoreWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cyclon_store_writes_total",
		Help: "Run log events written.",
	})
	m.StoreRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cyclon_store_retries_total",
		Help: "Run log writes that needed a retry.",
	})
	m.Stalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cyclon_stalls_total",
		Help: "Stall events surfaced.",
	})

	m.Registry.MustRegister(
		m.TasksByStatus, m.QueueActive, m.QueueLimit, m.EventQueueLen,
		m.PoolSize, m.DeferredSpawns, m.MessagesTotal, m.SubmissionsTotal,
		m.PollsTotal, m.StoreWrites, m.StoreRetries, m.Stalls,
	)
	return m
}
