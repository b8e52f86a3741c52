package rt

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the engine's prometheus instrumentation.
type Metrics struct {
	TasksStarted   prometheus.Counter
	TasksFinished  prometheus.Counter
	TasksFailed    prometheus.Counter
	BoxesFinished  prometheus.Counter
	BoxesDiscarded prometheus.Counter
	HeapInUse      prometheus.Gauge
	TaskProgress   prometheus.Gauge
}

// NewMetrics registers the engine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qic",
			Subsystem: "engine",
			Name:      "tasks_started_total",
			Help:      "Tasks started by the engine.",
		}),
		TasksFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qic",
			Subsystem: "engine",
			Name:      "tasks_finished_total",
			Help:      "Tasks that completed successfully.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qic",
			Subsystem: "engine",
			Name:      "tasks_failed_total",
			Help:      "Tasks that failed validation or execution.",
		}),
		BoxesFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qic",
			Subsystem: "engine",
			Name:      "databoxes_finished_total",
			Help:      "Databoxes marked for host transfer.",
		}),
		BoxesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qic",
			Subsystem: "engine",
			Name:      "databoxes_discarded_total",
			Help:      "Databoxes freed without transfer.",
		}),
		HeapInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qic",
			Subsystem: "engine",
			Name:      "databox_heap_bytes",
			Help:      "Databox heap bytes currently allocated.",
		}),
		TaskProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qic",
			Subsystem: "engine",
			Name:      "task_progress",
			Help:      "Progress counter of the running task.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TasksStarted,
			m.TasksFinished,
			m.TasksFailed,
			m.BoxesFinished,
			m.BoxesDiscarded,
			m.HeapInUse,
			m.TaskProgress,
		)
	}
	return m
}
