// Package metrics defines the Prometheus collectors for the bus and the
// scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BusMetrics counts event bus activity. All methods are nil-safe so callers
// can run without metrics wired.
type BusMetrics struct {
	Published    prometheus.Counter
	Received     prometheus.Counter
	Failed       prometheus.Counter
	DeadLettered prometheus.Counter
	BytesIn      prometheus.Counter
	BytesOut     prometheus.Counter
	Subscribers  prometheus.Gauge
}

// NewBusMetrics creates and registers the bus collectors.
func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	m := &BusMetrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oxide", Subsystem: "bus", Name: "published_total",
			Help: "Events durably accepted by the stream.",
		}),
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oxide", Subsystem: "bus", Name: "received_total",
			Help: "Events successfully handled by subscribers.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oxide", Subsystem: "bus", Name: "failed_total",
			Help: "Delivery attempts that returned an error or timed out.",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oxide", Subsystem: "bus", Name: "dead_lettered_total",
			Help: "Events routed to the dead-letter stream.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oxide", Subsystem: "bus", Name: "bytes_in_total",
			Help: "Payload bytes published.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oxide", Subsystem: "bus", Name: "bytes_out_total",
			Help: "Payload bytes delivered to subscribers.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oxide", Subsystem: "bus", Name: "subscribers",
			Help: "Active subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Published, m.Received, m.Failed, m.DeadLettered,
			m.BytesIn, m.BytesOut, m.Subscribers)
	}
	return m
}

func (m *BusMetrics) IncPublished(bytes int) {
	if m == nil {
		return
	}
	m.Published.Inc()
	m.BytesIn.Add(float64(bytes))
}

func (m *BusMetrics) IncReceived(bytes int) {
	if m == nil {
		return
	}
	m.Received.Inc()
	m.BytesOut.Add(float64(bytes))
}

func (m *BusMetrics) IncFailed() {
	if m == nil {
		return
	}
	m.Failed.Inc()
}

func (m *BusMetrics) IncDeadLettered() {
	if m == nil {
		return
	}
	m.DeadLettered.Inc()
}

func (m *BusMetrics) AddSubscribers(delta int) {
	if m == nil {
		return
	}
	m.Subscribers.Add(float64(delta))
}

// SchedulerMetrics tracks scheduler state.
type SchedulerMetrics struct {
	ActiveRuns    prometheus.Gauge
	QueueDepth    prometheus.Gauge
	DispatchedJobs prometheus.Counter
	CompletedRuns  *prometheus.CounterVec
}

// NewSchedulerMetrics creates and registers the scheduler collectors.
func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oxide", Subsystem: "scheduler", Name: "active_runs",
			Help: "Runs currently tracked by the scheduler.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oxide", Subsystem: "scheduler", Name: "queue_depth",
			Help: "Jobs waiting in the scheduling queue.",
		}),
		DispatchedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oxide", Subsystem: "scheduler", Name: "dispatched_jobs_total",
			Help: "Jobs handed to agents.",
		}),
		CompletedRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oxide", Subsystem: "scheduler", Name: "completed_runs_total",
			Help: "Finalized runs by status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.ActiveRuns, m.QueueDepth, m.DispatchedJobs, m.CompletedRuns)
	}
	return m
}

func (m *SchedulerMetrics) SetActiveRuns(n int) {
	if m == nil {
		return
	}
	m.ActiveRuns.Set(float64(n))
}

func (m *SchedulerMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *SchedulerMetrics) IncDispatched() {
	if m == nil {
		return
	}
	m.DispatchedJobs.Inc()
}

func (m *SchedulerMetrics) IncCompleted(status string) {
	if m == nil {
		return
	}
	m.CompletedRuns.WithLabelValues(status).Inc()
}
