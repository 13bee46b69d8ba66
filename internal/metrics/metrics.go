// Package metrics exposes Prometheus collectors describing run activity.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "teamrun"

// Metrics groups every collector. All methods are safe on a nil receiver so
// components can treat metrics as optional.
type Metrics struct {
	tasks              *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	connectFailures    prometheus.Counter
	teamsActive        prometheus.Gauge
	rendezvousTimeouts *prometheus.CounterVec
	runsActive         prometheus.Gauge
	boundedInFlight    prometheus.Gauge
	boundedTasks       *prometheus.CounterVec
}

// New constructs Metrics registered with reg. A nil reg uses the default
// registerer. Collectors that are already registered with an identical
// description are reused, so New may be called more than once per registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "tasks_total",
			Help:      "Tasks executed, by task name, result status and role.",
		}, []string{"task", "status", "role"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "task_duration_seconds",
			Help:      "Wall time spent in each task.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"task", "role"}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "connect_failures_total",
			Help:      "Clients that could not be connected at the start of a run.",
		}),
		teamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "team",
			Name:      "active",
			Help:      "Teams currently registered with the coordinator.",
		}),
		rendezvousTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "team",
			Name:      "rendezvous_timeouts_total",
			Help:      "Members that gave up waiting for their team and ran solo.",
		}, []string{"task"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "runs_active",
			Help:      "1 while a run is in progress.",
		}),
		boundedInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bounded",
			Name:      "in_flight",
			Help:      "Submitted tasks currently executing.",
		}),
		boundedTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bounded",
			Name:      "tasks_total",
			Help:      "Submitted tasks finished, by status.",
		}, []string{"status"}),
	}

	var err error
	if m.tasks, err = register(reg, m.tasks); err != nil {
		return nil, err
	}
	if m.taskDuration, err = register(reg, m.taskDuration); err != nil {
		return nil, err
	}
	if m.connectFailures, err = register(reg, m.connectFailures); err != nil {
		return nil, err
	}
	if m.teamsActive, err = register(reg, m.teamsActive); err != nil {
		return nil, err
	}
	if m.rendezvousTimeouts, err = register(reg, m.rendezvousTimeouts); err != nil {
		return nil, err
	}
	if m.runsActive, err = register(reg, m.runsActive); err != nil {
		return nil, err
	}
	if m.boundedInFlight, err = register(reg, m.boundedInFlight); err != nil {
		return nil, err
	}
	if m.boundedTasks, err = register(reg, m.boundedTasks); err != nil {
		return nil, err
	}
	return m, nil
}

// MustNew is like New but panics on registration errors.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) ObserveTask(task, status, role string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(task, status, role).Inc()
	m.taskDuration.WithLabelValues(task, role).Observe(d.Seconds())
}

func (m *Metrics) IncConnectFailure() {
	if m == nil {
		return
	}
	m.connectFailures.Inc()
}

func (m *Metrics) TeamCreated() {
	if m == nil {
		return
	}
	m.teamsActive.Inc()
}

func (m *Metrics) TeamDisbanded() {
	if m == nil {
		return
	}
	m.teamsActive.Dec()
}

func (m *Metrics) IncRendezvousTimeout(task string) {
	if m == nil {
		return
	}
	m.rendezvousTimeouts.WithLabelValues(task).Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Set(1)
}

func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.runsActive.Set(0)
}

func (m *Metrics) BoundedStarted() {
	if m == nil {
		return
	}
	m.boundedInFlight.Inc()
}

func (m *Metrics) BoundedFinished(status string) {
	if m == nil {
		return
	}
	m.boundedInFlight.Dec()
	m.boundedTasks.WithLabelValues(status).Inc()
}
