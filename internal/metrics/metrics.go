// Package metrics exposes engine activity as prometheus metrics, fed from the
// event bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/dagflow/internal/events"
	"github.com/aristath/dagflow/internal/run"
)

// Collector owns a private registry so several engines can live in one process.
type Collector struct {
	registry *prometheus.Registry

	taskTransitions *prometheus.CounterVec
	runTransitions  *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	inFlight        prometheus.Gauge
	taskDuration    *prometheus.HistogramVec
}

// NewCollector creates the collector and registers its metrics along with the
// Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.taskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dagflow_task_transitions_total", Help: "Committed task run transitions by destination status."},
		[]string{"status"},
	)
	c.runTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dagflow_run_transitions_total", Help: "Committed workflow run transitions by destination status."},
		[]string{"status"},
	)
	c.deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dagflow_dead_letters_total", Help: "Dead letter records created by failure kind."},
		[]string{"kind"},
	)
	c.alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dagflow_alerts_total", Help: "Operator alerts raised by kind."},
		[]string{"kind"},
	)
	c.inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "dagflow_tasks_in_flight", Help: "Task runs currently executing."},
	)
	c.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dagflow_task_duration_seconds",
			Help:    "Duration of task attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		},
		[]string{"type"},
	)

	c.registry.MustRegister(
		c.taskTransitions, c.runTransitions, c.deadLetters, c.alerts, c.inFlight, c.taskDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Run consumes events until ctx is done or the channel is closed.
func (c *Collector) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// Observe records a single event.
func (c *Collector) Observe(ev events.Event) {
	switch e := ev.(type) {
	case events.TaskTransitionEvent:
		c.taskTransitions.WithLabelValues(string(e.To)).Inc()
		if e.To == run.TaskRunning {
			c.inFlight.Inc()
		}
		if e.From == run.TaskRunning {
			c.inFlight.Dec()
			if e.Duration > 0 {
				c.taskDuration.WithLabelValues(e.TaskType).Observe(e.Duration.Seconds())
			}
		}
	case events.RunTransitionEvent:
		c.runTransitions.WithLabelValues(string(e.To)).Inc()
	case events.DeadLetterEvent:
		c.deadLetters.WithLabelValues(string(e.FailureKind)).Inc()
	case events.AlertEvent:
		c.alerts.WithLabelValues(string(e.Kind)).Inc()
	}
}
