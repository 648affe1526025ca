// Package metrics exposes engine and task observations as Prometheus series.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notifbox/internal/eventbus"
	"notifbox/internal/notify"
	"notifbox/internal/notify/model"
	"notifbox/internal/task/engine"
)

const namespace = "notifbox"

// Registry owns its own Prometheus registry so tests and multiple apps in one
// process never collide on the default one.
type Registry struct {
	reg *prometheus.Registry

	created    *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	batches    *prometheus.CounterVec
	delivered  *prometheus.CounterVec

	sweeps        *prometheus.CounterVec
	sweepItems    *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec

	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		created: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_created_total",
			Help:      "Messages queued, by template type.",
		}, []string{"type"}),
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Dispatch attempts, by outcome.",
		}, []string{"outcome"}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_batches_total",
			Help:      "Channel batches, by channel and resulting state.",
		}, []string{"channel", "state"}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_delivered_total",
			Help:      "Recipients delivered to, by channel.",
		}, []string{"channel"}),
		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed sweeps, by name.",
		}, []string{"sweep"}),
		sweepItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_items_total",
			Help:      "Items visited by sweeps, by name and result.",
		}, []string{"sweep", "result"}),
		sweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Sweep wall time.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"sweep"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task engine runs, by task and status.",
		}, []string{"task", "status"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task run time including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
	}
}

// Gatherer is the registry behind Handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Registry) MessageCreated(templateType string) {
	r.created.WithLabelValues(templateType).Inc()
}

func (r *Registry) Dispatched(o notify.Outcome) {
	r.dispatched.WithLabelValues(string(o)).Inc()
}

func (r *Registry) ChannelBatch(ch model.Channel, state model.SendState, delivered int) {
	r.batches.WithLabelValues(string(ch), string(state)).Inc()
	if delivered > 0 {
		r.delivered.WithLabelValues(string(ch)).Add(float64(delivered))
	}
}

func (r *Registry) Sweep(rep notify.Report) {
	r.sweeps.WithLabelValues(rep.Name).Inc()
	r.sweepItems.WithLabelValues(rep.Name, "succeeded").Add(float64(rep.Succeeded))
	r.sweepItems.WithLabelValues(rep.Name, "failed").Add(float64(rep.Failed))
	r.sweepDuration.WithLabelValues(rep.Name).Observe(rep.Took.Seconds())
}

// Observe counts task.* events from the bus until ctx is done or the
// subscription closes.
func (r *Registry) Observe(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256, "task.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.taskEvent(ev)
		}
	}
}

func (r *Registry) taskEvent(ev eventbus.Event) {
	status := strings.TrimPrefix(ev.Type, "task.")
	item, ok := ev.Data.(engine.HistoryItem)
	if !ok {
		return
	}
	name := item.Name
	if name == "" {
		name = "unknown"
	}
	r.tasks.WithLabelValues(name, status).Inc()
	if status == "finished" || status == "failed" {
		r.taskDuration.WithLabelValues(name).Observe(item.Duration.Seconds())
	}
}
