// Package metrics exposes Prometheus instrumentation for the seat engine.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aura-lms/seats/internal/models"
)

const namespace = "seats"

// Metrics holds the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	SeatEvents     *prometheus.CounterVec
	AssignResults  *prometheus.CounterVec
	EnrollDuration prometheus.Histogram
	SweepRuns      *prometheus.CounterVec
	SweepReleased  prometheus.Counter
	SweepDuration  prometheus.Histogram
}

// New registers all collectors on reg.
func New(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		gatherer: reg,
		SeatEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed seat events by type.",
		}, []string{"type"}),
		AssignResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assign_total",
			Help:      "Seat assignment attempts by outcome.",
		}, []string{"result"}),
		EnrollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enroll_duration_seconds",
			Help:      "Latency of single LMS enrollment calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Expiration sweep passes by outcome.",
		}, []string{"result"}),
		SweepReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_released_total",
			Help:      "Seats reclaimed by the expiration sweep.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of expiration sweep passes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{m.SeatEvents, m.AssignResults, m.EnrollDuration, m.SweepRuns, m.SweepReleased, m.SweepDuration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// PublishSeatEvent counts a committed seat event.
func (m *Metrics) PublishSeatEvent(_ context.Context, e models.SeatEvent) {
	if m == nil {
		return
	}
	m.SeatEvents.WithLabelValues(string(e.Type)).Inc()
}

// RecordAssign counts one assignment outcome.
func (m *Metrics) RecordAssign(result string) {
	if m == nil {
		return
	}
	m.AssignResults.WithLabelValues(result).Inc()
}

// ObserveEnroll records the latency of one enrollment call.
func (m *Metrics) ObserveEnroll(d time.Duration) {
	if m == nil {
		return
	}
	m.EnrollDuration.Observe(d.Seconds())
}

// RecordSweep records one sweep pass.
func (m *Metrics) RecordSweep(result string, released int, d time.Duration) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues(result).Inc()
	m.SweepReleased.Add(float64(released))
	m.SweepDuration.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
