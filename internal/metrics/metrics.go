// Package metrics holds the Prometheus instruments for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for admission and dispatch.
type Metrics struct {
	Admissions      *prometheus.CounterVec
	Denials         *prometheus.CounterVec
	CommittedMicro  prometheus.Counter
	ReleasedMicro   prometheus.Counter
	DispatchSeconds *prometheus.HistogramVec
	StreamFrames    prometheus.Counter
	RecoveredExecs  *prometheus.CounterVec
}

// New creates the gateway metrics, registered on reg. The server passes
// prometheus.DefaultRegisterer; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aex_admissions_total",
				Help: "Admission attempts by outcome",
			},
			[]string{"outcome"}, // admitted, denied, idempotent_hit, in_flight, error
		),
		Denials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aex_denials_total",
				Help: "Admission denials by kind",
			},
			[]string{"kind"}, // budget, rate, policy, lifecycle, integrity
		),
		CommittedMicro: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aex_committed_micro_total",
				Help: "Micro-units settled as spend",
			},
		),
		ReleasedMicro: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aex_released_micro_total",
				Help: "Micro-units returned to budgets from releases and failures",
			},
		),
		DispatchSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aex_dispatch_duration_seconds",
				Help:    "Provider dispatch duration from send to settlement",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "route"},
		),
		StreamFrames: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aex_stream_frames_total",
				Help: "SSE frames relayed to clients",
			},
		),
		RecoveredExecs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aex_recovered_executions_total",
				Help: "Executions resolved by the recovery sweep",
			},
			[]string{"resolution"}, // failed, released
		),
	}
}
