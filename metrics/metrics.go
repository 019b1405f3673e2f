// Package metrics exports admission telemetry to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/toolink/gate/escalation"
	"github.com/toolink/gate/limiter"
)

const namespace = "gate"

// Recorder implements the engine and escalation recorder interfaces on top of
// Prometheus collectors.
type Recorder struct {
	decisions   *prometheus.CounterVec
	failOpen    *prometheus.CounterVec
	escalations *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// ensure interface
var (
	_ limiter.Recorder    = (*Recorder)(nil)
	_ escalation.Recorder = (*Recorder)(nil)
)

// NewRecorder creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Admission decisions by policy, outcome and violated scope.",
		}, []string{"policy", "outcome", "scope"}),
		failOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "Store failures that were ignored to keep admitting traffic.",
		}, []string{"policy", "op"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Callers escalated to captcha-required or penalized status.",
		}, []string{"reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluate_duration_seconds",
			Help:      "Time spent evaluating a policy.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"policy"}),
	}
	if reg != nil {
		reg.MustRegister(r.decisions, r.failOpen, r.escalations, r.latency)
	}
	return r
}

// ObserveDecision counts d and records how long it took.
func (r *Recorder) ObserveDecision(policy string, d limiter.Decision, elapsed time.Duration) {
	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	r.decisions.WithLabelValues(policy, outcome, d.ViolatedScope).Inc()
	r.latency.WithLabelValues(policy).Observe(elapsed.Seconds())
}

// FailOpen counts one ignored store failure.
func (r *Recorder) FailOpen(policy, op string) {
	r.failOpen.WithLabelValues(policy, op).Inc()
}

// Escalated counts one escalation.
func (r *Recorder) Escalated(reason string) {
	r.escalations.WithLabelValues(reason).Inc()
}
