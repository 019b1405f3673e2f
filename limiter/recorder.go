package limiter

import "time"

// Recorder receives engine telemetry. The metrics package provides a
// Prometheus implementation.
type Recorder interface {
	ObserveDecision(policy string, d Decision, elapsed time.Duration)
	FailOpen(policy string, op string)
	Escalated(reason string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveDecision(string, Decision, time.Duration) {}
func (noopRecorder) FailOpen(string, string)                         {}
func (noopRecorder) Escalated(string)                                {}
