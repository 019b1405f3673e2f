// Package escalation holds the time-boxed ledgers that move a caller from
// normal admission to challenge-required or penalized status, and the scan
// detector that feeds them.
package escalation

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Default values
const (
	DefaultScanGrace       = time.Minute
	DefaultPenaltyDuration = 30 * time.Minute
)

// Recorder receives escalation events.
type Recorder interface {
	Escalated(reason string)
}

type noopRecorder struct{}

func (noopRecorder) Escalated(string) {}

type options struct {
	clock    clockwork.Clock
	grace    time.Duration
	penalty  time.Duration
	recorder Recorder
}

func newOptions(opts ...Option) options {
	o := options{
		clock:    clockwork.NewRealClock(),
		grace:    DefaultScanGrace,
		penalty:  DefaultPenaltyDuration,
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures the ledgers and the scan detector. Options that do not
// apply to a component are ignored by it.
type Option func(*options)

// WithClock replaces the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithScanGrace sets how long a scan set outlives its window (default: 1m).
func WithScanGrace(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.grace = d
		}
	}
}

// WithPenaltyDuration sets how long a scan threshold breach penalizes an identity (default: 30m).
func WithPenaltyDuration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.penalty = d
		}
	}
}

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}
