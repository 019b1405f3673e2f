package escalation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/gate/store"
)

// PenaltyLedger records identities that are throttled harder until a deadline.
type PenaltyLedger struct {
	store store.Store
	opts  options
}

// NewPenaltyLedger creates a ledger over s.
func NewPenaltyLedger(s store.Store, opts ...Option) *PenaltyLedger {
	return &PenaltyLedger{store: s, opts: newOptions(opts...)}
}

func penaltyKey(identity string) string {
	return "penalty:" + identity
}

// Until returns the penalty deadline of identity, if one is recorded.
func (l *PenaltyLedger) Until(ctx context.Context, identity string) (time.Time, bool, error) {
	v, ok, err := l.store.Get(ctx, penaltyKey(identity))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Error().Err(err).Str("identity", identity).Str("value", v).Msg("corrupt penalty record, ignoring")
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// IsPenalized reports whether identity has a penalty deadline in the future.
func (l *PenaltyLedger) IsPenalized(ctx context.Context, identity string) (bool, error) {
	until, ok, err := l.Until(ctx, identity)
	if err != nil || !ok {
		return false, err
	}
	return until.After(l.opts.clock.Now()), nil
}

// Penalize penalizes identity for d from now. An existing penalty that lasts
// longer is left untouched, also when callers race.
func (l *PenaltyLedger) Penalize(ctx context.Context, identity string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("escalation: penalty duration must be positive, got %s", d)
	}
	until := l.opts.clock.Now().Add(d)

	wrote, err := l.store.SetIfLonger(ctx, penaltyKey(identity), strconv.FormatInt(until.UnixMilli(), 10), d)
	if err != nil {
		return err
	}
	if !wrote {
		log.Debug().Str("identity", identity).Dur("duration", d).Msg("existing penalty lasts longer, keeping it")
		return nil
	}
	log.Warn().Str("identity", identity).Time("until", until).Msg("identity penalized")
	return nil
}

// Clear removes the penalty of identity. Not needed for correctness; penalties expire.
func (l *PenaltyLedger) Clear(ctx context.Context, identity string) error {
	return l.store.Delete(ctx, penaltyKey(identity))
}
