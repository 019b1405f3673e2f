package escalation

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/gate/store"
)

// ScanDetector tracks the distinct items an identity touched within a rolling
// window. It catches enumeration (content scraping) that stays under every
// per-resource rate limit. Counting is recency-bounded and approximate.
type ScanDetector struct {
	store  store.Store
	ledger *PenaltyLedger
	opts   options
}

// NewScanDetector creates a detector that penalizes through ledger.
func NewScanDetector(s store.Store, ledger *PenaltyLedger, opts ...Option) *ScanDetector {
	return &ScanDetector{store: s, ledger: ledger, opts: newOptions(opts...)}
}

func scanKey(identity, kind string) string {
	return "scan:" + identity + ":" + kind
}

// RecordAndCheck records that identity touched member (of the given kind) and
// returns how many distinct members it touched within window. When threshold
// is positive and reached, the identity is penalized.
func (d *ScanDetector) RecordAndCheck(ctx context.Context, identity, kind, member string, window time.Duration, threshold int64) (int64, error) {
	key := scanKey(identity, kind)
	now := d.opts.clock.Now().UnixMilli()

	// re-touching a member refreshes its score, it is not counted twice
	if err := d.store.AddToSortedSet(ctx, key, member, float64(now)); err != nil {
		return 0, err
	}
	cutoff := now - window.Milliseconds()
	if err := d.store.RemoveScoreRange(ctx, key, math.Inf(-1), float64(cutoff-1)); err != nil {
		return 0, err
	}
	if err := d.store.Expire(ctx, key, window+d.opts.grace); err != nil {
		return 0, err
	}
	n, err := d.store.Cardinality(ctx, key)
	if err != nil {
		return 0, err
	}

	if threshold > 0 && n >= threshold {
		log.Warn().Str("identity", identity).Str("kind", kind).Int64("distinct", n).Int64("threshold", threshold).Msg("scan threshold reached")
		if d.ledger != nil {
			if err := d.ledger.Penalize(ctx, identity, d.opts.penalty); err != nil {
				return n, err
			}
		}
		d.opts.recorder.Escalated("scan_threshold")
	}
	return n, nil
}
