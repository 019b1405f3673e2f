package limiter

import "time"

// Decision is the composite admission outcome for one request.
type Decision struct {
	Allowed bool `json:"allowed"`
	// RetryAfter is the longest wait demanded by any violated rule.
	RetryAfter time.Duration `json:"-"`
	// ViolatedScope is the dimension of the worst violation ("ip", "account", ...).
	ViolatedScope string `json:"violated_scope,omitempty"`
	// Remaining is the smallest remaining allowance over the window rules
	// that applied, or -1 when none did.
	Remaining int64 `json:"remaining"`
	// ChallengeRequired tells the caller to demand a CAPTCHA on the next attempt.
	ChallengeRequired bool `json:"challenge_required"`
	// Penalized reports that the caller is currently under a scan penalty.
	Penalized bool `json:"penalized"`
	// FailOpen reports that at least one store call failed and was ignored.
	FailOpen bool `json:"-"`
}

// RetryAfterSeconds returns RetryAfter in whole seconds, rounded up.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int((d.RetryAfter + time.Second - 1) / time.Second)
}

// outcome is the result of one rule evaluation.
type outcome struct {
	allowed    bool
	retryAfter time.Duration
	remaining  int64 // -1 for rules without an allowance
}

// merge folds one rule outcome into the decision. The worst violation, the one
// demanding the longest wait, names the scope; ties keep the earlier rule.
func (d *Decision) merge(scope string, o outcome) {
	if o.remaining >= 0 && (d.Remaining < 0 || o.remaining < d.Remaining) {
		d.Remaining = o.remaining
	}
	if o.allowed {
		return
	}
	if d.Allowed || o.retryAfter > d.RetryAfter {
		d.ViolatedScope = scope
	}
	d.Allowed = false
	if o.retryAfter > d.RetryAfter {
		d.RetryAfter = o.retryAfter
	}
}
