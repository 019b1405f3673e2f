package limiter

import (
	"fmt"
	"time"

	"github.com/toolink/gate/identity"
)

// Rule is one admission rule of a Policy. The concrete variants are WindowRule
// and CooldownRule; the set is closed.
type Rule interface {
	// Dimension returns the identity dimension the rule is scoped on.
	Dimension() identity.Dimension
	isRule()
}

// WindowRule allows at most Limit events per aligned Window for one scope.
type WindowRule struct {
	By     identity.Dimension
	Window time.Duration
	Limit  int64
}

// CooldownRule enforces a minimum spacing of Window between two events for one scope.
type CooldownRule struct {
	By     identity.Dimension
	Window time.Duration
}

func (r WindowRule) Dimension() identity.Dimension   { return r.By }
func (r CooldownRule) Dimension() identity.Dimension { return r.By }

func (WindowRule) isRule()   {}
func (CooldownRule) isRule() {}

func (r WindowRule) String() string {
	return fmt.Sprintf("window(%s, %s, %d)", r.By, r.Window, r.Limit)
}

func (r CooldownRule) String() string {
	return fmt.Sprintf("cooldown(%s, %s)", r.By, r.Window)
}

// Policy is the ordered rule set protecting one operation (e.g. "login").
type Policy struct {
	Name  string
	Rules []Rule
	// CaptchaDuration, when positive, marks the violated dimension as
	// challenge-required for that long whenever the policy denies a request.
	CaptchaDuration time.Duration
}

// ScopeKey builds the store key for rule r of policy p and the raw identity value.
// Format: <kind>:<policy>:<dimension>:<window seconds>:<value>
func ScopeKey(p *Policy, r Rule, value string) string {
	switch r := r.(type) {
	case WindowRule:
		return fmt.Sprintf("%s:%s:%s:%d:%s", windowKeyPrefix, p.Name, r.By, windowSeconds(r.Window), value)
	case CooldownRule:
		return fmt.Sprintf("%s:%s:%s:%d:%s", cooldownKeyPrefix, p.Name, r.By, windowSeconds(r.Window), value)
	default:
		panic(fmt.Sprintf("limiter: unknown rule type %T", r))
	}
}

func windowSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
