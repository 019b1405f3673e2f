package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/toolink/gate/identity"
	"github.com/toolink/gate/store"
)

// PenaltyChecker reports whether an identity is under a scan penalty.
type PenaltyChecker interface {
	IsPenalized(ctx context.Context, identity string) (bool, error)
}

// ChallengeMarker flags an identity dimension as challenge-required.
type ChallengeMarker interface {
	Mark(ctx context.Context, dim identity.Dimension, id string, d time.Duration) error
}

// Engine evaluates a Policy against one request's identity facts and returns a
// single composite Decision. It holds no locks: correctness comes from the
// atomicity of the store primitives.
type Engine struct {
	window    *FixedWindow
	cooldown  *Cooldown
	clock     clockwork.Clock
	penalties PenaltyChecker
	flags     ChallengeMarker
	recorder  Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for window alignment.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithPenalties makes penalized identities consume an extra unit of every
// window rule and always require a challenge.
func WithPenalties(p PenaltyChecker) Option {
	return func(e *Engine) {
		e.penalties = p
	}
}

// WithChallengeMarker lets denied requests escalate to challenge-required for
// policies with a CaptchaDuration.
func WithChallengeMarker(m ChallengeMarker) Option {
	return func(e *Engine) {
		e.flags = m
	}
}

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// NewEngine creates an Engine over s.
func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		clock:    clockwork.NewRealClock(),
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.window = NewFixedWindow(s, e.clock)
	e.cooldown = NewCooldown(s)
	return e
}

// Window exposes the engine's fixed-window limiter, e.g. for inspection tools.
func (e *Engine) Window() *FixedWindow {
	return e.window
}

// Evaluate runs every rule of p against id. Rules are never short-circuited:
// each applicable rule advances its counter even when an earlier rule already
// denied the request, so a denial on one rule cannot be used to dodge another.
//
// Store failures never surface as errors. The affected rule is treated as
// passed (fail-open) and the decision is flagged with FailOpen.
func (e *Engine) Evaluate(ctx context.Context, p *Policy, id identity.Identity) Decision {
	started := time.Now()
	d := Decision{Allowed: true, Remaining: -1}

	penalized := e.checkPenalty(ctx, p, id, &d)

	for _, rule := range p.Rules {
		dim := rule.Dimension()
		value := id.Value(dim)
		if value == "" {
			log.Debug().Str("policy", p.Name).Str("dimension", string(dim)).Msg("identity value missing, skipping rule")
			continue
		}
		key := ScopeKey(p, rule, value)

		var (
			o   outcome
			err error
		)
		switch r := rule.(type) {
		case WindowRule:
			o, err = e.checkWindow(ctx, key, r, penalized)
		case CooldownRule:
			o, err = e.checkCooldown(ctx, key, r)
		}
		if err != nil {
			o = e.failOpen(p, rule, key, err)
			d.FailOpen = true
		}

		if !o.allowed {
			log.Warn().Str("policy", p.Name).Str("key", key).Str("dimension", string(dim)).Dur("retry_after", o.retryAfter).Msg("admission rule violated")
		}
		d.merge(string(dim), o)
	}

	if penalized {
		d.Penalized = true
		d.ChallengeRequired = true
	}
	if !d.Allowed {
		e.escalate(ctx, p, id, &d)
	}

	e.recorder.ObserveDecision(p.Name, d, time.Since(started))
	log.Debug().Str("policy", p.Name).Bool("allowed", d.Allowed).Str("violated_scope", d.ViolatedScope).Dur("retry_after", d.RetryAfter).Bool("fail_open", d.FailOpen).Msg("admission evaluated")
	return d
}

func (e *Engine) checkWindow(ctx context.Context, key string, r WindowRule, penalized bool) (outcome, error) {
	if penalized {
		// forced extra consumption while the penalty lasts
		if _, err := e.window.Check(ctx, key, r.Window, r.Limit); err != nil {
			return outcome{}, err
		}
	}
	res, err := e.window.Check(ctx, key, r.Window, r.Limit)
	if err != nil {
		return outcome{}, err
	}
	o := outcome{allowed: res.Allowed, remaining: res.Remaining}
	if !res.Allowed {
		o.retryAfter = res.RetryAfter(e.clock.Now())
	}
	return o, nil
}

func (e *Engine) checkCooldown(ctx context.Context, key string, r CooldownRule) (outcome, error) {
	res, err := e.cooldown.Check(ctx, key, r.Window)
	if err != nil {
		return outcome{}, err
	}
	return outcome{allowed: res.Allowed, retryAfter: res.RetryAfter, remaining: -1}, nil
}

// failOpen converts a store failure into a passing outcome with a generous
// synthetic allowance.
func (e *Engine) failOpen(p *Policy, rule Rule, key string, err error) outcome {
	ev := log.Warn()
	if !errors.Is(err, store.ErrStoreUnavailable) {
		ev = log.Error()
	}
	ev.Err(err).Str("policy", p.Name).Str("key", key).Msg("admission store failed, failing open")
	e.recorder.FailOpen(p.Name, "rule")

	o := outcome{allowed: true, remaining: -1}
	if w, ok := rule.(WindowRule); ok {
		o.remaining = w.Limit
	}
	return o
}

func (e *Engine) checkPenalty(ctx context.Context, p *Policy, id identity.Identity, d *Decision) bool {
	if e.penalties == nil {
		return false
	}
	_, principal := id.Principal()
	if principal == "" {
		return false
	}
	penalized, err := e.penalties.IsPenalized(ctx, principal)
	if err != nil {
		log.Warn().Err(err).Str("policy", p.Name).Str("identity", principal).Msg("penalty lookup failed, failing open")
		e.recorder.FailOpen(p.Name, "penalty")
		d.FailOpen = true
		return false
	}
	return penalized
}

func (e *Engine) escalate(ctx context.Context, p *Policy, id identity.Identity, d *Decision) {
	if e.flags == nil || p.CaptchaDuration <= 0 || d.ViolatedScope == "" {
		return
	}
	dim := identity.Dimension(d.ViolatedScope)
	value := id.Value(dim)
	if err := e.flags.Mark(ctx, dim, value, p.CaptchaDuration); err != nil {
		log.Warn().Err(err).Str("policy", p.Name).Str("dimension", string(dim)).Msg("failed to mark captcha escalation")
		e.recorder.FailOpen(p.Name, "captcha_mark")
		d.FailOpen = true
		return
	}
	d.ChallengeRequired = true
	e.recorder.Escalated("captcha_marked")
	log.Info().Str("policy", p.Name).Str("dimension", string(dim)).Dur("duration", p.CaptchaDuration).Msg("caller escalated to captcha required")
}
