// Package gate adapts the admission engine to the calling layers: HTTP
// middlewares, a gRPC interceptor and the gatectl sidecar server.
package gate

import (
	"context"
	"net/http"

	"github.com/toolink/gate/identity"
	"github.com/toolink/gate/limiter"
)

// Evaluator runs a policy against one caller.
type Evaluator interface {
	Evaluate(ctx context.Context, p *limiter.Policy, id identity.Identity) limiter.Decision
}

// FlagChecker reports whether a caller dimension has to pass a challenge.
type FlagChecker interface {
	IsRequired(ctx context.Context, dim identity.Dimension, id string) (bool, error)
}

// ensure interface
var _ Evaluator = (*limiter.Engine)(nil)

type options struct {
	trustProxy bool
	identify   func(r *http.Request) identity.Identity
	penalties  limiter.PenaltyChecker
}

func newOptions(opts ...Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.identify == nil {
		o.identify = o.requestIdentity
	}
	return o
}

// Option configures the adapters in this package.
type Option func(*options)

// WithTrustProxy makes the adapters read the client IP from X-Forwarded-For
// and X-Real-IP (default: false).
func WithTrustProxy(trust bool) Option {
	return func(o *options) {
		o.trustProxy = trust
	}
}

// WithIdentityFunc replaces how the HTTP adapters resolve the caller.
func WithIdentityFunc(fn func(r *http.Request) identity.Identity) Option {
	return func(o *options) {
		o.identify = fn
	}
}

// WithChallengePenalties makes Challenge demand a token from penalized callers.
func WithChallengePenalties(p limiter.PenaltyChecker) Option {
	return func(o *options) {
		o.penalties = p
	}
}

// requestIdentity uses the identity an upstream auth layer put in the request
// context, filling in the client IP when it is missing.
func (o options) requestIdentity(r *http.Request) identity.Identity {
	id, _ := identity.FromContext(r.Context())
	if id.IP == "" {
		id.IP = ClientIP(r, o.trustProxy)
	}
	return id
}

// headerIdentity reads account and email from headers set by a trusted proxy.
// Without proxy trust the headers are ignored.
func (o options) headerIdentity(r *http.Request) identity.Identity {
	id := o.requestIdentity(r)
	if !o.trustProxy {
		return id
	}
	if v := r.Header.Get("X-Account"); v != "" && id.Account == "" {
		id.Account = v
	}
	if v := r.Header.Get("X-Email"); v != "" && id.Email == "" {
		id.Email = v
	}
	return id
}
