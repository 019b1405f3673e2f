package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/toolink/gate/identity"
	"github.com/toolink/gate/limiter"
)

type decisionKey struct{}

// DecisionFromContext returns the decision Admit made for the request.
func DecisionFromContext(ctx context.Context) (limiter.Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(limiter.Decision)
	return d, ok
}

type rateLimitedResponse struct {
	Error             string `json:"error"`
	Scope             string `json:"scope"`
	RetryAfter        int    `json:"retry_after"`
	ChallengeRequired bool   `json:"challenge_required"`
}

// Admit returns a middleware that evaluates policy for every request and
// answers 429 when it is denied.
func Admit(engine Evaluator, policy *limiter.Policy, opts ...Option) func(http.Handler) http.Handler {
	o := newOptions(opts...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := o.identify(r)
			d := engine.Evaluate(r.Context(), policy, id)

			setDecisionHeaders(w, d)
			if !d.Allowed {
				writeRateLimited(w, d)
				return
			}

			ctx := identity.WithContext(r.Context(), id)
			ctx = context.WithValue(ctx, decisionKey{}, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func setDecisionHeaders(w http.ResponseWriter, d limiter.Decision) {
	if d.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	}
	if d.ChallengeRequired {
		w.Header().Set("X-Captcha-Required", "true")
	}
}

func writeRateLimited(w http.ResponseWriter, d limiter.Decision) {
	secs := d.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
		Error:             "rate_limited",
		Scope:             d.ViolatedScope,
		RetryAfter:        secs,
		ChallengeRequired: d.ChallengeRequired,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
