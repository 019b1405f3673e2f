package gate

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/toolink/gate/identity"
)

// ErrCaptchaVerificationFailed is returned by a Verifier that rejected the
// token. It denies the request, it is not a system failure.
var ErrCaptchaVerificationFailed = errors.New("captcha verification failed")

// Verifier checks a challenge token with the CAPTCHA provider.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token, remoteIP string) (bool, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	return f(ctx, token, remoteIP)
}

var challengeDimensions = []identity.Dimension{
	identity.DimensionIP,
	identity.DimensionAccount,
	identity.DimensionEmail,
}

// Challenge returns a middleware that demands a verified CAPTCHA token from
// callers flagged as challenge-required. Unflagged callers pass through.
func Challenge(flags FlagChecker, verifier Verifier, opts ...Option) func(http.Handler) http.Handler {
	o := newOptions(opts...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := o.identify(r)
			if !o.challengeRequired(r.Context(), flags, id) {
				next.ServeHTTP(w, r)
				return
			}

			token := captchaToken(r)
			if token == "" {
				writeError(w, http.StatusForbidden, "captcha_required")
				return
			}
			ok, err := verifier.Verify(r.Context(), token, id.IP)
			switch {
			case errors.Is(err, ErrCaptchaVerificationFailed):
				ok = false
			case err != nil:
				log.Error().Err(err).Str("ip", id.IP).Msg("captcha provider failed")
				writeError(w, http.StatusServiceUnavailable, "captcha_unavailable")
				return
			}
			if !ok {
				log.Info().Str("ip", id.IP).Str("account", id.Account).Msg("captcha rejected")
				writeError(w, http.StatusForbidden, "captcha_failed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (o options) challengeRequired(ctx context.Context, flags FlagChecker, id identity.Identity) bool {
	for _, dim := range challengeDimensions {
		v := id.Value(dim)
		if v == "" || flags == nil {
			continue
		}
		required, err := flags.IsRequired(ctx, dim, v)
		if err != nil {
			log.Warn().Err(err).Str("dimension", string(dim)).Msg("captcha flag lookup failed, failing open")
			continue
		}
		if required {
			return true
		}
	}

	if o.penalties == nil {
		return false
	}
	_, principal := id.Principal()
	if principal == "" {
		return false
	}
	penalized, err := o.penalties.IsPenalized(ctx, principal)
	if err != nil {
		log.Warn().Err(err).Str("identity", principal).Msg("penalty lookup failed, failing open")
		return false
	}
	return penalized
}

func captchaToken(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Captcha-Token")); v != "" {
		return v
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return ""
	}
	return strings.TrimSpace(r.FormValue("captcha_token"))
}
