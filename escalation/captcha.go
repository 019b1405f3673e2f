package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/gate/identity"
	"github.com/toolink/gate/store"
)

// CaptchaFlags records identities that must pass a challenge before their next
// sensitive operation. Flags are independent per dimension: marking an email
// never touches the flag of an IP or account.
type CaptchaFlags struct {
	store store.Store
}

// NewCaptchaFlags creates a flag set over s.
func NewCaptchaFlags(s store.Store) *CaptchaFlags {
	return &CaptchaFlags{store: s}
}

func captchaKey(dim identity.Dimension, id string) string {
	return "captcha:" + string(dim) + ":" + id
}

// Mark requires a challenge from (dim, id) for d. A flag that already outlives
// d is left untouched.
func (f *CaptchaFlags) Mark(ctx context.Context, dim identity.Dimension, id string, d time.Duration) error {
	if id == "" {
		return nil
	}
	if d <= 0 {
		return fmt.Errorf("escalation: captcha duration must be positive, got %s", d)
	}
	wrote, err := f.store.SetIfLonger(ctx, captchaKey(dim, id), "1", d)
	if err != nil || !wrote {
		return err
	}
	log.Info().Str("dimension", string(dim)).Str("id", id).Dur("duration", d).Msg("captcha required")
	return nil
}

// IsRequired reports whether (dim, id) currently has to pass a challenge.
func (f *CaptchaFlags) IsRequired(ctx context.Context, dim identity.Dimension, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	_, ok, err := f.store.Get(ctx, captchaKey(dim, id))
	return ok, err
}

// Clear removes the flag of (dim, id).
func (f *CaptchaFlags) Clear(ctx context.Context, dim identity.Dimension, id string) error {
	return f.store.Delete(ctx, captchaKey(dim, id))
}
