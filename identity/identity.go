// Package identity carries the per-request caller facts (IP, account, email)
// that admission rules are keyed on. Identity resolution itself (JWT, sessions)
// happens upstream; this package only transports the result.
package identity

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
)

// Dimension names one axis an admission rule can be scoped on.
type Dimension string

// Built-in dimensions. Any other value is looked up in Identity.Attributes.
const (
	DimensionIP      Dimension = "ip"
	DimensionAccount Dimension = "account"
	DimensionEmail   Dimension = "email"
)

// Identity holds the facts known about the caller of one request.
// Account and Email are empty for unauthenticated calls.
type Identity struct {
	IP         string
	Account    string
	Email      string
	Attributes map[string]string // named scopes, e.g. "device" or "api_key"
}

// Value returns the raw value for dimension d, or "" when the caller has none.
// Emails are compared case-insensitively.
func (id Identity) Value(d Dimension) string {
	switch d {
	case DimensionIP:
		return strings.TrimSpace(id.IP)
	case DimensionAccount:
		return strings.TrimSpace(id.Account)
	case DimensionEmail:
		return strings.ToLower(strings.TrimSpace(id.Email))
	default:
		if id.Attributes == nil {
			return ""
		}
		return strings.TrimSpace(id.Attributes[string(d)])
	}
}

// Principal returns the strongest identity available: the account when the
// caller is authenticated, otherwise the IP.
func (id Identity) Principal() (Dimension, string) {
	if v := id.Value(DimensionAccount); v != "" {
		return DimensionAccount, v
	}
	return DimensionIP, id.Value(DimensionIP)
}

// contextKey is the private key type used for context.WithValue.
type contextKey struct{}

// WithContext returns a copy of ctx carrying id.
func WithContext(ctx context.Context, id Identity) context.Context {
	if ctx == nil {
		log.Error().Msg("attempted to attach identity to a nil context, using background context")
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the Identity stored by WithContext.
func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
