package gate

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/toolink/gate/identity"
	"github.com/toolink/gate/limiter"
)

// Metadata keys read and written by the interceptor.
const (
	MetadataAccount      = "x-account"
	MetadataEmail        = "x-email"
	MetadataForwardedFor = "x-forwarded-for"
	MetadataRetryAfter   = "retry-after"
)

// UnaryServerInterceptor returns an interceptor that admits unary calls with
// the policy registered for their full method name. Methods without a policy
// pass through.
func UnaryServerInterceptor(engine Evaluator, policies map[string]*limiter.Policy, opts ...Option) grpc.UnaryServerInterceptor {
	o := newOptions(opts...)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		policy, ok := policies[info.FullMethod]
		if !ok {
			return handler(ctx, req)
		}

		id := o.grpcIdentity(ctx)
		d := engine.Evaluate(ctx, policy, id)
		if !d.Allowed {
			secs := d.RetryAfterSeconds()
			if err := grpc.SetTrailer(ctx, metadata.Pairs(MetadataRetryAfter, strconv.Itoa(secs))); err != nil {
				log.Debug().Err(err).Str("method", info.FullMethod).Msg("failed to set retry-after trailer")
			}
			return nil, status.Errorf(codes.ResourceExhausted, "rate limited by %s, retry after %ds", d.ViolatedScope, secs)
		}
		return handler(identity.WithContext(ctx, id), req)
	}
}

func (o options) grpcIdentity(ctx context.Context) identity.Identity {
	id, _ := identity.FromContext(ctx)
	md, _ := metadata.FromIncomingContext(ctx)

	// caller metadata only names the caller when a trusted proxy set it
	if o.trustProxy {
		if id.Account == "" {
			id.Account = firstValue(md, MetadataAccount)
		}
		if id.Email == "" {
			id.Email = firstValue(md, MetadataEmail)
		}
		if xff := firstValue(md, MetadataForwardedFor); xff != "" && id.IP == "" {
			first, _, _ := strings.Cut(xff, ",")
			id.IP = strings.TrimSpace(first)
		}
	}
	if id.IP == "" {
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			id.IP = hostOnly(p.Addr.String())
		}
	}
	return id
}

func firstValue(md metadata.MD, key string) string {
	if vs := md.Get(key); len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}
