package grpcserver

import (
	"context"
	"net"
	"runtime/debug"
	"time"

	"github.com/and161185/clinauth/internal/limiter"
	"github.com/and161185/clinauth/internal/model"
	"github.com/and161185/clinauth/internal/obs"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// LoggingUnary returns a unary server interceptor for structured logging.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err)

		// metadata only, never payloads: requests carry passwords and codes
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", remoteAddr(ctx)),
		}
		if code == codes.Internal || code == codes.Unavailable {
			log.Warn("grpc", fields...)
		} else {
			log.Info("grpc", fields...)
		}
		return resp, err
	}
}

// RecoverUnary returns a unary server interceptor that recovers from panics.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}

// MetricsUnary tracks in-flight calls.
func MetricsUnary(m *obs.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		m.CallStarted()
		defer m.CallFinished()
		return next(ctx, req)
	}
}

// ThrottleUnary applies the per-address throttle to the listed methods.
// It is the network-side guard in front of the per-principal lockout.
func ThrottleUnary(t *limiter.Throttle, m *obs.Metrics, methods ...string) grpc.UnaryServerInterceptor {
	guarded := make(map[string]bool, len(methods))
	for _, fm := range methods {
		guarded[fm] = true
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if guarded[info.FullMethod] && !t.Allow(remoteHost(ctx)) {
			m.ThrottledRequest()
			return nil, status.Error(codes.ResourceExhausted, "too many requests")
		}
		return next(ctx, req)
	}
}

// Authenticator resolves bearer tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*model.AuthContext, error)
}

// AuthUnary authenticates every method not listed in public and stores the
// result in the context for handlers.
func AuthUnary(a Authenticator, public ...string) grpc.UnaryServerInterceptor {
	open := make(map[string]bool, len(public))
	for _, fm := range public {
		open[fm] = true
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if open[info.FullMethod] {
			return next(ctx, req)
		}
		tok, err := bearerTokenFromMD(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "no auth")
		}
		ac, err := a.Authenticate(ctx, tok)
		if err != nil {
			return nil, toStatus(err)
		}
		return next(WithAuth(ctx, ac), req)
	}
}

func remoteAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

// remoteHost drops the port so reconnects share one throttle bucket.
func remoteHost(ctx context.Context) string {
	addr := remoteAddr(ctx)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
