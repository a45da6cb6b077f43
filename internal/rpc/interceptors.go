package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/safezone/internal/logging"
)

const requestIDMetadataKey = "x-request-id"

// sessionScoped is implemented by requests that address a tracking session.
type sessionScoped interface {
	sessionID() string
}

func (r *SubmitFixRequest) sessionID() string    { return r.SessionID }
func (r *StopTrackingRequest) sessionID() string { return r.SessionID }

// requestSessionID returns the session a request addresses, or "".
func requestSessionID(req any) string {
	if s, ok := req.(sessionScoped); ok {
		return s.sessionID()
	}
	return ""
}

// RequestIDUnaryServerInterceptor puts a request ID on the context, taken
// from inbound x-request-id metadata or generated, and echoes it back in
// the response header. The per-request logger carries the method and, for
// session calls, the session ID.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if incoming := firstHeader(md, requestIDMetadataKey); incoming != "" {
				ctx = logging.ContextWithRequestID(ctx, incoming)
			}
		}
		ctx, reqID := logging.EnsureRequestID(ctx)
		// Fails only outside a real transport stream, e.g. in direct calls.
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadataKey, reqID))

		fields := []logging.Field{logging.String("method", info.FullMethod)}
		if id := requestSessionID(req); id != "" {
			fields = append(fields, logging.String("session_id", id))
		}
		ctx = logging.ContextWithLogger(ctx, base.With(fields...))

		return handler(ctx, req)
	}
}

func firstHeader(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
