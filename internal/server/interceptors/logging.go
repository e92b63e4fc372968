package interceptors

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingUnary returns a unary server interceptor that writes one structured log line per RPC with
// the method, status code, duration, client address and, when authenticated, the user and session.
// Chain it after AuthUnary so the identity is visible. skipMethods is the set of full method names
// not logged (e.g. health checks). A nil logger uses slog.Default.
func LoggingUnary(logger *slog.Logger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if skipMethods[info.FullMethod] {
			return resp, err
		}
		code := status.Code(err)
		attrs := []slog.Attr{
			slog.String("method", info.FullMethod),
			slog.String("code", code.String()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("client_ip", ClientIP(ctx)),
		}
		if userID, ok := GetUserID(ctx); ok {
			attrs = append(attrs, slog.String("user_id", userID))
		}
		if sessionID, ok := GetSessionID(ctx); ok && sessionID != "" {
			attrs = append(attrs, slog.String("session_id", sessionID))
		}
		level := slog.LevelInfo
		switch code {
		case codes.OK, codes.NotFound, codes.InvalidArgument, codes.AlreadyExists, codes.Unauthenticated, codes.PermissionDenied:
		default:
			level = slog.LevelError
		}
		logger.LogAttrs(ctx, level, "grpc request", attrs...)
		return resp, err
	}
}
