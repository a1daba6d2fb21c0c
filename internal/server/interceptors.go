package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/extraction-bench/internal/common"
)

const requestIDHeader = "x-request-id"

// UnaryLogging tags each call with a request id and logs its outcome.
func UnaryLogging(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(requestIDHeader); len(ids) > 0 && ids[0] != "" {
				ctx = common.WithRequestID(ctx, ids[0])
			}
		}
		ctx, reqID := common.EnsureRequestID(ctx)
		start := time.Now()

		resp, err := handler(ctx, req)

		attrs := []any{
			"method", info.FullMethod,
			"req_id", reqID,
			"code", status.Code(err).String(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		}
		if err != nil {
			logger.Warn("grpc.call", append(attrs, "error", err)...)
		} else {
			logger.Info("grpc.call", attrs...)
		}
		return resp, err
	}
}
