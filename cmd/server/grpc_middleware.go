package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"ordersaga/internal/observability"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.Context()); err != nil {
			return status.FromContextError(err).Err()
		}
	}
	return s.ServerStream.RecvMsg(m)
}

// unaryInterceptor rate limits, records per-method metrics and logs failed calls.
func unaryInterceptor(logger *slog.Logger, limiter rateLimiter, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		track := shouldTrackMethod(info.FullMethod)
		span := &observability.CallSpan{}
		start := time.Now()
		if track {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				err = status.FromContextError(err).Err()
				span.End(err)
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && track {
			logCallError(ctx, logger, "grpc unary failed", info.FullMethod, start, err)
		}
		return resp, err
	}
}

func streamInterceptor(logger *slog.Logger, limiter rateLimiter, metrics *observability.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		track := shouldTrackMethod(info.FullMethod)
		span := &observability.CallSpan{}
		start := time.Now()
		if track {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		span.End(err)
		if err != nil && track {
			logCallError(stream.Context(), logger, "grpc stream failed", info.FullMethod, start, err)
		}
		return err
	}
}

func logCallError(ctx context.Context, logger *slog.Logger, msg, method string, start time.Time, err error) {
	level := slog.LevelWarn
	if status.Code(err) == codes.Internal || status.Code(err) == codes.Unknown {
		level = slog.LevelError
	}
	logger.Log(ctx, level, msg,
		"method", method,
		"code", status.Code(err).String(),
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err)
}

func shouldTrackMethod(method string) bool {
	return method != "" &&
		!strings.HasPrefix(method, "/grpc.reflection.") &&
		!strings.HasPrefix(method, "/grpc.health.")
}
