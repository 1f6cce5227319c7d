package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"ordersaga/internal/observability"
	"ordersaga/internal/reliability"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubLimiter struct {
	calls int
	err   error
}

func (s *stubLimiter) Wait(ctx context.Context) error {
	s.calls++
	return s.err
}

type stubServerStream struct {
	ctx       context.Context
	recvCalls int
	recvErr   error
}

func (s *stubServerStream) Context() context.Context { return s.ctx }
func (s *stubServerStream) RecvMsg(m any) error {
	s.recvCalls++
	return s.recvErr
}
func (s *stubServerStream) SendMsg(m any) error { return nil }
func (s *stubServerStream) SetHeader(md metadata.MD) error {
	return nil
}
func (s *stubServerStream) SendHeader(md metadata.MD) error {
	return nil
}
func (s *stubServerStream) SetTrailer(md metadata.MD) {}

func TestUnaryInterceptor_CallsLimiterAndRecordsMetrics(t *testing.T) {
	limiter := &stubLimiter{}
	metrics := observability.NewMetrics()
	interceptor := unaryInterceptor(discardLogger(), limiter, metrics)

	info := &grpc.UnaryServerInfo{FullMethod: "/ordersaga.v1.OrderService/CreateOrder"}
	_, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	snap := metrics.Snapshot()
	if snap.Methods[info.FullMethod].Count != 1 {
		t.Fatalf("expected one recorded call, got %+v", snap.Methods)
	}
}

func TestUnaryInterceptor_LimiterErrorSkipsHandler(t *testing.T) {
	limiter := &stubLimiter{err: context.DeadlineExceeded}
	metrics := observability.NewMetrics()
	interceptor := unaryInterceptor(discardLogger(), limiter, metrics)

	called := false
	info := &grpc.UnaryServerInfo{FullMethod: "/ordersaga.v1.OrderService/GetOrder"}
	_, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
		called = true
		return nil, nil
	})
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if called {
		t.Fatalf("handler must not run when the limiter rejects")
	}
	if metrics.Snapshot().Methods[info.FullMethod].Errors != 1 {
		t.Fatalf("expected limiter rejection counted as error")
	}
}

func TestUnaryInterceptor_SkipsHealthMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	interceptor := unaryInterceptor(discardLogger(), nil, metrics)

	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
		return nil, errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected handler error to propagate")
	}
	if len(metrics.Snapshot().Methods) != 0 {
		t.Fatalf("expected health calls to be untracked")
	}
}

func TestRateLimitedServerStream_RecvMsgCallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	stream := &stubServerStream{ctx: context.Background()}
	wrapped := &rateLimitedServerStream{
		ServerStream: stream,
		limiter:      limiter,
	}

	if err := wrapped.RecvMsg(&struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	if stream.recvCalls != 1 {
		t.Fatalf("expected recv to be called once, got %d", stream.recvCalls)
	}
}

func TestStreamInterceptor_WrapsStream(t *testing.T) {
	limiter := &stubLimiter{}
	interceptor := streamInterceptor(discardLogger(), limiter, nil)
	stream := &stubServerStream{ctx: context.Background()}

	err := interceptor(nil, stream, &grpc.StreamServerInfo{FullMethod: "/x/Y"}, func(srv any, ss grpc.ServerStream) error {
		return ss.RecvMsg(&struct{}{})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 || stream.recvCalls != 1 {
		t.Fatalf("expected limited recv, limiter=%d recv=%d", limiter.calls, stream.recvCalls)
	}
}

func TestUnaryInterceptor_RealLimiterRecordsWaits(t *testing.T) {
	metrics := observability.NewMetrics()
	limiter := reliability.NewRateLimiter(20*time.Millisecond, 1, metrics.AddRateLimitWait)
	interceptor := unaryInterceptor(discardLogger(), limiter, metrics)

	info := &grpc.UnaryServerInfo{FullMethod: "/ordersaga.v1.OrderService/GetOrder"}
	for range 2 {
		if _, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
			return "ok", nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if metrics.Snapshot().RateLimitWaits == 0 {
		t.Fatalf("expected the limiter to wait at least once")
	}
}
