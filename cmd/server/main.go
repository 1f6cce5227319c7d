package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ordersaga/cmd/server/config"
	"ordersaga/internal/adapters/grpc"
	httpapi "ordersaga/internal/adapters/http"
	"ordersaga/internal/logging"
	"ordersaga/internal/observability"
	"ordersaga/internal/orders"
	"ordersaga/internal/realtime"
	"ordersaga/internal/reliability"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// app holds the wired order service and its transports.
type app struct {
	logger       *slog.Logger
	metrics      *observability.Metrics
	hub          *realtime.Hub
	orchestrator *orders.Orchestrator
	recoverer    *orders.Recoverer
	recovery     config.RecoveryConfig
	httpHandler  http.Handler
	grpcServer   *grpcpkg.Server
	health       *health.Server
	cleanup      func()
}

func newApp(ctx context.Context, logger *slog.Logger, server config.ServerConfig) (*app, error) {
	collabCfg, err := config.LoadCollaborators()
	if err != nil {
		return nil, err
	}
	relCfg, err := reliability.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return nil, err
	}
	recoveryCfg, err := config.LoadRecovery()
	if err != nil {
		return nil, err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return nil, err
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	stores, closeStores, err := buildOrderStores(ctx, logger, config.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("order store: %w", err)
	}
	cleanups = append(cleanups, closeStores)

	keys, closeKeys, err := buildIdempotencyStore(ctx, logger, redisCfg)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("idempotency store: %w", err)
	}
	cleanups = append(cleanups, closeKeys)

	metrics := observability.NewMetrics()
	inventory, payments := buildCollaborators(logger, collabCfg, relCfg, reliabilityHooks(logger, metrics))
	hub := realtime.NewHub(logger)

	orchestrator := orders.NewOrchestrator(inventory, payments, stores.orders,
		orders.WithLogger(logger),
		orders.WithStepLog(stores.steps),
		orders.WithPublisher(hub),
		orders.WithIdempotency(keys),
		orders.WithObserver(metrics),
		orders.WithDefaultPaymentMethod(collabCfg.DefaultPaymentMethod),
		orders.WithRecoverySweep(recoveryCfg.Interval > 0),
	)
	recoverer := orders.NewRecoverer(stores.orders, inventory, orders.RecovererConfig{
		StaleAfter: recoveryCfg.StaleAfter,
		StepLog:    stores.steps,
		Publisher:  hub,
		Logger:     logger,
	})

	limiter := reliability.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst, metrics.AddRateLimitWait)
	grpcServer := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(unaryInterceptor(logger, limiter, metrics)),
		grpcpkg.StreamInterceptor(streamInterceptor(logger, limiter, metrics)),
	)
	grpc.RegisterOrderServiceServer(grpcServer, grpc.NewOrderServer(orchestrator))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(grpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if !server.Production() {
		reflection.Register(grpcServer)
		logger.Info("gRPC reflection enabled", "app_env", server.AppEnv)
	}

	return &app{
		logger:       logger,
		metrics:      metrics,
		hub:          hub,
		orchestrator: orchestrator,
		recoverer:    recoverer,
		recovery:     recoveryCfg,
		httpHandler:  httpapi.NewHandler(logger, orchestrator, metrics, hub).Routes(),
		grpcServer:   grpcServer,
		health:       healthServer,
		cleanup:      cleanup,
	}, nil
}

func run(ctx context.Context) error {
	serverCfg := config.LoadServer()
	logger, err := logging.New(serverCfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a, err := newApp(ctx, logger, serverCfg)
	if err != nil {
		return err
	}
	defer a.cleanup()

	lis, err := net.Listen("tcp", serverCfg.GRPCAddr)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              serverCfg.HTTPAddr,
		Handler:           a.httpHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	obsSrv := startObservabilityServer(logger, config.LoadObservability(), a.metrics)

	go a.hub.Run(ctx)
	if a.recovery.Interval > 0 {
		go a.recoverer.Run(ctx, a.recovery.Interval)
		logger.Info("saga recovery enabled", "interval", a.recovery.Interval.String(), "stale_after", a.recovery.StaleAfter.String())
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- a.grpcServer.Serve(lis)
	}()
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("order service running", "http_addr", serverCfg.HTTPAddr, "grpc_addr", serverCfg.GRPCAddr)

	select {
	case <-ctx.Done():
		a.shutdown(httpSrv, obsSrv)
		return nil
	case err := <-errCh:
		a.shutdown(httpSrv, obsSrv)
		return err
	}
}

func (a *app) shutdown(servers ...*http.Server) {
	a.health.SetServingStatus(grpc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	a.metrics.MarkShutdown(a.metrics.InFlight())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown", "addr", srv.Addr, "error", err)
		}
	}
	a.grpcServer.GracefulStop()
	a.logger.Info("order service stopped")
}

// startObservabilityServer serves metrics on a dedicated listener when
// OBS_ADDR is set.
func startObservabilityServer(logger *slog.Logger, cfg config.ObservabilityConfig, metrics *observability.Metrics) *http.Server {
	if cfg.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("observability server", "error", err)
		}
	}()

	return srv
}
