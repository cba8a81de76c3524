package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ramiqadoumi/go-block-flow/internal/cleanup"
	"github.com/ramiqadoumi/go-block-flow/internal/recovery"
	redisstore "github.com/ramiqadoumi/go-block-flow/internal/redis"
	"github.com/ramiqadoumi/go-block-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-block-flow/services/coordinator/config"
	"github.com/ramiqadoumi/go-block-flow/services/coordinator/handler"
	"github.com/ramiqadoumi/go-block-flow/services/coordinator/middleware"
)

const serviceName = "coordinator"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin API, gRPC health service and cleanup sweeper",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "admin HTTP server port")
	serveCmd.Flags().String("grpc-port", "9090", "gRPC health server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("instance-id", "", "instance id for leader election (default: random)")
	serveCmd.Flags().Duration("cleanup-interval", cleanup.DefaultSweepInterval, "how often the leader sweeps expired task data")
	serveCmd.Flags().Int("admin-rate-limit", 60, "admin requests allowed per client per window")
	serveCmd.Flags().Duration("admin-rate-window", time.Minute, "admin rate limit window")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().Float64("otel-sample-ratio", 1, "fraction of new traces recorded")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("grpc_port", serveCmd.Flags(), "grpc-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("instance_id", serveCmd.Flags(), "instance-id")
	bindFlag("cleanup_interval", serveCmd.Flags(), "cleanup-interval")
	bindFlag("admin_rate_limit", serveCmd.Flags(), "admin-rate-limit")
	bindFlag("admin_rate_window", serveCmd.Flags(), "admin-rate-window")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("otel_sample_ratio", serveCmd.Flags(), "otel-sample-ratio")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	logger := buildLogger(cfg.LogLevel, serviceName).With(slog.String("instance_id", cfg.InstanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName: serviceName,
		InstanceID:  cfg.InstanceID,
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	finder := recovery.NewFinder(b.store, recovery.WithLogger(logger))
	leader := redisstore.NewLeader(b.redis, "cleanup-sweeper", cfg.InstanceID, redisstore.DefaultLeaderTTL, logger)
	sweeper := cleanup.NewSweeper(
		cleanup.NewService(b.store, cleanup.WithLogger(logger)),
		b.store, b.configs, leader, cfg.CleanupInterval, logger,
	)
	limiter := redisstore.NewRateLimiter(b.redis, cfg.AdminRateLimit, cfg.AdminRateWindow)

	restHandler := handler.NewREST(b.store, finder, logger, b.pingPostgres, b.pingRedis).
		LimitEnqueue(middleware.RateLimit(limiter, logger))

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", restHandler.Routes)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── gRPC server ───────────────────────────────────────────────────────────
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, b.pingPostgres, b.pingRedis)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("coordinator HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("coordinator gRPC starting", slog.String("addr", grpcLis.Addr().String()))
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		if err := grpcSrv.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("cleanup sweeper starting", slog.Duration("interval", cfg.CleanupInterval))
		sweeper.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		healthSrv.Shutdown()
		grpcSrv.GracefulStop()

		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
		}
		if err := leader.Resign(shutCtx); err != nil {
			logger.Warn("leader resign failed", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("coordinator stopped with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("stopped")
	return nil
}
