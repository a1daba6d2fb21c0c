package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/extraction-bench/internal/async"
	"github.com/joseph-ayodele/extraction-bench/internal/common"
	"github.com/joseph-ayodele/extraction-bench/internal/events"
	"github.com/joseph-ayodele/extraction-bench/internal/export"
	"github.com/joseph-ayodele/extraction-bench/internal/extract/registry"
	"github.com/joseph-ayodele/extraction-bench/internal/files"
	"github.com/joseph-ayodele/extraction-bench/internal/metrics"
	"github.com/joseph-ayodele/extraction-bench/internal/orchestrator"
	"github.com/joseph-ayodele/extraction-bench/internal/poller"
	"github.com/joseph-ayodele/extraction-bench/internal/repository"
	"github.com/joseph-ayodele/extraction-bench/internal/server"
	"github.com/joseph-ayodele/extraction-bench/internal/targets"
	"github.com/joseph-ayodele/extraction-bench/internal/transport"
)

const shutdownGrace = 30 * time.Second

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env", "error", err)
	}
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			loadDotEnv()
			cfg := common.LoadConfig()
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := cfg.Log.NewLogger()
			slog.SetDefault(logger)
			return serve(ctx, cfg, logger)
		},
	}
}

// PollPolicy converts the configured defaults into a poller policy.
func PollPolicy(c common.PollConfig) poller.Policy {
	return poller.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		RampAfter:   c.RampAfter,
		Step:        c.Step,
		MaxDelay:    c.MaxDelay,
	}
}

func serve(ctx context.Context, cfg *common.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := repository.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := repository.HealthCheck(ctx, store, cfg.Store.DialTimeout, logger); err != nil {
		return err
	}

	resolver, err := targets.LoadFile(cfg.Storage.TargetsFile, PollPolicy(cfg.Poll), logger)
	if err != nil {
		return err
	}
	logger.Info("targets loaded", "file", cfg.Storage.TargetsFile, "targets", resolver.IDs())

	docs := files.NewDirSource(cfg.Storage.UploadDir, logger)
	if names, err := docs.List(ctx); err == nil {
		logger.Info("upload directory ready", "dir", cfg.Storage.UploadDir, "documents", len(names))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	opts := []orchestrator.Option{orchestrator.WithRecorder(collector)}
	if cfg.Events.NATSURL != "" {
		pub, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, orchestrator.WithNotifier(pub))
	}

	adapters := registry.New(logger, poller.New(logger), transport.NewClient(nil, logger))
	orch := orchestrator.New(store, docs, resolver, adapters, logger, opts...)
	queue := async.New(orch, logger,
		async.WithWorkers(cfg.Queue.Workers),
		async.WithQueueSize(cfg.Queue.Size),
		async.WithJobTimeout(cfg.Queue.JobTimeout),
	)

	if len(cfg.Storage.WatchTargets) > 0 {
		for _, id := range cfg.Storage.WatchTargets {
			if _, err := resolver.Resolve(ctx, id); err != nil {
				return fmt.Errorf("WATCH_TARGETS: %w", err)
			}
		}
		names, err := docs.Watch(ctx, files.WatchConfig{Debounce: cfg.Storage.WatchDebounce})
		if err != nil {
			return err
		}
		go async.Feed(ctx, names, cfg.Storage.WatchTargets, queue, logger)
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(server.UnaryLogging(logger)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)
	server.RegisterJobServiceServer(grpcServer, server.NewJobServer(orch, queue, docs, export.NewService(orch, logger), logger))

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC serving", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	if cfg.Server.MetricsAddr != "" {
		go func() {
			if err := collector.Serve(ctx, cfg.Server.MetricsAddr, logger); err != nil {
				errCh <- fmt.Errorf("metrics serve: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case runErr = <-errCh:
		logger.Error("server failed", "error", runErr)
	}

	cancel()
	hs.Shutdown()
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer stop()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	queue.Shutdown(shutdownCtx)
	logger.Info("stopped")
	return runErr
}
