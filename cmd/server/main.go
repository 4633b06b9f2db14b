package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexiqai/asr-transducer/internal/config"
	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/observability"
	"github.com/lexiqai/asr-transducer/internal/server"
	"github.com/lexiqai/asr-transducer/internal/train"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	modelCfg := config.DefaultModelConfig()
	if cfg.ModelConfig != "" {
		if modelCfg, err = config.LoadModelFile(cfg.ModelConfig); err != nil {
			logger.Fatal().Err(err).Str("path", cfg.ModelConfig).Msg("Failed to load model config")
		}
	}
	model, err := modelCfg.BuildModel()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build model")
	}
	if cfg.ModelCheckpoint != "" {
		steps, err := loadCheckpoint(cfg.ModelCheckpoint, model.TrainableVariables())
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.ModelCheckpoint).Msg("Failed to load checkpoint")
		}
		logger.Info().Str("path", cfg.ModelCheckpoint).Int("steps", steps).Msg("Checkpoint loaded")
	}
	extractor, err := modelCfg.BuildExtractor()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build feature extractor")
	}
	streams, err := server.New(model, extractor, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("encoder", string(modelCfg.Encoder)).Msg("Model cannot serve streaming sessions")
	}

	logger.Info().
		Str("port", cfg.Port).
		Str("grpc_port", cfg.GRPCPort).
		Str("encoder", string(modelCfg.Encoder)).
		Int("parameters", nn.CountParams(model.TrainableVariables())).
		Int("time_reduction", model.TimeReductionFactor()).
		Int("max_sessions", cfg.MaxSessions).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("ASR transducer service starting")

	mux := http.NewServeMux()

	// Streaming recognition sessions
	mux.HandleFunc("/v1/stream", streams.Handler())

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness: encoder circuit and session capacity
	mux.HandleFunc("/ready", observability.ReadinessHandler(streams.ReadinessChecks()))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No write timeout: sessions are long-lived websockets.
	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// gRPC health service for orchestrators that probe over gRPC
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(observability.ServiceName, healthpb.HealthCheckResponse_SERVING)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		endpoint := cfg.PublicURL
		if endpoint == "" {
			endpoint = fmt.Sprintf("ws://localhost:%s", cfg.Port)
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint+"/v1/stream").
			Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info().Str("port", cfg.GRPCPort).Msg("gRPC health service listening")
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")
		healthServer.Shutdown()

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := streams.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		grpcServer.GracefulStop()
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("Server stopped with error")
	}
	logger.Info().Msg("Server exited gracefully")
}

func loadCheckpoint(path string, vars []nn.Variable) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return train.LoadCheckpoint(bufio.NewReader(f), vars)
}
