// cmd/execlog/serve.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	http_api "chatbot-execlog/internal/api/http"
	"chatbot-execlog/internal/auth"
	"chatbot-execlog/internal/infra/etcd"
	"chatbot-execlog/internal/infra/grpcsink"
	"chatbot-execlog/internal/infra/postgres"
	"chatbot-execlog/internal/tracing"
	"chatbot-execlog/internal/usecase"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

func newServeCmd(a *app) *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard API and the gRPC ingest service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), migrateFirst)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply postgres migrations before serving")
	return cmd
}

func (a *app) serve(parent context.Context, migrateFirst bool) error {
	cfg := a.cfg
	logger := a.logger

	tracerShutdown, err := tracing.InitTracer("execlog", os.Stderr, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	rootCtx, cancel := a.signalContext(parent)
	defer cancel()

	instanceID := uuid.NewString()
	logger.Info("starting execlog", "instance_id", instanceID, "store", cfg.Store.Backend)

	if migrateFirst && cfg.Store.Backend == "postgres" {
		if _, err := postgres.Migrate(cfg.Store.PostgresDSN); err != nil {
			return err
		}
	}

	be, err := a.openBackend(rootCtx)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.Close(); err != nil {
			logger.Error("failed to close log store", "error", err)
		}
	}()

	service := usecase.NewExecutionService(be.store, logger)
	handler := http_api.NewExecutionHandler(service, logger)
	resolver := auth.NewTenantResolver(cfg.Auth.JWTSecret, cfg.Auth.TenantClaim, cfg.Auth.Disabled)
	if cfg.Auth.Disabled {
		logger.Warn("authentication disabled, every caller sees only unscoped logs")
	}

	server := &http.Server{
		Addr: cfg.HTTP.ListenAddr,
		Handler: http_api.NewRouter(handler, resolver, http_api.RouterConfig{
			DebugEndpoints: cfg.HTTP.DebugEndpoints,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			HealthCheck:    be.health,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind and register before serving, so a failure here leaves nothing running.
	var (
		grpcServer *grpc.Server
		lis        net.Listener
	)
	if cfg.GRPC.ListenAddr != "" {
		lis, err = net.Listen("tcp", cfg.GRPC.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
		grpcServer = grpc.NewServer(
			grpc.StatsHandler(otelgrpc.NewServerHandler()),
		)
		grpcsink.Register(grpcServer, grpcsink.NewServer(be.store, logger))
	}

	var registry *etcd.InstanceRegistry
	if cfg.GRPC.Register {
		registry, err = a.registerInstance(rootCtx, be, instanceID)
		if err != nil {
			if lis != nil {
				_ = lis.Close()
			}
			return err
		}
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("starting HTTP API server", "addr", cfg.HTTP.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()
	if grpcServer != nil {
		go func() {
			logger.Info("gRPC ingest server listening", "addr", cfg.GRPC.ListenAddr)
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("gRPC server failed: %w", err)
			}
		}()
	}

	// Block until shutdown
	var runErr error
	select {
	case <-rootCtx.Done():
	case runErr = <-errCh:
		logger.Error("server stopped unexpectedly", "error", runErr)
	}
	logger.Info("shutting down gracefully")

	// Stop being discoverable before refusing writes.
	if registry != nil {
		deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := registry.Deregister(deregCtx); err != nil {
			logger.Error("failed to deregister ingest instance", "error", err)
		}
		deregCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	logger.Info("execlog shut down")
	return runErr
}

// registerInstance advertises the gRPC ingest address in etcd. It works with any
// store backend as long as openBackend attached an etcd client.
func (a *app) registerInstance(ctx context.Context, be *backend, instanceID string) (*etcd.InstanceRegistry, error) {
	if be.etcd == nil {
		return nil, errors.New("instance registration needs an etcd client")
	}
	registry := etcd.NewInstanceRegistry(be.etcd, a.logger)

	regCtx, cancel := context.WithTimeout(ctx, a.cfg.Etcd.Timeout)
	defer cancel()
	if err := registry.Register(regCtx, instanceID, a.cfg.GRPC.AdvertiseAddr, a.cfg.Etcd.RegistryTTL); err != nil {
		return nil, fmt.Errorf("failed to register ingest instance: %w", err)
	}
	return registry, nil
}
