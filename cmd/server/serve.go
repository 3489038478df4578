package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agentdesk/internal/api"
	"github.com/ashureev/agentdesk/internal/config"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/identity"
	"github.com/ashureev/agentdesk/internal/middleware"
	"github.com/ashureev/agentdesk/internal/relay"
	"github.com/ashureev/agentdesk/internal/shared"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const grpcServiceName = "agentdesk.Orchestrator"

type serveOptions struct {
	endOnShutdown bool
}

func addServeFlags(fs *pflag.FlagSet, opts *serveOptions) {
	fs.BoolVar(&opts.endOnShutdown, "end-sessions-on-shutdown", false, "end every live session before exiting")
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, realtime channel and janitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root, opts)
		},
	}
	addServeFlags(cmd.Flags(), opts)
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, opts *serveOptions) error {
	cfg, logger, err := setup(root)
	if err != nil {
		return err
	}
	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "version", version)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		return err
	}
	defer a.close()

	networkID, err := a.docker.EnsureNetwork(ctx)
	if err != nil {
		logger.Error("Failed to ensure session network", "error", err)
		return err
	}
	logger.Info("Session network ready", "network_id", networkID)

	rl := relay.New(a.registry, a.durable, relay.Options{
		Backlog:        cfg.Relay.Backlog,
		ObserverQueue:  cfg.Relay.ObserverQueue,
		PersistWorkers: cfg.Relay.PersistWorkers,
		PersistQueue:   cfg.Relay.PersistQueue,
		Retry:          shared.DefaultRetryPolicy,
		Logger:         logger,
	})
	a.registry.SetNotifier(rl)

	rep, err := a.registry.Recover(ctx)
	if err != nil {
		logger.Error("Startup recovery failed", "error", err)
		return err
	}
	logger.Info("Startup recovery complete", "failed", rep.Failed, "resumed", rep.Resumed)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	a.janitor.Start(janitorCtx)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     newRouter(cfg, a, rl, logger),
		ReadTimeout: 30 * time.Second,
		// SSE and WebSocket streams are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	var healthSrv *health.Server
	var grpcSrv *grpc.Server
	if cfg.GRPCHealthPort != "" {
		grpcSrv, healthSrv, err = startGRPCHealth(cfg.GRPCHealthPort, logger)
		if err != nil {
			logger.Error("Failed to start gRPC health server", "error", err)
			return err
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server failed", "error", err)
			return err
		}
	}
	stop()

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if healthSrv != nil {
		healthSrv.Shutdown()
	}

	httpDone := make(chan error, 1)
	go func() { httpDone <- srv.Shutdown(shutdownCtx) }()

	stopJanitor()
	a.janitor.Wait()

	if opts.endOnShutdown {
		endLiveSessions(shutdownCtx, a, logger)
	}
	if err := a.registry.Drain(shutdownCtx); err != nil {
		logger.Warn("In-flight lifecycle work did not finish", "error", err)
	}
	// Ends open streams with a going-away close and flushes queued writes.
	if err := rl.Close(shutdownCtx); err != nil {
		logger.Warn("Relay did not flush", "error", err)
	}

	if err := <-httpDone; err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}

	logger.Info("Server stopped successfully")
	return nil
}

func newRouter(cfg *config.Config, a *app, rl *relay.Relay, logger *slog.Logger) http.Handler {
	apiHandler := api.NewHandler(a.registry, rl, a.durable, a.janitor, api.Options{
		RateLimit:  cfg.RateLimit.Messages,
		RateWindow: cfg.RateLimit.Window,
		Logger:     logger,
	})
	healthHandler := api.NewHealthHandler(a.durable, a.live, a.docker, a.ports, cfg.Timeout.Healthcheck, logger)

	wsOrigin := cfg.FrontendURL
	if cfg.IsDevelopment() {
		wsOrigin = "*"
	}
	wsHandler := relay.NewWebSocketHandler(rl, wsOrigin, cfg.IsDevelopment(), logger)
	sseHandler := relay.NewSSEHandler(rl, cfg.Relay.SSEKeepalive, logger)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		apiHandler.RegisterRoutes(r, sseHandler)
		r.Get("/ws/sessions/{sessionID}", wsHandler.ServeHTTP)
	})
	return r
}

func startGRPCHealth(port string, logger *slog.Logger) (*grpc.Server, *health.Server, error) {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", port, err)
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(grpcServiceName, healthpb.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("gRPC health server listening", "addr", lis.Addr().String())
		if err := gs.Serve(lis); err != nil {
			logger.Error("gRPC health server stopped", "error", err)
		}
	}()
	return gs, hs, nil
}

func endLiveSessions(ctx context.Context, a *app, logger *slog.Logger) {
	live, err := a.registry.ListLive(ctx)
	if err != nil {
		logger.Error("Failed to list live sessions for shutdown", "error", err)
		return
	}
	for _, s := range live {
		if _, err := a.registry.End(ctx, s.ID, domain.ReasonShutdown); err != nil {
			logger.Warn("Failed to end session on shutdown", "session_id", s.ID, "error", err)
		}
	}
	logger.Info("Ended live sessions", "count", len(live))
}
