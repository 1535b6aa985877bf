// ABOUTME: Relay orchestrator that wires the store, engine, sessions and HTTP server.
// ABOUTME: Manages startup, health endpoints and graceful shutdown lifecycle.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/chatagent/relay/internal/api"
	"github.com/chatagent/relay/internal/config"
	"github.com/chatagent/relay/internal/engine"
	"github.com/chatagent/relay/internal/mcp"
	"github.com/chatagent/relay/internal/metrics"
	"github.com/chatagent/relay/internal/session"
	"github.com/chatagent/relay/internal/store"
	"github.com/chatagent/relay/internal/transport"
)

// Relay orchestrates the chatrelay server components.
// It owns the store, the session registry, the tool config manager and the
// HTTP server carrying the WebSocket and REST endpoints.
type Relay struct {
	config     *config.Config
	store      store.Store
	registry   *session.Registry
	tools      *mcp.Manager
	httpServer *http.Server
	logger     *slog.Logger

	// watchCancel stops the tool config watcher goroutine.
	watchCancel context.CancelFunc
}

// New creates a new Relay instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	eng := engine.NewSubprocessEngine(engine.SubprocessConfig{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		Env:     cfg.Agent.Env,
		Logger:  logger,
	})

	var tools *mcp.Manager
	if cfg.Tools.ConfigPath != "" {
		tools, err = mcp.NewManager(cfg.Tools.ConfigPath, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("loading tool configuration: %w", err)
		}
	}

	registry := session.NewRegistry(s, eng, tools, session.EngineSettings{
		SystemPrompt:   cfg.Agent.SystemPrompt,
		MaxTurns:       cfg.Agent.MaxTurns,
		PermissionMode: cfg.Agent.PermissionMode,
		AllowedTools:   cfg.Agent.AllowedTools,
		DrainTimeout:   cfg.Agent.DrainTimeout,
	}, logger)

	rl := &Relay{
		config:   cfg,
		store:    s,
		registry: registry,
		tools:    tools,
		logger:   logger.With("component", "relay"),
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", rl.handleHealth)
	mux.HandleFunc("/health/ready", rl.handleReady)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint enabled", "path", cfg.Metrics.Path)
	}

	transport.NewHandler(registry, s, logger).Register(mux)
	api.NewHandler(s, registry, logger).Register(mux)

	rl.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return rl, nil
}

// Run starts the relay and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (r *Relay) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	if r.tools != nil && r.config.Tools.Watch {
		watchCtx, cancel := context.WithCancel(context.Background())
		r.watchCancel = cancel
		go func() {
			if err := r.tools.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
				r.logger.Error("tool configuration watcher stopped", "error", err)
			}
		}()
	}

	errCh := r.startServer(ln)
	serverErr := r.waitForShutdownSignal(ctx, errCh)

	shutdownErr := r.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServer starts the HTTP server in a goroutine, returning an error channel.
func (r *Relay) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := r.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (r *Relay) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		r.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		r.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (r *Relay) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(ctx)
}

// Shutdown stops the HTTP server, closes every session and the store.
func (r *Relay) Shutdown(ctx context.Context) error {
	if r.watchCancel != nil {
		r.watchCancel()
	}

	var firstErr error
	if err := r.httpServer.Shutdown(ctx); err != nil {
		r.logger.Error("HTTP server shutdown failed", "error", err)
		firstErr = err
	}

	r.registry.CloseAll()

	if err := r.store.Close(); err != nil {
		r.logger.Error("closing store failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	r.logger.Info("shutdown complete")
	return firstErr
}

func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Relay) handleReady(w http.ResponseWriter, req *http.Request) {
	// Ready once the store answers queries.
	if _, err := r.store.ListChats(req.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
