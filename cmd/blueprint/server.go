package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/artpar/blueprint/internal/core/compiler"
	"github.com/artpar/blueprint/internal/core/multiinstance"
	"github.com/artpar/blueprint/internal/shell/api"
	"github.com/artpar/blueprint/internal/shell/planner"
	"github.com/artpar/blueprint/internal/shell/resolver"
	"github.com/artpar/blueprint/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess      = 0
	ExitConfigError  = 1
	ExitCompileError = 2
	ExitIOError      = 3
	ExitServerError  = 4
)

// CommandError carries the exit code of a failed command.
type CommandError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Planner Wiring
// =============================================================================

// newPlanner builds the resolver, compiler and planner service from cfg. s
// and metrics may be nil.
func newPlanner(ctx context.Context, cfg *Config, s store.Store, tokens multiinstance.TokenSource, metrics *planner.Metrics, logger *slog.Logger) (*planner.Service, error) {
	vocab, err := cfg.VocabularySettings()
	if err != nil {
		return nil, &CommandError{Op: "config", Err: err, ExitCode: ExitConfigError}
	}

	explicit, err := ParseAliases(cfg.Resolver.Aliases)
	if err != nil {
		return nil, &CommandError{Op: "config", Err: err, ExitCode: ExitConfigError}
	}

	r := resolver.New(cfg.ResolverSettings(), logger)

	var fromFile map[string]string
	if cfg.Resolver.AliasFile != "" {
		fromFile, err = r.LoadAliases(ctx, cfg.Resolver.AliasFile)
		if err != nil {
			return nil, &CommandError{Op: "load aliases", Err: err, ExitCode: ExitIOError}
		}
	}

	c := compiler.New(r, compiler.WithVocabulary(vocab))
	return planner.NewService(c, s, planner.Config{
		Aliases: resolver.MergeAliases(fromFile, explicit),
		Tokens:  tokens,
		Metrics: metrics,
	}, logger), nil
}

// =============================================================================
// Server
// =============================================================================

// Server represents the Blueprint API server.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	if dir := filepath.Dir(cfg.Store.DSN); cfg.Store.DSN != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &CommandError{Op: "NewServer", Err: err, ExitCode: ExitIOError}
		}
	}

	s, err := store.NewSQLiteStore(cfg.Store.DSN)
	if err != nil {
		return nil, &CommandError{Op: "NewServer", Err: err, ExitCode: ExitIOError}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	service, err := newPlanner(ctx, cfg, s, nil, planner.NewMetrics(reg), logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	handler := api.NewHandler(api.Config{
		Planner:        service,
		Store:          s,
		Logger:         logger,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		AllowLocations: cfg.Server.AllowLocations,
		Version:        Version,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.store.Close()
		return &CommandError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}
