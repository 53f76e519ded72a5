// Package server wires the sandbox session plane: store, resolver,
// sandbox backend, activity writer, session manager, janitor and the
// operator HTTP surface.
//
// Usage:
//
//	srv, err := server.New(ctx, config.Load())
//	defer srv.Close(context.Background())
//	err = srv.Run(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/internal/activity"
	"github.com/agentoven/agentoven/sandbox-plane/internal/api"
	"github.com/agentoven/agentoven/sandbox-plane/internal/api/handlers"
	"github.com/agentoven/agentoven/sandbox-plane/internal/config"
	"github.com/agentoven/agentoven/sandbox-plane/internal/housekeeping"
	"github.com/agentoven/agentoven/sandbox-plane/internal/resolver"
	"github.com/agentoven/agentoven/sandbox-plane/internal/sandbox"
	"github.com/agentoven/agentoven/sandbox-plane/internal/sessions"
	"github.com/agentoven/agentoven/sandbox-plane/internal/store"
	"github.com/agentoven/agentoven/sandbox-plane/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// shutdownTimeout bounds the HTTP drain on shutdown.
const shutdownTimeout = 15 * time.Second

// Server holds the initialized session plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Store    store.Store
	Manager  *sessions.Manager
	Janitor  *housekeeping.Janitor
	Activity *activity.Writer
	Config   *config.Config

	telemetryShutdown telemetry.ShutdownFunc
}

// New initializes every component from cfg.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	backend := sandbox.New(cfg.Sandbox)
	writer := activity.NewWriter(dataStore, activity.DefaultQueueSize)
	mgr := sessions.NewManager(dataStore, resolver.NewResolver(dataStore), backend, writer, sessions.Options{
		ContextWindow:  cfg.Sessions.ContextWindow,
		SessionTimeout: cfg.Sandbox.SessionTimeout,
		OneShotTimeout: cfg.Sandbox.OneShotTimeout,
		LLMKeys:        cfg.LLM.Keys,
	})
	log.Info().Bool("simulated", backend.Simulated()).Msg("✅ Session manager initialized")

	return &Server{
		Handler:           api.NewRouter(cfg, handlers.New(dataStore, mgr)),
		Store:             dataStore,
		Manager:           mgr,
		Janitor:           housekeeping.NewJanitor(mgr, cfg.Sessions.SweepInterval),
		Activity:          writer,
		Config:            cfg,
		telemetryShutdown: shutdown,
	}, nil
}

// OpenStore opens and migrates the configured store.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	var s store.Store
	switch cfg.Driver {
	case "", "memory":
		s = store.NewMemoryStore(cfg.DataDir)
		log.Info().Str("data_dir", cfg.DataDir).Msg("✅ In-memory store initialized")
	case "sqlite":
		sq, err := store.NewSQLStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		s = sq
		log.Info().Str("path", cfg.Path).Msg("✅ SQLite store initialized")
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Run starts the janitor and serves HTTP until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	go s.Janitor.Start(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.Config.Port),
		Handler:      s.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.Config.Sandbox.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.Config.Port).Msg("🔥 Sandbox session plane listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("🛑 Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// Close releases everything New acquired. Live sandboxes are left running
// so sessions reconnect after a restart.
func (s *Server) Close(ctx context.Context) error {
	s.Manager.Shutdown(ctx)
	var errs []error
	if err := s.Activity.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush activity log: %w", err))
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := s.telemetryShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush telemetry: %w", err))
	}
	return errors.Join(errs...)
}
