package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rogeecn/marzban-bot/internal/config"
	"github.com/rogeecn/marzban-bot/internal/marzban"
	"github.com/rogeecn/marzban-bot/internal/sweeper"
	"github.com/rs/zerolog/log"
)

const readHeaderTimeout = 10 * time.Second

// Panel is the subset of the panel client exposed over the admin API.
type Panel interface {
	GetUser(ctx context.Context, username string) (*marzban.User, error)
	DeleteUser(ctx context.Context, username string) error
}

// SweepRunner triggers a single expiration sweep.
type SweepRunner interface {
	RunOnce(ctx context.Context) (sweeper.Report, error)
}

// Server is the operator-facing admin HTTP API.
type Server struct {
	config     *config.Config
	panel      Panel
	sweeper    SweepRunner
	httpServer *http.Server

	serveFn    func() error
	shutdownFn func(ctx context.Context) error
}

func New(cfg *config.Config, panel Panel, sweep SweepRunner) *Server {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.AdminHost == "" {
		cfg.AdminHost = "127.0.0.1"
	}
	if cfg.AdminPort == 0 {
		cfg.AdminPort = 28080
	}

	s := &Server{
		config:  cfg,
		panel:   panel,
		sweeper: sweep,
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.AdminHost, cfg.AdminPort),
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.serveFn = s.httpServer.ListenAndServe
	s.shutdownFn = s.httpServer.Shutdown

	return s
}

func (s *Server) Start() error {
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("admin server starting")

	if err := s.serveFn(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("start admin server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if err := s.shutdownFn(ctx); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("stop admin server: %w", err)
	}
	return nil
}
