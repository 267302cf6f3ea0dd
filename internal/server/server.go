package server

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"opsdesk/backend/opsdeskd/internal/automation"
	"opsdesk/backend/opsdeskd/internal/changes"
	"opsdesk/backend/opsdeskd/internal/config"
	"opsdesk/backend/opsdeskd/internal/notifications"
)

// Server wires the change store, transition engine, sweeper and
// notification manager behind the HTTP router.
type Server struct {
	cfg      config.Config
	logger   zerolog.Logger
	store    *changes.Store
	notifier *notifications.Manager
	engine   *changes.Engine
	sweeper  *automation.Sweeper
}

// Logger builds the root logger for the daemon.
func Logger(cfg config.Config) *zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := log.Logger.Level(cfg.LogLevel).With().Timestamp().Logger()
	return &logger
}

// New opens the stores and builds the full component graph.
func New(cfg config.Config) (*Server, error) {
	logger := *Logger(cfg)

	store, err := changes.OpenStore(logger, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	notifier, err := notifications.NewManager(logger, cfg.StateDir)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dispatcher := changes.NewSideEffects(logger, notifier, store)
	engine := changes.NewEngine(logger, store, dispatcher)
	sweeper := automation.NewSweeper(logger, store, engine, cfg.SweepBatch)

	return &Server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		notifier: notifier,
		engine:   engine,
		sweeper:  sweeper,
	}, nil
}

// Sweeper exposes the sweeper for the cron scheduler in main.
func (s *Server) Sweeper() *automation.Sweeper {
	return s.sweeper
}

// Close releases the underlying stores.
func (s *Server) Close() error {
	return s.store.Close()
}
