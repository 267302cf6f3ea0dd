package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opsdesk/backend/opsdeskd/internal/automation"
	"opsdesk/backend/opsdeskd/internal/config"
	"opsdesk/backend/opsdeskd/internal/server"
)

func main() {
	cfg := config.FromEnv()
	logger := server.Logger(cfg)

	srv, err := server.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer srv.Close()

	scheduler := automation.NewScheduler(*logger, srv.Sweeper(), cfg.SweepEvery)
	if err := scheduler.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Router()}

	go func() {
		logger.Info().Msgf("opsdeskd listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	scheduler.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
}
