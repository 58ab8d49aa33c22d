package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/config"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/server"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/service"
)

func main() {
	log.Info().Msg("Starting application...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	app, err := service.NewApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	logger := app.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		app.Stop()
		logger.Fatal().Err(err).Msg("Failed to start application")
	}

	var devices server.DeviceStates
	if client := app.MQTT(); client != nil {
		devices = client
	}
	srv := server.New(cfg, app.Service(), app.Scheduler(), devices, logger)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("API server failed")
			stop()
		}
	}()

	logger.Info().Msg("Application is running. Press CTRL+C to exit.")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown failed")
	}
	app.Stop()
	logger.Info().Msg("Application shut down.")
}
