package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/config"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/service"
)

// debug runs a single scheduler tick against the configured database and
// prints what it did.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	app, err := service.NewApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer app.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.Service().RestoreReservations(ctx); err != nil {
		log.Warn().Err(err).Msg("Some reservations could not be restored")
	}

	log.Info().Msg("Executing one scheduler tick...")
	report, err := app.Scheduler().RunTick(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Tick finished with errors")
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	log.Info().Msg("Debug run finished.")
}
