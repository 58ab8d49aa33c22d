package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/approval"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/config"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/irrigation"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/logging"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/mqtt"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/recurrence"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/registry"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/scheduler"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/slack"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/storage"
)

// App owns every long-lived component of the irrigation backend.
type App struct {
	cfg        *config.Config
	log        zerolog.Logger
	db         *gorm.DB
	mqttClient *mqtt.Client
	slack      *slack.Client
	registry   *registry.Registry
	service    *Service
	scheduler  *scheduler.Scheduler
}

func NewApp(cfg *config.Config) (*App, error) {
	logger := logging.New(cfg.Log)
	a := &App{cfg: cfg, log: logger.With().Str("component", "app").Logger()}

	db, err := storage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	a.db = db

	var actuator irrigation.Actuator = irrigation.NopActuator{}
	if cfg.MQTT.Broker != "" {
		client, err := mqtt.NewClient(cfg.MQTT, logger)
		if err != nil {
			a.closeDB()
			return nil, fmt.Errorf("connect mqtt: %w", err)
		}
		a.mqttClient = client
		actuator = client
		a.subscribeDevices()
	} else {
		a.log.Warn().Msg("No MQTT broker configured, valve and pump commands are not sent")
	}

	var notifier approval.Notifier
	var failures irrigation.FailureNotifier
	if sc := slack.NewClient(cfg.Slack, logger); sc != nil {
		a.slack = sc
		notifier, failures = sc, sc
	}

	actions, err := cfg.RequiredActions()
	if err != nil {
		a.Stop()
		return nil, err
	}
	gate := approval.NewGate(cfg.ApprovalTTL(), actions...)

	var inventory Inventory
	if len(cfg.Valves) > 0 {
		inventory = cfg
	}

	schedules := storage.NewGormScheduleRepository(db)
	events := storage.NewGormEventRepository(db)
	approvals := storage.NewGormApprovalRepository(db)
	engine := recurrence.NewEngine(cfg.Location())
	a.registry = registry.New()
	runner := irrigation.NewRunner(irrigation.NewLifecycle(a.registry), events, actuator, failures, logger)

	a.service = New(Deps{
		Schedules: schedules,
		Events:    events,
		Approvals: approvals,
		Engine:    engine,
		Runner:    runner,
		Gate:      gate,
		Notifier:  notifier,
		Inventory: inventory,
		Log:       logger,
	})
	a.scheduler = scheduler.NewScheduler(scheduler.Options{
		Interval:  cfg.TickInterval(),
		Workers:   cfg.Scheduler.Workers,
		Engine:    engine,
		Schedules: schedules,
		Events:    events,
		Approvals: approvals,
		Runner:    runner,
		Gate:      gate,
		Notifier:  notifier,
		FlowRates: func(valveIDs []string) (float64, bool) { return FlowRateFor(inventory, valveIDs) },
		Log:       logger,
	})
	return a, nil
}

func (a *App) subscribeDevices() {
	for _, v := range a.cfg.Valves {
		if err := a.mqttClient.SubscribeToDevice(mqtt.KindValve, v.ID); err != nil {
			a.log.Error().Err(err).Str("valve_id", v.ID).Msg("Subscribe failed")
		}
	}
	for _, p := range a.cfg.Pumps {
		if err := a.mqttClient.SubscribeToDevice(mqtt.KindPump, p.ID); err != nil {
			a.log.Error().Err(err).Str("pump_id", p.ID).Msg("Subscribe failed")
		}
	}
}

// Start restores reservations held by runs that survived a restart and then
// starts the scheduler.
func (a *App) Start(ctx context.Context) error {
	if err := a.service.RestoreReservations(ctx); err != nil {
		a.log.Warn().Err(err).Msg("Some reservations could not be restored")
	}
	if err := a.scheduler.Start(); err != nil {
		return err
	}
	a.log.Info().Msg("Irrigation system started")
	a.slack.SendMessage(fmt.Sprintf("Irrigation system started with %d valves and %d pumps", len(a.cfg.Valves), len(a.cfg.Pumps)))
	return nil
}

func (a *App) Stop() {
	a.log.Info().Msg("Shutting down...")
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.mqttClient != nil {
		a.mqttClient.Close()
	}
	a.closeDB()
	a.log.Info().Msg("Irrigation system stopped")
}

func (a *App) closeDB() {
	if a.db == nil {
		return
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (a *App) Service() *Service { return a.service }
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }
func (a *App) Registry() *registry.Registry { return a.registry }

// MQTT returns the broker client, nil when no broker is configured.
func (a *App) MQTT() *mqtt.Client { return a.mqttClient }
func (a *App) Logger() zerolog.Logger { return a.log }
