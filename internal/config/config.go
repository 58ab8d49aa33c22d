package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/logging"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
)

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

type DatabaseConfig struct {
	Driver   string // postgres or sqlite
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Path     string // sqlite file
}

type SlackConfig struct {
	BotToken      string
	ChannelID     string
	SigningSecret string
}

type SchedulerConfig struct {
	TickSeconds int
	Workers     int
	Timezone    string
}

type ApprovalConfig struct {
	RequiredActions string // comma separated action types
	TTLHours        int
}

type ServerConfig struct {
	Addr string
}

// Device is a valve or pump listed in the device file. FlowRate is litres per hour.
type Device struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	FlowRate float64 `json:"flowRate"`
}

type Config struct {
	MQTT          MQTTConfig
	Database      DatabaseConfig
	Slack         SlackConfig
	Scheduler     SchedulerConfig
	Approval      ApprovalConfig
	Server        ServerConfig
	Log           logging.Config
	Valves        []Device `json:"valves"`
	Pumps         []Device `json:"pumps"`
	DeviceCfgPath string   `json:"devicecfgpath"`
}

func LoadConfig() (*Config, error) {
	v := viper.New()

	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")
	v.BindEnv("database.path", "DB_PATH")

	v.BindEnv("mqtt.broker", "MQTT_BROKER")
	v.BindEnv("mqtt.clientid", "MQTT_CLIENT_ID")
	v.BindEnv("mqtt.username", "MQTT_USERNAME")
	v.BindEnv("mqtt.password", "MQTT_PASSWORD")

	v.BindEnv("slack.bottoken", "SLACK_BOT_TOKEN")
	v.BindEnv("slack.channelid", "SLACK_CHANNEL_ID")
	v.BindEnv("slack.signingsecret", "SLACK_SIGNING_SECRET")

	v.BindEnv("scheduler.tickseconds", "SCHEDULER_TICK_SECONDS")
	v.BindEnv("scheduler.workers", "SCHEDULER_WORKERS")
	v.BindEnv("scheduler.timezone", "SCHEDULER_TIMEZONE")

	v.BindEnv("approval.requiredactions", "APPROVAL_REQUIRED_ACTIONS")
	v.BindEnv("approval.ttlhours", "APPROVAL_TTL_HOURS")

	v.BindEnv("server.addr", "SERVER_ADDR")

	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.console", "LOG_CONSOLE")

	v.BindEnv("devicecfgpath", "DEVICE_CONFIG_PATH")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "irrigation.db")
	v.SetDefault("scheduler.tickseconds", 30)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("approval.ttlhours", 24)
	v.SetDefault("server.addr", ":3005")
	v.SetDefault("log.level", "info")

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "local"
	}

	if env == "local" {
		v.SetConfigFile(".env.local")
		v.SetConfigType("env")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file .env.local: %w", err)
			}
			log.Debug().Msg(".env.local not found, relying on environment variables")
		} else {
			log.Debug().Str("file", v.ConfigFileUsed()).Msg("loaded configuration file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.DeviceCfgPath != "" {
		if err := config.loadDevices(config.DeviceCfgPath); err != nil {
			return nil, err
		}
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// loadDevices reads the valve and pump inventory, e.g. {"valves": [...], "pumps": [...]}.
func (cfg *Config) loadDevices(path string) error {
	jsonFile, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open device config file '%s': %w", path, err)
	}
	defer jsonFile.Close()

	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return fmt.Errorf("failed to read device config file: %w", err)
	}

	var devices struct {
		Valves []Device `json:"valves"`
		Pumps  []Device `json:"pumps"`
	}
	if err := json.Unmarshal(byteValue, &devices); err != nil {
		return fmt.Errorf("failed to unmarshal device config JSON: %w", err)
	}
	cfg.Valves = devices.Valves
	cfg.Pumps = devices.Pumps
	return nil
}

func (cfg *Config) validate() error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler tick must be positive, got %d", cfg.Scheduler.TickSeconds)
	}
	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler timezone %q: %w", cfg.Scheduler.Timezone, err)
	}
	if _, err := cfg.RequiredActions(); err != nil {
		return err
	}
	return nil
}

// DSN returns the PostgreSQL connection string
func (cfg *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		cfg.Database.Host,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.DBName,
		cfg.Database.Port,
		cfg.Database.SSLMode,
	)
}

// Location is the time zone schedule times of day are interpreted in.
func (cfg *Config) Location() *time.Location {
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (cfg *Config) TickInterval() time.Duration {
	return time.Duration(cfg.Scheduler.TickSeconds) * time.Second
}

func (cfg *Config) ApprovalTTL() time.Duration {
	if cfg.Approval.TTLHours <= 0 {
		return models.DefaultApprovalTTL
	}
	return time.Duration(cfg.Approval.TTLHours) * time.Hour
}

// RequiredActions parses the actions that need an approved request before running.
func (cfg *Config) RequiredActions() ([]models.ActionType, error) {
	var actions []models.ActionType
	for _, raw := range strings.Split(cfg.Approval.RequiredActions, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		a, ok := models.ParseActionType(raw)
		if !ok {
			return nil, fmt.Errorf("unknown approval action %q", raw)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// FlowRate returns the configured flow rate of a valve, in litres per hour.
func (cfg *Config) FlowRate(valveID string) (float64, bool) {
	for _, d := range cfg.Valves {
		if d.ID == valveID {
			return d.FlowRate, true
		}
	}
	return 0, false
}

func (cfg *Config) HasValve(id string) bool {
	_, ok := cfg.FlowRate(id)
	return ok
}

func (cfg *Config) HasPump(id string) bool {
	for _, d := range cfg.Pumps {
		if d.ID == id {
			return true
		}
	}
	return false
}
