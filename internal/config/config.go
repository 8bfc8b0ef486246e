package config

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/i474232898/airquality-backfill/internal/airquality"
)

const (
	ModeOnce   = "once"
	ModeFollow = "follow"
)

type AppConfig struct {
	AppEnv   string `validate:"oneof=dev prod"`
	LogLevel slog.Level

	// LUBW API.
	LUBWBaseURL     string        `validate:"required,url"`
	LUBWUsername    string        `validate:"required"`
	LUBWPassword    string        `validate:"required"`
	LUBWHTTPTimeout time.Duration `validate:"gt=0"`
	// Location is the zone of the API's naive timestamps.
	Location *time.Location `validate:"required"`

	Station string `validate:"required,station"`

	// Mode is either a single run over [BackfillStart, BackfillEnd) or a
	// follow loop that re-backfills a trailing window on a schedule.
	Mode             string        `validate:"oneof=once follow"`
	BackfillStart    time.Time     // only used in once mode
	BackfillEnd      time.Time     // only used in once mode
	BackfillInterval time.Duration `validate:"gt=0"`
	FollowInterval   time.Duration `validate:"gte=1m"`
	FollowLookback   time.Duration `validate:"gtefield=BackfillInterval"`

	// MQTT broker.
	MQTTBroker         string `validate:"required"`
	MQTTPort           int    `validate:"gt=0,lte=65535"`
	MQTTUsername       string
	MQTTPassword       string
	MQTTClientID       string        `validate:"required"`
	MQTTBaseTopic      string        `validate:"required"`
	MQTTQueueSize      int           `validate:"gt=0"`
	MQTTPublishTimeout time.Duration `validate:"gt=0"`

	BreakerMaxFailures int `validate:"gt=0"`

	// In-memory run history retention (follow mode).
	StoreMaxHistory int           // max number of runs per station (0 = unlimited)
	StoreMaxAge     time.Duration // max age of runs (0 = unlimited)

	Port string
}

// Window returns the once-mode backfill window.
func (c *AppConfig) Window() airquality.TimeWindow {
	return airquality.TimeWindow{Start: c.BackfillStart, End: c.BackfillEnd}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("station", func(fl validator.FieldLevel) bool {
		_, err := airquality.ComponentsFor(fl.Field().String())
		return err == nil
	})
	return v
}

// Load reads configuration from the environment (and an optional .env file)
// with defaults, then validates it.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	return FromEnv()
}

// FromEnv builds and validates the configuration from the process environment only.
func FromEnv() (*AppConfig, error) {
	var err error
	cfg := &AppConfig{}

	cfg.AppEnv = getenvDefault("APP_ENV", "dev")
	if cfg.LogLevel, err = parseLogLevel(getenvDefault("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}

	cfg.LUBWBaseURL = strings.TrimSpace(os.Getenv("LUBW_BASE_URL"))
	cfg.LUBWUsername = os.Getenv("LUBW_USERNAME")
	cfg.LUBWPassword = os.Getenv("LUBW_PASSWORD")
	if cfg.LUBWHTTPTimeout, err = getenvDuration("LUBW_HTTP_TIMEOUT", "30s"); err != nil {
		return nil, err
	}
	tz := getenvDefault("LUBW_TIMEZONE", "Europe/Berlin")
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid LUBW_TIMEZONE %q: %w", tz, err)
	}

	cfg.Station = getenvDefault("STATION", "DEBW015")

	cfg.Mode = strings.ToLower(getenvDefault("BACKFILL_MODE", ModeOnce))
	if cfg.BackfillInterval, err = getenvDuration("BACKFILL_INTERVAL", "1h"); err != nil {
		return nil, err
	}
	if cfg.FollowInterval, err = getenvDuration("FOLLOW_INTERVAL", "1h"); err != nil {
		return nil, err
	}
	if cfg.FollowLookback, err = getenvDuration("FOLLOW_LOOKBACK", "3h"); err != nil {
		return nil, err
	}
	if cfg.Mode == ModeOnce {
		if cfg.BackfillStart, err = getenvTime("BACKFILL_START", cfg.Location); err != nil {
			return nil, err
		}
		if cfg.BackfillEnd, err = getenvTime("BACKFILL_END", cfg.Location); err != nil {
			return nil, err
		}
		if err := cfg.Window().Validate(); err != nil {
			return nil, fmt.Errorf("invalid BACKFILL_START/BACKFILL_END: %w", err)
		}
	}

	cfg.MQTTBroker = getenvDefault("MQTT_BROKER", "localhost")
	if cfg.MQTTPort, err = getenvInt("MQTT_PORT", 1883); err != nil {
		return nil, err
	}
	cfg.MQTTUsername = os.Getenv("MQTT_USERNAME")
	cfg.MQTTPassword = os.Getenv("MQTT_PASSWORD")
	cfg.MQTTClientID = getenvDefault("MQTT_CLIENT_ID", cfg.Station)
	cfg.MQTTBaseTopic = strings.TrimRight(getenvDefault("MQTT_BASE_TOPIC", "sensors/lubw"), "/")
	if cfg.MQTTQueueSize, err = getenvInt("MQTT_QUEUE_SIZE", 64); err != nil {
		return nil, err
	}
	if cfg.MQTTPublishTimeout, err = getenvDuration("MQTT_PUBLISH_TIMEOUT", "10s"); err != nil {
		return nil, err
	}

	if cfg.BreakerMaxFailures, err = getenvInt("BREAKER_MAX_FAILURES", 5); err != nil {
		return nil, err
	}

	if cfg.StoreMaxHistory, err = getenvInt("STORE_MAX_HISTORY", 48); err != nil {
		return nil, err
	}
	if cfg.StoreMaxAge, err = getenvDuration("STORE_MAX_AGE", "168h"); err != nil {
		return nil, err
	}
	cfg.Port = getenvDefault("PORT", "8080")

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, fmt.Errorf("invalid configuration: %s", describe(verrs))
		}
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Tag() == "station" {
			parts = append(parts, fmt.Sprintf("%s: %v (%q)", fe.Field(), airquality.ErrUnknownStation, fe.Value()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getenvDuration(key, def string) (time.Duration, error) {
	v := getenvDefault(key, def)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func getenvTime(key string, loc *time.Location) (time.Time, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return time.Time{}, fmt.Errorf("%s is required in %s mode", key, ModeOnce)
	}
	ts, err := airquality.ParseTimestamp(v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return ts, nil
}
