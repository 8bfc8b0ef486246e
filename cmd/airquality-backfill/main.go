package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/i474232898/airquality-backfill/internal/airquality"
	"github.com/i474232898/airquality-backfill/internal/airquality/lubw"
	httpapi "github.com/i474232898/airquality-backfill/internal/api/http"
	"github.com/i474232898/airquality-backfill/internal/config"
	"github.com/i474232898/airquality-backfill/internal/logging"
	"github.com/i474232898/airquality-backfill/internal/metrics"
	"github.com/i474232898/airquality-backfill/internal/mqtt"
	"github.com/i474232898/airquality-backfill/internal/scheduler"
	"github.com/i474232898/airquality-backfill/internal/store"
)

var version = "dev"
var appName = "airquality-backfill"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg, version, appName)
	slog.SetDefault(logger)

	slog.Info("starting",
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
		"mode", cfg.Mode,
		"station", cfg.Station,
		"log_level", cfg.LogLevel.String(),
	)

	metrics.Init(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run failed", "err", err)
		os.Exit(1)
	}

	slog.Info("shutting down")
}

func run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	// Shared HTTP client for outbound API calls.
	httpClient := &http.Client{
		Timeout: cfg.LUBWHTTPTimeout,
	}

	fetcher := lubw.New(httpClient, lubw.Config{
		BaseURL:     cfg.LUBWBaseURL,
		Username:    cfg.LUBWUsername,
		Password:    cfg.LUBWPassword,
		Location:    cfg.Location,
		MaxFailures: uint32(cfg.BreakerMaxFailures),
	}, logger.With("component", "lubw"))

	publisher := mqtt.NewPublisher(mqtt.Config{
		Broker:         cfg.MQTTBroker,
		Port:           cfg.MQTTPort,
		Username:       cfg.MQTTUsername,
		Password:       cfg.MQTTPassword,
		ClientID:       cfg.MQTTClientID,
		BaseTopic:      cfg.MQTTBaseTopic,
		QueueSize:      cfg.MQTTQueueSize,
		PublishTimeout: cfg.MQTTPublishTimeout,
	}, logger.With("component", "mqtt"))

	// A broker that is down at start is not fatal: paho keeps retrying in
	// the background and queued messages go out once it is up.
	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := publisher.Connect(connCtx); err != nil {
		logger.Warn("mqtt initial connection not established, continuing", "error", err)
	}
	cancel()

	runs := store.NewMemoryStore(cfg.StoreMaxHistory, cfg.StoreMaxAge)
	driver := airquality.NewDriver(fetcher, publisher, runs, cfg.BackfillInterval, logger)

	if cfg.Mode == config.ModeFollow {
		return follow(ctx, cfg, driver, publisher, runs, logger)
	}

	summary, err := driver.Backfill(ctx, cfg.Station, cfg.Window())
	if err != nil {
		return err
	}
	if summary.Failed > 0 || summary.PublishFailed > 0 {
		return fmt.Errorf("backfill finished with %d failed sub-intervals: %w", summary.Failed+summary.PublishFailed, summary.Err())
	}
	return nil
}

func follow(ctx context.Context, cfg *config.AppConfig, driver *airquality.Driver, publisher *mqtt.Publisher, runs *store.MemoryStore, logger *slog.Logger) error {
	sched := scheduler.New(driver, cfg.Station, cfg.FollowInterval, cfg.FollowLookback, cfg.BackfillInterval, logger.With("component", "scheduler"))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName:               appName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":         "ok",
			"service":        appName,
			"mqtt_connected": publisher.IsConnected(),
		})
	})
	httpapi.RegisterRoutes(app, runs)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("fiber server stopped", "error", err)
		}
	}()

	<-ctx.Done()

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("error during http shutdown", "error", err)
	}
	if err := publisher.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during publisher shutdown", "error", err)
	}
	return nil
}
