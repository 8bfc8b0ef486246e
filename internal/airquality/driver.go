package airquality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/airquality-backfill/internal/metrics"
)

// RunSummary describes the outcome of one backfill run over a window.
type RunSummary struct {
	ID            string     `json:"id"`
	Station       string     `json:"station"`
	Window        TimeWindow `json:"window"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    time.Time  `json:"finishedAt"`
	Intervals     int        `json:"intervals"`
	Published     int        `json:"published"`
	Empty         int        `json:"empty"`
	Failed        int        `json:"failed"`
	PublishFailed int        `json:"publishFailed"`
	Errors        []string   `json:"errors,omitempty"`

	errs []error
}

// Err joins every sub-interval error recorded during the run, or returns nil.
func (s RunSummary) Err() error {
	return errors.Join(s.errs...)
}

func (s *RunSummary) recordError(err error) {
	s.errs = append(s.errs, err)
	s.Errors = append(s.Errors, err.Error())
}

// Driver walks a window in fixed sub-intervals, fetching each one and
// publishing a single representative message per non-empty sub-interval.
type Driver struct {
	fetcher   Fetcher
	publisher Publisher
	store     RunStore
	interval  time.Duration
	logger    *slog.Logger
}

// NewDriver creates a Driver. store may be nil when run history is not kept.
func NewDriver(fetcher Fetcher, publisher Publisher, store RunStore, interval time.Duration, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		fetcher:   fetcher,
		publisher: publisher,
		store:     store,
		interval:  interval,
		logger:    logger,
	}
}

// Backfill runs the window and then shuts the publisher down exactly once,
// regardless of how the run ended.
func (d *Driver) Backfill(ctx context.Context, station string, window TimeWindow) (RunSummary, error) {
	summary, runErr := d.Run(ctx, station, window)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := d.publisher.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("publisher shutdown failed", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("shutdown publisher: %w", err)
		}
	}
	return summary, runErr
}

// Run processes every sub-interval of window for station. A failed fetch is
// logged and recorded in the summary; the run carries on with the next
// sub-interval. Only configuration errors and ctx cancellation abort a run.
func (d *Driver) Run(ctx context.Context, station string, window TimeWindow) (RunSummary, error) {
	if _, err := ComponentsFor(station); err != nil {
		return RunSummary{}, err
	}
	if err := window.Validate(); err != nil {
		return RunSummary{}, err
	}
	if d.interval <= 0 {
		return RunSummary{}, fmt.Errorf("backfill interval must be positive, got %v", d.interval)
	}

	summary := RunSummary{
		ID:        uuid.NewString(),
		Station:   station,
		Window:    window,
		StartedAt: time.Now().UTC(),
	}
	logger := d.logger.With("run_id", summary.ID, "station", station)
	logger.Info("backfill started", "start", window.Start, "end", window.End, "interval", d.interval)

	var runErr error
	for sub := range TimeRanges(window, d.interval) {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		summary.Intervals++
		d.processInterval(ctx, logger, station, sub, &summary)
	}

	summary.FinishedAt = time.Now().UTC()
	if d.store != nil {
		d.store.SaveRun(summary)
	}
	metrics.ObserveRun(summary.Failed+summary.PublishFailed == 0 && runErr == nil, summary.FinishedAt.Sub(summary.StartedAt))

	logger.Info("backfill finished",
		"intervals", summary.Intervals,
		"published", summary.Published,
		"empty", summary.Empty,
		"failed", summary.Failed,
		"publish_failed", summary.PublishFailed,
	)
	return summary, runErr
}

func (d *Driver) processInterval(ctx context.Context, logger *slog.Logger, station string, sub TimeWindow, summary *RunSummary) {
	logger = logger.With("from", sub.Start, "to", sub.End)
	logger.Info("fetching sub-interval")

	table, err := d.fetcher.FetchStation(ctx, station, sub)
	if err != nil {
		logger.Error("fetch failed, continuing with next sub-interval", "error", err)
		summary.Failed++
		summary.recordError(fmt.Errorf("fetch %s: %w", sub, err))
		metrics.IncInterval(metrics.OutcomeFailed)
		return
	}
	if table.Empty() {
		logger.Info("no data available for sub-interval")
		summary.Empty++
		metrics.IncInterval(metrics.OutcomeEmpty)
		return
	}

	msg := BuildMessage(station, table)
	if err := d.publisher.Publish(msg); err != nil {
		logger.Error("publish failed", "error", err)
		summary.PublishFailed++
		summary.recordError(fmt.Errorf("publish %s: %w", sub, err))
		metrics.IncInterval(metrics.OutcomePublishFailed)
		return
	}
	logger.Debug("message queued", "rows", table.Len(), "timestamp", msg.Timestamp)
	summary.Published++
	metrics.IncInterval(metrics.OutcomePublished)
}

// BuildMessage collapses a non-empty table into the message for one
// sub-interval: the timestamp comes from the earliest row and the data from
// the latest row.
func BuildMessage(station string, table Table) OutboundMessage {
	return OutboundMessage{
		NodeID:    station,
		Timestamp: table.First().Time.Unix(),
		Data:      table.Last().Fields(),
	}
}
