package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/airquality-backfill/internal/airquality"
)

// Runner executes one backfill run over a window.
type Runner interface {
	Run(ctx context.Context, station string, window airquality.TimeWindow) (airquality.RunSummary, error)
}

// Scheduler periodically re-backfills a trailing window for a station so
// that readings the API publishes late still reach the broker.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	station   string
	every     time.Duration
	lookback  time.Duration
	align     time.Duration
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. Windows end at the current time truncated to
// align and start lookback earlier.
func New(runner Runner, station string, every, lookback, align time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		runner:    runner,
		station:   station,
		every:     every,
		lookback:  lookback,
		align:     align,
		logger:    logger,
		now:       time.Now,
	}
}

// Window returns the trailing window a run started at now covers.
func (s *Scheduler) Window(now time.Time) airquality.TimeWindow {
	end := now
	if s.align > 0 {
		end = now.Truncate(s.align)
	}
	return airquality.TimeWindow{Start: end.Add(-s.lookback), End: end}
}

// Start schedules the periodic job, running it once immediately, and starts
// the underlying scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	_, err := s.scheduler.Every(s.every).StartImmediately().Do(s.runOnce)
	if err != nil {
		s.cancel()
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", "every", s.every, "lookback", s.lookback)
	return nil
}

// Stop cancels an in-flight run and stops future jobs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) runOnce() {
	window := s.Window(s.now())
	s.logger.Info("scheduler: running backfill job", "start", window.Start, "end", window.End)

	summary, err := s.runner.Run(s.ctx, s.station, window)
	if err != nil {
		s.logger.Error("scheduler: backfill run aborted", "error", err)
		return
	}
	if summary.Failed > 0 || summary.PublishFailed > 0 {
		s.logger.Warn("scheduler: backfill run had failures", "run_id", summary.ID, "failed", summary.Failed, "publish_failed", summary.PublishFailed)
		return
	}
	s.logger.Info("scheduler: completed backfill job", "run_id", summary.ID, "published", summary.Published)
}
