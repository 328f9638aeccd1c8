// Package scheduler triggers ingestion runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/bryan-buckman/televore/internal/ingest"
	"github.com/bryan-buckman/televore/internal/runlock"
)

// JobName names the scheduled ingestion job.
const JobName = "televore-ingest"

// Runner runs ingestion over the configured entity set.
type Runner interface {
	RunConfigured(ctx context.Context, window ingest.Window) (ingest.Report, error)
}

// Scheduler runs Runner periodically, skipping ticks while another run holds
// the run state.
type Scheduler struct {
	sched   gocron.Scheduler
	runner  Runner
	state   *runlock.State
	timeout time.Duration
	logger  *zap.Logger

	// baseCtx parents scheduled runs and is cancelled by Stop.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler for the standard five-field cron expression.
func New(cronExpr string, runner Runner, state *runlock.State, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sched, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(newGocronLogger(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sched:   sched,
		runner:  runner,
		state:   state,
		timeout: timeout,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
	_, err = sched.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(s.runScheduled),
		gocron.WithName(JobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = sched.Shutdown()
		return nil, fmt.Errorf("failed to schedule job %q: %w", JobName, err)
	}
	logger.Info("Job scheduled", zap.String("name", JobName), zap.String("cron", cronExpr))
	return s, nil
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.sched.Start()
}

// Stop cancels a running job, waits for it to return and shuts the scheduler
// down.
func (s *Scheduler) Stop() error {
	s.cancel()
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

// RunOnce performs one scheduled run with the default window. It returns
// runlock.ErrRunning without running when a run is already in progress.
func (s *Scheduler) RunOnce(ctx context.Context) (ingest.Report, error) {
	if err := s.state.TryStart(ctx); err != nil {
		if errors.Is(err, runlock.ErrRunning) {
			s.logger.Info("Skipping scheduled run, another run is in progress")
		} else {
			s.logger.Error("Failed to start scheduled run", zap.Error(err))
		}
		return ingest.Report{}, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	report, err := s.runner.RunConfigured(ctx, ingest.Window{})
	s.state.Finish(ctx, report, err)
	if err != nil {
		s.logger.Error("Scheduled run failed", zap.Error(err))
	}
	return report, err
}

// runScheduled is the job body. Stop cancels it.
func (s *Scheduler) runScheduled() {
	_, _ = s.RunOnce(s.baseCtx)
}

// gocronLogger adapts zap to gocron.Logger.
type gocronLogger struct {
	sugar *zap.SugaredLogger
}

func newGocronLogger(logger *zap.Logger) gocron.Logger {
	return &gocronLogger{sugar: logger.Named("gocron").Sugar()}
}

func (l *gocronLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *gocronLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *gocronLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *gocronLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
