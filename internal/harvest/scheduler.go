package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Runner interface {
	Run(ctx context.Context, req RunRequest) (Summary, error)
}

type SchedulerOptions struct {
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@every 1h".
	Schedule string
	// FullRefreshOnStart runs one full refresh before the first tick.
	FullRefreshOnStart bool
	// Request builds the request for each tick. It is called per tick so
	// reloaded settings take effect without a restart.
	Request func() RunRequest
	// OnRun, when set, receives the outcome of every run.
	OnRun  func(Summary, error)
	Logger *zap.Logger
}

// Scheduler runs incremental harvests on a cron schedule. Ticks that fire
// while a harvest is still running are skipped.
type Scheduler struct {
	runner  Runner
	opts    SchedulerOptions
	cron    *cron.Cron
	entryID cron.EntryID
	logger  *zap.Logger
	runs    chan runResult
}

type runResult struct {
	summary Summary
	err     error
}

func NewScheduler(runner Runner, opts SchedulerOptions) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if opts.Schedule == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	if opts.Request == nil {
		opts.Request = func() RunRequest { return RunRequest{} }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	s := &Scheduler{
		runner: runner,
		opts:   opts,
		cron:   cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.SkipIfStillRunning(cronLogger))),
		logger: logger,
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", opts.Schedule, err)
	}
	return s, nil
}

// Run blocks until ctx is done, harvesting on every tick. A running harvest
// sees the cancellation and stops at its next page boundary.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.FullRefreshOnStart {
		req := s.opts.Request()
		req.FullRefresh = true
		s.runOnce(ctx, req)
		if ctx.Err() != nil {
			return nil
		}
	}
	id, err := s.cron.AddFunc(s.opts.Schedule, func() {
		req := s.opts.Request()
		req.FullRefresh = false
		s.runOnce(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("schedule harvest: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("schedule", s.opts.Schedule), zap.Time("next", s.Next()))

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Next reports when the next tick fires, or the zero time before Run.
func (s *Scheduler) Next() time.Time {
	if s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

func (s *Scheduler) runOnce(ctx context.Context, req RunRequest) {
	started := time.Now()
	summary, err := s.runner.Run(ctx, req)
	totals := summary.Totals()
	fields := []zap.Field{
		zap.Bool("full_refresh", req.FullRefresh),
		zap.Int("stored", totals.Stored),
		zap.Int("skipped", totals.Skipped),
		zap.Duration("duration", time.Since(started)),
	}
	if err != nil {
		s.logger.Error("scheduled harvest failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Info("scheduled harvest finished", fields...)
	}
	if s.opts.OnRun != nil {
		s.opts.OnRun(summary, err)
	}
	if s.runs != nil {
		select {
		case s.runs <- runResult{summary: summary, err: err}:
		default:
		}
	}
}
