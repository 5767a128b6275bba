// Package schedule runs the periodic maintenance jobs that keep claims
// moving: the review-expiry sweep and stale step recovery.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"claim-orchestrator/internal/engine"
)

// Maintainer is the engine surface the jobs call.
type Maintainer interface {
	SweepSuspensions(ctx context.Context) ([]string, error)
	RecoverStale(ctx context.Context) (engine.Recovery, error)
}

type Job string

const (
	JobSweep   Job = "review_sweep"
	JobRecover Job = "stale_recovery"
)

const jobTimeout = 5 * time.Minute

// Scheduler owns a cron runner. A job that is still running when its next
// tick fires is skipped for that tick.
type Scheduler struct {
	cron    *cron.Cron
	m       Maintainer
	logger  *slog.Logger
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func New(m Maintainer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		m:      m,
		logger: logger,
	}
}

// Add schedules job on spec, a five-field cron expression, a descriptor
// such as "@hourly", or a Go duration. An empty spec disables the job.
func (s *Scheduler) Add(job Job, spec string) error {
	if spec == "" {
		s.logger.Info("maintenance job disabled", "job", job)
		return nil
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job, err)
	}
	fn, err := s.jobFunc(job)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		s.run(ctx, job, fn)
	}))
	s.logger.Info("maintenance job scheduled", "job", job, "schedule", spec)
	return nil
}

// RunNow executes job once, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	fn, err := s.jobFunc(job)
	if err != nil {
		return err
	}
	return s.run(ctx, job, fn)
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

func (s *Scheduler) jobFunc(job Job) (func(context.Context) error, error) {
	switch job {
	case JobSweep:
		return func(ctx context.Context) error {
			expired, err := s.m.SweepSuspensions(ctx)
			if len(expired) > 0 {
				s.logger.Warn("reviews expired by sweep", "count", len(expired), "claim_ids", expired)
			}
			return err
		}, nil
	case JobRecover:
		return func(ctx context.Context) error {
			rec, err := s.m.RecoverStale(ctx)
			if rec.Expired > 0 || len(rec.Redispatched) > 0 {
				s.logger.Info("stale claims recovered", "expired_steps", rec.Expired, "redispatched", len(rec.Redispatched))
			}
			return err
		}, nil
	}
	return nil, fmt.Errorf("unknown maintenance job %q", job)
}

func (s *Scheduler) run(ctx context.Context, job Job, fn func(context.Context) error) error {
	jctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(jctx); err != nil {
		s.logger.Warn("maintenance job failed", "job", job, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("maintenance job completed", "job", job, "duration", time.Since(start))
	return nil
}

// ParseSchedule accepts a standard cron expression or descriptor first, then
// a positive Go duration.
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if sched, err := cron.ParseStandard(spec); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("not a cron expression or duration: %q", spec)
	}
	if d < time.Second {
		return nil, fmt.Errorf("interval must be at least 1s: %q", spec)
	}
	return cron.Every(d), nil
}

// cronLogger routes the cron runner's own logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
