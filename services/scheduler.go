package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"flextasker/realtime-gateway/utils"
)

// JobFunc is one periodic sweep. Errors are logged and never stop the schedule.
type JobFunc func(ctx context.Context) error

type scheduledJob struct {
	name string
	spec string
	run  JobFunc
}

// cronLogger adapts utils.Logger to cron's logging interface.
type cronLogger struct {
	logger *utils.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Scheduler runs independent maintenance sweeps on cron specs. A job that
// is still running when its next tick arrives skips that tick.
type Scheduler struct {
	logger  *utils.Logger
	timeout time.Duration
	parser  cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	jobs    []scheduledJob
	ctx     context.Context
	cancel  context.CancelFunc
	failed  map[string]int64
	running bool
}

func NewScheduler(jobTimeout time.Duration, logger *utils.Logger) *Scheduler {
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}
	return &Scheduler{
		logger:  logger,
		timeout: jobTimeout,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		failed:  make(map[string]int64),
	}
}

// Add registers a job. Jobs added after Start are scheduled immediately.
func (s *Scheduler) Add(name, spec string, job JobFunc) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j := scheduledJob{name: name, spec: spec, run: job}
	s.jobs = append(s.jobs, j)
	if s.running {
		return s.addCronLocked(j)
	}
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	logger := cronLogger{logger: s.logger}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, j := range s.jobs {
		if err := s.addCronLocked(j); err != nil {
			s.cancel()
			return err
		}
	}
	s.c.Start()
	s.running = true
	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop halts scheduling and waits for running jobs or ctx, whichever is first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()

	done := c.Stop().Done()
	cancel()
	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunAll executes every job once, in registration order, outside the cron
// loop. One failing job does not prevent the rest from running.
func (s *Scheduler) RunAll(ctx context.Context) error {
	s.mu.Lock()
	jobs := append([]scheduledJob(nil), s.jobs...)
	s.mu.Unlock()

	var errs []error
	for _, j := range jobs {
		if err := s.execute(ctx, j); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.name, err))
		}
	}
	return errors.Join(errs...)
}

// Failures returns how many times each job has failed.
func (s *Scheduler) Failures() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.failed))
	for k, v := range s.failed {
		out[k] = v
	}
	return out
}

func (s *Scheduler) addCronLocked(j scheduledJob) error {
	ctx := s.ctx
	_, err := s.c.AddFunc(j.spec, func() {
		_ = s.execute(ctx, j)
	})
	return err
}

func (s *Scheduler) execute(parent context.Context, j scheduledJob) (err error) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			s.mu.Lock()
			s.failed[j.name]++
			s.mu.Unlock()
			s.logger.Error("Scheduled job failed", "job", j.name, "error", err)
		}
	}()

	start := time.Now()
	err = j.run(ctx)
	s.logger.Debug("Scheduled job finished", "job", j.name, "duration", time.Since(start))
	return err
}
