// Package jobs runs the periodic cleanups on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CleanupFunc deletes stale rows and returns how many it removed
type CleanupFunc func(ctx context.Context) (int64, error)

// Job is one named cleanup on a cron spec
type Job struct {
	Name string
	Spec string
	Run  CleanupFunc
}

// Scheduler runs Jobs. Overlapping runs of the same job are skipped.
type Scheduler struct {
	cron    *cron.Cron
	log     *zap.Logger
	timeout time.Duration
	jobs    []Job
}

// NewScheduler creates a scheduler; each run is bounded by timeout
func NewScheduler(log *zap.Logger, timeout time.Duration) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger{log}))),
		log:     log,
		timeout: timeout,
	}
}

// Add registers a job. It fails on an invalid spec.
func (s *Scheduler) Add(job Job) error {
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.log})).Then(cron.FuncJob(func() {
		s.RunOnce(context.Background(), job)
	}))
	if _, err := s.cron.AddJob(job.Spec, wrapped); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	s.jobs = append(s.jobs, job)
	s.log.Info("cleanup job scheduled", zap.String("job", job.Name), zap.String("spec", job.Spec))
	return nil
}

// RunOnce executes job immediately and logs the outcome
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		s.log.Error("cleanup job failed", zap.String("job", job.Name), zap.Error(err))
		return 0, err
	}
	s.log.Info("cleanup job finished",
		zap.String("job", job.Name),
		zap.Int64("deleted", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return n, nil
}

// RunAll executes every registered job once, in registration order
func (s *Scheduler) RunAll(ctx context.Context) error {
	for _, job := range s.jobs {
		if _, err := s.RunOnce(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// Jobs returns the registered jobs
func (s *Scheduler) Jobs() []Job {
	return append([]Job(nil), s.jobs...)
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("cleanup jobs still running at shutdown")
	}
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Infow(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
