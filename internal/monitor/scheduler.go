package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"DustSweep/internal/observability/metrics"
	"DustSweep/pkg/logger"
)

// Job is a periodic task. The context is cancelled when the scheduler stops.
type Job func(ctx context.Context) error

type entry struct {
	name     string
	spec     string
	schedule cron.Schedule
	run      Job
}

// Scheduler runs jobs on cron schedules. A job never overlaps with itself: a
// tick that arrives while the previous run is busy is skipped.
type Scheduler struct {
	entries []entry
	log     *slog.Logger
}

// NewScheduler builds an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{log: logger.Named("monitor.scheduler")}
}

// Add registers run under a standard cron spec or a descriptor such as
// "@every 1m".
func (s *Scheduler) Add(name, spec string, run Job) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", spec, name, err)
	}
	s.entries = append(s.entries, entry{name: name, spec: spec, schedule: schedule, run: run})
	return nil
}

// Run fires every job once, then on its schedule until ctx is cancelled. It
// waits for running jobs before returning ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	clog := cronLogger{log: s.log}
	wrap := cron.NewChain(cron.Recover(clog), cron.SkipIfStillRunning(clog))
	c := cron.New(cron.WithLogger(clog))

	var initial sync.WaitGroup
	for _, e := range s.entries {
		e := e
		job := wrap.Then(cron.FuncJob(func() { s.invoke(ctx, e) }))
		c.Schedule(e.schedule, job)
		initial.Add(1)
		go func() {
			defer initial.Done()
			job.Run()
		}()
		s.log.Info("job scheduled", slog.String("job", e.name), slog.String("schedule", e.spec))
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	initial.Wait()
	return ctx.Err()
}

func (s *Scheduler) invoke(ctx context.Context, e entry) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := e.run(ctx)
	outcome := "ok"
	if err != nil && ctx.Err() == nil {
		outcome = "error"
		s.log.Error("scheduled job failed", slog.String("job", e.name), slog.Any("error", err))
	}
	metrics.ObserveJob(e.name, outcome, time.Since(start))
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
