package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of scheduled work. Schedule returns a six-field cron
// expression (seconds first). Run must honor cancellation of the context it
// is handed.
type Job interface {
	Name() string
	Schedule(ctx context.Context) string
	Run(ctx context.Context)
}

// JobScheduler wraps robfig/cron with name-keyed registration so a job can
// be rescheduled in place. The lifecycle context passed to the constructor
// stops the cron loop when it is canceled.
type JobScheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewJobScheduler(lifecycleCtx context.Context, logger *slog.Logger) *JobScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := &slogCronLogger{logger: logger}

	js := &JobScheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(
				cron.Recover(cronLogger),
				cron.SkipIfStillRunning(cronLogger),
			),
		),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}

	go func() {
		<-lifecycleCtx.Done()
		js.cron.Stop()
	}()

	return js
}

// RescheduleJob registers a job under its name, replacing any previous
// schedule. The provided context is handed to every run, so canceling it
// interrupts in-flight work on shutdown.
func (js *JobScheduler) RescheduleJob(ctx context.Context, job Job) error {
	spec := job.Schedule(ctx)

	js.mu.Lock()
	defer js.mu.Unlock()

	if id, ok := js.entries[job.Name()]; ok {
		js.cron.Remove(id)
		delete(js.entries, job.Name())
	}

	id, err := js.cron.AddFunc(spec, func() { job.Run(ctx) })
	if err != nil {
		return fmt.Errorf("failed to schedule job '%s': %w", job.Name(), err)
	}
	js.entries[job.Name()] = id

	js.logger.Info("Scheduled job", "job", job.Name(), "schedule", spec)
	return nil
}

// RemoveJob unregisters a job by name. Unknown names are a no-op.
func (js *JobScheduler) RemoveJob(name string) {
	js.mu.Lock()
	defer js.mu.Unlock()

	if id, ok := js.entries[name]; ok {
		js.cron.Remove(id)
		delete(js.entries, name)
	}
}

// Start begins executing registered jobs.
func (js *JobScheduler) Start() {
	js.cron.Start()
}

// Stop halts scheduling. The returned context completes once running jobs
// have returned.
func (js *JobScheduler) Stop() context.Context {
	return js.cron.Stop()
}

// slogCronLogger adapts slog to cron's logger interface. Cron's routine
// chatter maps to debug; panics recovered from jobs map to error.
type slogCronLogger struct {
	logger *slog.Logger
}

func (l *slogCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *slogCronLogger) Error(err error, msg string, keysAndValues ...any) {
	args := append([]any{"error", err}, keysAndValues...)
	l.logger.Error(msg, args...)
}
