// Package jobs holds the scheduled background work: publishing due content,
// collecting platform metrics, building reports, and refreshing trending
// topics. Every job is idempotent and can also be invoked once from the CLI.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"oabot/internal/metrics"
)

// Job is one no-argument, idempotent entry point.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner fires registered jobs on their intervals.
type Runner struct {
	mu       sync.RWMutex
	jobs     map[string]*scheduledJob
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

type scheduledJob struct {
	Job
	lastRun time.Time
	nextRun time.Time
}

func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		jobs:   make(map[string]*scheduledJob),
		logger: logger.With("component", "jobs"),
		stopCh: make(chan struct{}),
	}
}

func (r *Runner) Register(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.Name] = &scheduledJob{Job: job, nextRun: time.Now().Add(job.Interval)}
	r.logger.Info("job registered", "name", job.Name, "interval", job.Interval)
}

// Names lists registered jobs, sorted.
func (r *Runner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RunOnce invokes one job by name immediately.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	r.mu.RLock()
	job, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return r.invoke(ctx, job)
}

// Start ticks until ctx is cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("job runner started", "jobs", r.Names())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopping")
			return
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.tick(ctx, now)
		}
	}
}

// Stop halts the runner. Safe to call multiple times.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Runner) tick(ctx context.Context, now time.Time) {
	r.mu.Lock()
	var due []*scheduledJob
	for _, job := range r.jobs {
		if now.After(job.nextRun) {
			job.lastRun = now
			job.nextRun = now.Add(job.Interval)
			due = append(due, job)
		}
	}
	r.mu.Unlock()

	for _, job := range due {
		if err := r.invoke(ctx, job); err != nil {
			r.logger.Error("job failed", "name", job.Name, "error", err)
		}
	}
}

func (r *Runner) invoke(ctx context.Context, job *scheduledJob) error {
	start := time.Now()
	metrics.JobRunsTotal.Inc()
	r.logger.Info("job starting", "name", job.Name)
	err := job.Run(ctx)
	if err == nil {
		r.logger.Info("job finished", "name", job.Name, "took", time.Since(start))
	}
	return err
}
