// Package schedule turns cron expressions into recurring task intake.
// Each firing mints a fresh cron-sourced task and hands it to the
// runner; cron provenance matters downstream because budget-exhausted
// cron tasks may finalize as partial successes instead of failing.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/praxisworks/praxis/pkg/models"
)

// TaskRunner executes one task to completion. Implementations own
// retries and persistence; the scheduler only reports the error.
type TaskRunner interface {
	RunTask(ctx context.Context, task *models.Task) error
}

// Entry describes one recurring task.
type Entry struct {
	// Spec is a standard five-field cron expression.
	Spec string

	// Title and Prompt seed each minted task.
	Title  string
	Prompt string

	// SuccessCriteria is carried onto each task when set.
	SuccessCriteria string

	// AgentConfig applies to every firing. Zero value uses the task
	// defaults.
	AgentConfig models.AgentConfig
}

// Scheduler drives recurring task intake off robfig/cron.
type Scheduler struct {
	cron   *cron.Cron
	runner TaskRunner
	logger *slog.Logger

	// runTimeout bounds each firing. Zero means no bound.
	runTimeout time.Duration

	mu      sync.Mutex
	started bool
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRunTimeout bounds each task run.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// New creates a scheduler. Firings of the same entry are skipped while
// a previous run is still in flight.
func New(runner TaskRunner, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("schedule: runner is required")
	}
	s := &Scheduler{
		runner: runner,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	return s, nil
}

// Add registers a recurring entry. Returns an error for an invalid
// cron spec.
func (s *Scheduler) Add(entry Entry) (cron.EntryID, error) {
	if entry.Prompt == "" {
		return 0, errors.New("schedule: entry prompt is required")
	}
	return s.cron.AddFunc(entry.Spec, func() { s.fire(entry) })
}

func (s *Scheduler) fire(entry Entry) {
	task := s.mintTask(entry)
	s.logger.Info("cron task firing", "task_id", task.ID, "title", task.Title)

	ctx := context.Background()
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}
	if err := s.runner.RunTask(ctx, task); err != nil {
		s.logger.Error("cron task failed", "task_id", task.ID, "error", err)
		return
	}
	s.logger.Info("cron task finished",
		"task_id", task.ID, "status", task.Status, "terminal_status", task.TerminalStatus)
}

func (s *Scheduler) mintTask(entry Entry) *models.Task {
	now := time.Now()
	title := entry.Title
	if title == "" {
		title = entry.Prompt
	}
	return &models.Task{
		ID:              uuid.NewString(),
		Title:           title,
		Prompt:          entry.Prompt,
		Source:          models.SourceCron,
		Status:          models.TaskPlanning,
		AgentConfig:     entry.AgentConfig,
		SuccessCriteria: entry.SuccessCriteria,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Start begins firing entries. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts new firings and waits for in-flight runs up to the
// context deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next scheduled fire time across entries, zero when
// none are registered.
func (s *Scheduler) Next() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if next.IsZero() || (!e.Next.IsZero() && e.Next.Before(next)) {
			next = e.Next
		}
	}
	return next
}
