// Package scheduling runs recurring fleet maintenance jobs (state snapshots,
// metrics reports, cache sweeps, pool eviction) on cron or fixed-interval
// schedules.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// MaintenanceAction identifies a type of recurring maintenance job.
type MaintenanceAction string

const (
	ActionStateSnapshot  MaintenanceAction = "state_snapshot"  // persist fleet/backend state
	ActionMetricsReport  MaintenanceAction = "metrics_report"  // log executor/router metrics
	ActionCacheSweep     MaintenanceAction = "cache_sweep"     // expire stale cache entries
	ActionPoolEvict      MaintenanceAction = "pool_evict"      // evict idle pooled handles
	ActionHistoryCompact MaintenanceAction = "history_compact" // compact persisted task history
)

// defaultJobTimeout bounds each job run.
const defaultJobTimeout = 5 * time.Minute

type jobFunc = func(ctx context.Context) error

// Job defines one recurring maintenance job.
type Job struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Action   MaintenanceAction
	OneShot  bool
}

// Scheduler runs maintenance jobs using cron expressions or fixed intervals.
type Scheduler struct {
	cron           *cron.Cron
	actions        map[MaintenanceAction]jobFunc
	dynamicEntries map[string]cron.EntryID // id → entryID for runtime-added jobs
	logger         *slog.Logger
	mu             sync.Mutex
	started        bool
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:           cron.New(),
		actions:        make(map[MaintenanceAction]jobFunc),
		dynamicEntries: make(map[string]cron.EntryID),
		logger:         logger,
	}
}

// RegisterAction registers a handler for a maintenance action type.
func (s *Scheduler) RegisterAction(action MaintenanceAction, fn jobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddJob schedules a maintenance job. The schedule can be a cron expression
// or a duration string.
func (s *Scheduler) AddJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[job.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for job %q", job.Action, job.Name)
	}

	schedule, err := parseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for job %q: %w", job.Schedule, job.Name, err)
	}

	s.addEntry(job.Name, schedule, fn, job.OneShot, nil)
	s.logger.Info("maintenance job scheduled", "name", job.Name, "schedule", job.Schedule, "action", string(job.Action))
	return nil
}

// AddDynamicJob adds a runtime job identified by id. The caller provides a
// pre-parsed cron.Schedule and the function to run.
func (s *Scheduler) AddDynamicJob(id string, schedule cron.Schedule, fn jobFunc, oneShot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dynamicEntries[id]; exists {
		return fmt.Errorf("scheduler: dynamic job %q already exists", id)
	}

	entryID := s.addEntry(id, schedule, fn, oneShot, func() {
		s.mu.Lock()
		delete(s.dynamicEntries, id)
		s.mu.Unlock()
	})
	s.dynamicEntries[id] = entryID
	s.logger.Info("dynamic job added", "id", id)
	return nil
}

// addEntry registers the cron entry. Callers hold s.mu; the returned closure
// runs later on the cron goroutine and must not assume the lock.
func (s *Scheduler) addEntry(name string, schedule cron.Schedule, fn jobFunc, oneShot bool, onRemove func()) cron.EntryID {
	var entryID cron.EntryID
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.runOnce(name, fn)
		if oneShot {
			s.cron.Remove(entryID)
			if onRemove != nil {
				onRemove()
			}
		}
	}))
	return entryID
}

// runOnce executes a single job run under the scheduler context with the
// per-run timeout applied.
func (s *Scheduler) runOnce(name string, fn jobFunc) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil {
		s.logger.Debug("scheduler stopped, skipping job", "job", name)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, defaultJobTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(jobCtx); err != nil {
		s.logger.Warn("maintenance job failed",
			"job", name,
			"error", err,
			"duration", time.Since(start))
		return
	}
	s.logger.Info("maintenance job completed",
		"job", name,
		"duration", time.Since(start))
}

// RemoveDynamicJob removes a runtime job by id.
func (s *Scheduler) RemoveDynamicJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.dynamicEntries[id]
	if !ok {
		return fmt.Errorf("scheduler: dynamic job %q not found", id)
	}
	s.cron.Remove(entryID)
	delete(s.dynamicEntries, id)
	s.logger.Info("dynamic job removed", "id", id)
	return nil
}

// GetNextRun returns the next scheduled run time for a dynamic job, or nil
// if not found.
func (s *Scheduler) GetNextRun(id string) *time.Time {
	s.mu.Lock()
	entryID, ok := s.dynamicEntries[id]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.started = false
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// ParseSchedule exposes schedule parsing for external callers.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	return parseSchedule(schedule)
}

// NewConstantDelay returns a cron.Schedule that fires at a fixed interval.
// Useful for callers that need to build schedules programmatically.
func NewConstantDelay(d time.Duration) cron.Schedule {
	return &constantDelay{delay: d}
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
