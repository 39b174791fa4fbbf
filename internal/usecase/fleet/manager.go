// Package fleet manages the worker fleet: lifecycle, pooling and scaling,
// health scoring, heartbeat monitoring, and bounded per-worker history.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"fleetd/internal/domain"
	"fleetd/pkg/ringbuf"
)

// Default manager settings.
const (
	defaultMaxWorkers        = 50
	defaultHistorySize       = 100
	defaultErrorHistorySize  = 20
	defaultHealthInterval    = 10 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultStartupTimeout    = 30 * time.Second
	defaultExpectedDuration  = 30 * time.Second

	// durationWindow is how many recent task durations feed the
	// performance component of health scoring.
	durationWindow = 10

	// restartHealthThreshold is the health score below which an
	// auto-restart-enabled worker is restarted.
	restartHealthThreshold = 0.3
)

// ManagerConfig holds configuration for the fleet Manager.
type ManagerConfig struct {
	MaxWorkers        int           // fleet-wide worker cap (default: 50)
	HealthInterval    time.Duration // health scoring period (default: 10s)
	HeartbeatInterval time.Duration // heartbeat monitor period (default: 5s)
	StartupTimeout    time.Duration // max wait for a worker to report ready (default: 30s)
	HistorySize       int           // per-worker task history ring capacity (default: 100)
	ErrorHistorySize  int           // per-worker error history ring capacity (default: 20)

	// ExpectedTaskDuration is the fleet-wide performance baseline used when
	// a template does not set its own.
	ExpectedTaskDuration time.Duration
}

// WorkerInvoker runs a unit of work on a specific worker. Implementations
// are external collaborators (wire protocol is out of scope here).
type WorkerInvoker interface {
	Invoke(ctx context.Context, workerID string, task domain.Task) (*domain.TaskResult, error)
}

// workerEntry holds the runtime state for a single managed worker.
type workerEntry struct {
	worker   domain.Worker
	template domain.WorkerTemplate
	proc     domain.ProcessHandle

	history   *ringbuf.Buffer[domain.HistoryRecord]
	errors    *ringbuf.Buffer[domain.ErrorRecord]
	durations *ringbuf.Buffer[time.Duration]

	// heartbeatFlagged guards against restart storms: the heartbeat
	// monitor fires at most one restart per missed-heartbeat episode.
	heartbeatFlagged bool

	readyCh chan struct{} // closed on first heartbeat after start
}

// Manager owns the worker fleet. It is the sole mutator of worker state.
type Manager struct {
	mu        sync.Mutex
	workers   map[string]*workerEntry
	templates map[string]domain.WorkerTemplate
	pools     map[string]*domain.PoolSpec

	cfg     ManagerConfig
	spawner domain.ProcessSpawner
	invoker WorkerInvoker
	store   domain.StateStore
	bus     domain.EventBus
	clock   domain.Clock
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager and starts the health and heartbeat monitors.
// spawner, invoker, store, and bus may each be nil; the corresponding
// behavior is then skipped.
func NewManager(cfg ManagerConfig, spawner domain.ProcessSpawner, invoker WorkerInvoker, store domain.StateStore, bus domain.EventBus, clock domain.Clock, logger *slog.Logger) *Manager {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.ErrorHistorySize <= 0 {
		cfg.ErrorHistorySize = defaultErrorHistorySize
	}
	if cfg.ExpectedTaskDuration <= 0 {
		cfg.ExpectedTaskDuration = defaultExpectedDuration
	}
	if clock == nil {
		clock = domain.SystemClock()
	}

	m := &Manager{
		workers:   make(map[string]*workerEntry),
		templates: make(map[string]domain.WorkerTemplate),
		pools:     make(map[string]*domain.PoolSpec),
		cfg:       cfg,
		spawner:   spawner,
		invoker:   invoker,
		store:     store,
		bus:       bus,
		clock:     clock,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	go m.healthLoop()
	go m.heartbeatLoop()
	return m
}

// RegisterTemplate adds a named worker template.
func (m *Manager) RegisterTemplate(tpl domain.WorkerTemplate) error {
	if tpl.Name == "" {
		return domain.NewSubSystemError("fleet", "Fleet.RegisterTemplate", domain.ErrInvalidInput, "template name is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.templates[tpl.Name]; exists {
		return domain.NewSubSystemError("fleet", "Fleet.RegisterTemplate", domain.ErrDuplicate, tpl.Name)
	}
	m.templates[tpl.Name] = tpl
	return nil
}

// Create allocates a worker from a named template and returns its id.
// The worker starts in the initializing state; Start launches it.
// overrides, if non-nil, replaces the template's worker config.
func (m *Manager) Create(ctx context.Context, templateName string, overrides *domain.WorkerConfig) (string, error) {
	m.mu.Lock()
	tpl, ok := m.templates[templateName]
	if !ok {
		m.mu.Unlock()
		return "", domain.NewSubSystemError("fleet", "Fleet.Create", domain.ErrNotFound, "template "+templateName)
	}
	if len(m.workers) >= m.cfg.MaxWorkers {
		m.mu.Unlock()
		return "", domain.NewSubSystemError("fleet", "Fleet.Create", domain.ErrLimitReached,
			fmt.Sprintf("fleet has %d/%d workers", len(m.workers), m.cfg.MaxWorkers))
	}

	cfg := tpl.Config
	if overrides != nil {
		cfg = *overrides
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = m.cfg.HeartbeatInterval
	}

	id := m.newID()
	entry := &workerEntry{
		worker: domain.Worker{
			ID:           id,
			Template:     tpl.Name,
			Status:       domain.WorkerInitializing,
			Health:       1,
			Capabilities: tpl.Capabilities,
			Config:       cfg,
			Limits:       tpl.Limits,
			CreatedAt:    m.clock.Now(),
		},
		template:  tpl,
		history:   ringbuf.MustNew[domain.HistoryRecord](m.cfg.HistorySize),
		errors:    ringbuf.MustNew[domain.ErrorRecord](m.cfg.ErrorHistorySize),
		durations: ringbuf.MustNew[time.Duration](durationWindow),
	}
	m.workers[id] = entry
	worker := entry.worker
	m.mu.Unlock()

	m.persistWorker(ctx, worker)
	m.emit(ctx, domain.EventWorkerCreated, id, worker)
	m.logger.Info("worker created", "worker_id", id, "template", tpl.Name)
	return id, nil
}

// Start launches the worker and waits until it reports ready (first
// heartbeat) or the startup timeout elapses. Workers whose template has no
// command (remote/session workers) become idle immediately.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("fleet", "Fleet.Start", domain.ErrNotFound, id)
	}
	if entry.worker.Status.Terminal() {
		m.mu.Unlock()
		return domain.NewSubSystemError("fleet", "Fleet.Start", domain.ErrInvalidInput, "worker is terminated")
	}
	if entry.worker.Status == domain.WorkerIdle || entry.worker.Status == domain.WorkerBusy {
		m.mu.Unlock()
		return nil
	}
	tpl := entry.template
	entry.readyCh = make(chan struct{})
	readyCh := entry.readyCh
	m.mu.Unlock()

	if tpl.Command == "" || m.spawner == nil {
		m.markReady(ctx, id)
		return nil
	}

	proc, err := m.spawner.Spawn(ctx, domain.SpawnSpec{
		Command: tpl.Command,
		Args:    tpl.Args,
		Env:     tpl.Env,
		WorkDir: tpl.WorkDir,
	})
	if err != nil {
		m.recordError(id, "spawn failed: "+err.Error())
		m.setStatus(ctx, id, domain.WorkerError)
		return domain.NewSubSystemError("fleet", "Fleet.Start", domain.ErrWorkerCrashed, err.Error()).WithOrigin(id)
	}

	proc.OnExit(func(code int) { m.onWorkerExit(id, code) })
	proc.OnError(func(err error) { m.recordError(id, "process error: "+err.Error()) })

	m.mu.Lock()
	entry.proc = proc
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.StartupTimeout)
	defer timer.Stop()
	select {
	case <-readyCh:
		return nil
	case <-timer.C:
		m.recordError(id, "startup timed out")
		m.setStatus(ctx, id, domain.WorkerError)
		return domain.NewSubSystemError("fleet", "Fleet.Start", domain.ErrTimeout, "worker did not report ready").WithOrigin(id)
	case <-ctx.Done():
		return domain.WrapOp("Fleet.Start", ctx.Err())
	}
}

// Stop terminates the worker. Stopping an already-terminated worker is a
// no-op, not an error.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("fleet", "Fleet.Stop", domain.ErrNotFound, id)
	}
	if entry.worker.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	entry.worker.Status = domain.WorkerTerminating
	proc := entry.proc
	entry.proc = nil
	worker := entry.worker
	m.mu.Unlock()

	m.emit(ctx, domain.EventWorkerStatus, id, worker)
	if proc != nil {
		if err := proc.Kill(os.Interrupt); err != nil {
			m.logger.Warn("worker kill failed", "worker_id", id, "error", err)
		}
	}

	m.setStatus(ctx, id, domain.WorkerTerminated)
	m.emit(ctx, domain.EventWorkerStopped, id, nil)
	m.logger.Info("worker stopped", "worker_id", id)
	return nil
}

// Restart relaunches the worker's process without entering the terminal
// states. Used for error recovery; increments the restart counter.
func (m *Manager) Restart(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("fleet", "Fleet.Restart", domain.ErrNotFound, id)
	}
	if entry.worker.Status.Terminal() {
		m.mu.Unlock()
		return domain.NewSubSystemError("fleet", "Fleet.Restart", domain.ErrInvalidInput, "worker is terminated")
	}
	proc := entry.proc
	entry.proc = nil
	entry.worker.Status = domain.WorkerInitializing
	entry.worker.Restarts++
	entry.worker.Workload = 0
	entry.worker.LastHeartbeat = time.Time{}
	m.mu.Unlock()

	if proc != nil {
		if err := proc.Kill(os.Interrupt); err != nil {
			m.logger.Warn("worker kill failed during restart", "worker_id", id, "error", err)
		}
	}

	if err := m.Start(ctx, id); err != nil {
		return err
	}
	m.emit(ctx, domain.EventWorkerRestarted, id, nil)
	m.logger.Info("worker restarted", "worker_id", id)
	return nil
}

// Remove stops the worker if needed and deletes it from the fleet.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return domain.WrapOp("Fleet.Remove", err)
	}
	m.mu.Lock()
	delete(m.workers, id)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(ctx, workerKey(id)); err != nil {
			m.logger.Warn("state store delete failed", "worker_id", id, "error", err)
		}
	}
	m.emit(ctx, domain.EventWorkerRemoved, id, nil)
	return nil
}

// Heartbeat records a liveness signal (and optional resource usage) from a
// worker. A worker in the error state recovers to idle.
func (m *Manager) Heartbeat(ctx context.Context, id string, usage *domain.ResourceUsage) error {
	m.mu.Lock()
	entry, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("fleet", "Fleet.Heartbeat", domain.ErrNotFound, id)
	}
	if entry.worker.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	now := m.clock.Now()
	entry.worker.LastHeartbeat = now
	entry.heartbeatFlagged = false
	if usage != nil {
		u := *usage
		u.SampledAt = now
		entry.worker.Usage = u
	}
	recovered := entry.worker.Status == domain.WorkerError
	// A heartbeat only marks an initializing worker ready while a Start is
	// actually waiting on it.
	starting := entry.worker.Status == domain.WorkerInitializing && entry.readyCh != nil
	if recovered || starting {
		entry.worker.Status = domain.WorkerIdle
	}
	if starting {
		entry.worker.StartedAt = now
	}
	readyCh := entry.readyCh
	entry.readyCh = nil
	m.mu.Unlock()

	if readyCh != nil {
		close(readyCh)
	}
	if recovered {
		m.emit(ctx, domain.EventWorkerStatus, id, domain.WorkerIdle)
		m.logger.Info("worker recovered", "worker_id", id)
	}
	if starting {
		m.emit(ctx, domain.EventWorkerStarted, id, nil)
	}
	return nil
}

// Dispatch selects an eligible worker for the task, reserves a concurrency
// slot on it, invokes the task, and records the outcome.
func (m *Manager) Dispatch(ctx context.Context, task domain.Task) (*domain.TaskResult, error) {
	if m.invoker == nil {
		return nil, domain.NewSubSystemError("fleet", "Fleet.Dispatch", domain.ErrUnavailable, "no worker invoker configured")
	}

	id, err := m.assign(task.Capability)
	if err != nil {
		return nil, err
	}

	start := m.clock.Now()
	result, err := m.invoker.Invoke(ctx, id, task)
	duration := m.clock.Now().Sub(start)

	outcome := domain.OutcomeSuccess
	detail := ""
	switch {
	case ctx.Err() != nil && err != nil:
		outcome = domain.OutcomeCancelled
		detail = ctx.Err().Error()
	case err != nil:
		outcome = domain.OutcomeFailed
		detail = err.Error()
	}
	m.Complete(ctx, id, task.ID, outcome, duration)

	if err != nil {
		if outcome == domain.OutcomeCancelled {
			return nil, domain.NewSubSystemError("fleet", "Fleet.Dispatch", domain.ErrCancelled, detail).WithOrigin(id)
		}
		return nil, domain.WrapOp("Fleet.Dispatch", err)
	}
	result.Target = id
	result.Duration = duration
	return result, nil
}

// assign picks the least-loaded eligible worker and reserves a slot.
func (m *Manager) assign(capability string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *workerEntry
	for _, e := range m.workers {
		w := &e.worker
		if w.Status != domain.WorkerIdle && w.Status != domain.WorkerBusy {
			continue
		}
		if w.Workload >= w.Config.MaxConcurrentTasks {
			continue
		}
		if capability != "" && !hasCapability(w.Capabilities, capability) {
			continue
		}
		if best == nil || w.Workload < best.worker.Workload {
			best = e
		}
	}
	if best == nil {
		return "", domain.NewSubSystemError("fleet", "Fleet.Dispatch", domain.ErrUnavailable, "no eligible worker")
	}
	best.worker.Workload++
	best.worker.Status = domain.WorkerBusy
	return best.worker.ID, nil
}

// Complete releases a concurrency slot and records the task outcome in the
// worker's bounded history.
func (m *Manager) Complete(ctx context.Context, id, taskID string, outcome domain.Outcome, duration time.Duration) {
	m.mu.Lock()
	entry, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if entry.worker.Workload > 0 {
		entry.worker.Workload--
	}
	if entry.worker.Workload == 0 && entry.worker.Status == domain.WorkerBusy {
		entry.worker.Status = domain.WorkerIdle
	}
	switch outcome {
	case domain.OutcomeSuccess:
		entry.worker.TasksCompleted++
		entry.durations.Push(duration)
	case domain.OutcomeFailed:
		entry.worker.TasksFailed++
	}
	entry.history.Push(domain.HistoryRecord{
		Timestamp: m.clock.Now(),
		Outcome:   outcome,
		Duration:  duration,
		TaskID:    taskID,
		Target:    id,
	})
	worker := entry.worker
	m.mu.Unlock()

	m.persistWorker(ctx, worker)
}

// Get returns a snapshot of the worker.
func (m *Manager) Get(id string) (*domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.workers[id]
	if !ok {
		return nil, domain.NewSubSystemError("fleet", "Fleet.Get", domain.ErrNotFound, id)
	}
	w := entry.worker
	return &w, nil
}

// List returns snapshots of all workers.
func (m *Manager) List() []domain.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Worker, 0, len(m.workers))
	for _, e := range m.workers {
		out = append(out, e.worker)
	}
	return out
}

// History returns the worker's most recent task records, newest last.
func (m *Manager) History(id string, n int) ([]domain.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.workers[id]
	if !ok {
		return nil, domain.NewSubSystemError("fleet", "Fleet.History", domain.ErrNotFound, id)
	}
	return entry.history.Recent(n), nil
}

// Errors returns the worker's bounded error history, oldest first.
func (m *Manager) Errors(id string) ([]domain.ErrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.workers[id]
	if !ok {
		return nil, domain.NewSubSystemError("fleet", "Fleet.Errors", domain.ErrNotFound, id)
	}
	return entry.errors.All(), nil
}

// Shutdown stops the monitors and terminates every worker.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			m.logger.Warn("worker stop failed during shutdown", "worker_id", id, "error", err)
		}
	}
}

// --- internal ---

// markReady transitions an initializing worker to idle without a process.
func (m *Manager) markReady(ctx context.Context, id string) {
	m.mu.Lock()
	entry, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.worker.Status = domain.WorkerIdle
	entry.worker.StartedAt = m.clock.Now()
	entry.worker.LastHeartbeat = m.clock.Now()
	entry.heartbeatFlagged = false
	readyCh := entry.readyCh
	entry.readyCh = nil
	m.mu.Unlock()

	if readyCh != nil {
		close(readyCh)
	}
	m.emit(ctx, domain.EventWorkerStarted, id, nil)
}

// onWorkerExit handles unexpected process termination.
func (m *Manager) onWorkerExit(id string, code int) {
	ctx := context.Background()
	m.mu.Lock()
	entry, ok := m.workers[id]
	if !ok || entry.worker.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	entry.worker.Status = domain.WorkerError
	entry.worker.Workload = 0
	entry.errors.Push(domain.ErrorRecord{
		Timestamp: m.clock.Now(),
		Message:   fmt.Sprintf("process exited with code %d", code),
	})
	autoRestart := entry.worker.Config.AutoRestart
	m.mu.Unlock()

	m.emit(ctx, domain.EventWorkerStatus, id, domain.WorkerError)
	m.logger.Warn("worker process exited", "worker_id", id, "exit_code", code)

	if autoRestart {
		if err := m.Restart(ctx, id); err != nil {
			m.logger.Error("auto-restart failed", "worker_id", id, "error", err)
		}
	}
}

// setStatus applies a status transition, honoring the absorbing terminal
// states, and emits a transition event.
func (m *Manager) setStatus(ctx context.Context, id string, status domain.WorkerStatus) {
	m.mu.Lock()
	entry, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if entry.worker.Status.Terminal() && status != domain.WorkerTerminated {
		m.mu.Unlock()
		return
	}
	entry.worker.Status = status
	worker := entry.worker
	m.mu.Unlock()

	m.persistWorker(ctx, worker)
	m.emit(ctx, domain.EventWorkerStatus, id, status)
}

// recordError appends to the worker's bounded error history.
func (m *Manager) recordError(id, msg string) {
	m.mu.Lock()
	entry, ok := m.workers[id]
	if ok {
		entry.errors.Push(domain.ErrorRecord{Timestamp: m.clock.Now(), Message: msg})
	}
	m.mu.Unlock()
}

// persistWorker saves the worker record; store failures are logged, never
// propagated (the fleet continues with in-memory state).
func (m *Manager) persistWorker(ctx context.Context, w domain.Worker) {
	if m.store == nil {
		return
	}
	data, err := json.Marshal(w)
	if err != nil {
		m.logger.Warn("worker marshal failed", "worker_id", w.ID, "error", err)
		return
	}
	if err := m.store.Put(ctx, workerKey(w.ID), data, []string{"worker", w.Template}); err != nil {
		m.logger.Warn("state store put failed", "worker_id", w.ID, "error", err)
	}
}

func (m *Manager) emit(ctx context.Context, eventType domain.EventType, subject string, payload any) {
	if m.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	m.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: m.clock.Now(),
		Subject:   subject,
		Payload:   data,
	})
}

func (m *Manager) newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

func workerKey(id string) string { return "fleet/worker/" + id }
