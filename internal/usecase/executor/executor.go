// Package executor runs submitted tasks through the backend router or the
// worker fleet under a global concurrency limit, with result memoization,
// bounded execution history, and aggregate metrics.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"fleetd/internal/domain"
	"fleetd/internal/infra/tracer"
	"fleetd/pkg/cache"
	"fleetd/pkg/ringbuf"
)

// Default executor settings.
const (
	defaultMaxConcurrent  = 8
	defaultCacheTTL       = 5 * time.Minute
	defaultCacheSize      = 1024
	defaultTaskTimeout    = 60 * time.Second
	defaultHistoryEntries = 256
)

// Config configures an Executor.
type Config struct {
	// MaxConcurrent bounds in-flight executions. Defaults to 8.
	MaxConcurrent int `yaml:"max_concurrent"`
	// RatePerSecond throttles task starts. 0 disables rate limiting.
	RatePerSecond float64 `yaml:"rate_per_second"`
	// RateBurst is the limiter burst size. Defaults to MaxConcurrent.
	RateBurst int `yaml:"rate_burst"`
	// CacheTTL is the default memoized-result lifetime. Defaults to 5m.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// CacheSize bounds the result cache. Defaults to 1024 entries.
	CacheSize int `yaml:"cache_size"`
	// DefaultTimeout is the per-task deadline when a task sets none.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// HistorySize bounds the execution history ring. Defaults to 256.
	HistorySize int `yaml:"history_size"`
}

// BackendDispatcher executes backend-kind tasks. The router implements it.
type BackendDispatcher interface {
	Execute(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error)
}

// WorkerDispatcher executes worker-kind tasks. The fleet manager implements it.
type WorkerDispatcher interface {
	Dispatch(ctx context.Context, task domain.Task) (*domain.TaskResult, error)
}

// HandleSource leases a transport handle for the duration of one execution.
// Optional; a pooled-connection adapter typically backs it.
type HandleSource interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// ResultSink persists completed results. Optional; failures are logged and
// never fail the task.
type ResultSink interface {
	Persist(ctx context.Context, result domain.TaskResult) error
}

// Metrics is an aggregate snapshot of executor activity.
type Metrics struct {
	TotalExecuted int64         `json:"total_executed"`
	Succeeded     int64         `json:"succeeded"`
	Failed        int64         `json:"failed"`
	Cancelled     int64         `json:"cancelled"`
	AvgDuration   time.Duration `json:"avg_duration"`
	CacheHitRate  float64       `json:"cache_hit_rate"`
	QueueDepth    int           `json:"queue_depth"`
	Active        int           `json:"active"`
}

// Executor is the task execution pipeline.
type Executor struct {
	cfg     Config
	backend BackendDispatcher
	workers WorkerDispatcher
	handles HandleSource
	sink    ResultSink
	bus     domain.EventBus
	clock   domain.Clock
	logger  *slog.Logger

	results *cache.Cache[string, domain.TaskResult]
	sem     chan struct{}
	limiter *rate.Limiter

	mu            sync.Mutex
	history       *ringbuf.Buffer[domain.HistoryRecord]
	total         int64
	succeeded     int64
	failed        int64
	cancelled     int64
	totalDuration time.Duration
	queued        int
	active        int
}

// Option customizes optional executor collaborators.
type Option func(*Executor)

// WithHandleSource makes every execution lease a handle for its duration.
func WithHandleSource(hs HandleSource) Option {
	return func(e *Executor) { e.handles = hs }
}

// WithResultSink persists successful results to sink.
func WithResultSink(s ResultSink) Option {
	return func(e *Executor) { e.sink = s }
}

// WithEventBus publishes task lifecycle events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithClock overrides the time source for tests.
func WithClock(c domain.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// New creates an Executor. backend and workers may each be nil when the
// corresponding task kind is never submitted.
func New(cfg Config, backend BackendDispatcher, workers WorkerDispatcher, logger *slog.Logger, opts ...Option) (*Executor, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTaskTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistoryEntries
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = cfg.MaxConcurrent
	}

	e := &Executor{
		cfg:     cfg,
		backend: backend,
		workers: workers,
		logger:  logger,
		clock:   domain.SystemClock(),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		history: ringbuf.MustNew[domain.HistoryRecord](cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(e)
	}

	results, err := cache.New(cache.Config[string, domain.TaskResult]{
		DefaultTTL: cfg.CacheTTL,
		MaxSize:    cfg.CacheSize,
		Now:        e.clock.Now,
	})
	if err != nil {
		return nil, domain.WrapOp("Executor.New", err)
	}
	e.results = results

	if cfg.RatePerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}
	return e, nil
}

// Execute runs one task: serve from cache if memoized, otherwise take a
// concurrency slot, dispatch by kind under a deadline, record the outcome,
// and memoize successes.
func (e *Executor) Execute(ctx context.Context, task domain.Task) (*domain.TaskResult, error) {
	if task.ID == "" {
		task.ID = newID()
	}
	ctx, span := tracer.StartSpan(ctx, "executor.execute",
		trace.WithAttributes(
			tracer.StringAttr("task.id", task.ID),
			tracer.StringAttr("task.kind", string(task.Kind)),
		))
	defer span.End()

	key := cacheKey(task)
	if !task.NoCache {
		if res, ok := e.results.Get(key); ok {
			res.TaskID = task.ID
			res.Cached = true
			tracer.SetOK(span)
			return &res, nil
		}
	}

	// Take a concurrency slot.
	e.mu.Lock()
	e.queued++
	e.mu.Unlock()
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		e.mu.Lock()
		e.queued--
		e.mu.Unlock()
		err := domain.WrapOp("Executor.Execute", ctx.Err())
		tracer.RecordError(span, err)
		return nil, err
	}
	e.mu.Lock()
	e.queued--
	e.active++
	e.mu.Unlock()
	defer func() {
		<-e.sem
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			err = domain.WrapOp("Executor.Execute", err)
			tracer.RecordError(span, err)
			return nil, err
		}
	}

	var release func()
	if e.handles != nil {
		var err error
		release, err = e.handles.Acquire(ctx)
		if err != nil {
			err = domain.WrapOp("Executor.Execute", err)
			tracer.RecordError(span, err)
			return nil, err
		}
	}
	if release != nil {
		defer release()
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.clock.Now()
	result, err := e.dispatch(runCtx, task)
	duration := e.clock.Now().Sub(start)

	if err != nil {
		outcome, typed := e.classifyFailure(ctx, runCtx, task, err)
		e.record(ctx, task, outcome, duration, typed.Error())
		tracer.RecordError(span, typed)
		return nil, typed
	}

	result.TaskID = task.ID
	result.Duration = duration
	if !task.NoCache {
		ttl := task.CacheTTL
		if ttl <= 0 {
			ttl = e.cfg.CacheTTL
		}
		e.results.SetTTL(key, *result, ttl)
	}
	e.record(ctx, task, domain.OutcomeSuccess, duration, "")
	e.persist(ctx, *result)
	tracer.SetOK(span)
	return result, nil
}

// BatchResult pairs one batch entry's result with its error.
type BatchResult struct {
	Result *domain.TaskResult
	Err    error
}

// ExecuteBatch runs tasks concurrently under the global concurrency limit
// and returns per-task results in input order.
func (e *Executor) ExecuteBatch(ctx context.Context, tasks []domain.Task) []BatchResult {
	out := make([]BatchResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task domain.Task) {
			defer wg.Done()
			res, err := e.Execute(ctx, task)
			out[i] = BatchResult{Result: res, Err: err}
		}(i, task)
	}
	wg.Wait()
	return out
}

// History returns the most recent execution records, newest last.
func (e *Executor) History(n int) []domain.HistoryRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Recent(n)
}

// Metrics returns an aggregate snapshot.
func (e *Executor) Metrics() Metrics {
	st := e.results.Stats()
	e.mu.Lock()
	defer e.mu.Unlock()
	m := Metrics{
		TotalExecuted: e.total,
		Succeeded:     e.succeeded,
		Failed:        e.failed,
		Cancelled:     e.cancelled,
		CacheHitRate:  st.HitRate(),
		QueueDepth:    e.queued,
		Active:        e.active,
	}
	if e.total > 0 {
		m.AvgDuration = e.totalDuration / time.Duration(e.total)
	}
	return m
}

// InvalidateCache drops the memoized result for a task, if any.
func (e *Executor) InvalidateCache(task domain.Task) bool {
	return e.results.Delete(cacheKey(task))
}

// SweepCache drops expired memoized results and reports how many were removed.
func (e *Executor) SweepCache() int {
	return e.results.Sweep()
}

// Close stops the result cache sweeper.
func (e *Executor) Close() {
	e.results.Stop()
}

// --- internal ---

func (e *Executor) dispatch(ctx context.Context, task domain.Task) (*domain.TaskResult, error) {
	switch task.Kind {
	case domain.TaskWorker:
		if e.workers == nil {
			return nil, domain.NewSubSystemError("executor", "Executor.Execute", domain.ErrUnavailable, "no worker dispatcher configured")
		}
		return e.workers.Dispatch(ctx, task)
	case domain.TaskBackend, "":
		if e.backend == nil {
			return nil, domain.NewSubSystemError("executor", "Executor.Execute", domain.ErrUnavailable, "no backend dispatcher configured")
		}
		resp, err := e.backend.Execute(ctx, domain.CompletionRequest{
			Capability:       task.Capability,
			PreferredBackend: task.PreferredBackend,
			Input:            task.Input,
			Params:           task.Params,
			MaxCostUSD:       task.MaxCostUSD,
		})
		if err != nil {
			return nil, err
		}
		return &domain.TaskResult{
			Output: resp.Output,
			Target: resp.Backend,
			Usage:  resp.Usage,
		}, nil
	default:
		return nil, domain.NewSubSystemError("executor", "Executor.Execute", domain.ErrInvalidInput,
			fmt.Sprintf("unknown task kind %q", task.Kind))
	}
}

// classifyFailure distinguishes caller cancellation from deadline expiry and
// ordinary failure, returning the outcome and the typed error to propagate.
func (e *Executor) classifyFailure(ctx, runCtx context.Context, task domain.Task, err error) (domain.Outcome, error) {
	switch {
	case errors.Is(err, domain.ErrCancelled),
		ctx.Err() != nil && errors.Is(err, context.Canceled):
		return domain.OutcomeCancelled,
			domain.NewSubSystemError("executor", "Executor.Execute", domain.ErrCancelled, task.ID)
	case errors.Is(err, context.DeadlineExceeded) || (runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)):
		return domain.OutcomeFailed,
			domain.NewSubSystemError("executor", "Executor.Execute", domain.ErrTimeout, task.ID)
	default:
		return domain.OutcomeFailed, domain.WrapOp("Executor.Execute", err)
	}
}

func (e *Executor) record(ctx context.Context, task domain.Task, outcome domain.Outcome, duration time.Duration, detail string) {
	e.mu.Lock()
	e.total++
	switch outcome {
	case domain.OutcomeSuccess:
		e.succeeded++
	case domain.OutcomeFailed:
		e.failed++
	case domain.OutcomeCancelled:
		e.cancelled++
	}
	e.totalDuration += duration
	e.history.Push(domain.HistoryRecord{
		Timestamp: e.clock.Now(),
		Outcome:   outcome,
		Duration:  duration,
		TaskID:    task.ID,
		Detail:    detail,
	})
	e.mu.Unlock()

	if e.bus == nil {
		return
	}
	eventType := domain.EventTaskCompleted
	switch outcome {
	case domain.OutcomeFailed:
		eventType = domain.EventTaskFailed
	case domain.OutcomeCancelled:
		eventType = domain.EventTaskCancelled
	}
	payload, _ := json.Marshal(map[string]any{"outcome": outcome, "duration_ms": duration.Milliseconds()})
	e.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: e.clock.Now(),
		Subject:   task.ID,
		Payload:   payload,
	})
}

func (e *Executor) persist(ctx context.Context, result domain.TaskResult) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Persist(ctx, result); err != nil {
		e.logger.Warn("result persistence failed", "task_id", result.TaskID, "error", err)
	}
}

// cacheKey hashes the parts of a task that define the work itself, so
// resubmissions of identical work hit the memo regardless of task id.
func cacheKey(task domain.Task) string {
	h := sha256.New()
	h.Write([]byte(task.Kind))
	h.Write([]byte{0})
	h.Write([]byte(task.Capability))
	h.Write([]byte{0})
	h.Write([]byte(task.PreferredBackend))
	h.Write([]byte{0})
	h.Write([]byte(task.Input))

	if len(task.Params) > 0 {
		keys := make([]string, 0, len(task.Params))
		for k := range task.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte{0})
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(task.Params[k]))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
