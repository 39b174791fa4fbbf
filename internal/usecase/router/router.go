// Package router selects among interchangeable backends. It owns per-backend
// circuit breakers, rolling latency/cost metrics, condition-based fallback
// rules, cost-optimized selection, and an optional response cache.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"fleetd/internal/domain"
	"fleetd/pkg/cache"
	"fleetd/pkg/ringbuf"
)

// Strategy is the load-balancing policy applied when no backend is pinned
// and cost optimization is off.
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyLatency     Strategy = "latency"
	StrategyCost        Strategy = "cost"
)

// FallbackRule maps a classified failure condition to an ordered candidate
// list of alternate backends.
type FallbackRule struct {
	Condition  FallbackCondition `yaml:"condition"`
	Candidates []string          `yaml:"candidates"`
}

// BreakerConfig configures the per-backend circuit breakers.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit
	// opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Cooldown is how long the circuit stays open before allowing a
	// half-open probe.
	Cooldown time.Duration `yaml:"cooldown"`
	// Interval is the cyclic period of the closed state for clearing
	// failure counts. 0 means failures never reset until the circuit opens.
	Interval time.Duration `yaml:"interval"`
}

// Config configures a Router.
type Config struct {
	// Strategy selects the load-balancing policy. Defaults to round robin.
	Strategy Strategy `yaml:"strategy"`
	// DefaultBackend is used when the strategy yields nothing.
	DefaultBackend string `yaml:"default_backend"`
	// CostOptimize selects the cheapest available backend per request
	// instead of applying Strategy.
	CostOptimize bool `yaml:"cost_optimize"`
	// MaxCostUSD caps per-request cost during cost optimization.
	// 0 means no cap. A request's own MaxCostUSD takes precedence.
	MaxCostUSD float64 `yaml:"max_cost_usd"`
	// FallbackEnabled turns condition-based fallback on.
	FallbackEnabled bool `yaml:"fallback_enabled"`
	// FallbackRules are consulted in order; first condition match wins.
	FallbackRules []FallbackRule `yaml:"fallback_rules"`

	Breaker BreakerConfig `yaml:"breaker"`

	// MetricsWindow is the rolling window size for latency/cost averages.
	// Defaults to 50 samples.
	MetricsWindow int `yaml:"metrics_window"`
	// HealthCheckInterval is how often registered backends are probed.
	// 0 disables background probing.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	// HealthCheckTimeout bounds each probe. Defaults to 5s.
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`

	// CacheTTL enables response caching when > 0.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// CacheSize bounds the response cache. Defaults to 1024 entries.
	CacheSize int `yaml:"cache_size"`
}

// Default router settings.
const (
	defaultMaxFailures    uint32 = 5
	defaultCooldown              = 30 * time.Second
	defaultBreakerCycle          = 60 * time.Second
	defaultMetricsWindow         = 50
	defaultCacheSize             = 1024
	defaultProbeTimeout          = 5 * time.Second
)

// backendState tracks runtime state for one registered backend. The router
// is its sole mutator.
type backendState struct {
	backend  domain.Backend
	breaker  *gobreaker.CircuitBreaker[*domain.CompletionResponse]
	healthy  bool
	inflight int

	latencies *ringbuf.Buffer[time.Duration]
	costs     *ringbuf.Buffer[float64]
}

// Router routes completion requests to the best available backend.
type Router struct {
	mu       sync.Mutex
	backends map[string]*backendState
	order    []string // registration order, drives round robin
	rr       int

	cfg    Config
	logger *slog.Logger
	bus    domain.EventBus
	clock  domain.Clock

	respCache *cache.Cache[string, domain.CompletionResponse]

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Router and starts background health probing if configured.
// bus may be nil.
func New(cfg Config, bus domain.EventBus, clock domain.Clock, logger *slog.Logger) (*Router, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	switch cfg.Strategy {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyLatency, StrategyCost:
	default:
		return nil, domain.NewSubSystemError("router", "Router.New", domain.ErrConfigInvalid,
			fmt.Sprintf("unknown strategy %q", cfg.Strategy))
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = defaultMaxFailures
	}
	if cfg.Breaker.Cooldown <= 0 {
		cfg.Breaker.Cooldown = defaultCooldown
	}
	if cfg.Breaker.Interval <= 0 {
		cfg.Breaker.Interval = defaultBreakerCycle
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = defaultMetricsWindow
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = defaultProbeTimeout
	}
	if clock == nil {
		clock = domain.SystemClock()
	}

	r := &Router{
		backends: make(map[string]*backendState),
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}

	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = defaultCacheSize
		}
		c, err := cache.New(cache.Config[string, domain.CompletionResponse]{
			DefaultTTL: cfg.CacheTTL,
			MaxSize:    size,
			Now:        clock.Now,
		})
		if err != nil {
			return nil, domain.WrapOp("Router.New", err)
		}
		r.respCache = c
	}

	if cfg.HealthCheckInterval > 0 {
		go r.probeLoop()
	}
	return r, nil
}

// Register adds a backend. Registration order drives round-robin selection.
func (r *Router) Register(b domain.Backend) error {
	name := b.Name()
	if name == "" {
		return domain.NewSubSystemError("router", "Router.Register", domain.ErrInvalidInput, "backend name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[name]; exists {
		return domain.NewSubSystemError("router", "Router.Register", domain.ErrDuplicate, name)
	}

	cb := gobreaker.NewCircuitBreaker[*domain.CompletionResponse](gobreaker.Settings{
		Name:        "backend:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    r.cfg.Breaker.Interval,
		Timeout:     r.cfg.Breaker.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.Breaker.MaxFailures
		},
		OnStateChange: func(cbName string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				"breaker", cbName, "from", from.String(), "to", to.String())
			switch to {
			case gobreaker.StateOpen:
				r.emit(domain.EventCircuitOpened, name, from.String())
			case gobreaker.StateClosed:
				r.emit(domain.EventCircuitClosed, name, from.String())
			}
		},
		IsSuccessful: func(err error) bool { return err == nil },
	})

	r.backends[name] = &backendState{
		backend:   b,
		breaker:   cb,
		healthy:   true,
		latencies: ringbuf.MustNew[time.Duration](r.cfg.MetricsWindow),
		costs:     ringbuf.MustNew[float64](r.cfg.MetricsWindow),
	}
	r.order = append(r.order, name)
	return nil
}

// Select picks a backend for the request without executing it: the pinned
// backend if available, else the cheapest under the cost cap when cost
// optimization is on, else the configured strategy over available backends,
// else the static default, else the first available.
func (r *Router) Select(req domain.CompletionRequest) (domain.Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.selectLocked(req, nil)
	if err != nil {
		return nil, err
	}
	return st.backend, nil
}

// selectLocked implements the selection chain. exclude names backends
// already tried this request. Caller holds r.mu.
func (r *Router) selectLocked(req domain.CompletionRequest, exclude map[string]bool) (*backendState, error) {
	avail := r.availableLocked(req.Capability, exclude)

	// Pinned backend wins when it is available.
	if pin := req.PreferredBackend; pin != "" {
		if st, ok := r.backends[pin]; ok && !exclude[pin] && r.isAvailableLocked(st, req.Capability) {
			return st, nil
		}
	}

	if len(avail) == 0 {
		return nil, domain.NewSubSystemError("router", "Router.Select", domain.ErrNoBackend, "no backend available")
	}

	if r.cfg.CostOptimize {
		return r.cheapestLocked(req, avail)
	}

	if st := r.applyStrategyLocked(avail); st != nil {
		return st, nil
	}

	if def, ok := r.backends[r.cfg.DefaultBackend]; ok && !exclude[r.cfg.DefaultBackend] &&
		r.isAvailableLocked(def, req.Capability) {
		return def, nil
	}

	return avail[0], nil
}

// cheapestLocked picks the minimum estimated cost subject to the cap. The
// request's own cap overrides the router-wide one.
func (r *Router) cheapestLocked(req domain.CompletionRequest, avail []*backendState) (*backendState, error) {
	maxCost := r.cfg.MaxCostUSD
	if req.MaxCostUSD > 0 {
		maxCost = req.MaxCostUSD
	}

	var best *backendState
	bestCost := 0.0
	for _, st := range avail {
		c := st.backend.EstimateCost(req)
		if maxCost > 0 && c > maxCost {
			continue
		}
		if best == nil || c < bestCost {
			best = st
			bestCost = c
		}
	}
	if best == nil {
		return nil, domain.NewSubSystemError("router", "Router.Select", domain.ErrCostExceeded,
			fmt.Sprintf("no backend under cost cap %.6f USD", maxCost))
	}
	return best, nil
}

func (r *Router) applyStrategyLocked(avail []*backendState) *backendState {
	switch r.cfg.Strategy {
	case StrategyRoundRobin:
		// Advance through registration order; avail preserves that order
		// with unavailable entries already skipped.
		st := avail[r.rr%len(avail)]
		r.rr++
		return st
	case StrategyLeastLoaded:
		best := avail[0]
		for _, st := range avail[1:] {
			if st.inflight < best.inflight {
				best = st
			}
		}
		return best
	case StrategyLatency:
		return lowestAverage(avail, func(st *backendState) (float64, bool) {
			return avgDuration(st.latencies)
		})
	case StrategyCost:
		return lowestAverage(avail, func(st *backendState) (float64, bool) {
			return avgFloat(st.costs)
		})
	default:
		return nil
	}
}

// lowestAverage picks the backend with the lowest rolling average; backends
// without samples yet are preferred so new backends get traffic.
func lowestAverage(avail []*backendState, metric func(*backendState) (float64, bool)) *backendState {
	var best *backendState
	bestVal := 0.0
	for _, st := range avail {
		v, ok := metric(st)
		if !ok {
			return st
		}
		if best == nil || v < bestVal {
			best = st
			bestVal = v
		}
	}
	return best
}

// availableLocked returns available backends in registration order.
func (r *Router) availableLocked(capability string, exclude map[string]bool) []*backendState {
	var out []*backendState
	for _, name := range r.order {
		if exclude[name] {
			continue
		}
		st := r.backends[name]
		if r.isAvailableLocked(st, capability) {
			out = append(out, st)
		}
	}
	return out
}

// isAvailableLocked reports whether the backend can serve a request now:
// circuit not open, health probe passing, capability matching.
func (r *Router) isAvailableLocked(st *backendState, capability string) bool {
	if !st.healthy {
		return false
	}
	if st.breaker.State() == gobreaker.StateOpen {
		return false
	}
	if capability == "" {
		return true
	}
	for _, c := range st.backend.Capabilities() {
		if c == capability {
			return true
		}
	}
	return false
}

// Execute routes the request through selection, circuit breaking, and
// fallback, recording latency and cost samples. Responses are served from
// and stored into the response cache when caching is enabled.
func (r *Router) Execute(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if r.respCache != nil {
		if resp, ok := r.respCache.Get(requestKey(req)); ok {
			return &resp, nil
		}
	}

	r.mu.Lock()
	st, err := r.selectLocked(req, nil)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp, err := r.executeOn(ctx, st, req)
	if err == nil {
		r.storeResponse(req, resp)
		return resp, nil
	}
	firstErr := err

	// Fallback: classify the failure, find the matching rule, and try each
	// candidate that is not the failed backend and is currently available.
	tried := map[string]bool{st.backend.Name(): true}
	for {
		fb := r.fallbackFor(firstErr, tried)
		if fb == nil {
			break
		}
		name := fb.backend.Name()
		tried[name] = true
		r.emit(domain.EventFallbackUsed, name, ClassifyCondition(firstErr))
		r.logger.Warn("backend failed, using fallback",
			"failed", st.backend.Name(), "fallback", name, "error", firstErr)

		resp, err = r.executeOn(ctx, fb, req)
		if err == nil {
			r.storeResponse(req, resp)
			return resp, nil
		}
	}

	return nil, firstErr
}

// GetFallbackProvider returns the backend to try after a failure on
// failedBackend, per the first rule matching the error's condition, or nil
// when fallback is disabled or no candidate is available.
func (r *Router) GetFallbackProvider(err error, failedBackend string) domain.Backend {
	st := r.fallbackFor(err, map[string]bool{failedBackend: true})
	if st == nil {
		return nil
	}
	return st.backend
}

func (r *Router) fallbackFor(err error, tried map[string]bool) *backendState {
	if !r.cfg.FallbackEnabled {
		return nil
	}
	cond := ClassifyCondition(err)

	var rule *FallbackRule
	for i := range r.cfg.FallbackRules {
		if r.cfg.FallbackRules[i].Condition == cond {
			rule = &r.cfg.FallbackRules[i]
			break
		}
	}
	if rule == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range rule.Candidates {
		if tried[name] {
			continue
		}
		st, ok := r.backends[name]
		if !ok {
			continue
		}
		if r.isAvailableLocked(st, "") {
			return st
		}
	}
	return nil
}

// executeOn runs the request on one backend through its circuit breaker,
// tracking in-flight count and rolling metrics.
func (r *Router) executeOn(ctx context.Context, st *backendState, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	name := st.backend.Name()

	r.mu.Lock()
	st.inflight++
	r.mu.Unlock()

	start := r.clock.Now()
	resp, err := st.breaker.Execute(func() (*domain.CompletionResponse, error) {
		return st.backend.Complete(ctx, req)
	})
	elapsed := r.clock.Now().Sub(start)

	r.mu.Lock()
	st.inflight--
	st.latencies.Push(elapsed)
	if err == nil {
		cost := resp.Usage.CostUSD
		if cost == 0 {
			cost = st.backend.EstimateCost(req)
		}
		st.costs.Push(cost)
	}
	r.mu.Unlock()

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.NewSubSystemError("router", "Router.Execute", domain.ErrCircuitOpen, err.Error()).WithOrigin(name)
		}
		return nil, domain.WrapOp("Router.Execute", err)
	}
	if resp.Backend == "" {
		resp.Backend = name
	}
	return resp, nil
}

// EstimateCost returns the estimated cost on the backend Select would choose.
func (r *Router) EstimateCost(req domain.CompletionRequest) (float64, error) {
	b, err := r.Select(req)
	if err != nil {
		return 0, err
	}
	return b.EstimateCost(req), nil
}

// BackendMetrics is a point-in-time view of one backend's runtime state.
type BackendMetrics struct {
	Name       string        `json:"name"`
	Healthy    bool          `json:"healthy"`
	Circuit    string        `json:"circuit"`
	InFlight   int           `json:"in_flight"`
	AvgLatency time.Duration `json:"avg_latency"`
	AvgCostUSD float64       `json:"avg_cost_usd"`
}

// Metrics returns per-backend runtime metrics, sorted by name.
func (r *Router) Metrics() []BackendMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BackendMetrics, 0, len(r.backends))
	for name, st := range r.backends {
		m := BackendMetrics{
			Name:     name,
			Healthy:  st.healthy,
			Circuit:  st.breaker.State().String(),
			InFlight: st.inflight,
		}
		if v, ok := avgDuration(st.latencies); ok {
			m.AvgLatency = time.Duration(v)
		}
		if v, ok := avgFloat(st.costs); ok {
			m.AvgCostUSD = v
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CheckHealth probes every backend once, flipping availability on probe
// results. Exposed so tests and schedulers can drive probing directly.
func (r *Router) CheckHealth(ctx context.Context) {
	r.mu.Lock()
	states := make([]*backendState, 0, len(r.backends))
	for _, st := range r.backends {
		states = append(states, st)
	}
	r.mu.Unlock()

	for _, st := range states {
		probeCtx, cancel := context.WithTimeout(ctx, r.cfg.HealthCheckTimeout)
		err := st.backend.HealthCheck(probeCtx)
		cancel()

		r.mu.Lock()
		was := st.healthy
		st.healthy = err == nil
		r.mu.Unlock()

		name := st.backend.Name()
		if was && err != nil {
			r.emit(domain.EventBackendDown, name, err.Error())
			r.logger.Warn("backend health check failed", "backend", name, "error", err)
		}
		if !was && err == nil {
			r.emit(domain.EventBackendRecovered, name, nil)
			r.logger.Info("backend recovered", "backend", name)
		}
	}
}

// SetHealthy overrides a backend's availability flag, for operator tooling
// and tests.
func (r *Router) SetHealthy(name string, healthy bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.backends[name]
	if !ok {
		return domain.NewSubSystemError("router", "Router.SetHealthy", domain.ErrNotFound, name)
	}
	st.healthy = healthy
	return nil
}

// Close stops background probing and the response cache sweeper.
func (r *Router) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.respCache != nil {
		r.respCache.Stop()
	}
}

// --- internal ---

func (r *Router) storeResponse(req domain.CompletionRequest, resp *domain.CompletionResponse) {
	if r.respCache == nil {
		return
	}
	r.respCache.Set(requestKey(req), *resp)
}

// requestKey derives a stable cache key from the request identity.
func requestKey(req domain.CompletionRequest) string {
	h := sha256.New()
	data, _ := json.Marshal(req)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Router) probeLoop() {
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.CheckHealth(context.Background())
		}
	}
}

func (r *Router) emit(eventType domain.EventType, subject string, payload any) {
	if r.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	r.bus.Publish(context.Background(), domain.Event{
		Type:      eventType,
		Timestamp: r.clock.Now(),
		Subject:   subject,
		Payload:   data,
	})
}

func avgDuration(buf *ringbuf.Buffer[time.Duration]) (float64, bool) {
	all := buf.All()
	if len(all) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, d := range all {
		total += d
	}
	return float64(total) / float64(len(all)), true
}

func avgFloat(buf *ringbuf.Buffer[float64]) (float64, bool) {
	all := buf.All()
	if len(all) == 0 {
		return 0, false
	}
	var total float64
	for _, v := range all {
		total += v
	}
	return total / float64(len(all)), true
}
