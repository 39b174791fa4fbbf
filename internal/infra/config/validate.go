package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateFleet(cfg, ve)
	validateTemplates(cfg, ve)
	validatePools(cfg, ve)
	validateBackends(cfg, ve)
	validateRouter(cfg, ve)
	validateExecutor(cfg, ve)
	validateScheduler(cfg, ve)
	validateAPI(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateFleet(cfg *Config, ve *ValidationError) {
	if cfg.Fleet.MaxWorkers <= 0 {
		ve.Add("fleet.max_workers must be > 0")
	}
	if cfg.Fleet.HealthInterval <= 0 {
		ve.Add("fleet.health_interval must be > 0")
	}
	if cfg.Fleet.HeartbeatInterval <= 0 {
		ve.Add("fleet.heartbeat_interval must be > 0")
	}
	if cfg.Fleet.StartupTimeout <= 0 {
		ve.Add("fleet.startup_timeout must be > 0")
	}
}

func validateTemplates(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, tpl := range cfg.Templates {
		if tpl.Name == "" {
			ve.Add("templates[%d].name must not be empty", i)
			continue
		}
		if seen[tpl.Name] {
			ve.Add("templates[%d]: duplicate template name %q", i, tpl.Name)
		}
		seen[tpl.Name] = true

		if tpl.Config.MaxConcurrentTasks < 0 {
			ve.Add("templates[%d] (%s): config.max_concurrent_tasks must be >= 0", i, tpl.Name)
		}
		if tpl.Config.TaskTimeout < 0 {
			ve.Add("templates[%d] (%s): config.task_timeout must be >= 0", i, tpl.Name)
		}
	}
}

func validatePools(cfg *Config, ve *ValidationError) {
	templates := make(map[string]bool)
	for _, tpl := range cfg.Templates {
		templates[tpl.Name] = true
	}

	seen := make(map[string]bool)
	for i, p := range cfg.Pools {
		if p.Name == "" {
			ve.Add("pools[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("pools[%d]: duplicate pool name %q", i, p.Name)
		}
		seen[p.Name] = true

		if !templates[p.Template] {
			ve.Add("pools[%d] (%s): template %q is not defined", i, p.Name, p.Template)
		}
		if p.Min < 0 {
			ve.Add("pools[%d] (%s): min must be >= 0", i, p.Name)
		}
		if p.Max <= 0 {
			ve.Add("pools[%d] (%s): max must be > 0", i, p.Name)
		}
		if p.Max > 0 && p.Min > p.Max {
			ve.Add("pools[%d] (%s): min %d exceeds max %d", i, p.Name, p.Min, p.Max)
		}
	}
}

func validateBackends(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, b := range cfg.Backends {
		if b.Name == "" {
			ve.Add("backends[%d].name must not be empty", i)
			continue
		}
		if seen[b.Name] {
			ve.Add("backends[%d]: duplicate backend name %q", i, b.Name)
		}
		seen[b.Name] = true

		if b.BaseURL == "" {
			ve.Add("backends[%d] (%s): base_url must not be empty", i, b.Name)
		}
		if b.CostPer1KInputUSD < 0 || b.CostPer1KOutputUSD < 0 {
			ve.Add("backends[%d] (%s): cost rates must be >= 0", i, b.Name)
		}
	}
}

var validStrategies = map[string]bool{
	"":             true, // defaults to round_robin
	"round_robin":  true,
	"least_loaded": true,
	"latency":      true,
	"cost":         true,
}

var validConditions = map[string]bool{
	"rate_limit":  true,
	"unavailable": true,
	"timeout":     true,
	"cost":        true,
	"error":       true,
}

func validateRouter(cfg *Config, ve *ValidationError) {
	backends := make(map[string]bool)
	for _, b := range cfg.Backends {
		backends[b.Name] = true
	}

	if !validStrategies[cfg.Router.Strategy] {
		ve.Add("router.strategy %q is invalid (want: round_robin, least_loaded, latency, cost)", cfg.Router.Strategy)
	}
	if cfg.Router.DefaultBackend != "" && len(cfg.Backends) > 0 && !backends[cfg.Router.DefaultBackend] {
		ve.Add("router.default_backend %q does not match any configured backend", cfg.Router.DefaultBackend)
	}
	if cfg.Router.MaxCostUSD < 0 {
		ve.Add("router.max_cost_usd must be >= 0")
	}

	for i, rule := range cfg.Router.FallbackRules {
		if !validConditions[rule.Condition] {
			ve.Add("router.fallback_rules[%d].condition %q is invalid (want: rate_limit, unavailable, timeout, cost, error)", i, rule.Condition)
		}
		if len(rule.Candidates) == 0 {
			ve.Add("router.fallback_rules[%d]: candidates must not be empty", i)
		}
		for _, c := range rule.Candidates {
			if len(cfg.Backends) > 0 && !backends[c] {
				ve.Add("router.fallback_rules[%d]: candidate %q does not match any configured backend", i, c)
			}
		}
	}
}

func validateExecutor(cfg *Config, ve *ValidationError) {
	if cfg.Executor.MaxConcurrent < 0 {
		ve.Add("executor.max_concurrent must be >= 0")
	}
	if cfg.Executor.RatePerSecond < 0 {
		ve.Add("executor.rate_per_second must be >= 0")
	}
	if cfg.Executor.CacheTTL < 0 {
		ve.Add("executor.cache_ttl must be >= 0")
	}
}

var validActions = map[string]bool{
	"state_snapshot":  true,
	"metrics_report":  true,
	"cache_sweep":     true,
	"pool_evict":      true,
	"history_compact": true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	seen := make(map[string]bool)
	for i, job := range cfg.Scheduler.Jobs {
		if job.Name == "" {
			ve.Add("scheduler.jobs[%d].name must not be empty", i)
			continue
		}
		if seen[job.Name] {
			ve.Add("scheduler.jobs[%d]: duplicate job name %q", i, job.Name)
		}
		seen[job.Name] = true

		if job.Schedule == "" {
			ve.Add("scheduler.jobs[%d] (%s): schedule must not be empty", i, job.Name)
		}
		if !validActions[job.Action] {
			ve.Add("scheduler.jobs[%d] (%s): action %q is invalid (want: state_snapshot, metrics_report, cache_sweep, pool_evict, history_compact)", i, job.Name, job.Action)
		}
	}
}

func validateAPI(cfg *Config, ve *ValidationError) {
	if !cfg.API.Enabled {
		return
	}
	if cfg.API.Addr == "" {
		ve.Add("api.addr must not be empty when api is enabled")
	}
	if cfg.API.RequestsPerMin < 0 {
		ve.Add("api.requests_per_min must be >= 0")
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if cfg.Logger.Level != "" && !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if cfg.Logger.Format != "" && cfg.Logger.Format != "text" && cfg.Logger.Format != "json" {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
