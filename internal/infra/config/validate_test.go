package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/domain"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Templates = []domain.WorkerTemplate{{Name: "general", Command: "worker"}}
	cfg.Pools = []domain.PoolSpec{{Name: "gen", Template: "general", Min: 1, Max: 4, Target: 2}}
	cfg.Backends = []BackendConfig{
		{Name: "primary", BaseURL: "http://localhost:9000"},
		{Name: "cheap", BaseURL: "http://localhost:9001"},
	}
	cfg.Router.DefaultBackend = "primary"
	cfg.Router.FallbackRules = []FallbackRuleConfig{
		{Condition: "rate_limit", Candidates: []string{"cheap"}},
	}
	return cfg
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, Validate(validConfig()))
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Fleet.MaxWorkers = 0
	cfg.Router.Strategy = "fastest"
	cfg.Logger.Level = "loud"

	err := Validate(cfg)
	require.Error(t, err)
	ve, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Len(t, ve.Errors, 3)
}

func TestValidateFleet(t *testing.T) {
	cfg := validConfig()
	cfg.Fleet.HeartbeatInterval = 0
	assert.ErrorContains(t, Validate(cfg), "fleet.heartbeat_interval")
}

func TestValidateTemplates(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty name",
			mutate:  func(c *Config) { c.Templates[0].Name = "" },
			wantErr: "templates[0].name",
		},
		{
			name: "duplicate name",
			mutate: func(c *Config) {
				c.Templates = append(c.Templates, domain.WorkerTemplate{Name: "general"})
			},
			wantErr: "duplicate template name",
		},
		{
			name:    "negative concurrency",
			mutate:  func(c *Config) { c.Templates[0].Config.MaxConcurrentTasks = -1 },
			wantErr: "max_concurrent_tasks",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, Validate(cfg), tt.wantErr)
		})
	}
}

func TestValidatePools(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown template",
			mutate:  func(c *Config) { c.Pools[0].Template = "missing" },
			wantErr: `template "missing" is not defined`,
		},
		{
			name:    "min above max",
			mutate:  func(c *Config) { c.Pools[0].Min = 9 },
			wantErr: "min 9 exceeds max 4",
		},
		{
			name:    "zero max",
			mutate:  func(c *Config) { c.Pools[0].Max = 0 },
			wantErr: "max must be > 0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, Validate(cfg), tt.wantErr)
		})
	}
}

func TestValidateBackends(t *testing.T) {
	cfg := validConfig()
	cfg.Backends[1].BaseURL = ""
	assert.ErrorContains(t, Validate(cfg), "base_url must not be empty")

	cfg = validConfig()
	cfg.Backends[1].Name = "primary"
	assert.ErrorContains(t, Validate(cfg), "duplicate backend name")
}

func TestValidateRouter(t *testing.T) {
	cfg := validConfig()
	cfg.Router.DefaultBackend = "ghost"
	assert.ErrorContains(t, Validate(cfg), "router.default_backend")

	cfg = validConfig()
	cfg.Router.FallbackRules[0].Condition = "weather"
	assert.ErrorContains(t, Validate(cfg), "condition")

	cfg = validConfig()
	cfg.Router.FallbackRules[0].Candidates = []string{"ghost"}
	assert.ErrorContains(t, Validate(cfg), `candidate "ghost"`)
}

func TestValidateScheduler(t *testing.T) {
	cfg := validConfig()
	cfg.Scheduler.Jobs = append(cfg.Scheduler.Jobs, JobConfig{Name: "bad", Schedule: "1m", Action: "defrag"})
	assert.ErrorContains(t, Validate(cfg), `action "defrag"`)

	// Disabled scheduler skips job validation.
	cfg.Scheduler.Enabled = false
	assert.NoError(t, Validate(cfg))
}

func TestValidateAPI(t *testing.T) {
	cfg := validConfig()
	cfg.API.Addr = ""
	assert.ErrorContains(t, Validate(cfg), "api.addr")

	cfg.API.Enabled = false
	assert.NoError(t, Validate(cfg))
}

func TestValidateTracer(t *testing.T) {
	cfg := validConfig()
	cfg.Tracer.Enabled = true
	cfg.Tracer.Exporter = "jaeger"
	assert.ErrorContains(t, Validate(cfg), "tracer.exporter")

	cfg.Tracer.Exporter = "stdout"
	assert.NoError(t, Validate(cfg))
}
