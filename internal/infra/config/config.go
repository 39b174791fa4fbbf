// Package config loads, validates, and defaults the fleetd configuration.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"fleetd/internal/domain"
)

// Config is the top-level daemon configuration.
type Config struct {
	Fleet     FleetConfig             `yaml:"fleet"`
	Templates []domain.WorkerTemplate `yaml:"templates"`
	Pools     []domain.PoolSpec       `yaml:"pools"`
	Backends  []BackendConfig         `yaml:"backends"`
	Router    RouterConfig            `yaml:"router"`
	Executor  ExecutorConfig          `yaml:"executor"`
	Store     StoreConfig             `yaml:"store"`
	Scheduler SchedulerConfig         `yaml:"scheduler"`
	API       APIConfig               `yaml:"api"`
	Spawner   SpawnerConfig           `yaml:"spawner"`
	Logger    LoggerConfig            `yaml:"logger"`
	Tracer    TracerConfig            `yaml:"tracer"`
	Includes  []string                `yaml:"includes,omitempty"`
}

// FleetConfig holds fleet manager settings.
type FleetConfig struct {
	MaxWorkers           int           `yaml:"max_workers"`
	HealthInterval       time.Duration `yaml:"health_interval"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	StartupTimeout       time.Duration `yaml:"startup_timeout"`
	HistorySize          int           `yaml:"history_size"`
	ErrorHistorySize     int           `yaml:"error_history_size"`
	ExpectedTaskDuration time.Duration `yaml:"expected_task_duration"`
}

// TransportPoolConfig holds HTTP connection pool settings for backends.
type TransportPoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// BackendConfig holds settings for a single HTTP backend.
type BackendConfig struct {
	Name               string              `yaml:"name"`
	BaseURL            string              `yaml:"base_url"`
	APIKey             string              `yaml:"api_key"`
	Model              string              `yaml:"model"`
	Capabilities       []string            `yaml:"capabilities"`
	CostPer1KInputUSD  float64             `yaml:"cost_per_1k_input_usd"`
	CostPer1KOutputUSD float64             `yaml:"cost_per_1k_output_usd"`
	ConnTimeout        time.Duration       `yaml:"conn_timeout"`
	RespTimeout        time.Duration       `yaml:"resp_timeout"`
	Pool               TransportPoolConfig `yaml:"pool"`
}

// FallbackRuleConfig maps a failure condition to ordered fallback candidates.
type FallbackRuleConfig struct {
	Condition  string   `yaml:"condition"`
	Candidates []string `yaml:"candidates"`
}

// BreakerConfig holds per-backend circuit breaker settings.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
	Interval    time.Duration `yaml:"interval"`
}

// RouterConfig holds backend routing settings.
type RouterConfig struct {
	Strategy            string               `yaml:"strategy"`
	DefaultBackend      string               `yaml:"default_backend"`
	CostOptimize        bool                 `yaml:"cost_optimize"`
	MaxCostUSD          float64              `yaml:"max_cost_usd"`
	FallbackEnabled     bool                 `yaml:"fallback_enabled"`
	FallbackRules       []FallbackRuleConfig `yaml:"fallback_rules"`
	Breaker             BreakerConfig        `yaml:"breaker"`
	MetricsWindow       int                  `yaml:"metrics_window"`
	HealthCheckInterval time.Duration        `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration        `yaml:"health_check_timeout"`
	CacheTTL            time.Duration        `yaml:"cache_ttl"`
	CacheSize           int                  `yaml:"cache_size"`
}

// ExecutorConfig holds task executor settings.
type ExecutorConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	RateBurst      int           `yaml:"rate_burst"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	CacheSize      int           `yaml:"cache_size"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	HistorySize    int           `yaml:"history_size"`
}

// StoreConfig holds state persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig holds maintenance scheduler settings.
type SchedulerConfig struct {
	Enabled bool        `yaml:"enabled"`
	Jobs    []JobConfig `yaml:"jobs"`
}

// JobConfig defines a single scheduled maintenance job.
type JobConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`
	OneShot  bool   `yaml:"one_shot,omitempty"`
}

// APIConfig holds the operational HTTP API settings.
type APIConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Addr           string `yaml:"addr"`
	RequestsPerMin int    `yaml:"requests_per_min"`
	Burst          int    `yaml:"burst"`
}

// SpawnerConfig holds worker process spawner settings.
type SpawnerConfig struct {
	OutputBufferMax int `yaml:"output_buffer_max"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.fleetd.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".fleetd")
}

// Defaults returns a Config with sane defaults for a local deployment.
func Defaults() *Config {
	return &Config{
		Fleet: FleetConfig{
			MaxWorkers:           50,
			HealthInterval:       10 * time.Second,
			HeartbeatInterval:    5 * time.Second,
			StartupTimeout:       30 * time.Second,
			HistorySize:          100,
			ErrorHistorySize:     20,
			ExpectedTaskDuration: 30 * time.Second,
		},
		Router: RouterConfig{
			Strategy: "round_robin",
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Cooldown:    30 * time.Second,
				Interval:    60 * time.Second,
			},
			MetricsWindow:       50,
			HealthCheckInterval: 30 * time.Second,
			HealthCheckTimeout:  5 * time.Second,
			CacheSize:           1024,
		},
		Executor: ExecutorConfig{
			MaxConcurrent:  8,
			CacheTTL:       5 * time.Minute,
			CacheSize:      1024,
			DefaultTimeout: 60 * time.Second,
			HistorySize:    256,
		},
		Store: StoreConfig{
			Path: filepath.Join(defaultDataDir(), "state.db"),
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Jobs: []JobConfig{
				{Name: "state-snapshot", Schedule: "1m", Action: "state_snapshot"},
				{Name: "metrics-report", Schedule: "5m", Action: "metrics_report"},
			},
		},
		API: APIConfig{
			Enabled:        true,
			Addr:           "127.0.0.1:8090",
			RequestsPerMin: 120,
			Burst:          20,
		},
		Spawner: SpawnerConfig{
			OutputBufferMax: 1024 * 1024,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads the config file at path, merges includes, applies environment
// overrides, decrypts secrets, and validates the result. A missing file is
// not an error; defaults plus environment overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Process includes (merges included files into cfg).
	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("FLEETD_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps FLEETD_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETD_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("FLEETD_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("FLEETD_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("FLEETD_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("FLEETD_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FLEETD_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("FLEETD_ROUTER_DEFAULT_BACKEND"); v != "" {
		cfg.Router.DefaultBackend = v
	}
	if v := os.Getenv("FLEETD_FLEET_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Fleet.MaxWorkers = n
		}
	}

	// Per-backend API keys: FLEETD_BACKEND_<NAME>_API_KEY.
	for i := range cfg.Backends {
		envName := "FLEETD_BACKEND_" + sanitizeEnvName(cfg.Backends[i].Name) + "_API_KEY"
		if v := os.Getenv(envName); v != "" {
			cfg.Backends[i].APIKey = v
		}
	}
}

// sanitizeEnvName converts a backend name to an env-var-safe fragment.
func sanitizeEnvName(name string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToUpper(name))
}

// decryptSecrets replaces "enc:" prefixed backend API keys with their
// decrypted values.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Backends {
		key := cfg.Backends[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("backend %s api_key: %w", cfg.Backends[i].Name, err)
			}
			cfg.Backends[i].APIKey = decrypted
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
// API keys may live in this file, so group/world write access is rejected.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable).
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
