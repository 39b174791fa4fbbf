package domain

import "time"

// WorkerStatus is a worker's lifecycle state. Terminating and terminated are
// absorbing: once entered, no transition leads back out.
type WorkerStatus string

const (
	WorkerInitializing WorkerStatus = "initializing"
	WorkerIdle         WorkerStatus = "idle"
	WorkerBusy         WorkerStatus = "busy"
	WorkerError        WorkerStatus = "error"
	WorkerTerminating  WorkerStatus = "terminating"
	WorkerTerminated   WorkerStatus = "terminated"
	WorkerOffline      WorkerStatus = "offline"
)

// Terminal reports whether the status is absorbing.
func (s WorkerStatus) Terminal() bool {
	return s == WorkerTerminating || s == WorkerTerminated
}

// WorkerConfig holds per-worker runtime limits and policies.
type WorkerConfig struct {
	MaxConcurrentTasks   int           `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	TaskTimeout          time.Duration `yaml:"task_timeout" json:"task_timeout"`
	StartupTimeout       time.Duration `yaml:"startup_timeout" json:"startup_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	AutoRestart          bool          `yaml:"auto_restart" json:"auto_restart"`
	ExpectedTaskDuration time.Duration `yaml:"expected_task_duration" json:"expected_task_duration"`
}

// ResourceLimits bounds a worker's resource consumption. Zero means unlimited
// for that dimension (the dimension is then excluded from health scoring).
type ResourceLimits struct {
	MemoryMB int     `yaml:"memory_mb" json:"memory_mb"`
	CPU      float64 `yaml:"cpu" json:"cpu"`
	DiskMB   int     `yaml:"disk_mb" json:"disk_mb"`
}

// ResourceUsage is a worker's last reported resource consumption.
type ResourceUsage struct {
	MemoryMB  int       `json:"memory_mb"`
	CPU       float64   `json:"cpu"`
	DiskMB    int       `json:"disk_mb"`
	SampledAt time.Time `json:"sampled_at"`
}

// WorkerTemplate is a named blueprint from which workers are created.
type WorkerTemplate struct {
	Name         string         `yaml:"name" json:"name"`
	Command      string         `yaml:"command" json:"command"`
	Args         []string       `yaml:"args" json:"args"`
	Env          []string       `yaml:"env" json:"env"`
	WorkDir      string         `yaml:"work_dir" json:"work_dir"`
	Capabilities []string       `yaml:"capabilities" json:"capabilities"`
	Limits       ResourceLimits `yaml:"limits" json:"limits"`
	Config       WorkerConfig   `yaml:"config" json:"config"`
}

// Worker is a managed long-lived unit of execution. It is owned exclusively
// by the fleet manager and mutated only through its operations.
type Worker struct {
	ID           string         `json:"id"`
	Template     string         `json:"template"`
	Pool         string         `json:"pool,omitempty"`
	Status       WorkerStatus   `json:"status"`
	Health       float64        `json:"health"` // always in [0,1]
	Workload     int            `json:"workload"`
	Capabilities []string       `json:"capabilities"`
	Config       WorkerConfig   `json:"config"`
	Limits       ResourceLimits `json:"limits"`
	Usage        ResourceUsage  `json:"usage"`

	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`

	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	Restarts       int   `json:"restarts"`
}

// ErrorRecord is one entry of a worker's bounded error history.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// PoolSpec describes a named group of same-template workers.
type PoolSpec struct {
	Name     string `yaml:"name" json:"name"`
	Template string `yaml:"template" json:"template"`
	Min      int    `yaml:"min" json:"min"`
	Max      int    `yaml:"max" json:"max"`
	Target   int    `yaml:"target" json:"target"`
}
