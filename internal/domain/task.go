package domain

import "time"

// TaskKind selects the dispatch path for a task.
type TaskKind string

const (
	TaskBackend TaskKind = "backend" // routed through the backend router
	TaskWorker  TaskKind = "worker"  // dispatched to a fleet worker
)

// Task is a unit of work submitted to the executor.
type Task struct {
	ID               string            `json:"id"`
	Kind             TaskKind          `json:"kind"`
	Capability       string            `json:"capability,omitempty"`
	Input            string            `json:"input"`
	Params           map[string]string `json:"params,omitempty"`
	PreferredBackend string            `json:"preferred_backend,omitempty"`
	MaxCostUSD       float64           `json:"max_cost_usd,omitempty"`
	Timeout          time.Duration     `json:"timeout,omitempty"`
	CacheTTL         time.Duration     `json:"cache_ttl,omitempty"` // 0 = executor default
	NoCache          bool              `json:"no_cache,omitempty"`
}

// TaskResult is the outcome of a successfully executed task.
type TaskResult struct {
	TaskID   string        `json:"task_id"`
	Output   string        `json:"output"`
	Target   string        `json:"target"` // backend or worker identity
	Duration time.Duration `json:"duration"`
	Cached   bool          `json:"cached"`
	Usage    Usage         `json:"usage"`
}

// Outcome classifies how an execution ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// HistoryRecord is one entry of a bounded execution history.
type HistoryRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Outcome   Outcome       `json:"outcome"`
	Duration  time.Duration `json:"duration"`
	TaskID    string        `json:"task_id,omitempty"`
	Target    string        `json:"target,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}
