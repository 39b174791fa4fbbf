package domain

import "context"

// CompletionRequest is a unit of work sent to a backend.
type CompletionRequest struct {
	Model            string            `json:"model,omitempty"`
	Capability       string            `json:"capability,omitempty"`
	PreferredBackend string            `json:"preferred_backend,omitempty"`
	Input            string            `json:"input"`
	Params           map[string]string `json:"params,omitempty"`
	MaxTokens        int               `json:"max_tokens,omitempty"`
	MaxCostUSD       float64           `json:"max_cost_usd,omitempty"`  // per-request cost cap
	InputTokens      int               `json:"input_tokens,omitempty"`  // caller estimate, used for cost
	OutputTokens     int               `json:"output_tokens,omitempty"` // caller estimate, used for cost
}

// Usage reports the tokens and cost a completed request consumed.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// CompletionResponse is a backend's full answer to a request.
type CompletionResponse struct {
	Output  string `json:"output"`
	Model   string `json:"model,omitempty"`
	Backend string `json:"backend,omitempty"`
	Usage   Usage  `json:"usage"`
}

// Backend is the interface for any interchangeable external service endpoint.
// Configuration is immutable after construction; runtime health is observed
// through HealthCheck.
type Backend interface {
	// Name returns the backend's identifier (e.g., "primary", "cheap-eu").
	Name() string
	// Complete sends a request and returns a complete response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// EstimateCost returns the estimated cost in USD of serving req.
	EstimateCost(req CompletionRequest) float64
	// HealthCheck probes the backend. A nil return means available.
	HealthCheck(ctx context.Context) error
	// Capabilities returns the capability/model set this backend serves.
	Capabilities() []string
}

// CompletionDelta is a single incremental chunk from a streaming response.
// The terminal chunk has Done set and carries final usage/cost metadata.
type CompletionDelta struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
}

// StreamingBackend extends Backend with streaming support. The returned
// channel produces a lazy, finite, non-restartable sequence of chunks and is
// closed after the terminal Done chunk; cancelling ctx closes the underlying
// transport.
type StreamingBackend interface {
	Backend
	CompleteStream(ctx context.Context, req CompletionRequest) (<-chan CompletionDelta, error)
}
