// Package backend adapts remote HTTP completion endpoints to domain.Backend,
// with pooled transports and SSE streaming.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"fleetd/internal/domain"
	"fleetd/internal/infra/config"
)

// Compile-time interface assertions.
var (
	_ domain.Backend          = (*HTTPBackend)(nil)
	_ domain.StreamingBackend = (*HTTPBackend)(nil)
)

// maxResponseBytes bounds how much of a backend response body is read.
const maxResponseBytes = 10 * 1024 * 1024

// estimation fallbacks when the caller gives no token counts.
const (
	charsPerToken         = 4
	defaultEstimateTokens = 256
)

// HTTPBackend calls a remote completion endpoint over HTTP. Configuration is
// immutable after construction.
type HTTPBackend struct {
	name         string
	baseURL      string
	apiKey       string
	model        string
	capabilities []string
	inCostPer1K  float64
	outCostPer1K float64
	client       *http.Client
	logger       *slog.Logger
}

// NewHTTPBackend creates a backend from configuration.
func NewHTTPBackend(cfg config.BackendConfig, logger *slog.Logger) *HTTPBackend {
	return &HTTPBackend{
		name:         cfg.Name,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		capabilities: cfg.Capabilities,
		inCostPer1K:  cfg.CostPer1KInputUSD,
		outCostPer1K: cfg.CostPer1KOutputUSD,
		client:       NewHTTPClient(cfg),
		logger:       logger,
	}
}

// Name implements domain.Backend.
func (b *HTTPBackend) Name() string { return b.name }

// Capabilities implements domain.Backend.
func (b *HTTPBackend) Capabilities() []string { return b.capabilities }

// wireRequest is the JSON body sent to the completion endpoint.
type wireRequest struct {
	Model     string            `json:"model,omitempty"`
	Input     string            `json:"input"`
	Params    map[string]string `json:"params,omitempty"`
	MaxTokens int               `json:"max_tokens,omitempty"`
	Stream    bool              `json:"stream,omitempty"`
}

// wireResponse is the JSON body returned by the completion endpoint.
type wireResponse struct {
	Output string `json:"output"`
	Model  string `json:"model,omitempty"`
	Usage  struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete implements domain.Backend.
func (b *HTTPBackend) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	body, status, err := b.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", status, truncate(string(body), 512))
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("backend %s: decode response: %w", b.name, err)
	}

	resp := &domain.CompletionResponse{
		Output:  wire.Output,
		Model:   wire.Model,
		Backend: b.name,
		Usage: domain.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		},
	}
	resp.Usage.CostUSD = b.cost(wire.Usage.InputTokens, wire.Usage.OutputTokens)
	return resp, nil
}

// CompleteStream implements domain.StreamingBackend. The returned channel is
// closed after the terminal Done chunk.
func (b *HTTPBackend) CompleteStream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.CompletionDelta, error) {
	httpReq, err := b.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend %s: http request: %w", b.name, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
		httpResp.Body.Close()
		return nil, fmt.Errorf("API error %d: %s", httpResp.StatusCode, truncate(string(body), 512))
	}

	return parseSSEStream(ctx, httpResp.Body), nil
}

// EstimateCost implements domain.Backend. When the request carries no token
// estimates, input tokens are approximated from the input length and output
// tokens from MaxTokens.
func (b *HTTPBackend) EstimateCost(req domain.CompletionRequest) float64 {
	in := req.InputTokens
	if in <= 0 {
		in = len(req.Input) / charsPerToken
	}
	out := req.OutputTokens
	if out <= 0 {
		out = req.MaxTokens
	}
	if out <= 0 {
		out = defaultEstimateTokens
	}
	return b.cost(in, out)
}

// HealthCheck implements domain.Backend.
func (b *HTTPBackend) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("backend %s: create request: %w", b.name, err)
	}
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("backend %s: health check: %w", b.name, err)
	}
	defer httpResp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d: health check failed", httpResp.StatusCode)
	}
	return nil
}

func (b *HTTPBackend) cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*b.inCostPer1K + float64(outputTokens)/1000*b.outCostPer1K
}

func (b *HTTPBackend) newRequest(ctx context.Context, req domain.CompletionRequest, stream bool) (*http.Request, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}
	payload, err := json.Marshal(wireRequest{
		Model:     model,
		Input:     req.Input,
		Params:    req.Params,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	})
	if err != nil {
		return nil, fmt.Errorf("backend %s: marshal request: %w", b.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("backend %s: create request: %w", b.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	return httpReq, nil
}

// post sends the request and returns the raw body and status code.
func (b *HTTPBackend) post(ctx context.Context, req domain.CompletionRequest, stream bool) ([]byte, int, error) {
	httpReq, err := b.newRequest(ctx, req, stream)
	if err != nil {
		return nil, 0, err
	}

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("backend %s: http request: %w", b.name, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, httpResp.StatusCode, fmt.Errorf("backend %s: read response: %w", b.name, err)
	}
	return body, httpResp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
