package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/domain"
	"fleetd/internal/usecase/executor"
	"fleetd/internal/usecase/router"
)

type fakeFleet struct{ workers []domain.Worker }

func (f *fakeFleet) List() []domain.Worker { return f.workers }

type fakeRouter struct{ metrics []router.BackendMetrics }

func (f *fakeRouter) Metrics() []router.BackendMetrics { return f.metrics }

type fakeExecutor struct{ metrics executor.Metrics }

func (f *fakeExecutor) Metrics() executor.Metrics { return f.metrics }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	s := NewServer(cfg,
		&fakeFleet{workers: []domain.Worker{{ID: "w1", Template: "general", Status: domain.WorkerIdle}}},
		&fakeRouter{metrics: []router.BackendMetrics{{Name: "primary", Healthy: true, Circuit: "closed"}}},
		&fakeExecutor{metrics: executor.Metrics{TotalExecuted: 7, Succeeded: 6, Failed: 1}},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, Config{})

	resp := get(t, "http://"+s.Addr()+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestSecurityHeadersPresent(t *testing.T) {
	s := newTestServer(t, Config{})

	resp := get(t, "http://"+s.Addr()+"/healthz")
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestWorkersEndpoint(t *testing.T) {
	s := newTestServer(t, Config{})

	resp := get(t, "http://"+s.Addr()+"/v1/workers")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Workers []domain.Worker `json:"workers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Workers, 1)
	assert.Equal(t, "w1", body.Workers[0].ID)
}

func TestBackendsEndpoint(t *testing.T) {
	s := newTestServer(t, Config{})

	resp := get(t, "http://"+s.Addr()+"/v1/backends")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Backends []router.BackendMetrics `json:"backends"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Backends, 1)
	assert.Equal(t, "primary", body.Backends[0].Name)
	assert.True(t, body.Backends[0].Healthy)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, Config{})

	resp := get(t, "http://"+s.Addr()+"/v1/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var m executor.Metrics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.Equal(t, int64(7), m.TotalExecuted)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, Config{})

	resp, err := http.Post("http://"+s.Addr()+"/v1/workers", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRateLimitExceeded(t *testing.T) {
	s := newTestServer(t, Config{RequestsPerMin: 60, Burst: 2})

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		resp := get(t, "http://"+s.Addr()+"/healthz")
		io.Copy(io.Discard, resp.Body)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Contains(t, codes[2:], http.StatusTooManyRequests)
}
