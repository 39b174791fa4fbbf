// Command fleetd runs the worker fleet daemon: it supervises worker
// processes, routes requests across backends, and executes tasks.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fleetd/internal/adapter/api"
	"fleetd/internal/adapter/backend"
	"fleetd/internal/adapter/spawner"
	"fleetd/internal/adapter/store"
	"fleetd/internal/domain"
	"fleetd/internal/infra/config"
	"fleetd/internal/infra/logger"
	"fleetd/internal/infra/tracer"
	"fleetd/internal/usecase/eventbus"
	"fleetd/internal/usecase/executor"
	"fleetd/internal/usecase/fleet"
	"fleetd/internal/usecase/router"
	"fleetd/internal/usecase/scheduling"
	"fleetd/pkg/pool"
)

const shutdownTimeout = 15 * time.Second

// snapshotRetention is how long persisted task results are kept before
// history_compact removes them.
const snapshotRetention = 24 * time.Hour

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "encrypt":
			if err := runEncrypt(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`fleetd - worker fleet and backend routing daemon

USAGE:
    fleetd [FLAGS]
    fleetd encrypt <value>

COMMANDS:
    encrypt     Encrypt a secret for use as "enc:..." in the config file.
                Reads the passphrase from FLEETD_CONFIG_KEY.

    (no command) - Run the daemon

FLAGS:
    -config PATH    Config file (default: $HOME/.fleetd/fleetd.yaml)

ENVIRONMENT:
    FLEETD_CONFIG_KEY       Passphrase for encrypted config secrets
    FLEETD_LOGGER_LEVEL     Override logger.level
    FLEETD_STORE_PATH       Override store.path
    FLEETD_API_ADDR         Override api.addr`)
}

// runEncrypt prints the encrypted form of a config secret.
func runEncrypt(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: fleetd encrypt <value>")
	}
	passphrase := os.Getenv("FLEETD_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("FLEETD_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Printf("enc:%s\n", enc)
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fleetd.yaml"
	}
	return filepath.Join(home, ".fleetd", "fleetd.yaml")
}

func run() error {
	cfgPath := flag.String("config", defaultConfigPath(), "config file path")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(logger.Settings{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
		Output: cfg.Logger.Output,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, tracer.Settings{
		Enabled:  cfg.Tracer.Enabled,
		Exporter: cfg.Tracer.Exporter,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. State store
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return fmt.Errorf("store dir: %w", err)
	}
	st, err := store.NewSQLiteStateStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	// 4. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 5. Fleet manager
	sp := spawner.NewExecSpawner(spawner.Config{OutputBufferMax: cfg.Spawner.OutputBufferMax}, log)
	clock := domain.SystemClock()
	fleetMgr := fleet.NewManager(fleetConfig(cfg), sp, nil, st, bus, clock, log)

	for _, tpl := range cfg.Templates {
		if err := fleetMgr.RegisterTemplate(tpl); err != nil {
			return fmt.Errorf("template %s: %w", tpl.Name, err)
		}
	}
	for _, spec := range cfg.Pools {
		if err := fleetMgr.CreatePool(ctx, spec); err != nil {
			return fmt.Errorf("pool %s: %w", spec.Name, err)
		}
	}

	// 6. Backend router
	rt, err := router.New(routerConfig(cfg), bus, clock, log)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}
	defer rt.Close()
	for _, bcfg := range cfg.Backends {
		if err := rt.Register(backend.NewHTTPBackend(bcfg, log)); err != nil {
			return fmt.Errorf("backend %s: %w", bcfg.Name, err)
		}
	}

	// 7. Task executor, leasing a scratch workspace per running task
	wsPool, err := newWorkspacePool(filepath.Join(filepath.Dir(cfg.Store.Path), "workspaces"), cfg.Executor.MaxConcurrent)
	if err != nil {
		return fmt.Errorf("workspace pool: %w", err)
	}
	exec, err := executor.New(executorConfig(cfg), rt, fleetMgr, log,
		executor.WithEventBus(bus),
		executor.WithResultSink(&storeSink{store: st}),
		executor.WithHandleSource(&workspaceSource{pool: wsPool}),
	)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	defer exec.Close()

	// 8. Maintenance scheduler
	var sched *scheduling.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduling.NewScheduler(log)
		registerMaintenanceActions(sched, fleetMgr, rt, exec, wsPool, st, log)
		for _, job := range cfg.Scheduler.Jobs {
			if err := sched.AddJob(scheduling.Job{
				Name:     job.Name,
				Schedule: job.Schedule,
				Action:   scheduling.MaintenanceAction(job.Action),
				OneShot:  job.OneShot,
			}); err != nil {
				return fmt.Errorf("scheduler: %w", err)
			}
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	// 9. Ops API
	var opsSrv *api.Server
	if cfg.API.Enabled {
		opsSrv = api.NewServer(api.Config{
			Addr:           cfg.API.Addr,
			RequestsPerMin: cfg.API.RequestsPerMin,
			Burst:          cfg.API.Burst,
		}, fleetMgr, rt, exec, log)
		if err := opsSrv.Start(ctx); err != nil {
			return fmt.Errorf("ops api: %w", err)
		}
	}

	log.Info("fleetd started",
		"workers_max", cfg.Fleet.MaxWorkers,
		"backends", len(cfg.Backends),
		"pools", len(cfg.Pools))

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if opsSrv != nil {
		if err := opsSrv.Stop(shutdownCtx); err != nil {
			log.Warn("ops api shutdown", "error", err)
		}
	}
	if sched != nil {
		if err := sched.Stop(); err != nil {
			log.Warn("scheduler shutdown", "error", err)
		}
	}
	fleetMgr.Shutdown(shutdownCtx)
	if err := wsPool.Drain(shutdownCtx); err != nil {
		log.Warn("workspace pool drain", "error", err)
	}

	log.Info("fleetd stopped")
	return nil
}

// newWorkspacePool builds a bounded pool of scratch directories, one leased
// per executing task.
func newWorkspacePool(root string, maxConcurrent int) (*pool.Pool[string], error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return pool.New(pool.Config[string]{
		Max:              maxConcurrent,
		IdleTimeout:      10 * time.Minute,
		EvictionInterval: time.Minute,
		Factory: func(ctx context.Context) (string, error) {
			return os.MkdirTemp(root, "task-")
		},
		Destroy: func(dir string) { os.RemoveAll(dir) },
		Test: func(dir string) bool {
			_, err := os.Stat(dir)
			return err == nil
		},
	})
}

// workspaceSource adapts the workspace pool to the executor's handle source.
type workspaceSource struct {
	pool *pool.Pool[string]
}

func (w *workspaceSource) Acquire(ctx context.Context) (func(), error) {
	h, err := w.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return func() { w.pool.Release(h) }, nil
}

// storeSink persists completed task results so history survives restarts.
type storeSink struct {
	store domain.StateStore
}

func (s *storeSink) Persist(ctx context.Context, result domain.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, "task/result/"+result.TaskID, data, []string{"task-result"})
}

// registerMaintenanceActions binds the scheduler's action names to live
// components.
func registerMaintenanceActions(sched *scheduling.Scheduler, fleetMgr *fleet.Manager, rt *router.Router, exec *executor.Executor, wsPool *pool.Pool[string], st domain.StateStore, log *slog.Logger) {
	sched.RegisterAction(scheduling.ActionStateSnapshot, func(ctx context.Context) error {
		snap := map[string]any{
			"taken_at": time.Now().UTC(),
			"workers":  fleetMgr.List(),
			"backends": rt.Metrics(),
			"executor": exec.Metrics(),
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return st.Put(ctx, "snapshot/latest", data, []string{"snapshot"})
	})

	sched.RegisterAction(scheduling.ActionMetricsReport, func(ctx context.Context) error {
		m := exec.Metrics()
		log.Info("executor metrics",
			"total", m.TotalExecuted,
			"succeeded", m.Succeeded,
			"failed", m.Failed,
			"cache_hit_rate", m.CacheHitRate,
			"active", m.Active)
		for _, bm := range rt.Metrics() {
			log.Info("backend metrics",
				"backend", bm.Name,
				"healthy", bm.Healthy,
				"circuit", bm.Circuit,
				"in_flight", bm.InFlight,
				"avg_latency", bm.AvgLatency)
		}
		return nil
	})

	sched.RegisterAction(scheduling.ActionCacheSweep, func(ctx context.Context) error {
		n := exec.SweepCache()
		if n > 0 {
			log.Debug("cache sweep", "removed", n)
		}
		return nil
	})

	sched.RegisterAction(scheduling.ActionPoolEvict, func(ctx context.Context) error {
		if n := wsPool.Evict(); n > 0 {
			log.Debug("evicted idle workspaces", "count", n)
		}
		for _, spec := range fleetMgr.Pools() {
			if err := fleetMgr.ScalePool(ctx, spec.Name, spec.Target); err != nil {
				return err
			}
		}
		return nil
	})

	sched.RegisterAction(scheduling.ActionHistoryCompact, func(ctx context.Context) error {
		records, err := st.Query(ctx, "task-result")
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-snapshotRetention)
		for _, rec := range records {
			if rec.UpdatedAt.Before(cutoff) {
				if err := st.Delete(ctx, rec.Key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func fleetConfig(cfg *config.Config) fleet.ManagerConfig {
	return fleet.ManagerConfig{
		MaxWorkers:           cfg.Fleet.MaxWorkers,
		HealthInterval:       cfg.Fleet.HealthInterval,
		HeartbeatInterval:    cfg.Fleet.HeartbeatInterval,
		StartupTimeout:       cfg.Fleet.StartupTimeout,
		HistorySize:          cfg.Fleet.HistorySize,
		ErrorHistorySize:     cfg.Fleet.ErrorHistorySize,
		ExpectedTaskDuration: cfg.Fleet.ExpectedTaskDuration,
	}
}

func routerConfig(cfg *config.Config) router.Config {
	rules := make([]router.FallbackRule, 0, len(cfg.Router.FallbackRules))
	for _, r := range cfg.Router.FallbackRules {
		rules = append(rules, router.FallbackRule{
			Condition:  router.FallbackCondition(r.Condition),
			Candidates: r.Candidates,
		})
	}
	return router.Config{
		Strategy:        router.Strategy(cfg.Router.Strategy),
		DefaultBackend:  cfg.Router.DefaultBackend,
		CostOptimize:    cfg.Router.CostOptimize,
		MaxCostUSD:      cfg.Router.MaxCostUSD,
		FallbackEnabled: cfg.Router.FallbackEnabled,
		FallbackRules:   rules,
		Breaker: router.BreakerConfig{
			MaxFailures: cfg.Router.Breaker.MaxFailures,
			Cooldown:    cfg.Router.Breaker.Cooldown,
			Interval:    cfg.Router.Breaker.Interval,
		},
		MetricsWindow:       cfg.Router.MetricsWindow,
		HealthCheckInterval: cfg.Router.HealthCheckInterval,
		HealthCheckTimeout:  cfg.Router.HealthCheckTimeout,
		CacheTTL:            cfg.Router.CacheTTL,
		CacheSize:           cfg.Router.CacheSize,
	}
}

func executorConfig(cfg *config.Config) executor.Config {
	return executor.Config{
		MaxConcurrent:  cfg.Executor.MaxConcurrent,
		RatePerSecond:  cfg.Executor.RatePerSecond,
		RateBurst:      cfg.Executor.RateBurst,
		CacheTTL:       cfg.Executor.CacheTTL,
		CacheSize:      cfg.Executor.CacheSize,
		DefaultTimeout: cfg.Executor.DefaultTimeout,
		HistorySize:    cfg.Executor.HistorySize,
	}
}
