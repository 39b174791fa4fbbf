package fleet

import (
	"context"
	"time"

	"fleetd/internal/domain"
)

// healthLoop periodically rescores every worker.
func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scoreAll(context.Background())
		}
	}
}

// heartbeatLoop watches for workers whose heartbeat has gone silent.
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckHeartbeats(context.Background())
		}
	}
}

// scoreAll recomputes health for every worker and restarts the ones that fall
// below the restart threshold with auto-restart enabled.
func (m *Manager) scoreAll(ctx context.Context) {
	m.mu.Lock()
	type verdict struct {
		id       string
		health   float64
		restart  bool
		degraded bool
	}
	var verdicts []verdict
	for id, e := range m.workers {
		if e.worker.Status.Terminal() || e.worker.Status == domain.WorkerInitializing {
			continue
		}
		prev := e.worker.Health
		score := m.scoreLocked(e)
		e.worker.Health = score
		verdicts = append(verdicts, verdict{
			id:       id,
			health:   score,
			restart:  score < restartHealthThreshold && e.worker.Config.AutoRestart,
			degraded: score < restartHealthThreshold && prev >= restartHealthThreshold,
		})
	}
	m.mu.Unlock()

	for _, v := range verdicts {
		if v.degraded {
			m.emit(ctx, domain.EventWorkerDegraded, v.id, v.health)
			m.logger.Warn("worker health degraded", "worker_id", v.id, "health", v.health)
		}
		if v.restart {
			if err := m.Restart(ctx, v.id); err != nil {
				m.logger.Error("health restart failed", "worker_id", v.id, "error", err)
			}
		}
	}
}

// Score returns the worker's current health, recomputed on demand.
func (m *Manager) Score(id string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.workers[id]
	if !ok {
		return 0, domain.NewSubSystemError("fleet", "Fleet.Score", domain.ErrNotFound, id)
	}
	score := m.scoreLocked(entry)
	entry.worker.Health = score
	return score, nil
}

// scoreLocked computes the health score in [0,1] as the mean of four
// components: responsiveness, performance, reliability, and resource
// headroom. Caller holds m.mu.
func (m *Manager) scoreLocked(e *workerEntry) float64 {
	sum := m.responsivenessLocked(e) + m.performanceLocked(e) + reliability(&e.worker) + resourceScore(&e.worker)
	return sum / 4
}

// responsivenessLocked scores heartbeat freshness: full marks under twice the
// heartbeat interval, half under three times, zero beyond that.
func (m *Manager) responsivenessLocked(e *workerEntry) float64 {
	interval := e.worker.Config.HeartbeatInterval
	if interval <= 0 {
		interval = m.cfg.HeartbeatInterval
	}
	if e.worker.LastHeartbeat.IsZero() {
		return 0
	}
	age := m.clock.Now().Sub(e.worker.LastHeartbeat)
	switch {
	case age < 2*interval:
		return 1
	case age < 3*interval:
		return 0.5
	default:
		return 0
	}
}

// performanceLocked compares recent task durations against the expected
// duration. No completed tasks means a neutral full score.
func (m *Manager) performanceLocked(e *workerEntry) float64 {
	recent := e.durations.All()
	if len(recent) == 0 {
		return 1
	}
	var total time.Duration
	for _, d := range recent {
		total += d
	}
	avg := total / time.Duration(len(recent))
	if avg <= 0 {
		return 1
	}

	expected := e.worker.Config.ExpectedTaskDuration
	if expected <= 0 {
		expected = e.template.Config.ExpectedTaskDuration
	}
	if expected <= 0 {
		expected = m.cfg.ExpectedTaskDuration
	}

	ratio := float64(expected) / float64(avg)
	if ratio > 1 {
		return 1
	}
	if ratio < 0 {
		return 0
	}
	return ratio
}

// reliability is the completed fraction of all finished tasks; a worker with
// no history scores full.
func reliability(w *domain.Worker) float64 {
	total := w.TasksCompleted + w.TasksFailed
	if total == 0 {
		return 1
	}
	return float64(w.TasksCompleted) / float64(total)
}

// resourceScore averages remaining headroom across the limited dimensions.
// Dimensions with no limit are skipped; usage at or past a limit scores zero
// for that dimension.
func resourceScore(w *domain.Worker) float64 {
	var sum float64
	var dims int
	if w.Limits.MemoryMB > 0 {
		sum += headroom(float64(w.Usage.MemoryMB), float64(w.Limits.MemoryMB))
		dims++
	}
	if w.Limits.CPU > 0 {
		sum += headroom(w.Usage.CPU, w.Limits.CPU)
		dims++
	}
	if w.Limits.DiskMB > 0 {
		sum += headroom(float64(w.Usage.DiskMB), float64(w.Limits.DiskMB))
		dims++
	}
	if dims == 0 {
		return 1
	}
	return sum / float64(dims)
}

func headroom(used, limit float64) float64 {
	h := 1 - used/limit
	if h < 0 {
		return 0
	}
	return h
}

// CheckHeartbeats marks workers whose last heartbeat is older than three
// intervals as errored and fires at most one auto-restart per missed
// episode. Exposed so tests can drive the check against a fake clock.
func (m *Manager) CheckHeartbeats(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	type lost struct {
		id      string
		restart bool
	}
	var losses []lost
	for id, e := range m.workers {
		w := &e.worker
		if w.Status != domain.WorkerIdle && w.Status != domain.WorkerBusy {
			continue
		}
		interval := w.Config.HeartbeatInterval
		if interval <= 0 {
			interval = m.cfg.HeartbeatInterval
		}
		if w.LastHeartbeat.IsZero() || now.Sub(w.LastHeartbeat) <= 3*interval {
			continue
		}
		if e.heartbeatFlagged {
			continue
		}
		e.heartbeatFlagged = true
		w.Status = domain.WorkerError
		e.errors.Push(domain.ErrorRecord{
			Timestamp: now,
			Message:   "heartbeat lost: last seen " + now.Sub(w.LastHeartbeat).String() + " ago",
		})
		losses = append(losses, lost{id: id, restart: w.Config.AutoRestart})
	}
	m.mu.Unlock()

	for _, l := range losses {
		m.emit(ctx, domain.EventHeartbeatLost, l.id, nil)
		m.emit(ctx, domain.EventWorkerStatus, l.id, domain.WorkerError)
		m.logger.Warn("worker heartbeat lost", "worker_id", l.id)
		if l.restart {
			// Restart blocks up to StartupTimeout, so it must not run on
			// the monitor goroutine: one slow worker would stall heartbeat
			// checks for the whole fleet. The per-episode flag set above
			// keeps this to one restart per loss.
			go func(id string) {
				if err := m.Restart(ctx, id); err != nil {
					m.logger.Error("heartbeat restart failed", "worker_id", id, "error", err)
				}
			}(l.id)
		}
	}
}
