package fleet

import (
	"context"
	"fmt"

	"fleetd/internal/domain"
)

// PoolStatus is a point-in-time summary of a worker pool.
type PoolStatus struct {
	Spec    domain.PoolSpec `json:"spec"`
	Workers []string        `json:"workers"`
	Idle    int             `json:"idle"`
	Busy    int             `json:"busy"`
	Errored int             `json:"errored"`
}

// CreatePool registers a pool and scales it up to its target size, starting
// each member worker.
func (m *Manager) CreatePool(ctx context.Context, spec domain.PoolSpec) error {
	if spec.Name == "" {
		return domain.NewSubSystemError("fleet", "Fleet.CreatePool", domain.ErrInvalidInput, "pool name is empty")
	}
	if spec.Min < 0 || spec.Max < spec.Min {
		return domain.NewSubSystemError("fleet", "Fleet.CreatePool", domain.ErrInvalidInput,
			fmt.Sprintf("min=%d max=%d", spec.Min, spec.Max))
	}
	if spec.Target < spec.Min {
		spec.Target = spec.Min
	}
	if spec.Target > spec.Max {
		spec.Target = spec.Max
	}

	m.mu.Lock()
	if _, exists := m.pools[spec.Name]; exists {
		m.mu.Unlock()
		return domain.NewSubSystemError("fleet", "Fleet.CreatePool", domain.ErrDuplicate, spec.Name)
	}
	if _, ok := m.templates[spec.Template]; !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("fleet", "Fleet.CreatePool", domain.ErrNotFound, "template "+spec.Template)
	}
	s := spec
	m.pools[spec.Name] = &s
	m.mu.Unlock()

	m.emit(ctx, domain.EventPoolCreated, spec.Name, spec)
	if err := m.scaleTo(ctx, spec.Name, spec.Target); err != nil {
		return domain.WrapOp("Fleet.CreatePool", err)
	}
	m.logger.Info("pool created", "pool", spec.Name, "target", spec.Target)
	return nil
}

// ScalePool adjusts a pool to the given target, clamped to [min, max].
// Scaling down removes idle members first.
func (m *Manager) ScalePool(ctx context.Context, name string, target int) error {
	m.mu.Lock()
	spec, ok := m.pools[name]
	if !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("pool", "Fleet.ScalePool", domain.ErrNotFound, name)
	}
	if target < spec.Min {
		target = spec.Min
	}
	if target > spec.Max {
		target = spec.Max
	}
	spec.Target = target
	m.mu.Unlock()

	if err := m.scaleTo(ctx, name, target); err != nil {
		return domain.WrapOp("Fleet.ScalePool", err)
	}
	m.emit(ctx, domain.EventPoolScaled, name, target)
	m.logger.Info("pool scaled", "pool", name, "target", target)
	return nil
}

// Pool returns the current status of a pool.
func (m *Manager) Pool(name string) (*PoolStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.pools[name]
	if !ok {
		return nil, domain.NewSubSystemError("pool", "Fleet.Pool", domain.ErrNotFound, name)
	}
	st := &PoolStatus{Spec: *spec}
	for id, e := range m.workers {
		if e.worker.Pool != name || e.worker.Status.Terminal() {
			continue
		}
		st.Workers = append(st.Workers, id)
		switch e.worker.Status {
		case domain.WorkerIdle:
			st.Idle++
		case domain.WorkerBusy:
			st.Busy++
		case domain.WorkerError:
			st.Errored++
		}
	}
	return st, nil
}

// Pools returns the specs of all registered pools.
func (m *Manager) Pools() []domain.PoolSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PoolSpec, 0, len(m.pools))
	for _, spec := range m.pools {
		out = append(out, *spec)
	}
	return out
}

// scaleTo reconciles a pool's live member count with target.
func (m *Manager) scaleTo(ctx context.Context, name string, target int) error {
	m.mu.Lock()
	spec, ok := m.pools[name]
	if !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("pool", "Fleet.scaleTo", domain.ErrNotFound, name)
	}
	template := spec.Template

	var members []*workerEntry
	for _, e := range m.workers {
		if e.worker.Pool == name && !e.worker.Status.Terminal() {
			members = append(members, e)
		}
	}
	m.mu.Unlock()

	// Scale up.
	for i := len(members); i < target; i++ {
		id, err := m.Create(ctx, template, nil)
		if err != nil {
			return err
		}
		m.mu.Lock()
		if e, ok := m.workers[id]; ok {
			e.worker.Pool = name
		}
		m.mu.Unlock()
		if err := m.Start(ctx, id); err != nil {
			return err
		}
	}

	// Scale down, preferring idle members.
	if len(members) > target {
		excess := len(members) - target
		var victims []string
		for _, e := range members {
			if len(victims) == excess {
				break
			}
			if e.worker.Status == domain.WorkerIdle || e.worker.Status == domain.WorkerError {
				victims = append(victims, e.worker.ID)
			}
		}
		for _, e := range members {
			if len(victims) == excess {
				break
			}
			if !contains(victims, e.worker.ID) {
				victims = append(victims, e.worker.ID)
			}
		}
		for _, id := range victims {
			if err := m.Remove(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
