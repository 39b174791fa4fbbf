package fleet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/domain"
)

func TestManager_CreatePoolStartsTargetWorkers(t *testing.T) {
	m := newTestManager(t, ManagerConfig{}, nil, nil, nil)
	require.NoError(t, m.RegisterTemplate(sessionTemplate("coder", "code")))

	require.NoError(t, m.CreatePool(context.Background(), domain.PoolSpec{
		Name:     "coders",
		Template: "coder",
		Min:      1,
		Max:      5,
		Target:   3,
	}))

	st, err := m.Pool("coders")
	require.NoError(t, err)
	assert.Len(t, st.Workers, 3)
	assert.Equal(t, 3, st.Idle)
}

func TestManager_CreatePoolValidation(t *testing.T) {
	m := newTestManager(t, ManagerConfig{}, nil, nil, nil)
	require.NoError(t, m.RegisterTemplate(sessionTemplate("coder")))

	err := m.CreatePool(context.Background(), domain.PoolSpec{Template: "coder", Max: 1})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	err = m.CreatePool(context.Background(), domain.PoolSpec{Name: "p", Template: "coder", Min: 3, Max: 1})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	err = m.CreatePool(context.Background(), domain.PoolSpec{Name: "p", Template: "ghost", Max: 1})
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, m.CreatePool(context.Background(), domain.PoolSpec{Name: "p", Template: "coder", Max: 2, Target: 1}))
	err = m.CreatePool(context.Background(), domain.PoolSpec{Name: "p", Template: "coder", Max: 2})
	require.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestManager_ScalePoolUpAndDown(t *testing.T) {
	m := newTestManager(t, ManagerConfig{}, nil, nil, nil)
	require.NoError(t, m.RegisterTemplate(sessionTemplate("coder")))
	require.NoError(t, m.CreatePool(context.Background(), domain.PoolSpec{
		Name:     "coders",
		Template: "coder",
		Min:      1,
		Max:      4,
		Target:   2,
	}))

	require.NoError(t, m.ScalePool(context.Background(), "coders", 4))
	st, err := m.Pool("coders")
	require.NoError(t, err)
	require.Len(t, st.Workers, 4)

	require.NoError(t, m.ScalePool(context.Background(), "coders", 1))
	st, err = m.Pool("coders")
	require.NoError(t, err)
	assert.Len(t, st.Workers, 1)

	// Removed members are gone from the fleet, not just the pool.
	assert.Len(t, m.List(), 1)
}

func TestManager_ScalePoolClampsToBounds(t *testing.T) {
	m := newTestManager(t, ManagerConfig{}, nil, nil, nil)
	require.NoError(t, m.RegisterTemplate(sessionTemplate("coder")))
	require.NoError(t, m.CreatePool(context.Background(), domain.PoolSpec{
		Name:     "coders",
		Template: "coder",
		Min:      1,
		Max:      3,
		Target:   2,
	}))

	require.NoError(t, m.ScalePool(context.Background(), "coders", 100))
	st, err := m.Pool("coders")
	require.NoError(t, err)
	assert.Len(t, st.Workers, 3, "scale up clamps to max")

	require.NoError(t, m.ScalePool(context.Background(), "coders", 0))
	st, err = m.Pool("coders")
	require.NoError(t, err)
	assert.Len(t, st.Workers, 1, "scale down clamps to min")
}

func TestManager_ScalePoolUnknown(t *testing.T) {
	m := newTestManager(t, ManagerConfig{}, nil, nil, nil)
	err := m.ScalePool(context.Background(), "ghost", 2)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodePoolNotFound, domain.ErrorCodeOf(err))
}
