package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conn struct {
	id      int32
	healthy bool
	closed  atomic.Bool
}

type connFarm struct {
	created atomic.Int32
}

func (f *connFarm) factory(context.Context) (*conn, error) {
	return &conn{id: f.created.Add(1), healthy: true}, nil
}

func destroyConn(c *conn) { c.closed.Store(true) }

func newTestPool(t *testing.T, cfg Config[*conn]) (*Pool[*conn], *connFarm) {
	t.Helper()
	farm := &connFarm{}
	if cfg.Factory == nil {
		cfg.Factory = farm.factory
	}
	if cfg.Destroy == nil {
		cfg.Destroy = destroyConn
	}
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Drain(ctx)
	})
	return p, farm
}

func TestPool_InvalidConstruction(t *testing.T) {
	_, err := New(Config[*conn]{Max: 0, Factory: (&connFarm{}).factory})
	assert.Error(t, err, "max=0 should fail")

	_, err = New(Config[*conn]{Min: 5, Max: 3, Factory: (&connFarm{}).factory})
	assert.Error(t, err, "min>max should fail")

	_, err = New(Config[*conn]{Max: 3})
	assert.Error(t, err, "missing factory should fail")
}

func TestPool_AcquireCreatesUpToMax(t *testing.T) {
	p, farm := newTestPool(t, Config[*conn]{Max: 3})

	var handles []*Handle[*conn]
	for i := 0; i < 3; i++ {
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)
		handles = append(handles, h)
	}
	assert.Equal(t, 3, p.Size())
	assert.Equal(t, 3, p.InUse())
	assert.Equal(t, int32(3), farm.created.Load())

	for _, h := range handles {
		p.Release(h)
	}
	assert.Equal(t, 0, p.InUse())
	assert.Equal(t, 3, p.Size(), "released handles stay pooled")
}

func TestPool_ReuseIdleBeforeCreate(t *testing.T) {
	p, farm := newTestPool(t, Config[*conn]{Max: 3})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(h)

	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(h2)

	assert.Equal(t, int32(1), farm.created.Load(), "idle handle should be reused")
	assert.Equal(t, int64(2), h2.Uses())
}

func TestPool_AcquireTimeout(t *testing.T) {
	p, _ := newTestPool(t, Config[*conn]{Max: 1, AcquireTimeout: 50 * time.Millisecond})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(h)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, p.Waiting(), "timed-out waiter must be removed from the queue")
}

func TestPool_BlockedAcquireResolvesOnRelease(t *testing.T) {
	p, _ := newTestPool(t, Config[*conn]{Max: 1, AcquireTimeout: time.Second})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan *Handle[*conn], 1)
	go func() {
		h2, err := p.Acquire(context.Background())
		if err == nil {
			acquired <- h2
		}
	}()

	// The second acquire must be parked, not failed.
	select {
	case <-acquired:
		t.Fatal("acquire succeeded while pool was exhausted")
	case <-time.After(30 * time.Millisecond):
	}

	p.Release(h)

	select {
	case h2 := <-acquired:
		p.Release(h2)
	case <-time.After(time.Second):
		t.Fatal("waiter was not served after release")
	}
}

func TestPool_FIFOWaiterOrder(t *testing.T) {
	p, _ := newTestPool(t, Config[*conn]{Max: 1, AcquireTimeout: 2 * time.Second})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	const waiters = 4
	order := make(chan int, waiters)
	var started sync.WaitGroup
	for i := 0; i < waiters; i++ {
		i := i
		started.Add(1)
		go func() {
			for {
				// Park in arrival order: wait until all earlier waiters queued.
				if p.Waiting() == i {
					break
				}
				time.Sleep(time.Millisecond)
			}
			started.Done()
			got, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			order <- i
			p.Release(got)
		}()
	}
	started.Wait()

	p.Release(h)

	for want := 0; want < waiters; want++ {
		select {
		case got := <-order:
			assert.Equal(t, want, got, "waiters must be served FIFO")
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never served", want)
		}
	}
}

func TestPool_TestOnAcquireReplacesUnhealthy(t *testing.T) {
	p, farm := newTestPool(t, Config[*conn]{
		Max:           2,
		TestOnAcquire: true,
		Test:          func(c *conn) bool { return c.healthy },
	})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h.Resource.healthy = false
	p.Release(h)

	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(h2)

	assert.True(t, h2.Resource.healthy, "unhealthy handle must not be handed out")
	assert.Equal(t, int32(2), farm.created.Load(), "a fresh handle should replace the failed one")
}

func TestPool_EvictKeepsMin(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	p, _ := newTestPool(t, Config[*conn]{
		Min:         1,
		Max:         3,
		IdleTimeout: 10 * time.Millisecond,
		Now:         clock,
	})

	var handles []*Handle[*conn]
	for i := 0; i < 3; i++ {
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		p.Release(h)
	}
	require.Equal(t, 3, p.Size())

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	evicted := p.Evict()
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 1, p.Size(), "eviction must not go below min")
}

func TestPool_DrainRejectsWaitersAndNewAcquires(t *testing.T) {
	farm := &connFarm{}
	p, err := New(Config[*conn]{Max: 1, Factory: farm.factory, Destroy: destroyConn})
	require.NoError(t, err)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waiterErr <- err
	}()
	for p.Waiting() == 0 {
		time.Sleep(time.Millisecond)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- p.Drain(ctx)
	}()

	select {
	case err := <-waiterErr:
		require.ErrorIs(t, err, ErrDraining)
	case <-time.After(time.Second):
		t.Fatal("queued waiter was not rejected by drain")
	}

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrDraining)

	p.Release(h)
	require.NoError(t, <-done)
	assert.Equal(t, 0, p.Size())
	assert.True(t, h.Resource.closed.Load(), "drain must destroy handles")
}

func TestPool_DrainTimesOutOnStuckHandle(t *testing.T) {
	farm := &connFarm{}
	p, err := New(Config[*conn]{Max: 1, Factory: farm.factory, Destroy: destroyConn})
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = p.Drain(ctx)
	require.ErrorIs(t, err, ErrDrainTimeout)
	assert.Equal(t, 0, p.Size(), "drain destroys handles even on timeout")
}

func TestPool_ReleaseTimeoutCollisionDoesNotLeak(t *testing.T) {
	p, _ := newTestPool(t, Config[*conn]{Max: 1, AcquireTimeout: 2 * time.Millisecond})

	// Race a waiter's acquire timeout against the holder's release, many
	// times. Whichever side wins, the handle must end up owned or idle,
	// never stranded in-use with no owner.
	for i := 0; i < 300; i++ {
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			if h2, err := p.Acquire(context.Background()); err == nil {
				p.Release(h2)
			}
		}()

		time.Sleep(time.Duration(i%3) * time.Millisecond)
		p.Release(h)
		<-done

		require.Equal(t, 0, p.InUse(), "iteration %d stranded a leased handle", i)
		require.Equal(t, 0, p.Waiting(), "iteration %d left a queued waiter", i)
	}
}

func TestPool_CreateFailureWakesQueuedWaiter(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	p, err := New(Config[*conn]{
		Max:            2,
		AcquireTimeout: 5 * time.Second,
		Factory: func(context.Context) (*conn, error) {
			switch calls.Add(1) {
			case 1:
				return &conn{id: 1, healthy: true}, nil
			case 2:
				<-gate
				return nil, errors.New("backend refused")
			default:
				return &conn{id: 3, healthy: true}, nil
			}
		},
		Destroy: destroyConn,
	})
	require.NoError(t, err)

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(h1)

	// Second acquire reserves the last slot and parks inside the factory.
	secondErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		secondErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 2 },
		time.Second, time.Millisecond)

	// Third acquire sees the pool at capacity and queues.
	type result struct {
		h   *Handle[*conn]
		err error
	}
	third := make(chan result, 1)
	start := time.Now()
	go func() {
		h, err := p.Acquire(context.Background())
		third <- result{h, err}
	}()
	require.Eventually(t, func() bool { return p.Waiting() == 1 },
		time.Second, time.Millisecond)

	// The failed creation frees its slot; the queued waiter must be woken
	// to create for itself rather than waiting out the acquire timeout.
	close(gate)
	require.ErrorContains(t, <-secondErr, "backend refused")

	select {
	case res := <-third:
		require.NoError(t, res.err)
		assert.Less(t, time.Since(start), 2*time.Second,
			"waiter should be served promptly, not after the full timeout")
		p.Release(res.h)
	case <-time.After(2 * time.Second):
		t.Fatal("queued waiter was never woken after the failed creation")
	}
}

func TestPool_FactoryErrorPropagates(t *testing.T) {
	boom := errors.New("backend unreachable")
	p, err := New(Config[*conn]{
		Max:     2,
		Factory: func(context.Context) (*conn, error) { return nil, boom },
	})
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Size(), "failed creation must not leak a slot")

	// The reserved slot must be returned so later acquires can retry.
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, boom)
}
