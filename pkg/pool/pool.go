// Package pool provides a generic bounded pool of reusable stateful handles
// (connections or worker references) with acquire/release, FIFO waiting,
// acquire timeouts, and idle eviction.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Typed pool errors.
var (
	ErrAcquireTimeout = errors.New("pool: acquire timed out")
	ErrDraining       = errors.New("pool: draining")
	ErrDrainTimeout   = errors.New("pool: drain timed out waiting for in-use handles")
)

// Config configures a Pool.
type Config[H any] struct {
	// Min is the number of handles the pool keeps alive. The eviction sweep
	// never destroys below Min, and destruction below Min (e.g. a failed
	// health test) triggers replacement creation.
	Min int
	// Max bounds the total handle count. Must be > 0 and >= Min.
	Max int
	// AcquireTimeout bounds how long Acquire waits for a free handle once
	// the pool is at Max. 0 means wait until ctx is done.
	AcquireTimeout time.Duration
	// IdleTimeout is the age past last use after which an idle handle is
	// eligible for eviction. 0 disables idle eviction.
	IdleTimeout time.Duration
	// EvictionInterval is how often the idle sweep runs. 0 disables the
	// background sweep; Evict can still be called explicitly.
	EvictionInterval time.Duration
	// TestOnAcquire runs Test on idle handles before handing them out,
	// destroying and replacing ones that fail.
	TestOnAcquire bool

	// Factory creates a new handle. Required.
	Factory func(ctx context.Context) (H, error)
	// Destroy tears a handle down. Optional.
	Destroy func(H)
	// Test reports whether a handle is still healthy. Optional.
	Test func(H) bool
	// Now overrides the time source for tests. Defaults to time.Now.
	Now func() time.Time
}

// Handle is a pooled resource lease. Callers use Resource and return the
// lease with Pool.Release.
type Handle[H any] struct {
	Resource H

	id         uint64
	inUse      bool
	createdAt  time.Time
	lastUsedAt time.Time
	uses       int64
}

// Uses returns how many times this handle has been acquired.
func (h *Handle[H]) Uses() int64 { return h.uses }

type waiter[H any] struct {
	ch chan waitResult[H]
}

type waitResult[H any] struct {
	handle *Handle[H]
	err    error
	retry  bool // capacity freed with no handle to hand over; re-run acquisition
}

// Pool is a bounded handle pool. Waiters are served strictly FIFO relative
// to Release calls: a released handle is handed directly to the head waiter
// rather than returned to the idle set.
type Pool[H any] struct {
	mu       sync.Mutex
	cfg      Config[H]
	handles  map[uint64]*Handle[H]
	waiters  []*waiter[H]
	nextID   uint64
	creating int // reserved slots for in-flight Factory calls
	draining bool
	drainCh  chan struct{} // signaled when in-use count may have reached zero

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Pool and pre-warms it to Min handles in the background.
func New[H any](cfg Config[H]) (*Pool[H], error) {
	if cfg.Max <= 0 {
		return nil, fmt.Errorf("pool: max must be > 0, got %d", cfg.Max)
	}
	if cfg.Min < 0 || cfg.Min > cfg.Max {
		return nil, fmt.Errorf("pool: min must be in [0, max], got min=%d max=%d", cfg.Min, cfg.Max)
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("pool: factory is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Pool[H]{
		cfg:     cfg,
		handles: make(map[uint64]*Handle[H]),
		drainCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	if cfg.Min > 0 {
		go p.ensureMin(context.Background())
	}
	if cfg.EvictionInterval > 0 {
		go p.evictLoop()
	}
	return p, nil
}

// Acquire returns a handle, creating one if the pool is under Max, or
// waiting FIFO for a release otherwise. It fails with ErrAcquireTimeout
// when the acquire timeout elapses and ErrDraining once Drain has begun.
func (p *Pool[H]) Acquire(ctx context.Context) (*Handle[H], error) {
	// The timeout spans the whole acquisition, including retries after a
	// failed creation freed capacity back up.
	var timeout <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return nil, ErrDraining
		}

		// Prefer an idle, health-tested handle.
		for {
			h := p.idleHandleLocked()
			if h == nil {
				break
			}
			if p.cfg.TestOnAcquire && p.cfg.Test != nil && !p.cfg.Test(h.Resource) {
				p.destroyLocked(h)
				continue
			}
			p.leaseLocked(h)
			p.mu.Unlock()
			return h, nil
		}

		// Create a new handle if there is room.
		if len(p.handles)+p.creating < p.cfg.Max {
			p.creating++
			p.mu.Unlock()
			return p.create(ctx)
		}

		// At capacity: join the FIFO waiter queue.
		w := &waiter[H]{ch: make(chan waitResult[H], 1)}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case res := <-w.ch:
			if res.retry {
				continue
			}
			return res.handle, res.err
		case <-timeout:
			return p.abandonWait(w, ErrAcquireTimeout)
		case <-ctx.Done():
			return p.abandonWait(w, ctx.Err())
		}
	}
}

// abandonWait removes w from the queue, unless a result was handed to it
// concurrently, in which case that handoff wins. Handoffs happen under p.mu,
// so after the locked scan below the channel check is definitive: either w
// was still queued (nothing was or will be sent) or its result is buffered.
func (p *Pool[H]) abandonWait(w *waiter[H], cause error) (*Handle[H], error) {
	p.mu.Lock()
	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case res := <-w.ch:
		if res.handle != nil {
			return res.handle, nil
		}
		if res.err != nil {
			return nil, res.err
		}
		// A retry signal lost to the timeout carries nothing to return.
		return nil, cause
	default:
		return nil, cause
	}
}

// Release marks the handle idle and immediately serves the head of the
// waiter queue if any.
func (p *Pool[H]) Release(h *Handle[H]) {
	p.mu.Lock()
	if _, ok := p.handles[h.id]; !ok {
		// Destroyed while leased (drain). Nothing to return.
		p.mu.Unlock()
		return
	}
	h.inUse = false
	h.lastUsedAt = p.cfg.Now()

	if len(p.waiters) > 0 && !p.draining {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.leaseLocked(h)
		// Deliver while holding p.mu so dequeue and handoff are atomic with
		// respect to abandonWait; the buffered send cannot block.
		w.ch <- waitResult[H]{handle: h}
		p.mu.Unlock()
		return
	}

	draining := p.draining && p.inUseLocked() == 0
	p.mu.Unlock()

	if draining {
		select {
		case p.drainCh <- struct{}{}:
		default:
		}
	}
}

// Size returns the current handle count (leased + idle).
func (p *Pool[H]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// InUse returns the number of currently leased handles.
func (p *Pool[H]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUseLocked()
}

// Waiting returns the current waiter-queue depth.
func (p *Pool[H]) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Evict destroys idle handles older than IdleTimeout while keeping at least
// Min alive. Returns the number destroyed.
func (p *Pool[H]) Evict() int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := p.cfg.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var victims []*Handle[H]
	for _, h := range p.handles {
		if len(p.handles)-len(victims) <= p.cfg.Min {
			break
		}
		if !h.inUse && h.lastUsedAt.Before(cutoff) {
			victims = append(victims, h)
		}
	}
	for _, h := range victims {
		delete(p.handles, h.id)
	}
	p.mu.Unlock()

	if p.cfg.Destroy != nil {
		for _, h := range victims {
			p.cfg.Destroy(h.Resource)
		}
	}
	return len(victims)
}

// Drain stops accepting new acquisitions, rejects all queued waiters, waits
// (bounded by ctx) for leased handles to be released, then destroys every
// handle. Safe to call once; subsequent Acquires fail with ErrDraining.
func (p *Pool[H]) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	for _, w := range p.waiters {
		w.ch <- waitResult[H]{err: ErrDraining}
	}
	p.waiters = nil
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })

	for {
		p.mu.Lock()
		busy := p.inUseLocked()
		p.mu.Unlock()
		if busy == 0 {
			break
		}
		select {
		case <-p.drainCh:
		case <-ctx.Done():
			p.destroyAll()
			return ErrDrainTimeout
		}
	}

	p.destroyAll()
	return nil
}

// --- internal ---

func (p *Pool[H]) create(ctx context.Context) (*Handle[H], error) {
	res, err := p.cfg.Factory(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		// The reserved slot is free again; wake the head waiter so it can
		// retry creation instead of sleeping out its timeout.
		if len(p.waiters) > 0 && !p.draining && len(p.handles)+p.creating < p.cfg.Max {
			w := p.waiters[0]
			p.waiters = p.waiters[1:]
			w.ch <- waitResult[H]{retry: true}
		}
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: create handle: %w", err)
	}
	p.nextID++
	h := &Handle[H]{
		Resource:  res,
		id:        p.nextID,
		createdAt: p.cfg.Now(),
	}
	p.handles[h.id] = h
	p.leaseLocked(h)
	p.mu.Unlock()
	return h, nil
}

// ensureMin creates handles until the pool holds Min, idle.
func (p *Pool[H]) ensureMin(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.draining || len(p.handles)+p.creating >= p.cfg.Min {
			p.mu.Unlock()
			return
		}
		p.creating++
		p.mu.Unlock()

		res, err := p.cfg.Factory(ctx)
		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			return
		}
		p.nextID++
		h := &Handle[H]{
			Resource:   res,
			id:         p.nextID,
			createdAt:  p.cfg.Now(),
			lastUsedAt: p.cfg.Now(),
		}
		p.handles[h.id] = h
		p.mu.Unlock()
	}
}

func (p *Pool[H]) idleHandleLocked() *Handle[H] {
	for _, h := range p.handles {
		if !h.inUse {
			return h
		}
	}
	return nil
}

func (p *Pool[H]) leaseLocked(h *Handle[H]) {
	h.inUse = true
	h.uses++
	h.lastUsedAt = p.cfg.Now()
}

func (p *Pool[H]) inUseLocked() int {
	n := 0
	for _, h := range p.handles {
		if h.inUse {
			n++
		}
	}
	return n
}

// destroyLocked removes h under lock and replaces it in the background if
// that dropped the pool below Min. Destroy runs outside the lock.
func (p *Pool[H]) destroyLocked(h *Handle[H]) {
	delete(p.handles, h.id)
	belowMin := len(p.handles)+p.creating < p.cfg.Min && !p.draining
	if p.cfg.Destroy != nil {
		res := h.Resource
		go p.cfg.Destroy(res)
	}
	if belowMin {
		go p.ensureMin(context.Background())
	}
}

func (p *Pool[H]) destroyAll() {
	p.mu.Lock()
	all := make([]*Handle[H], 0, len(p.handles))
	for _, h := range p.handles {
		all = append(all, h)
	}
	p.handles = make(map[uint64]*Handle[H])
	p.mu.Unlock()

	if p.cfg.Destroy != nil {
		for _, h := range all {
			p.cfg.Destroy(h.Resource)
		}
	}
}

func (p *Pool[H]) evictLoop() {
	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Evict()
		}
	}
}
