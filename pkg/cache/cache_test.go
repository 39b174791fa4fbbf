package cache

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a mutable time source for deterministic TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, maxSize int, ttl time.Duration, clk *fakeClock) *Cache[string, string] {
	t.Helper()
	c, err := New(Config[string, string]{
		DefaultTTL: ttl,
		MaxSize:    maxSize,
		Now:        clk.Now,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func TestCache_InvalidConstruction(t *testing.T) {
	if _, err := New(Config[string, int]{DefaultTTL: 0, MaxSize: 1}); err == nil {
		t.Error("zero TTL should fail")
	}
	if _, err := New(Config[string, int]{DefaultTTL: time.Second, MaxSize: 0}); err == nil {
		t.Error("zero max size should fail")
	}
}

func TestCache_RoundTrip(t *testing.T) {
	c := newTestCache(t, 10, time.Minute, newFakeClock())
	c.Set("k", "payload-\x00\xffbytes")
	got, ok := c.Get("k")
	if !ok {
		t.Fatal("Get after Set missed")
	}
	if got != "payload-\x00\xffbytes" {
		t.Errorf("Get = %q, want stored value back unchanged", got)
	}
}

func TestCache_LRUEvictionRespectsRecency(t *testing.T) {
	clk := newFakeClock()
	c := newTestCache(t, 2, time.Minute, clk)

	c.Set("k1", "v1")
	clk.Advance(time.Millisecond)
	c.Set("k2", "v2")
	clk.Advance(time.Millisecond)
	c.Get("k1") // refresh k1 recency; k2 is now LRU
	clk.Advance(time.Millisecond)
	c.Set("k3", "v3")

	if c.Has("k2") {
		t.Error("k2 should have been evicted as least recently used")
	}
	if !c.Has("k1") {
		t.Error("k1 should survive: it was accessed after k2")
	}
	if !c.Has("k3") {
		t.Error("k3 should be present")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestCache_TTLExpiryOnAccess(t *testing.T) {
	clk := newFakeClock()
	c := newTestCache(t, 10, time.Minute, clk)

	c.SetTTL("k", "v", 10*time.Millisecond)
	clk.Advance(15 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Error("Get after TTL should miss")
	}
	st := c.Stats()
	if st.Expirations != 1 {
		t.Errorf("Expirations = %d, want 1", st.Expirations)
	}
	if st.Misses != 1 {
		t.Errorf("Misses = %d, want 1", st.Misses)
	}
}

func TestCache_SweepInvokesOnExpire(t *testing.T) {
	clk := newFakeClock()
	var expired []string
	c, err := New(Config[string, string]{
		DefaultTTL: 10 * time.Millisecond,
		MaxSize:    10,
		Now:        clk.Now,
		OnExpire:   func(k, _ string) { expired = append(expired, k) },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Stop()

	c.Set("a", "1")
	c.Set("b", "2")
	c.SetTTL("c", "3", time.Hour)

	clk.Advance(20 * time.Millisecond)
	if n := c.Sweep(); n != 2 {
		t.Errorf("Sweep removed %d, want 2", n)
	}
	if len(expired) != 2 {
		t.Errorf("OnExpire called %d times, want 2", len(expired))
	}
	if !c.Has("c") {
		t.Error("unexpired entry removed by sweep")
	}
}

func TestCache_TouchExtendsTTL(t *testing.T) {
	clk := newFakeClock()
	c := newTestCache(t, 10, 20*time.Millisecond, clk)

	c.Set("k", "v")
	clk.Advance(15 * time.Millisecond)
	if !c.Touch("k", 20*time.Millisecond) {
		t.Fatal("Touch on live entry returned false")
	}
	clk.Advance(15 * time.Millisecond) // would be past original expiry
	if _, ok := c.Get("k"); !ok {
		t.Error("entry expired despite Touch")
	}

	if c.Touch("absent", time.Second) {
		t.Error("Touch on absent key returned true")
	}
}

func TestCache_TTLRemaining(t *testing.T) {
	clk := newFakeClock()
	c := newTestCache(t, 10, time.Minute, clk)

	c.SetTTL("k", "v", 100*time.Millisecond)
	clk.Advance(40 * time.Millisecond)
	if got := c.TTL("k"); got != 60*time.Millisecond {
		t.Errorf("TTL = %v, want 60ms", got)
	}
	clk.Advance(100 * time.Millisecond)
	if got := c.TTL("k"); got != -1 {
		t.Errorf("TTL after expiry = %v, want -1", got)
	}
	if got := c.TTL("absent"); got != -1 {
		t.Errorf("TTL for absent key = %v, want -1", got)
	}
}

func TestCache_DeleteAndHas(t *testing.T) {
	c := newTestCache(t, 10, time.Minute, newFakeClock())
	c.Set("k", "v")
	if !c.Delete("k") {
		t.Error("Delete on present key returned false")
	}
	if c.Delete("k") {
		t.Error("Delete on absent key returned true")
	}
	if c.Has("k") {
		t.Error("Has after Delete returned true")
	}
}

func TestCache_HitRate(t *testing.T) {
	c := newTestCache(t, 10, time.Minute, newFakeClock())
	c.Set("k", "v")
	c.Get("k")
	c.Get("k")
	c.Get("missing")
	c.Get("missing2")

	if got := c.Stats().HitRate(); got != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", got)
	}
}

func TestCache_SizeNeverExceedsMax(t *testing.T) {
	clk := newFakeClock()
	c := newTestCache(t, 3, time.Minute, clk)
	for i := 0; i < 20; i++ {
		clk.Advance(time.Millisecond)
		c.Set(string(rune('a'+i)), "v")
		if c.Len() > 3 {
			t.Fatalf("Len = %d exceeds max 3", c.Len())
		}
	}
}

func TestCache_OverwriteDoesNotEvict(t *testing.T) {
	clk := newFakeClock()
	c := newTestCache(t, 2, time.Minute, clk)
	c.Set("k1", "v1")
	c.Set("k2", "v2")
	c.Set("k1", "v1-updated") // existing key: no eviction at capacity
	if !c.Has("k2") {
		t.Error("overwriting an existing key evicted another entry")
	}
	got, _ := c.Get("k1")
	if got != "v1-updated" {
		t.Errorf("Get(k1) = %q, want updated value", got)
	}
}
