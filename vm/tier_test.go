package vm

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCodeCacheRegisterLookup(t *testing.T) {
	cache := NewCodeCache()

	if entry := cache.Lookup("m", 0); entry != nil {
		t.Error("Empty cache should miss")
	}
	if cache.HasMethod("m") {
		t.Error("Empty cache should have no methods")
	}

	cache.Register(EntryKey{Name: "m", EntryPC: 0}, func(tr *OSRTransfer) Value { return FromSmallInt(1) })
	cache.Register(EntryKey{Name: "m", EntryPC: 8}, func(tr *OSRTransfer) Value { return FromSmallInt(2) })

	if cache.Size() != 2 {
		t.Errorf("Size = %d, want 2", cache.Size())
	}
	if !cache.HasMethod("m") {
		t.Error("HasMethod should see the registered entries")
	}
	if entry := cache.Lookup("m", 8); entry == nil || entry(nil).SmallInt() != 2 {
		t.Error("Lookup at pc 8 should find the second entry")
	}
	if entry := cache.Lookup("m", 4); entry != nil {
		t.Error("Lookup at an unregistered pc should miss")
	}

	// Re-registration replaces.
	cache.Register(EntryKey{Name: "m", EntryPC: 0}, func(tr *OSRTransfer) Value { return FromSmallInt(3) })
	if cache.Size() != 2 {
		t.Errorf("Size after re-register = %d, want 2", cache.Size())
	}
	if entry := cache.Lookup("m", 0); entry(nil).SmallInt() != 3 {
		t.Error("Later registration should win")
	}

	cache.Reset()
	if cache.Size() != 0 {
		t.Errorf("Size after reset = %d, want 0", cache.Size())
	}
}

// countingBackend counts Compile calls per method.
type countingBackend struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (b *countingBackend) Compile(m *Method) (map[int]CompiledEntry, error) {
	b.mu.Lock()
	if b.counts == nil {
		b.counts = make(map[string]int)
	}
	b.counts[m.FullName()]++
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return map[int]CompiledEntry{0: func(tr *OSRTransfer) Value { return Nil }}, nil
}

func (b *countingBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[name]
}

func waitForStats(t *testing.T, tm *TierManager, cond func(TierStats) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond(tm.Stats()) {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for tier stats, have %+v", tm.Stats())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTierManagerCompilesOnce(t *testing.T) {
	backend := &countingBackend{}
	tm := NewTierManager(NewCodeCache(), backend)
	tm.Enabled = true
	defer tm.Stop()

	a := testMethod("a")
	bm := testMethod("b")

	tm.Enqueue(a)
	waitForStats(t, tm, func(s TierStats) bool { return s.MethodsCompiled == 1 })
	if !tm.Cache().HasMethod("a") {
		t.Error("Compiled entries should be registered in the cache")
	}

	// A second enqueue of an already-compiled method is dropped. The
	// worker is serial, so once b is through, any a recompile would
	// have happened before it.
	tm.Enqueue(a)
	tm.Enqueue(bm)
	waitForStats(t, tm, func(s TierStats) bool { return s.MethodsCompiled == 2 })

	if n := backend.count("a"); n != 1 {
		t.Errorf("Method a compiled %d times, want 1", n)
	}
	if n := backend.count("b"); n != 1 {
		t.Errorf("Method b compiled %d times, want 1", n)
	}
}

func TestTierManagerCompileFailure(t *testing.T) {
	backend := &countingBackend{err: errors.New("unsupported shape")}
	tm := NewTierManager(NewCodeCache(), backend)
	tm.Enabled = true
	defer tm.Stop()

	tm.Enqueue(testMethod("broken"))
	waitForStats(t, tm, func(s TierStats) bool { return s.CompileFailures == 1 })

	stats := tm.Stats()
	if stats.MethodsCompiled != 0 {
		t.Errorf("MethodsCompiled = %d, want 0", stats.MethodsCompiled)
	}
	if stats.CacheEntries != 0 {
		t.Errorf("CacheEntries = %d, want 0", stats.CacheEntries)
	}
}

func TestTierManagerDropsWhenDisabled(t *testing.T) {
	backend := &countingBackend{}
	tm := NewTierManager(NewCodeCache(), backend)
	defer tm.Stop()

	tm.Enqueue(testMethod("cold"))
	tm.Enqueue(nil)

	stats := tm.Stats()
	if stats.QueueLength != 0 {
		t.Errorf("QueueLength = %d, want 0 while disabled", stats.QueueLength)
	}
	if n := backend.count("cold"); n != 0 {
		t.Errorf("Disabled manager compiled %d times, want 0", n)
	}
}
