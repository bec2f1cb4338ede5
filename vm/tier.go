package vm

import (
	"log"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Code cache
// ---------------------------------------------------------------------------

// CompiledEntry is a compiled code entry point. The interpreter crosses
// into it exactly once per invocation, handing over the live frame state
// through an OSRTransfer; the entry runs the invocation to completion
// and returns its raw result value.
type CompiledEntry func(tr *OSRTransfer) Value

// EntryKey identifies a compiled entry point: a method (by full name,
// the same key the aggregator uses) plus the pc at which execution may
// enter. EntryPC 0 is the whole-method entry; loop headers get their
// own entries so a running invocation can join mid-loop.
type EntryKey struct {
	Name    string
	EntryPC int
}

// CodeCache is the registry of compiled entry points. When a lookup
// hits, compiled code exists for that exact method/pc pair and the OSR
// coordinator may transfer into it.
type CodeCache struct {
	mu      sync.RWMutex
	entries map[EntryKey]CompiledEntry
}

// NewCodeCache creates an empty code cache.
func NewCodeCache() *CodeCache {
	return &CodeCache{entries: make(map[EntryKey]CompiledEntry)}
}

// Register installs an entry point. Later registrations for the same
// key win.
func (cc *CodeCache) Register(key EntryKey, entry CompiledEntry) {
	cc.mu.Lock()
	cc.entries[key] = entry
	cc.mu.Unlock()
}

// Lookup returns the entry for a method name and pc, or nil.
func (cc *CodeCache) Lookup(name string, pc int) CompiledEntry {
	cc.mu.RLock()
	entry := cc.entries[EntryKey{Name: name, EntryPC: pc}]
	cc.mu.RUnlock()
	return entry
}

// HasMethod reports whether any entry exists for the method name.
func (cc *CodeCache) HasMethod(name string) bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	for key := range cc.entries {
		if key.Name == name {
			return true
		}
	}
	return false
}

// Size returns the number of registered entry points.
func (cc *CodeCache) Size() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.entries)
}

// Reset drops every registered entry.
func (cc *CodeCache) Reset() {
	cc.mu.Lock()
	cc.entries = make(map[EntryKey]CompiledEntry)
	cc.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Tier manager
// ---------------------------------------------------------------------------

// Backend turns a hot method into compiled entry points, keyed by entry
// pc (0 for the method entry, loop-header pcs for OSR entries). The
// code generator itself lives outside this core; tests and embedders
// supply backends.
type Backend interface {
	Compile(m *Method) (map[int]CompiledEntry, error)
}

// tierWorkItem is a unit of compilation work.
type tierWorkItem struct {
	method *Method
}

// TierManager drives promotion of hot methods into the code cache. Hot
// reports land on a bounded queue and a single background worker runs
// the backend, so compilation never blocks an interpreting thread.
type TierManager struct {
	cache   *CodeCache
	backend Backend

	// Hot methods waiting for the worker
	pending chan tierWorkItem
	done    chan struct{}

	mu     sync.RWMutex
	queued map[string]bool // full names handed to the backend already

	methodsCompiled uint64
	compileFailures uint64

	Enabled    bool // master switch for promotion
	LogTiering bool // log when methods are compiled
}

// NewTierManager creates a tier manager feeding the given cache. A nil
// backend disables compilation: methods still promote to CheckOSR, but
// no entries ever appear.
func NewTierManager(cache *CodeCache, backend Backend) *TierManager {
	tm := &TierManager{
		cache:   cache,
		backend: backend,
		pending: make(chan tierWorkItem, 100),
		done:    make(chan struct{}),
		queued:  make(map[string]bool),
		Enabled: true,
	}

	go tm.compilationWorker()

	return tm
}

// Cache returns the code cache this manager fills.
func (tm *TierManager) Cache() *CodeCache {
	return tm.cache
}

// Enqueue adds a hot method to the compilation queue. Duplicate and
// queue-full enqueues are dropped.
func (tm *TierManager) Enqueue(m *Method) {
	if !tm.Enabled || m == nil {
		return
	}

	key := m.FullName()

	tm.mu.RLock()
	queued := tm.queued[key]
	tm.mu.RUnlock()
	if queued {
		return
	}

	select {
	case tm.pending <- tierWorkItem{method: m}:
	default:
		// queue full, the method stays interpreted
	}
}

// compilationWorker drains the pending queue until Stop.
func (tm *TierManager) compilationWorker() {
	for {
		select {
		case work := <-tm.pending:
			tm.compile(work.method)
		case <-tm.done:
			return
		}
	}
}

func (tm *TierManager) compile(m *Method) {
	key := m.FullName()

	// Mark before compiling so a racing enqueue doesn't double the work.
	tm.mu.Lock()
	if tm.queued[key] {
		tm.mu.Unlock()
		return
	}
	tm.queued[key] = true
	tm.mu.Unlock()

	if tm.backend == nil {
		return
	}

	entries, err := tm.backend.Compile(m)
	if err != nil {
		atomic.AddUint64(&tm.compileFailures, 1)
		if tm.LogTiering {
			log.Printf("TIER: compile %s failed: %v", key, err)
		}
		return
	}

	for pc, entry := range entries {
		tm.cache.Register(EntryKey{Name: key, EntryPC: pc}, entry)
	}
	atomic.AddUint64(&tm.methodsCompiled, 1)

	if tm.LogTiering {
		log.Printf("TIER: compiled %s (%d entry points)", key, len(entries))
	}
}

// TierStats holds tier manager statistics.
type TierStats struct {
	MethodsCompiled uint64
	CompileFailures uint64
	QueueLength     int
	CacheEntries    int
}

// Stats returns tier manager statistics.
func (tm *TierManager) Stats() TierStats {
	return TierStats{
		MethodsCompiled: atomic.LoadUint64(&tm.methodsCompiled),
		CompileFailures: atomic.LoadUint64(&tm.compileFailures),
		QueueLength:     len(tm.pending),
		CacheEntries:    tm.cache.Size(),
	}
}

// Stop shuts the worker down. Queued work is abandoned.
func (tm *TierManager) Stop() {
	close(tm.done)
}

// Reset clears queued bookkeeping and statistics. The code cache is
// reset separately.
func (tm *TierManager) Reset() {
	tm.mu.Lock()
	tm.queued = make(map[string]bool)
	tm.mu.Unlock()
	atomic.StoreUint64(&tm.methodsCompiled, 0)
	atomic.StoreUint64(&tm.compileFailures, 0)
}
