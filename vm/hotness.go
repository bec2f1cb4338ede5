package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// HotnessCounter: per-frame countdown
// ---------------------------------------------------------------------------

// CounterRegime distinguishes the three states a frame's hotness counter
// can be in. No sentinel integers: the regime is carried explicitly.
type CounterRegime uint8

const (
	// RegimeCounting: n taken backward branches remain before the next
	// batch report.
	RegimeCounting CounterRegime = iota
	// RegimeCheckOSR: compiled code may exist; poll the code cache at
	// every loop-header visit instead of counting.
	RegimeCheckOSR
	// RegimeDisabled: no profiling for this frame.
	RegimeDisabled
)

// HotnessCounter is the thread-local branch countdown. It lives in the
// frame, so decrementing it never synchronizes with other threads; only
// the batch report touches shared state. The counter is only ever
// decremented or replaced wholesale by a batch-report result.
type HotnessCounter struct {
	regime    CounterRegime
	remaining int32
	batch     int32 // starting value, reported when the countdown expires
}

// HotnessCounting returns a counter with n branches remaining.
// Panics if n is not positive.
func HotnessCounting(n int32) HotnessCounter {
	if n <= 0 {
		panic("HotnessCounting: n must be positive")
	}
	return HotnessCounter{regime: RegimeCounting, remaining: n, batch: n}
}

// Pre-built regimes with no countdown.
var (
	HotnessCheckOSR = HotnessCounter{regime: RegimeCheckOSR}
	HotnessDisabled = HotnessCounter{regime: RegimeDisabled}
)

// Regime returns the counter's regime.
func (h HotnessCounter) Regime() CounterRegime {
	return h.regime
}

// IsCounting reports whether the counter is actively counting down.
func (h HotnessCounter) IsCounting() bool { return h.regime == RegimeCounting }

// IsCheckOSR reports whether the counter is in the OSR-polling regime.
func (h HotnessCounter) IsCheckOSR() bool { return h.regime == RegimeCheckOSR }

// IsDisabled reports whether profiling is off for this frame.
func (h HotnessCounter) IsDisabled() bool { return h.regime == RegimeDisabled }

// Remaining returns the branches left before the next batch report.
// Zero for non-counting regimes.
func (h HotnessCounter) Remaining() int32 {
	if h.regime != RegimeCounting {
		return 0
	}
	return h.remaining
}

// CountBranch decrements the countdown for one taken backward branch.
// It reports whether the countdown just expired, meaning the caller owes
// the aggregator a batch report. Only meaningful in the counting regime;
// in the others it reports false.
func (h *HotnessCounter) CountBranch() bool {
	if h.regime != RegimeCounting {
		return false
	}
	h.remaining--
	return h.remaining == 0
}

// Batch returns the countdown's starting value.
func (h HotnessCounter) Batch() int32 {
	return h.batch
}

// ---------------------------------------------------------------------------
// Aggregator: shared hotness accounting
// ---------------------------------------------------------------------------

// MethodRecord holds the shared hotness tally for a single method.
// Counters are updated atomically; the promoted flag flips once, on
// the single report that crosses the threshold.
type MethodRecord struct {
	Method      *Method
	branches    uint64 // total taken backward branches reported
	invocations uint64 // total frame activations
	promoted    atomic.Bool
}

// BranchCount returns the total reported backward branches.
func (r *MethodRecord) BranchCount() uint64 {
	return atomic.LoadUint64(&r.branches)
}

// InvocationCount returns the total frame activations.
func (r *MethodRecord) InvocationCount() uint64 {
	return atomic.LoadUint64(&r.invocations)
}

// IsPromoted reports whether the method crossed the hot threshold.
func (r *MethodRecord) IsPromoted() bool {
	return r.promoted.Load()
}

// Aggregator receives batched hotness reports from all threads.
// Per-frame countdowns absorb the per-branch cost; the aggregator is
// touched once per batch, so it must only tolerate one LoadOrStore plus
// a couple of atomic adds per threshold crossing.
//
// Adapted from the method-invocation profiler: records are keyed by the
// method's full name, the same key the tier manager uses for its
// compilation queue.
type Aggregator struct {
	records sync.Map // string (method full name) -> *MethodRecord

	// BatchSize is the countdown handed to fresh frames and handed back
	// after each sub-threshold report.
	BatchSize int32

	// HotThreshold is the total branch count at which a method is
	// promoted and its frames move to the CheckOSR regime.
	HotThreshold uint64

	// OnHot is called exactly once per method, from the report that
	// crosses the threshold.
	OnHot func(method *Method, rec *MethodRecord)

	disabled      atomic.Bool
	promotedCount uint64

	// seeds holds branch totals loaded from a profile store, applied
	// when a method's record is first created.
	seedMu sync.Mutex
	seeds  map[string]uint64
}

// Default aggregator tuning.
const (
	DefaultBatchSize    int32  = 100
	DefaultHotThreshold uint64 = 1000
)

// NewAggregator creates an aggregator with default tuning.
func NewAggregator() *Aggregator {
	return &Aggregator{
		BatchSize:    DefaultBatchSize,
		HotThreshold: DefaultHotThreshold,
	}
}

// SetEnabled turns profiling on or off globally. While disabled, fresh
// counters and batch reports both come back Disabled.
func (p *Aggregator) SetEnabled(enabled bool) {
	p.disabled.Store(!enabled)
}

// Enabled reports whether profiling is on.
func (p *Aggregator) Enabled() bool {
	return !p.disabled.Load()
}

// record returns the record for a method, creating (and seeding) it on
// first use.
func (p *Aggregator) record(m *Method) *MethodRecord {
	key := m.FullName()
	if val, ok := p.records.Load(key); ok {
		return val.(*MethodRecord)
	}
	rec := &MethodRecord{Method: m}
	p.seedMu.Lock()
	if n, ok := p.seeds[key]; ok {
		rec.branches = n
	}
	p.seedMu.Unlock()
	val, _ := p.records.LoadOrStore(key, rec)
	return val.(*MethodRecord)
}

// FreshCounter returns the counter a newly activated frame starts with,
// and tallies the activation.
func (p *Aggregator) FreshCounter(m *Method) HotnessCounter {
	if p.disabled.Load() {
		return HotnessDisabled
	}
	rec := p.record(m)
	atomic.AddUint64(&rec.invocations, 1)
	if rec.promoted.Load() {
		return HotnessCheckOSR
	}
	return HotnessCounting(p.BatchSize)
}

// ReportBatch absorbs one expired countdown of n branches and returns the
// regime the reporting frame must adopt: a fresh countdown, CheckOSR once
// the method is promoted, or Disabled when profiling is off.
func (p *Aggregator) ReportBatch(m *Method, n int32) HotnessCounter {
	if p.disabled.Load() {
		return HotnessDisabled
	}
	rec := p.record(m)
	count := atomic.AddUint64(&rec.branches, uint64(n))

	// The CAS picks the one report that promotes; racing reporters all
	// see the crossed threshold but only the winner notifies.
	if count >= p.HotThreshold && rec.promoted.CompareAndSwap(false, true) {
		atomic.AddUint64(&p.promotedCount, 1)
		if p.OnHot != nil {
			p.OnHot(m, rec)
		}
	}

	if rec.promoted.Load() {
		return HotnessCheckOSR
	}
	return HotnessCounting(p.BatchSize)
}

// Seed installs a branch total for a method name, applied when the
// method's record is first created. Used for warm starts from a profile
// store.
func (p *Aggregator) Seed(name string, branches uint64) {
	p.seedMu.Lock()
	if p.seeds == nil {
		p.seeds = make(map[string]uint64)
	}
	p.seeds[name] = branches
	p.seedMu.Unlock()
}

// Record returns the record for a method name, or nil if not tracked.
func (p *Aggregator) Record(name string) *MethodRecord {
	if val, ok := p.records.Load(name); ok {
		return val.(*MethodRecord)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// AggregatorStats holds aggregate hotness statistics.
type AggregatorStats struct {
	TotalMethods     int    // number of methods tracked
	PromotedMethods  int    // number past the hot threshold
	TotalBranches    uint64 // total reported backward branches
	TotalInvocations uint64 // total frame activations
}

// Stats returns aggregate hotness statistics.
func (p *Aggregator) Stats() AggregatorStats {
	var stats AggregatorStats
	p.records.Range(func(key, value interface{}) bool {
		rec := value.(*MethodRecord)
		stats.TotalMethods++
		stats.TotalBranches += rec.BranchCount()
		stats.TotalInvocations += rec.InvocationCount()
		if rec.IsPromoted() {
			stats.PromotedMethods++
		}
		return true
	})
	return stats
}

// PromotedCount returns how many methods have been promoted.
func (p *Aggregator) PromotedCount() uint64 {
	return atomic.LoadUint64(&p.promotedCount)
}

// HotMethods returns the names of all promoted methods.
func (p *Aggregator) HotMethods() []string {
	var hot []string
	p.records.Range(func(key, value interface{}) bool {
		if value.(*MethodRecord).IsPromoted() {
			hot = append(hot, key.(string))
		}
		return true
	})
	return hot
}

// TopMethods returns the N methods with the most reported branches.
func (p *Aggregator) TopMethods(n int) []*MethodRecord {
	var all []*MethodRecord
	p.records.Range(func(key, value interface{}) bool {
		all = append(all, value.(*MethodRecord))
		return true
	})

	// Simple selection sort for top N (fine for small N)
	for i := 0; i < n && i < len(all); i++ {
		maxIdx := i
		for j := i + 1; j < len(all); j++ {
			if all[j].BranchCount() > all[maxIdx].BranchCount() {
				maxIdx = j
			}
		}
		all[i], all[maxIdx] = all[maxIdx], all[i]
	}

	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// Range calls fn for every tracked record until fn returns false.
func (p *Aggregator) Range(fn func(name string, rec *MethodRecord) bool) {
	p.records.Range(func(key, value interface{}) bool {
		return fn(key.(string), value.(*MethodRecord))
	})
}

// Reset clears all hotness data.
func (p *Aggregator) Reset() {
	p.records = sync.Map{}
	atomic.StoreUint64(&p.promotedCount, 0)
}
