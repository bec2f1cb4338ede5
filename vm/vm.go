package vm

import (
	"fmt"
	"log"
	"sync"

	"github.com/chazu/harrier/jdwp"
)

// ---------------------------------------------------------------------------
// VM: The Harrier Virtual Machine
// ---------------------------------------------------------------------------

// RTHelper is a runtime helper callable from bytecode via CALL_RT.
// Helpers may raise exceptions by setting the thread's pending slot;
// the dispatch loop resolves them at the call site.
type RTHelper func(vm *VM, t *Thread, arg Value) Value

// VM is the main Harrier virtual machine: heap, global tables, thread
// registry, and the tiered execution machinery.
type VM struct {
	heap *Heap

	// Global tables
	tableMu       sync.RWMutex
	refTypes      []*RefType
	refTypeByName map[string]*RefType
	methods       []*Method
	methodByName  map[string]*Method
	helpers       []RTHelper

	// Well-known types (for fast-path checks and fault construction)
	ObjectType        *RefType
	arrayType         *RefType
	ThrowableType     *RefType
	DivideByZeroType  *RefType
	NullPointerType   *RefType
	BoundsType        *RefType
	InternalErrorType *RefType

	// Threads
	threadMu     sync.Mutex
	threads      map[uint64]*Thread
	nextThreadID uint64

	// Execution tiers
	fast *Interp
	ref  *RefInterp

	// Hotness profiling and tiered compilation
	agg   *Aggregator
	cache *CodeCache
	tiers *TierManager

	// Debugger wire bridge, nil unless attached
	debug DebugBridge

	// Breakpoints: method full name -> pc set. Inner maps are
	// copy-on-write so dispatch loops read them without locking.
	breakpointMu sync.RWMutex
	breakpoints  map[string]map[int]bool

	// Checkpoint snapshots and profile persistence
	sink  CheckpointSink
	store *ProfileStore

	// SwitchFn is the tier-switch predicate installed on new threads.
	// Nil means never mandate a switch.
	SwitchFn func(*Thread, *Method) bool

	// LogExecution logs tier transitions per invocation.
	LogExecution bool
}

// NewVM creates and bootstraps a new VM.
func NewVM() *VM {
	vm := &VM{
		heap:          NewHeap(),
		refTypeByName: make(map[string]*RefType),
		methodByName:  make(map[string]*Method),
		threads:       make(map[uint64]*Thread),
		breakpoints:   make(map[string]map[int]bool),
		agg:           NewAggregator(),
		cache:         NewCodeCache(),
	}

	vm.bootstrap()

	vm.fast = NewInterp(vm)
	vm.ref = NewRefInterp(vm)

	return vm
}

// ---------------------------------------------------------------------------
// Bootstrap: Create well-known types
// ---------------------------------------------------------------------------

func (vm *VM) bootstrap() {
	// Object is the root of the type hierarchy.
	vm.ObjectType = vm.RegisterRefType(&RefType{Name: "Object", Signature: "LObject;"})
	vm.arrayType = vm.RegisterRefType(&RefType{Name: "Array", Signature: "[LObject;", Super: vm.ObjectType})

	// Fault hierarchy: every inline fault the machine can raise has a
	// type here, each carrying the faulting pc in field 0.
	vm.ThrowableType = vm.RegisterRefType(&RefType{Name: "Throwable", Signature: "LThrowable;", NumFields: 1, Super: vm.ObjectType})
	vm.DivideByZeroType = vm.RegisterRefType(&RefType{Name: "DivideByZeroError", Signature: "LDivideByZeroError;", NumFields: 1, Super: vm.ThrowableType})
	vm.NullPointerType = vm.RegisterRefType(&RefType{Name: "NullPointerError", Signature: "LNullPointerError;", NumFields: 1, Super: vm.ThrowableType})
	vm.BoundsType = vm.RegisterRefType(&RefType{Name: "BoundsError", Signature: "LBoundsError;", NumFields: 1, Super: vm.ThrowableType})
	vm.InternalErrorType = vm.RegisterRefType(&RefType{Name: "InternalError", Signature: "LInternalError;", NumFields: 1, Super: vm.ThrowableType})
}

// ---------------------------------------------------------------------------
// Global tables
// ---------------------------------------------------------------------------

// RegisterRefType adds a type to the global table, stamping its wire
// id, and returns it. Reregistering a name replaces the lookup entry
// but ids are never reused.
func (vm *VM) RegisterRefType(rt *RefType) *RefType {
	vm.tableMu.Lock()
	vm.refTypes = append(vm.refTypes, rt)
	rt.ID = jdwp.RefTypeID(len(vm.refTypes))
	vm.refTypeByName[rt.Name] = rt
	vm.tableMu.Unlock()

	if d := vm.debug; d != nil && d.IsActive() {
		d.PostClassPrepare(0, rt.ID, rt.Signature)
	}
	return rt
}

// RefTypeByIndex returns the type with the given table index, or nil.
func (vm *VM) RefTypeByIndex(i int) *RefType {
	vm.tableMu.RLock()
	defer vm.tableMu.RUnlock()
	if i < 0 || i >= len(vm.refTypes) {
		return nil
	}
	return vm.refTypes[i]
}

// RefTypeByName returns the named type, or nil.
func (vm *VM) RefTypeByName(name string) *RefType {
	vm.tableMu.RLock()
	defer vm.tableMu.RUnlock()
	return vm.refTypeByName[name]
}

// RefTypeByID returns the type with the given wire id, or nil.
func (vm *VM) RefTypeByID(id jdwp.RefTypeID) *RefType {
	return vm.RefTypeByIndex(int(id) - 1)
}

// RegisterMethod adds a method to the global table, stamping its wire
// id, and returns its table index for INVOKE operands.
func (vm *VM) RegisterMethod(m *Method) int {
	vm.tableMu.Lock()
	defer vm.tableMu.Unlock()
	vm.methods = append(vm.methods, m)
	m.id = jdwp.MethodID(len(vm.methods))
	vm.methodByName[m.FullName()] = m
	return len(vm.methods) - 1
}

// MethodByIndex returns the method with the given table index, or nil.
func (vm *VM) MethodByIndex(i int) *Method {
	vm.tableMu.RLock()
	defer vm.tableMu.RUnlock()
	if i < 0 || i >= len(vm.methods) {
		return nil
	}
	return vm.methods[i]
}

// MethodByName returns the method with the given full name, or nil.
func (vm *VM) MethodByName(name string) *Method {
	vm.tableMu.RLock()
	defer vm.tableMu.RUnlock()
	return vm.methodByName[name]
}

// MethodByID returns the method with the given wire id, or nil.
func (vm *VM) MethodByID(id jdwp.MethodID) *Method {
	return vm.MethodByIndex(int(id) - 1)
}

// RegisterHelper adds a runtime helper and returns its table index for
// CALL_RT operands.
func (vm *VM) RegisterHelper(h RTHelper) int {
	vm.tableMu.Lock()
	defer vm.tableMu.Unlock()
	vm.helpers = append(vm.helpers, h)
	return len(vm.helpers) - 1
}

// HelperByIndex returns the helper with the given table index, or nil.
func (vm *VM) HelperByIndex(i int) RTHelper {
	vm.tableMu.RLock()
	defer vm.tableMu.RUnlock()
	if i < 0 || i >= len(vm.helpers) {
		return nil
	}
	return vm.helpers[i]
}

// GetHeap returns the VM's heap.
func (vm *VM) GetHeap() *Heap {
	return vm.heap
}

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

// NewThread creates and registers an execution thread. The VM's
// tier-switch predicate is installed on it.
func (vm *VM) NewThread(name string) *Thread {
	vm.threadMu.Lock()
	vm.nextThreadID++
	t := NewThread(vm.nextThreadID, name)
	t.SwitchFn = vm.SwitchFn
	vm.threads[t.ID()] = t
	vm.threadMu.Unlock()

	if d := vm.debug; d != nil && d.IsActive() {
		d.PostThreadChange(jdwp.EventKindThreadStart, jdwp.ThreadID(t.ID()))
	}
	return t
}

// Thread returns the registered thread with the given id, or nil.
func (vm *VM) Thread(id uint64) *Thread {
	vm.threadMu.Lock()
	defer vm.threadMu.Unlock()
	return vm.threads[id]
}

// Threads returns a snapshot of all registered threads.
func (vm *VM) Threads() []*Thread {
	vm.threadMu.Lock()
	defer vm.threadMu.Unlock()
	out := make([]*Thread, 0, len(vm.threads))
	for _, t := range vm.threads {
		out = append(out, t)
	}
	return out
}

// RemoveThread unregisters a finished thread.
func (vm *VM) RemoveThread(t *Thread) {
	vm.threadMu.Lock()
	delete(vm.threads, t.ID())
	vm.threadMu.Unlock()

	if d := vm.debug; d != nil && d.IsActive() {
		d.PostThreadChange(jdwp.EventKindThreadDeath, jdwp.ThreadID(t.ID()))
	}
}

// SuspendAll requests suspension of every registered thread. Threads
// park at their next safe point; this does not wait for them.
func (vm *VM) SuspendAll() {
	for _, t := range vm.Threads() {
		t.RequestSuspend()
	}
}

// ResumeAll undoes one SuspendAll.
func (vm *VM) ResumeAll() {
	for _, t := range vm.Threads() {
		t.Resume()
	}
}

// ---------------------------------------------------------------------------
// Tiered compilation
// ---------------------------------------------------------------------------

// EnableTiering wires a compilation backend into the hotness pipeline:
// methods the aggregator promotes are queued for compilation, and their
// entries land in the code cache where the OSR juncture finds them.
// Returns the tier manager for configuration.
func (vm *VM) EnableTiering(backend Backend) *TierManager {
	if vm.tiers == nil {
		vm.tiers = NewTierManager(vm.cache, backend)
		vm.agg.OnHot = func(m *Method, rec *MethodRecord) {
			vm.tiers.Enqueue(m)
		}
	}
	vm.tiers.Enabled = true
	vm.agg.SetEnabled(true)
	return vm.tiers
}

// DisableTiering stops promoting methods. Already-compiled entries
// stay in the cache.
func (vm *VM) DisableTiering() {
	if vm.tiers != nil {
		vm.tiers.Enabled = false
	}
	vm.agg.SetEnabled(false)
}

// GetAggregator returns the VM's hotness aggregator.
func (vm *VM) GetAggregator() *Aggregator {
	return vm.agg
}

// GetCodeCache returns the VM's compiled-entry cache.
func (vm *VM) GetCodeCache() *CodeCache {
	return vm.cache
}

// GetTierManager returns the tier manager, or nil if tiering was never
// enabled.
func (vm *VM) GetTierManager() *TierManager {
	return vm.tiers
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Invoke runs a method on the given thread until it completes,
// unwinds, or is retried in the reference tier. The result value is
// coerced to the method's declared return kind. An exception that
// unwinds past this invocation stays pending on the thread; callers
// check HasPendingException.
func (vm *VM) Invoke(t *Thread, m *Method, args ...Value) Value {
	return vm.invoke(t, m, args)
}

func (vm *VM) invoke(t *Thread, m *Method, args []Value) Value {
	f := NewFrame(m, args...)
	f.SetHotness(vm.agg.FreshCounter(m))

	caller := t.CurrentFrame()
	t.SetCurrentFrame(f)
	defer t.SetCurrentFrame(caller)

	// A whole-method compiled entry bypasses interpretation outright.
	if entry := vm.cache.Lookup(m.FullName(), 0); entry != nil {
		tr := &OSRTransfer{Method: m, PC: 0, Locals: f.CopyLocals(), Thread: t}
		return m.Return.Coerce(entry(tr))
	}

	outcome := vm.fast.RunFast(t, f)
	if outcome == OutcomeFallback {
		if vm.LogExecution {
			log.Printf("EXEC: %s -> reference tier at pc=%d", m.FullName(), f.PC)
		}
		outcome = vm.ref.Run(t, f)
	}

	switch outcome {
	case OutcomeReturn:
		return f.Result
	case OutcomeUnwind:
		if caller == nil {
			vm.postUncaught(t, f)
		}
		return Nil
	}
	// Unreachable: the reference tier never falls back.
	panic(fmt.Sprintf("vm: invocation of %s ended with outcome %v", m.FullName(), outcome))
}

// postUncaught reports an exception that unwound out of the outermost
// frame. The catch location is left zero: nothing catches it.
func (vm *VM) postUncaught(t *Thread, f *Frame) {
	d := vm.debug
	if d == nil || !d.IsActive() {
		return
	}
	exc := vm.heap.FromValue(t.PendingException())
	if exc == nil {
		return
	}
	throwLoc := f.Method.Location(f.PC)
	d.PostException(jdwp.ThreadID(t.ID()), throwLoc, jdwp.ObjectID(exc.ID()), jdwp.Location{})
}

// ---------------------------------------------------------------------------
// Faults
// ---------------------------------------------------------------------------

// FaultType maps a fault kind to its bootstrapped exception type.
func (vm *VM) FaultType(fault Fault) *RefType {
	switch fault {
	case FaultDivideByZero:
		return vm.DivideByZeroType
	case FaultNullDeref:
		return vm.NullPointerType
	case FaultBounds:
		return vm.BoundsType
	}
	return vm.InternalErrorType
}

// RaiseFault materializes a fault as a heap exception object with the
// faulting pc in field 0, sets it pending on the thread, and returns
// its ref.
func (vm *VM) RaiseFault(t *Thread, fault Fault, pc int) Value {
	rt := vm.FaultType(fault)
	ref := vm.heap.NewObject(rt, rt.NumFields)
	if obj := vm.heap.FromValue(ref); obj != nil {
		obj.SetField(0, FromSmallInt(int64(pc)))
	}
	t.SetPendingException(ref)
	return ref
}

// Throw sets an exception pending on the thread. The next resolution
// juncture routes it.
func (vm *VM) Throw(t *Thread, exc Value) {
	t.SetPendingException(exc)
}

// ---------------------------------------------------------------------------
// Breakpoints and the debug bridge
// ---------------------------------------------------------------------------

// SetDebugBridge attaches a debugger wire bridge. Pass nil to detach.
func (vm *VM) SetDebugBridge(d DebugBridge) {
	vm.debug = d
}

// GetDebugBridge returns the attached bridge, or nil.
func (vm *VM) GetDebugBridge() DebugBridge {
	return vm.debug
}

// SetBreakpoint arms a breakpoint at an instruction start. The inner
// pc set is replaced wholesale so running dispatch loops can read
// their snapshot without locks.
func (vm *VM) SetBreakpoint(m *Method, pc int) {
	vm.breakpointMu.Lock()
	defer vm.breakpointMu.Unlock()
	next := make(map[int]bool, len(vm.breakpoints[m.FullName()])+1)
	for k := range vm.breakpoints[m.FullName()] {
		next[k] = true
	}
	next[pc] = true
	vm.breakpoints[m.FullName()] = next
}

// ClearBreakpoint disarms a breakpoint.
func (vm *VM) ClearBreakpoint(m *Method, pc int) {
	vm.breakpointMu.Lock()
	defer vm.breakpointMu.Unlock()
	old := vm.breakpoints[m.FullName()]
	if old == nil || !old[pc] {
		return
	}
	if len(old) == 1 {
		delete(vm.breakpoints, m.FullName())
		return
	}
	next := make(map[int]bool, len(old)-1)
	for k := range old {
		if k != pc {
			next[k] = true
		}
	}
	vm.breakpoints[m.FullName()] = next
}

// breakpointsFor returns the method's armed pc set, or nil. The map is
// immutable once returned; arming or disarming installs a fresh one,
// visible to the next invocation.
func (vm *VM) breakpointsFor(m *Method) map[int]bool {
	vm.breakpointMu.RLock()
	defer vm.breakpointMu.RUnlock()
	return vm.breakpoints[m.FullName()]
}

// notifyBreakpoint posts a breakpoint hit to the bridge and, when the
// event's suspend policy demands it, parks the thread right here until
// the debugger resumes it.
func (vm *VM) notifyBreakpoint(t *Thread, f *Frame, pc int) {
	d := vm.debug
	if d == nil || !d.IsActive() {
		return
	}
	suspend := d.PostLocationEvent(jdwp.EventKindBreakpoint, jdwp.ThreadID(t.ID()), f.Method.Location(pc))
	if suspend {
		t.RequestSuspend()
		t.CheckSuspend(f)
	}
}

// ---------------------------------------------------------------------------
// Checkpoints and profile persistence
// ---------------------------------------------------------------------------

// SetCheckpointSink installs the destination for checkpoint snapshots.
func (vm *VM) SetCheckpointSink(s CheckpointSink) {
	vm.sink = s
}

// RequestSnapshot enqueues a checkpoint on the thread: at its next
// safe point the thread serializes its own exported frame state into
// the sink.
func (vm *VM) RequestSnapshot(t *Thread) {
	t.RequestCheckpoint(func(t *Thread) {
		if vm.sink == nil {
			return
		}
		snap := CaptureSnapshot(t)
		if snap == nil {
			return
		}
		data, err := MarshalSnapshot(snap)
		if err != nil {
			log.Printf("CHECKPOINT: thread %d: %v", t.ID(), err)
			return
		}
		vm.sink.WriteSnapshot(t.ID(), data)
	})
}

// SetProfileStore installs a persistent store for hotness profiles.
func (vm *VM) SetProfileStore(s *ProfileStore) {
	vm.store = s
}

// SaveProfile persists the aggregator's current profile.
func (vm *VM) SaveProfile() error {
	if vm.store == nil {
		return nil
	}
	return vm.store.Save(vm.agg)
}

// LoadProfile seeds the aggregator from the persistent store, so
// methods hot in a previous run promote early in this one.
func (vm *VM) LoadProfile() error {
	if vm.store == nil {
		return nil
	}
	return vm.store.LoadInto(vm.agg)
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

// Shutdown stops the compilation worker, persists the hotness profile,
// and tears down the debug bridge. Safe to call once.
func (vm *VM) Shutdown() error {
	var firstErr error

	if vm.tiers != nil {
		vm.tiers.Stop()
	}
	if err := vm.SaveProfile(); err != nil {
		firstErr = fmt.Errorf("saving profile: %w", err)
	}
	if vm.store != nil {
		if err := vm.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing profile store: %w", err)
		}
	}
	if d := vm.debug; d != nil && d.IsActive() {
		d.PostVMDeath()
		if err := d.Shutdown(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutting down debug bridge: %w", err)
		}
	}
	return firstErr
}
