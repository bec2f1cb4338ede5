package vm

import (
	"sync"
	"sync/atomic"
)

// Thread flag bits. Other threads communicate with a running dispatch
// loop exclusively by setting these bits; they never touch the frame.
const (
	// FlagSuspendRequest asks the thread to park at its next safe point.
	FlagSuspendRequest uint32 = 1 << 0
	// FlagCheckpointRequest asks the thread to run queued checkpoint
	// closures at its next safe point.
	FlagCheckpointRequest uint32 = 1 << 1
)

// CheckpointFn is a closure delivered to a thread at a safe point. It
// runs on the target thread, which is the only reason it may inspect the
// thread's frame.
type CheckpointFn func(t *Thread)

// Thread is one managed thread's execution context. The owning
// goroutine mutates everything; other threads only set flag bits and
// adjust the suspend count. The frame pointer is safe for others to
// read only while the thread is parked; the safe-point protocol is
// what makes that sound, not any lock on the frame itself.
type Thread struct {
	id   uint64
	name string

	flags atomic.Uint32

	frame *Frame // owner-written; externally read only while parked

	// pendingException is Nil when empty. Written by the owning thread
	// (runtime helpers and invoked methods execute on it).
	pendingException Value

	// SwitchFn is consulted after a suspend check and after a local
	// catch resolves: true mandates abandoning the fast tier. Supplied
	// by the tiering subsystem; nil means never.
	SwitchFn func(t *Thread, m *Method) bool

	mu           sync.Mutex
	cond         *sync.Cond
	suspendCount int
	checkpoints  []CheckpointFn
	parked       bool
}

// NewThread creates a thread context. The id lives in the same space as
// object ids so the debug wire can name threads directly.
func NewThread(id uint64, name string) *Thread {
	t := &Thread{
		id:               id,
		name:             name,
		pendingException: Nil,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// ID returns the thread id.
func (t *Thread) ID() uint64 {
	return t.id
}

// Name returns the thread name.
func (t *Thread) Name() string {
	return t.name
}

// Flags returns the current flag word.
func (t *Thread) Flags() uint32 {
	return t.flags.Load()
}

// CurrentFrame returns the frame the thread is executing.
func (t *Thread) CurrentFrame() *Frame {
	return t.frame
}

// SetCurrentFrame installs the frame the thread is about to execute.
// Owner only.
func (t *Thread) SetCurrentFrame(f *Frame) {
	t.frame = f
}

// ---------------------------------------------------------------------------
// Pending exception slot
// ---------------------------------------------------------------------------

// PendingException returns the pending exception, or Nil when the slot
// is empty.
func (t *Thread) PendingException() Value {
	return t.pendingException
}

// HasPendingException reports whether the slot is occupied.
func (t *Thread) HasPendingException() bool {
	return t.pendingException != Nil
}

// SetPendingException fills the slot. Owner only.
func (t *Thread) SetPendingException(exc Value) {
	t.pendingException = exc
}

// ClearPendingException empties the slot and returns what it held.
func (t *Thread) ClearPendingException() Value {
	exc := t.pendingException
	t.pendingException = Nil
	return exc
}

// ---------------------------------------------------------------------------
// Suspension requests (called from other threads)
// ---------------------------------------------------------------------------

// RequestSuspend asks the thread to park at its next safe point.
// Requests nest: each one must be matched by a Resume.
func (t *Thread) RequestSuspend() {
	t.mu.Lock()
	t.suspendCount++
	t.mu.Unlock()
	t.flags.Or(FlagSuspendRequest)
}

// Resume drops one suspend request. When the count reaches zero the
// flag clears and a parked thread wakes.
func (t *Thread) Resume() {
	t.mu.Lock()
	if t.suspendCount > 0 {
		t.suspendCount--
	}
	if t.suspendCount == 0 {
		t.flags.And(^FlagSuspendRequest)
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

// RequestCheckpoint queues fn to run on the thread at its next safe
// point.
func (t *Thread) RequestCheckpoint(fn CheckpointFn) {
	t.mu.Lock()
	t.checkpoints = append(t.checkpoints, fn)
	t.mu.Unlock()
	t.flags.Or(FlagCheckpointRequest)
}

// SuspendCount returns the number of outstanding suspend requests.
func (t *Thread) SuspendCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspendCount
}

// IsParked reports whether the thread is blocked at a safe point.
func (t *Thread) IsParked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parked
}

// WaitUntilParked blocks until the thread is parked at a safe point.
// Callers must have a suspend request outstanding, otherwise the park
// may end before this returns.
func (t *Thread) WaitUntilParked() {
	t.mu.Lock()
	for !t.parked {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

// ---------------------------------------------------------------------------
// The safe point (called from the owning thread)
// ---------------------------------------------------------------------------

// CheckSuspend is the blocking suspend-check operation. The caller must
// have exported the frame's pc first. It drains checkpoint requests,
// parks while suspension is requested, and on the way out reports
// whether a tier switch is now mandated, in which case the dispatch
// loop must take the fallback exit instead of resuming.
func (t *Thread) CheckSuspend(f *Frame) bool {
	for {
		flags := t.flags.Load()
		if flags&FlagCheckpointRequest != 0 {
			t.runCheckpoints()
			continue
		}
		if flags&FlagSuspendRequest != 0 {
			t.park()
			continue
		}
		break
	}
	if t.SwitchFn != nil && t.SwitchFn(t, f.Method) {
		return true
	}
	return false
}

func (t *Thread) runCheckpoints() {
	t.mu.Lock()
	// Clear the flag before taking the queue so a request landing after
	// the drain re-raises it rather than being lost.
	t.flags.And(^FlagCheckpointRequest)
	fns := t.checkpoints
	t.checkpoints = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

func (t *Thread) park() {
	t.mu.Lock()
	t.parked = true
	t.cond.Broadcast()
	for t.suspendCount > 0 {
		t.cond.Wait()
	}
	t.parked = false
	t.mu.Unlock()
}
