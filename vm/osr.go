package vm

// OSRTransfer carries a running invocation across the boundary into
// compiled code. Locals holds the frame's live local values in slot
// order, exactly the layout a compiled entry expects to find them in;
// the entry owns the slice once the transfer is made. The interpreter
// builds one of these, calls the entry, and treats the invocation as
// returned: transfer is one-way and terminal.
type OSRTransfer struct {
	Method *Method
	PC     int
	Locals []Value
	Thread *Thread
}

// Local returns the transferred value in slot i.
func (tr *OSRTransfer) Local(i int) Value {
	return tr.Locals[i]
}

// MaybeTransfer is the OSR check performed while a frame's hotness
// counter sits in the CheckOSR regime. If the branch target is a loop
// header with a compiled entry, it exports the target pc, materializes
// the transfer struct, and runs the entry to completion. The second
// result reports whether the handoff happened; when true the raw result
// value is the invocation's result and the caller must not resume
// dispatch.
func MaybeTransfer(cache *CodeCache, t *Thread, f *Frame, targetPC int) (Value, bool) {
	if cache == nil || !f.Method.IsLoopHeader(targetPC) {
		return Nil, false
	}
	entry := cache.Lookup(f.Method.FullName(), targetPC)
	if entry == nil {
		return Nil, false
	}

	f.ExportPC(targetPC)
	tr := &OSRTransfer{
		Method: f.Method,
		PC:     targetPC,
		Locals: f.CopyLocals(),
		Thread: t,
	}
	return entry(tr), true
}
