package vm

// ---------------------------------------------------------------------------
// Inline faults
// ---------------------------------------------------------------------------

// Fault identifies a runtime fault detected inline during instruction
// execution. The fast tier never builds an exception object for these:
// it exports the faulting pc and takes the fallback exit, leaving
// construction to the reference tier.
type Fault int

const (
	FaultNone Fault = iota
	FaultDivideByZero
	FaultNullDeref
	FaultBounds
	// FaultInternal covers malformed code reaching the reference tier:
	// unknown opcodes, bad method or type indices, operand shapes no
	// instruction accepts.
	FaultInternal
)

// String returns the fault's name.
func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultDivideByZero:
		return "divide-by-zero"
	case FaultNullDeref:
		return "null-dereference"
	case FaultBounds:
		return "index-out-of-bounds"
	case FaultInternal:
		return "internal-error"
	}
	return "?"
}

// ---------------------------------------------------------------------------
// Catch resolution
// ---------------------------------------------------------------------------

// FindCatchHandler walks the method's catch table for the first range
// covering throwPC whose type matches the exception. A nil range type
// matches anything; a typed range matches only reference exceptions
// whose type is the range type or a subtype. Returns the handler pc.
func FindCatchHandler(heap *Heap, m *Method, exc Value, throwPC int) (int, bool) {
	for i := range m.CatchTable {
		rng := &m.CatchTable[i]
		if !rng.Covers(throwPC) {
			continue
		}
		if rng.Type == nil {
			return rng.HandlerPC, true
		}
		obj := heap.FromValue(exc)
		if obj == nil {
			continue
		}
		if obj.RefTypeOf().IsSubtypeOf(rng.Type) {
			return rng.HandlerPC, true
		}
	}
	return 0, false
}

// ResolveCatch decides what to do with the thread's pending exception
// relative to the given frame and throw pc. It reports the handler pc
// when a local catch exists; the pending slot is left untouched either
// way; the resuming tier clears it when it actually enters the
// handler, and a propagating unwind keeps it for the caller.
func ResolveCatch(heap *Heap, t *Thread, f *Frame, throwPC int) (int, bool) {
	return FindCatchHandler(heap, f.Method, t.PendingException(), throwPC)
}
