package vm

// Frame holds one invocation's execution state. It is exclusively owned
// by the invocation that created it; the suspension machinery and the
// debug bridge only ever read it, and only while the owning thread is
// parked at a safe point.
//
// PC is the exported program counter: the offset other threads may
// trust. The dispatch loop runs on a private copy and writes it back
// before every call that can suspend the thread or raise an exception,
// and on every exit path.
type Frame struct {
	Method *Method
	PC     int
	Locals []Value
	Result Value

	hotness HotnessCounter
}

// NewFrame creates a frame for a method invocation with the given
// arguments copied into the leading local slots. The hotness counter
// starts disabled; activation through a VM replaces it via the
// aggregator.
func NewFrame(m *Method, args ...Value) *Frame {
	locals := make([]Value, m.NumLocals)
	for i := range locals {
		locals[i] = Nil
	}
	n := len(args)
	if n > m.Arity {
		n = m.Arity
	}
	copy(locals[:n], args)
	return &Frame{
		Method:  m,
		Locals:  locals,
		Result:  Nil,
		hotness: HotnessDisabled,
	}
}

// ExportPC publishes pc as the frame's externally consistent program
// counter.
func (f *Frame) ExportPC(pc int) {
	f.PC = pc
}

// Hotness returns the frame's current hotness counter.
func (f *Frame) Hotness() HotnessCounter {
	return f.hotness
}

// SetHotness replaces the frame's hotness counter wholesale.
func (f *Frame) SetHotness(h HotnessCounter) {
	f.hotness = h
}

// Local returns the value in slot i.
// Panics if i is out of range.
func (f *Frame) Local(i int) Value {
	return f.Locals[i]
}

// SetLocal stores v into slot i.
// Panics if i is out of range.
func (f *Frame) SetLocal(i int, v Value) {
	f.Locals[i] = v
}

// CopyLocals returns a snapshot of the local slots.
func (f *Frame) CopyLocals() []Value {
	out := make([]Value, len(f.Locals))
	copy(out, f.Locals)
	return out
}
