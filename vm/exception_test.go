package vm

import "testing"

func TestFindCatchHandlerRanges(t *testing.T) {
	machine := NewVM()
	heap := machine.GetHeap()
	exc := heap.NewObject(machine.ThrowableType, 1)

	m := &Method{
		Code: make([]byte, 16),
		CatchTable: []CatchRange{
			{StartPC: 4, EndPC: 8, HandlerPC: 12},
		},
	}

	tests := []struct {
		pc     int
		wantPC int
		wantOK bool
	}{
		{3, 0, false},
		{4, 12, true},
		{7, 12, true},
		{8, 0, false},
	}
	for _, tt := range tests {
		handlerPC, ok := FindCatchHandler(heap, m, exc, tt.pc)
		if ok != tt.wantOK || handlerPC != tt.wantPC {
			t.Errorf("FindCatchHandler(pc=%d) = %d, %v, want %d, %v",
				tt.pc, handlerPC, ok, tt.wantPC, tt.wantOK)
		}
	}
}

func TestFindCatchHandlerFirstRangeWins(t *testing.T) {
	machine := NewVM()
	heap := machine.GetHeap()
	exc := heap.NewObject(machine.ThrowableType, 1)

	m := &Method{
		Code: make([]byte, 16),
		CatchTable: []CatchRange{
			{StartPC: 0, EndPC: 8, HandlerPC: 10},
			{StartPC: 0, EndPC: 8, HandlerPC: 14},
		},
	}

	handlerPC, ok := FindCatchHandler(heap, m, exc, 2)
	if !ok || handlerPC != 10 {
		t.Errorf("FindCatchHandler = %d, %v, want the first handler 10", handlerPC, ok)
	}
}

func TestFindCatchHandlerTypeFilter(t *testing.T) {
	machine := NewVM()
	heap := machine.GetHeap()
	divExc := heap.NewObject(machine.DivideByZeroType, 1)

	// A mismatched typed range is skipped in favor of a later match.
	m := &Method{
		Code: make([]byte, 16),
		CatchTable: []CatchRange{
			{StartPC: 0, EndPC: 8, HandlerPC: 10, Type: machine.NullPointerType},
			{StartPC: 0, EndPC: 8, HandlerPC: 12, Type: machine.DivideByZeroType},
		},
	}
	if handlerPC, ok := FindCatchHandler(heap, m, divExc, 2); !ok || handlerPC != 12 {
		t.Errorf("Typed lookup = %d, %v, want 12, true", handlerPC, ok)
	}

	// A supertype range catches subtype exceptions.
	m.CatchTable = []CatchRange{
		{StartPC: 0, EndPC: 8, HandlerPC: 10, Type: machine.ThrowableType},
	}
	if handlerPC, ok := FindCatchHandler(heap, m, divExc, 2); !ok || handlerPC != 10 {
		t.Errorf("Supertype lookup = %d, %v, want 10, true", handlerPC, ok)
	}

	// A typed range never matches a non-reference exception value, but
	// a catch-all still does.
	m.CatchTable = []CatchRange{
		{StartPC: 0, EndPC: 8, HandlerPC: 10, Type: machine.ThrowableType},
		{StartPC: 0, EndPC: 8, HandlerPC: 14},
	}
	if handlerPC, ok := FindCatchHandler(heap, m, FromSmallInt(3), 2); !ok || handlerPC != 14 {
		t.Errorf("Non-ref lookup = %d, %v, want the catch-all at 14", handlerPC, ok)
	}
}

func TestIsSubtypeOfChain(t *testing.T) {
	machine := NewVM()

	if !machine.DivideByZeroType.IsSubtypeOf(machine.DivideByZeroType) {
		t.Error("A type is a subtype of itself")
	}
	if !machine.DivideByZeroType.IsSubtypeOf(machine.ObjectType) {
		t.Error("Every type is a subtype of Object")
	}
	if machine.ThrowableType.IsSubtypeOf(machine.DivideByZeroType) {
		t.Error("A supertype is not a subtype of its child")
	}
}

func TestRaiseFaultFillsPC(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	machine.RaiseFault(th, FaultBounds, 42)
	if !th.HasPendingException() {
		t.Fatal("RaiseFault should set the pending exception")
	}
	exc := machine.GetHeap().FromValue(th.PendingException())
	if exc.RefTypeOf() != machine.BoundsType {
		t.Errorf("Exception type = %v, want Bounds", exc.RefTypeOf().Name)
	}
	if pc := exc.Field(0); !pc.IsSmallInt() || pc.SmallInt() != 42 {
		t.Errorf("Exception pc field = %v, want 42", pc)
	}
}

// TestMandateOverridesCatch drives a thrown, locally caught exception
// through a thread whose tier mandate is already raised: the frame must
// take the fallback exit at the handler pc with the exception still
// pending, so the reference tier enters the handler itself.
func TestMandateOverridesCatch(t *testing.T) {
	machine := NewVM()
	machine.SwitchFn = func(t *Thread, m *Method) bool { return true }
	th := machine.NewThread("test")

	b := NewMethodBuilder("caught", 1)
	b.SetNumLocals(2)
	b.SetReturn(ReturnRef)
	c := b.Code()
	tryStart := c.NewLabel()
	tryEnd := c.NewLabel()
	handler := c.NewLabel()
	c.Mark(tryStart)
	c.EmitReg(OpThrow, 0)
	c.Mark(tryEnd)
	c.Mark(handler)
	handlerPC := c.Len()
	c.EmitReg(OpMoveExc, 1)
	c.EmitReg(OpReturn, 1)
	b.Catch(tryStart, tryEnd, handler, nil)
	m := b.Build()

	exc := machine.GetHeap().NewObject(machine.ThrowableType, 1)
	f := NewFrame(m, exc)

	outcome := machine.fast.RunFast(th, f)
	if outcome != OutcomeFallback {
		t.Fatalf("Outcome = %v, want fallback", outcome)
	}
	if f.PC != handlerPC {
		t.Errorf("Exported pc = %d, want handler %d", f.PC, handlerPC)
	}
	// The handler has not run yet; its MOVE_EXC still expects the slot.
	if !th.HasPendingException() {
		t.Fatal("Pending exception must survive a mandated switch")
	}
	if th.PendingException() != exc {
		t.Error("Pending slot should still hold the thrown object")
	}

	// The reference tier resumes at the handler and completes it.
	if ref := machine.ref.Run(th, f); ref != OutcomeReturn {
		t.Fatalf("Reference outcome = %v, want return", ref)
	}
	if f.Result != exc {
		t.Errorf("Handler result = %v, want the thrown object", f.Result)
	}
	if th.HasPendingException() {
		t.Error("MOVE_EXC in the reference tier should clear the slot")
	}
}
