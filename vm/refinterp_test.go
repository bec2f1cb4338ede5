package vm

import "testing"

func TestSmallIntWraparound(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	b := NewMethodBuilder("addpair", 2)
	b.SetNumLocals(3)
	c := b.Code()
	c.EmitRegRegReg(OpAdd, 2, 0, 1)
	c.EmitReg(OpReturn, 2)
	m := b.Build()
	machine.RegisterMethod(m)

	// MaxSmallInt+1 overflows the fast tier; the authoritative result
	// wraps into the small-int range.
	result := machine.Invoke(th, m, FromSmallInt(MaxSmallInt), FromSmallInt(1))
	if !result.IsSmallInt() || result.SmallInt() != MinSmallInt {
		t.Errorf("max+1 = %v, want %d", result, MinSmallInt)
	}

	result = machine.Invoke(th, m, FromSmallInt(MinSmallInt), FromSmallInt(-1))
	if !result.IsSmallInt() || result.SmallInt() != MaxSmallInt {
		t.Errorf("min-1 = %v, want %d", result, MaxSmallInt)
	}
}

func TestMixedShapesPromoteToFloat(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	b := NewMethodBuilder("addpair", 2)
	b.SetNumLocals(3)
	b.SetReturn(ReturnFloat)
	c := b.Code()
	c.EmitRegRegReg(OpAdd, 2, 0, 1)
	c.EmitReg(OpReturn, 2)
	m := b.Build()
	machine.RegisterMethod(m)

	result := machine.Invoke(th, m, FromSmallInt(3), FromFloat64(0.5))
	if !result.IsFloat() || result.Float64() != 3.5 {
		t.Errorf("3 + 0.5 = %v, want 3.5", result)
	}
}

func TestFloatRemainder(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	b := NewMethodBuilder("rempair", 2)
	b.SetNumLocals(3)
	b.SetReturn(ReturnFloat)
	c := b.Code()
	c.EmitRegRegReg(OpRem, 2, 0, 1)
	c.EmitReg(OpReturn, 2)
	m := b.Build()
	machine.RegisterMethod(m)

	result := machine.Invoke(th, m, FromFloat64(7.5), FromFloat64(2.0))
	if !result.IsFloat() || result.Float64() != 1.5 {
		t.Errorf("7.5 rem 2.0 = %v, want 1.5", result)
	}
}

// buildSafeDiv builds a/b with an optional typed handler that catches
// the divide fault and returns the exception object itself.
func buildSafeDiv(machine *VM, catchType *RefType, withCatch bool) (*Method, int) {
	b := NewMethodBuilder("safediv", 2)
	b.SetNumLocals(4)
	b.SetReturn(ReturnRef)
	c := b.Code()

	tryStart := c.NewLabel()
	tryEnd := c.NewLabel()
	handler := c.NewLabel()

	c.Mark(tryStart)
	divPC := c.Len()
	c.EmitRegRegReg(OpDiv, 2, 0, 1)
	c.Mark(tryEnd)
	c.EmitReg(OpReturn, 2)
	c.Mark(handler)
	c.EmitReg(OpMoveExc, 3)
	c.EmitReg(OpReturn, 3)

	if withCatch {
		b.Catch(tryStart, tryEnd, handler, catchType)
	}
	return b.Build(), divPC
}

func TestDivideByZeroCaughtLocally(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	m, divPC := buildSafeDiv(machine, machine.DivideByZeroType, true)
	machine.RegisterMethod(m)

	// Normal path first: no fault, no handler involvement.
	result := machine.Invoke(th, m, FromSmallInt(10), FromSmallInt(2))
	if !result.IsSmallInt() || result.SmallInt() != 5 {
		t.Fatalf("safediv(10, 2) = %v, want 5", result)
	}

	// Faulting path: the handler receives the exception object.
	result = machine.Invoke(th, m, FromSmallInt(10), FromSmallInt(0))
	exc := machine.GetHeap().FromValue(result)
	if exc == nil {
		t.Fatalf("safediv(10, 0) = %v, want an exception object", result)
	}
	if exc.RefTypeOf() != machine.DivideByZeroType {
		t.Errorf("Exception type = %v, want DivideByZero", exc.RefTypeOf().Name)
	}
	if pc := exc.Field(0); !pc.IsSmallInt() || int(pc.SmallInt()) != divPC {
		t.Errorf("Exception pc = %v, want %d", pc, divPC)
	}
	// MOVE_EXC consumed the pending slot.
	if th.HasPendingException() {
		t.Error("Pending exception should be cleared by the handler")
	}
}

func TestUncaughtFaultUnwinds(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	m, divPC := buildSafeDiv(machine, nil, false)
	machine.RegisterMethod(m)

	result := machine.Invoke(th, m, FromSmallInt(10), FromSmallInt(0))
	if result != Nil {
		t.Errorf("Uncaught invocation returned %v, want nil", result)
	}
	if !th.HasPendingException() {
		t.Fatal("Unwind should leave the pending exception set")
	}
	exc := machine.GetHeap().FromValue(th.PendingException())
	if exc.RefTypeOf() != machine.DivideByZeroType {
		t.Errorf("Exception type = %v, want DivideByZero", exc.RefTypeOf().Name)
	}
	if pc := exc.Field(0); int(pc.SmallInt()) != divPC {
		t.Errorf("Exception pc = %v, want %d", pc, divPC)
	}
}

func TestWrongTypedHandlerDoesNotCatch(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	m, _ := buildSafeDiv(machine, machine.BoundsType, true)
	machine.RegisterMethod(m)

	result := machine.Invoke(th, m, FromSmallInt(10), FromSmallInt(0))
	if result != Nil {
		t.Errorf("Mismatched handler caught: got %v, want nil", result)
	}
	if !th.HasPendingException() {
		t.Error("Mismatched handler should leave the exception pending")
	}
}

func TestExplicitThrowCaught(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	// Throw the argument, catch anything, return the caught object.
	b := NewMethodBuilder("rethrow", 1)
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
	c.EmitReg(OpMoveExc, 1)
	c.EmitReg(OpReturn, 1)
	b.Catch(tryStart, tryEnd, handler, nil)
	m := b.Build()
	machine.RegisterMethod(m)

	obj := machine.GetHeap().NewObject(machine.ThrowableType, 1)
	result := machine.Invoke(th, m, obj)
	if result != obj {
		t.Errorf("Caught object = %v, want the thrown one %v", result, obj)
	}
	if th.HasPendingException() {
		t.Error("Pending exception should be cleared by the handler")
	}
}

func TestReferenceIdentityCompare(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	// same(a, b) returns 1 iff a and b are the same reference.
	b := NewMethodBuilder("same", 2)
	b.SetNumLocals(3)
	c := b.Code()
	yes := c.NewLabel()
	c.EmitIf(OpIfEQ, 0, 1, yes)
	c.EmitConst8(2, 0)
	c.EmitReg(OpReturn, 2)
	c.Mark(yes)
	c.EmitConst8(2, 1)
	c.EmitReg(OpReturn, 2)
	m := b.Build()
	machine.RegisterMethod(m)

	heap := machine.GetHeap()
	a := heap.NewObject(machine.ObjectType, 0)
	other := heap.NewObject(machine.ObjectType, 0)

	if result := machine.Invoke(th, m, a, a); result.SmallInt() != 1 {
		t.Errorf("same(a, a) = %v, want 1", result)
	}
	if result := machine.Invoke(th, m, a, other); result.SmallInt() != 0 {
		t.Errorf("same(a, other) = %v, want 0", result)
	}
}

func TestZeroTestOnNilAndFalse(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	// isz(v) returns 1 when v tests as zero.
	b := NewMethodBuilder("isz", 1)
	b.SetNumLocals(2)
	c := b.Code()
	yes := c.NewLabel()
	c.EmitIfZ(OpIfEQZ, 0, yes)
	c.EmitConst8(1, 0)
	c.EmitReg(OpReturn, 1)
	c.Mark(yes)
	c.EmitConst8(1, 1)
	c.EmitReg(OpReturn, 1)
	m := b.Build()
	machine.RegisterMethod(m)

	tests := []struct {
		name string
		arg  Value
		want int64
	}{
		{"nil", Nil, 1},
		{"false", False, 1},
		{"true", True, 0},
		{"zero", FromSmallInt(0), 1},
		{"one", FromSmallInt(1), 0},
		{"floatzero", FromFloat64(0), 1},
		{"ref", machine.GetHeap().NewObject(machine.ObjectType, 0), 0},
	}
	for _, tt := range tests {
		result := machine.Invoke(th, m, tt.arg)
		if !result.IsSmallInt() || result.SmallInt() != tt.want {
			t.Errorf("isz(%s) = %v, want %d", tt.name, result, tt.want)
		}
	}
}

func TestRunNeverFallsBack(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	b := NewMethodBuilder("addpair", 2)
	b.SetNumLocals(3)
	c := b.Code()
	c.EmitRegRegReg(OpAdd, 2, 0, 1)
	c.EmitReg(OpReturn, 2)
	m := b.Build()

	f := NewFrame(m, FromSmallInt(MaxSmallInt), FromSmallInt(1))
	outcome := machine.ref.Run(th, f)
	if outcome != OutcomeReturn {
		t.Errorf("Outcome = %v, want return", outcome)
	}
	if outcome == OutcomeFallback {
		t.Fatal("Reference tier must never report fallback")
	}
}
