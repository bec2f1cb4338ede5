package vm

import (
	"encoding/binary"
	"math"
)

// Outcome is a terminal dispatch result. Every run of the fast tier
// ends in exactly one of these.
type Outcome int

const (
	// OutcomeReturn: the invocation completed; the result value sits in
	// the frame's result slot, coerced to the method's declared width.
	OutcomeReturn Outcome = iota
	// OutcomeUnwind: an exception with no local catch is pending on the
	// thread; the caller owns it. Frame state is exported at the
	// throwing instruction.
	OutcomeUnwind
	// OutcomeFallback: the fast tier abandoned the invocation; the
	// reference tier must resume from the frame's exported pc and local
	// values alone.
	OutcomeFallback
)

// String returns the outcome's name.
func (o Outcome) String() string {
	switch o {
	case OutcomeReturn:
		return "return"
	case OutcomeUnwind:
		return "unwind"
	case OutcomeFallback:
		return "fallback"
	}
	return "?"
}

// Interp is the fast-tier dispatch loop: fetch, decode, execute, and at
// the defined junctures consult hotness, suspension, OSR, and exception
// resolution.
//
// The single load-bearing contract: before any call that can suspend
// the thread or raise an exception, the frame's pc is exported. GC and
// debugger code read the frame asynchronously and must never observe a
// stale pc at a point where the thread can park.
type Interp struct {
	vm *VM
}

// NewInterp creates a dispatch loop bound to a VM.
func NewInterp(vm *VM) *Interp {
	return &Interp{vm: vm}
}

// RunFast executes the frame from its exported pc until a terminal
// outcome. Inline faults (divide-by-zero, null dereference, bounds) are
// never materialized here: they export the faulting pc and take the
// fallback exit, leaving exception construction to the reference tier.
func (in *Interp) RunFast(t *Thread, f *Frame) Outcome {
	m := f.Method
	code := m.Code
	locals := f.Locals
	pc := f.PC

	bps := in.vm.breakpointsFor(m)

	for pc < len(code) {
		insnStart := pc

		if bps != nil && bps[insnStart] {
			f.ExportPC(insnStart)
			in.vm.notifyBreakpoint(t, f, insnStart)
		}

		op := Opcode(code[pc])
		pc++

		switch op {
		case OpNop:

		// -------------------------------------------------------------
		// Constants and moves
		// -------------------------------------------------------------

		case OpConstNil:
			locals[code[pc]] = Nil
			pc++

		case OpConstTrue:
			locals[code[pc]] = True
			pc++

		case OpConstFalse:
			locals[code[pc]] = False
			pc++

		case OpConst8:
			dst := code[pc]
			v := int8(code[pc+1])
			pc += 2
			locals[dst] = FromSmallInt(int64(v))

		case OpConst32:
			dst := code[pc]
			v := int32(binary.LittleEndian.Uint32(code[pc+1:]))
			pc += 5
			locals[dst] = FromSmallInt(int64(v))

		case OpConstFloat:
			dst := code[pc]
			bits := binary.LittleEndian.Uint64(code[pc+1:])
			pc += 9
			locals[dst] = FromFloat64(math.Float64frombits(bits))

		case OpMove:
			dst, src := code[pc], code[pc+1]
			pc += 2
			locals[dst] = locals[src]

		// -------------------------------------------------------------
		// Arithmetic
		// -------------------------------------------------------------

		case OpAdd, OpSub, OpMul:
			dst, a, b := code[pc], code[pc+1], code[pc+2]
			pc += 3
			v, ok := arith(op, locals[a], locals[b])
			if !ok {
				// Operand shapes the fast tier doesn't handle
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			locals[dst] = v

		case OpDiv, OpRem:
			dst, a, b := code[pc], code[pc+1], code[pc+2]
			pc += 3
			av, bv := locals[a], locals[b]
			if av.IsSmallInt() && bv.IsSmallInt() {
				if bv.SmallInt() == 0 {
					f.ExportPC(insnStart)
					return OutcomeFallback
				}
				var n int64
				if op == OpDiv {
					n = av.SmallInt() / bv.SmallInt()
				} else {
					n = av.SmallInt() % bv.SmallInt()
				}
				locals[dst] = FromSmallInt(n)
				break
			}
			if av.IsFloat() && bv.IsFloat() && op == OpDiv {
				locals[dst] = FromFloat64(av.Float64() / bv.Float64())
				break
			}
			f.ExportPC(insnStart)
			return OutcomeFallback

		case OpNeg:
			dst, src := code[pc], code[pc+1]
			pc += 2
			v := locals[src]
			switch {
			case v.IsSmallInt():
				n, ok := TryFromSmallInt(-v.SmallInt())
				if !ok {
					f.ExportPC(insnStart)
					return OutcomeFallback
				}
				locals[dst] = n
			case v.IsFloat():
				locals[dst] = FromFloat64(-v.Float64())
			default:
				f.ExportPC(insnStart)
				return OutcomeFallback
			}

		// -------------------------------------------------------------
		// Objects and arrays
		// -------------------------------------------------------------

		case OpNewArray:
			dst, lenReg := code[pc], code[pc+1]
			pc += 2
			lv := locals[lenReg]
			if !lv.IsSmallInt() || lv.SmallInt() < 0 {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			locals[dst] = in.vm.heap.NewArray(in.vm.arrayType, int(lv.SmallInt()))

		case OpArrayLen:
			dst, arrReg := code[pc], code[pc+1]
			pc += 2
			obj := in.vm.heap.FromValue(locals[arrReg])
			if obj == nil {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			locals[dst] = FromSmallInt(int64(obj.Len()))

		case OpArrayGet:
			dst, arrReg, idxReg := code[pc], code[pc+1], code[pc+2]
			pc += 3
			obj := in.vm.heap.FromValue(locals[arrReg])
			if obj == nil {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			iv := locals[idxReg]
			if !iv.IsSmallInt() {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			if !obj.InBounds(iv.SmallInt()) {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			locals[dst] = obj.Elem(int(iv.SmallInt()))

		case OpArrayPut:
			arrReg, idxReg, srcReg := code[pc], code[pc+1], code[pc+2]
			pc += 3
			obj := in.vm.heap.FromValue(locals[arrReg])
			if obj == nil {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			iv := locals[idxReg]
			if !iv.IsSmallInt() {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			if !obj.InBounds(iv.SmallInt()) {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			obj.SetElem(int(iv.SmallInt()), locals[srcReg])

		case OpNewObject:
			dst := code[pc]
			typeIdx := binary.LittleEndian.Uint16(code[pc+1:])
			pc += 3
			rt := in.vm.RefTypeByIndex(int(typeIdx))
			if rt == nil {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			locals[dst] = in.vm.heap.NewObject(rt, rt.NumFields)

		case OpFieldGet:
			dst, objReg, field := code[pc], code[pc+1], code[pc+2]
			pc += 3
			obj := in.vm.heap.FromValue(locals[objReg])
			if obj == nil {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			if int(field) >= obj.NumFields() {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			locals[dst] = obj.Field(int(field))

		case OpFieldPut:
			objReg, field, srcReg := code[pc], code[pc+1], code[pc+2]
			pc += 3
			obj := in.vm.heap.FromValue(locals[objReg])
			if obj == nil {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			if int(field) >= obj.NumFields() {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			obj.SetField(int(field), locals[srcReg])

		// -------------------------------------------------------------
		// Control flow
		// -------------------------------------------------------------

		case OpGoto:
			offset := int(int16(binary.LittleEndian.Uint16(code[pc:])))
			pc += 2
			next, outcome, done := in.branchTo(t, f, insnStart, offset, true, pc)
			if done {
				return outcome
			}
			pc = next

		case OpIfEQ, OpIfNE, OpIfLT, OpIfGE:
			a, b := code[pc], code[pc+1]
			offset := int(int16(binary.LittleEndian.Uint16(code[pc+2:])))
			pc += 4
			taken, ok := compare(op, locals[a], locals[b])
			if !ok {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			next, outcome, done := in.branchTo(t, f, insnStart, offset, taken, pc)
			if done {
				return outcome
			}
			pc = next

		case OpIfEQZ, OpIfNEZ:
			a := code[pc]
			offset := int(int16(binary.LittleEndian.Uint16(code[pc+1:])))
			pc += 3
			av := locals[a]
			if !av.IsSmallInt() {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			taken := av.SmallInt() == 0
			if op == OpIfNEZ {
				taken = !taken
			}
			next, outcome, done := in.branchTo(t, f, insnStart, offset, taken, pc)
			if done {
				return outcome
			}
			pc = next

		// -------------------------------------------------------------
		// Calls
		// -------------------------------------------------------------

		case OpInvoke:
			dst := code[pc]
			methodIdx := binary.LittleEndian.Uint16(code[pc+1:])
			argc := int(code[pc+3])
			regs := code[pc+4 : pc+8]
			pc += 8
			callee := in.vm.MethodByIndex(int(methodIdx))
			if callee == nil || argc > InvokeMaxArgs {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}

			var args [InvokeMaxArgs]Value
			for i := 0; i < argc; i++ {
				args[i] = locals[regs[i]]
			}

			// Throw- and suspend-prone call: export first.
			f.ExportPC(insnStart)
			result := in.vm.invoke(t, callee, args[:argc])

			if t.HasPendingException() {
				next, outcome, done := in.handlePending(t, f, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			locals[dst] = result

		case OpCallRT:
			dst := code[pc]
			helperIdx := binary.LittleEndian.Uint16(code[pc+1:])
			argReg := code[pc+3]
			pc += 4
			helper := in.vm.HelperByIndex(int(helperIdx))
			if helper == nil {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}

			// Throw-prone call: export first.
			f.ExportPC(insnStart)
			result := helper(in.vm, t, locals[argReg])

			if t.HasPendingException() {
				next, outcome, done := in.handlePending(t, f, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			locals[dst] = result

		// -------------------------------------------------------------
		// Returns
		// -------------------------------------------------------------

		case OpReturn:
			src := code[pc]
			f.ExportPC(insnStart)
			f.Result = m.Return.Coerce(locals[src])
			return OutcomeReturn

		case OpReturnVoid:
			f.ExportPC(insnStart)
			f.Result = Nil
			return OutcomeReturn

		// -------------------------------------------------------------
		// Exceptions
		// -------------------------------------------------------------

		case OpThrow:
			src := code[pc]
			pc++
			exc := locals[src]
			if !exc.IsRef() {
				f.ExportPC(insnStart)
				return OutcomeFallback
			}
			f.ExportPC(insnStart)
			t.SetPendingException(exc)
			next, outcome, done := in.handlePending(t, f, insnStart)
			if done {
				return outcome
			}
			pc = next

		case OpMoveExc:
			dst := code[pc]
			pc++
			locals[dst] = t.ClearPendingException()

		default:
			f.ExportPC(insnStart)
			return OutcomeFallback
		}
	}

	// Fell off the end of the instruction stream.
	f.ExportPC(pc)
	return OutcomeFallback
}

// ---------------------------------------------------------------------------
// Branch juncture
// ---------------------------------------------------------------------------

// branchTo is the single place branches resolve. Taken backward
// branches count against the hotness countdown and are the only safe
// points; every branch consults the OSR regime when it is active. The
// returned bool reports a terminal outcome (suspension-mandated
// fallback, or an OSR handoff's normal return).
func (in *Interp) branchTo(t *Thread, f *Frame, insnStart, offset int, taken bool, fallThrough int) (int, Outcome, bool) {
	target := fallThrough
	if taken {
		target = insnStart + offset
	}

	if taken && offset <= 0 {
		// One loop iteration: count it.
		if f.hotness.CountBranch() {
			f.hotness = in.vm.agg.ReportBatch(f.Method, f.hotness.Batch())
		}

		// Safe point: zero-cost when no flags are set.
		if t.flags.Load() != 0 {
			f.ExportPC(target)
			if t.CheckSuspend(f) {
				return 0, OutcomeFallback, true
			}
		}
	}

	if f.hotness.IsCheckOSR() {
		if result, ok := MaybeTransfer(in.vm.cache, t, f, target); ok {
			f.Result = f.Method.Return.Coerce(result)
			return 0, OutcomeReturn, true
		}
	}

	return target, 0, false
}

// ---------------------------------------------------------------------------
// Pending-exception juncture
// ---------------------------------------------------------------------------

// handlePending resolves the thread's pending exception against the
// current frame. No local catch propagates to the caller; a local catch
// recomputes the pc to the handler and then re-asks whether the tier
// must switch anyway; a mandated switch overrides the catch. The
// pending slot stays occupied either way: handlers start with MOVE_EXC,
// and an unwound exception belongs to the caller.
func (in *Interp) handlePending(t *Thread, f *Frame, throwPC int) (int, Outcome, bool) {
	handlerPC, found := ResolveCatch(in.vm.heap, t, f, throwPC)
	if !found {
		f.ExportPC(throwPC)
		return 0, OutcomeUnwind, true
	}

	f.ExportPC(handlerPC)
	if t.SwitchFn != nil && t.SwitchFn(t, f.Method) {
		return 0, OutcomeFallback, true
	}
	return handlerPC, 0, false
}

// ---------------------------------------------------------------------------
// Operand helpers
// ---------------------------------------------------------------------------

// arith evaluates add/sub/mul over matching operand shapes. Reports
// false for shapes (or overflow) the fast tier punts on.
func arith(op Opcode, a, b Value) (Value, bool) {
	if a.IsSmallInt() && b.IsSmallInt() {
		var n int64
		switch op {
		case OpAdd:
			n = a.SmallInt() + b.SmallInt()
		case OpSub:
			n = a.SmallInt() - b.SmallInt()
		case OpMul:
			n = a.SmallInt() * b.SmallInt()
		}
		return TryFromSmallInt(n)
	}
	if a.IsFloat() && b.IsFloat() {
		switch op {
		case OpAdd:
			return FromFloat64(a.Float64() + b.Float64()), true
		case OpSub:
			return FromFloat64(a.Float64() - b.Float64()), true
		case OpMul:
			return FromFloat64(a.Float64() * b.Float64()), true
		}
	}
	return Nil, false
}

// compare evaluates a two-register branch condition. Reports false for
// operand shapes the fast tier punts on.
func compare(op Opcode, a, b Value) (bool, bool) {
	if a.IsSmallInt() && b.IsSmallInt() {
		av, bv := a.SmallInt(), b.SmallInt()
		switch op {
		case OpIfEQ:
			return av == bv, true
		case OpIfNE:
			return av != bv, true
		case OpIfLT:
			return av < bv, true
		case OpIfGE:
			return av >= bv, true
		}
	}
	if a.IsFloat() && b.IsFloat() {
		av, bv := a.Float64(), b.Float64()
		switch op {
		case OpIfEQ:
			return av == bv, true
		case OpIfNE:
			return av != bv, true
		case OpIfLT:
			return av < bv, true
		case OpIfGE:
			return av >= bv, true
		}
	}
	return false, false
}
