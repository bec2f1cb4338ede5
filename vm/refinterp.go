package vm

import (
	"encoding/binary"
	"math"
)

// RefInterp is the reference tier: the authoritative, unoptimized
// implementation of the instruction set. The fast tier abandons an
// invocation by exporting its pc and locals; this tier resumes from
// exactly that state and nothing else.
//
// Where the fast tier punts (mixed-shape arithmetic, smallint
// overflow, inline faults) this tier defines the real semantics:
// numeric operands promote to float when shapes mix, integer results
// wrap into the small-int range, and faults materialize as heap
// exception objects routed through the ordinary catch machinery.
type RefInterp struct {
	vm *VM
}

// NewRefInterp creates a reference tier bound to a VM.
func NewRefInterp(vm *VM) *RefInterp {
	return &RefInterp{vm: vm}
}

// Run executes the frame from its exported pc until the invocation
// completes or unwinds. There is no tier below this one, so fallback is
// not among its outcomes: a suspension mandate here is a no-op and
// malformed code raises an internal-error exception instead of
// punting.
func (ri *RefInterp) Run(t *Thread, f *Frame) Outcome {
	m := f.Method
	code := m.Code
	locals := f.Locals
	pc := f.PC

	bps := ri.vm.breakpointsFor(m)

	for pc < len(code) {
		insnStart := pc

		if bps != nil && bps[insnStart] {
			f.ExportPC(insnStart)
			ri.vm.notifyBreakpoint(t, f, insnStart)
		}

		op := Opcode(code[pc])
		pc++

		switch op {
		case OpNop:

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

		case OpAdd, OpSub, OpMul, OpDiv, OpRem:
			dst, a, b := code[pc], code[pc+1], code[pc+2]
			pc += 3
			v, fault := refArith(op, locals[a], locals[b])
			if fault != FaultNone {
				next, outcome, done := ri.raise(t, f, fault, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			locals[dst] = v

		case OpNeg:
			dst, src := code[pc], code[pc+1]
			pc += 2
			v := locals[src]
			switch {
			case v.IsSmallInt():
				locals[dst] = FromSmallInt(wrapSmallInt(-v.SmallInt()))
			case v.IsFloat():
				locals[dst] = FromFloat64(-v.Float64())
			default:
				next, outcome, done := ri.raise(t, f, FaultInternal, insnStart)
				if done {
					return outcome
				}
				pc = next
			}

		case OpNewArray:
			dst, lenReg := code[pc], code[pc+1]
			pc += 2
			lv := locals[lenReg]
			if !lv.IsSmallInt() || lv.SmallInt() < 0 {
				fault := FaultBounds
				if !lv.IsSmallInt() {
					fault = FaultInternal
				}
				next, outcome, done := ri.raise(t, f, fault, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			locals[dst] = ri.vm.heap.NewArray(ri.vm.arrayType, int(lv.SmallInt()))

		case OpArrayLen:
			dst, arrReg := code[pc], code[pc+1]
			pc += 2
			obj := ri.vm.heap.FromValue(locals[arrReg])
			if obj == nil {
				next, outcome, done := ri.raise(t, f, FaultNullDeref, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			locals[dst] = FromSmallInt(int64(obj.Len()))

		case OpArrayGet:
			dst, arrReg, idxReg := code[pc], code[pc+1], code[pc+2]
			pc += 3
			obj, idx, fault := ri.arrayAccess(locals[arrReg], locals[idxReg])
			if fault != FaultNone {
				next, outcome, done := ri.raise(t, f, fault, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			locals[dst] = obj.Elem(idx)

		case OpArrayPut:
			arrReg, idxReg, srcReg := code[pc], code[pc+1], code[pc+2]
			pc += 3
			obj, idx, fault := ri.arrayAccess(locals[arrReg], locals[idxReg])
			if fault != FaultNone {
				next, outcome, done := ri.raise(t, f, fault, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			obj.SetElem(idx, locals[srcReg])

		case OpNewObject:
			dst := code[pc]
			typeIdx := binary.LittleEndian.Uint16(code[pc+1:])
			pc += 3
			rt := ri.vm.RefTypeByIndex(int(typeIdx))
			if rt == nil {
				next, outcome, done := ri.raise(t, f, FaultInternal, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			locals[dst] = ri.vm.heap.NewObject(rt, rt.NumFields)

		case OpFieldGet:
			dst, objReg, field := code[pc], code[pc+1], code[pc+2]
			pc += 3
			obj := ri.vm.heap.FromValue(locals[objReg])
			if obj == nil {
				next, outcome, done := ri.raise(t, f, FaultNullDeref, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			if int(field) >= obj.NumFields() {
				next, outcome, done := ri.raise(t, f, FaultInternal, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			locals[dst] = obj.Field(int(field))

		case OpFieldPut:
			objReg, field, srcReg := code[pc], code[pc+1], code[pc+2]
			pc += 3
			obj := ri.vm.heap.FromValue(locals[objReg])
			if obj == nil {
				next, outcome, done := ri.raise(t, f, FaultNullDeref, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			if int(field) >= obj.NumFields() {
				next, outcome, done := ri.raise(t, f, FaultInternal, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			obj.SetField(int(field), locals[srcReg])

		case OpGoto:
			offset := int(int16(binary.LittleEndian.Uint16(code[pc:])))
			pc += 2
			next, outcome, done := ri.branchTo(t, f, insnStart, offset, true, pc)
			if done {
				return outcome
			}
			pc = next

		case OpIfEQ, OpIfNE, OpIfLT, OpIfGE:
			a, b := code[pc], code[pc+1]
			offset := int(int16(binary.LittleEndian.Uint16(code[pc+2:])))
			pc += 4
			taken, fault := refCompare(op, locals[a], locals[b])
			if fault != FaultNone {
				next, outcome, done := ri.raise(t, f, fault, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			next, outcome, done := ri.branchTo(t, f, insnStart, offset, taken, pc)
			if done {
				return outcome
			}
			pc = next

		case OpIfEQZ, OpIfNEZ:
			a := code[pc]
			offset := int(int16(binary.LittleEndian.Uint16(code[pc+1:])))
			pc += 3
			taken := isZero(locals[a])
			if op == OpIfNEZ {
				taken = !taken
			}
			next, outcome, done := ri.branchTo(t, f, insnStart, offset, taken, pc)
			if done {
				return outcome
			}
			pc = next

		case OpInvoke:
			dst := code[pc]
			methodIdx := binary.LittleEndian.Uint16(code[pc+1:])
			argc := int(code[pc+3])
			regs := code[pc+4 : pc+8]
			pc += 8
			callee := ri.vm.MethodByIndex(int(methodIdx))
			if callee == nil || argc > InvokeMaxArgs {
				next, outcome, done := ri.raise(t, f, FaultInternal, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}

			var args [InvokeMaxArgs]Value
			for i := 0; i < argc; i++ {
				args[i] = locals[regs[i]]
			}

			f.ExportPC(insnStart)
			result := ri.vm.invoke(t, callee, args[:argc])

			if t.HasPendingException() {
				next, outcome, done := ri.resolveLocal(t, f, insnStart)
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
			helper := ri.vm.HelperByIndex(int(helperIdx))
			if helper == nil {
				next, outcome, done := ri.raise(t, f, FaultInternal, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}

			f.ExportPC(insnStart)
			result := helper(ri.vm, t, locals[argReg])

			if t.HasPendingException() {
				next, outcome, done := ri.resolveLocal(t, f, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			locals[dst] = result

		case OpReturn:
			src := code[pc]
			f.ExportPC(insnStart)
			f.Result = m.Return.Coerce(locals[src])
			return OutcomeReturn

		case OpReturnVoid:
			f.ExportPC(insnStart)
			f.Result = Nil
			return OutcomeReturn

		case OpThrow:
			src := code[pc]
			pc++
			exc := locals[src]
			if !exc.IsRef() {
				next, outcome, done := ri.raise(t, f, FaultInternal, insnStart)
				if done {
					return outcome
				}
				pc = next
				break
			}
			f.ExportPC(insnStart)
			t.SetPendingException(exc)
			next, outcome, done := ri.resolveLocal(t, f, insnStart)
			if done {
				return outcome
			}
			pc = next

		case OpMoveExc:
			dst := code[pc]
			pc++
			locals[dst] = t.ClearPendingException()

		default:
			next, outcome, done := ri.raise(t, f, FaultInternal, insnStart)
			if done {
				return outcome
			}
			pc = next
		}
	}

	// Fell off the end of the instruction stream: malformed method. No
	// catch range can cover a pc past the code, so this always unwinds.
	f.ExportPC(len(code))
	ri.vm.RaiseFault(t, FaultInternal, len(code))
	return OutcomeUnwind
}

// branchTo mirrors the fast tier's branch juncture: taken backward
// branches count hotness and poll the flags word, and an active
// CheckOSR regime may hand the loop off to compiled code. A suspension
// mandate is ignored here; this is already the bottom tier.
func (ri *RefInterp) branchTo(t *Thread, f *Frame, insnStart, offset int, taken bool, fallThrough int) (int, Outcome, bool) {
	target := fallThrough
	if taken {
		target = insnStart + offset
	}

	if taken && offset <= 0 {
		if f.hotness.CountBranch() {
			f.hotness = ri.vm.agg.ReportBatch(f.Method, f.hotness.Batch())
		}
		if t.flags.Load() != 0 {
			f.ExportPC(target)
			t.CheckSuspend(f)
		}
	}

	if f.hotness.IsCheckOSR() {
		if result, ok := MaybeTransfer(ri.vm.cache, t, f, target); ok {
			f.Result = f.Method.Return.Coerce(result)
			return 0, OutcomeReturn, true
		}
	}

	return target, 0, false
}

// raise materializes a fault as a heap exception object, records the
// faulting pc in its first field, and resolves it locally.
func (ri *RefInterp) raise(t *Thread, f *Frame, fault Fault, pc int) (int, Outcome, bool) {
	f.ExportPC(pc)
	ri.vm.RaiseFault(t, fault, pc)
	return ri.resolveLocal(t, f, pc)
}

// resolveLocal routes the pending exception through the frame's catch
// table. Unlike the fast tier there is no switch mandate to consult: a
// found handler always resumes here.
func (ri *RefInterp) resolveLocal(t *Thread, f *Frame, throwPC int) (int, Outcome, bool) {
	handlerPC, found := ResolveCatch(ri.vm.heap, t, f, throwPC)
	if !found {
		f.ExportPC(throwPC)
		return 0, OutcomeUnwind, true
	}
	f.ExportPC(handlerPC)
	return handlerPC, 0, false
}

// arrayAccess validates an array load/store and reports the fault that
// applies, if any.
func (ri *RefInterp) arrayAccess(arr, idx Value) (*Object, int, Fault) {
	obj := ri.vm.heap.FromValue(arr)
	if obj == nil {
		return nil, 0, FaultNullDeref
	}
	if !idx.IsSmallInt() {
		return nil, 0, FaultInternal
	}
	if !obj.InBounds(idx.SmallInt()) {
		return nil, 0, FaultBounds
	}
	return obj, int(idx.SmallInt()), FaultNone
}

// ---------------------------------------------------------------------------
// Authoritative operand semantics
// ---------------------------------------------------------------------------

// isZero is the zero test IF_EQZ applies: numeric zero, nil, and false
// all count as zero.
func isZero(v Value) bool {
	switch {
	case v.IsSmallInt():
		return v.SmallInt() == 0
	case v.IsFloat():
		return v.Float64() == 0
	default:
		return v == Nil || v == False
	}
}

// wrapSmallInt reduces n into the signed small-int range by two's
// complement wrapping.
func wrapSmallInt(n int64) int64 {
	n &= 1<<48 - 1
	if n >= 1<<47 {
		n -= 1 << 48
	}
	return n
}

// numericPair extracts both operands as floats when either is a float,
// promoting small ints. Reports false when the pair is not numeric.
func numericPair(a, b Value) (float64, float64, bool) {
	var af, bf float64
	switch {
	case a.IsFloat():
		af = a.Float64()
	case a.IsSmallInt():
		af = float64(a.SmallInt())
	default:
		return 0, 0, false
	}
	switch {
	case b.IsFloat():
		bf = b.Float64()
	case b.IsSmallInt():
		bf = float64(b.SmallInt())
	default:
		return 0, 0, false
	}
	return af, bf, true
}

// refArith evaluates the full arithmetic semantics: int/int wraps,
// mixed shapes promote to float, integer division by zero faults, and
// float division follows IEEE rules.
func refArith(op Opcode, a, b Value) (Value, Fault) {
	if a.IsSmallInt() && b.IsSmallInt() {
		av, bv := a.SmallInt(), b.SmallInt()
		switch op {
		case OpAdd:
			return FromSmallInt(wrapSmallInt(av + bv)), FaultNone
		case OpSub:
			return FromSmallInt(wrapSmallInt(av - bv)), FaultNone
		case OpMul:
			return FromSmallInt(wrapSmallInt(av * bv)), FaultNone
		case OpDiv:
			if bv == 0 {
				return Nil, FaultDivideByZero
			}
			return FromSmallInt(wrapSmallInt(av / bv)), FaultNone
		case OpRem:
			if bv == 0 {
				return Nil, FaultDivideByZero
			}
			return FromSmallInt(wrapSmallInt(av % bv)), FaultNone
		}
	}
	if af, bf, ok := numericPair(a, b); ok {
		switch op {
		case OpAdd:
			return FromFloat64(af + bf), FaultNone
		case OpSub:
			return FromFloat64(af - bf), FaultNone
		case OpMul:
			return FromFloat64(af * bf), FaultNone
		case OpDiv:
			return FromFloat64(af / bf), FaultNone
		case OpRem:
			return FromFloat64(math.Mod(af, bf)), FaultNone
		}
	}
	return Nil, FaultInternal
}

// refCompare evaluates a two-register branch condition over the full
// operand semantics: numeric pairs compare numerically, anything else
// compares by identity for EQ/NE and faults for ordered comparisons.
func refCompare(op Opcode, a, b Value) (bool, Fault) {
	if af, bf, ok := numericPair(a, b); ok {
		switch op {
		case OpIfEQ:
			return af == bf, FaultNone
		case OpIfNE:
			return af != bf, FaultNone
		case OpIfLT:
			return af < bf, FaultNone
		case OpIfGE:
			return af >= bf, FaultNone
		}
	}
	switch op {
	case OpIfEQ:
		return a == b, FaultNone
	case OpIfNE:
		return a != b, FaultNone
	}
	return false, FaultInternal
}
