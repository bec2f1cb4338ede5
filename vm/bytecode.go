package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is the first byte of every Harrier instruction.
//
// Harrier bytecode is a register machine: every instruction names its
// operand slots ("registers", indices into the frame's local slots)
// explicitly. Immediates are little-endian in the instruction stream.
// Branch offsets are signed 16-bit and relative to the branch
// instruction's own offset, so an offset <= 0 is by definition a
// backward branch.
type Opcode byte

// Miscellaneous
const (
	OpNop Opcode = 0x00 // no operation
)

// Constants and moves
const (
	OpConstNil   Opcode = 0x10 // dst <- nil
	OpConstTrue  Opcode = 0x11 // dst <- true
	OpConstFalse Opcode = 0x12 // dst <- false
	OpConst8     Opcode = 0x13 // dst <- signed 8-bit immediate
	OpConst32    Opcode = 0x14 // dst <- signed 32-bit immediate
	OpConstFloat Opcode = 0x15 // dst <- inline float64 (8 bytes)
	OpMove       Opcode = 0x16 // dst <- src
)

// Integer arithmetic
const (
	OpAdd Opcode = 0x20 // dst <- a + b
	OpSub Opcode = 0x21 // dst <- a - b
	OpMul Opcode = 0x22 // dst <- a * b
	OpDiv Opcode = 0x23 // dst <- a / b (divide-by-zero faults)
	OpRem Opcode = 0x24 // dst <- a % b (divide-by-zero faults)
	OpNeg Opcode = 0x25 // dst <- -src
)

// Objects and arrays
const (
	OpNewArray  Opcode = 0x30 // dst <- new array of length in lenReg
	OpArrayLen  Opcode = 0x31 // dst <- length of array (null faults)
	OpArrayGet  Opcode = 0x32 // dst <- arr[idx] (null/bounds fault)
	OpArrayPut  Opcode = 0x33 // arr[idx] <- src (null/bounds fault)
	OpNewObject Opcode = 0x34 // dst <- new object of type (16-bit type index)
	OpFieldGet  Opcode = 0x35 // dst <- obj.field (null faults)
	OpFieldPut  Opcode = 0x36 // obj.field <- src (null faults)
)

// Control flow (16-bit signed offset, relative to the instruction offset)
const (
	OpGoto  Opcode = 0x40 // unconditional branch
	OpIfEQ  Opcode = 0x41 // branch if a == b
	OpIfNE  Opcode = 0x42 // branch if a != b
	OpIfLT  Opcode = 0x43 // branch if a < b
	OpIfGE  Opcode = 0x44 // branch if a >= b
	OpIfEQZ Opcode = 0x45 // branch if a == 0
	OpIfNEZ Opcode = 0x46 // branch if a != 0
)

// Calls
const (
	OpInvoke Opcode = 0x50 // dst <- call method (16-bit method index, argc, 4 arg regs)
	OpCallRT Opcode = 0x51 // dst <- call runtime helper (16-bit helper index, 1 arg reg)
)

// Returns
const (
	OpReturn     Opcode = 0x60 // return value in src
	OpReturnVoid Opcode = 0x61 // return without a value
)

// Exceptions
const (
	OpThrow   Opcode = 0x70 // raise the exception object in src
	OpMoveExc Opcode = 0x71 // dst <- pending exception, clearing the slot
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo describes one opcode's mnemonic and encoding width. Every
// format is fixed-width, which is what lets the loop-header scan and
// the disassembler walk a method without decoding operand values.
type OpcodeInfo struct {
	Name         string
	OperandBytes int
}

var opInfo = [256]OpcodeInfo{
	OpNop: {"NOP", 0},

	OpConstNil:   {"CONST_NIL", 1},
	OpConstTrue:  {"CONST_TRUE", 1},
	OpConstFalse: {"CONST_FALSE", 1},
	OpConst8:     {"CONST_8", 2},
	OpConst32:    {"CONST_32", 5},
	OpConstFloat: {"CONST_FLOAT", 9},
	OpMove:       {"MOVE", 2},

	OpAdd: {"ADD", 3},
	OpSub: {"SUB", 3},
	OpMul: {"MUL", 3},
	OpDiv: {"DIV", 3},
	OpRem: {"REM", 3},
	OpNeg: {"NEG", 2},

	OpNewArray:  {"NEW_ARRAY", 2},
	OpArrayLen:  {"ARRAY_LEN", 2},
	OpArrayGet:  {"ARRAY_GET", 3},
	OpArrayPut:  {"ARRAY_PUT", 3},
	OpNewObject: {"NEW_OBJECT", 3},
	OpFieldGet:  {"FIELD_GET", 3},
	OpFieldPut:  {"FIELD_PUT", 3},

	OpGoto:  {"GOTO", 2},
	OpIfEQ:  {"IF_EQ", 4},
	OpIfNE:  {"IF_NE", 4},
	OpIfLT:  {"IF_LT", 4},
	OpIfGE:  {"IF_GE", 4},
	OpIfEQZ: {"IF_EQZ", 3},
	OpIfNEZ: {"IF_NEZ", 3},

	OpInvoke: {"INVOKE", 8},
	OpCallRT: {"CALL_RT", 4},

	OpReturn:     {"RETURN", 1},
	OpReturnVoid: {"RETURN_VOID", 0},

	OpThrow:   {"THROW", 1},
	OpMoveExc: {"MOVE_EXC", 1},
}

// Info returns the opcode's metadata. Undefined opcodes report a
// placeholder name and zero operand bytes.
func (op Opcode) Info() OpcodeInfo {
	info := opInfo[op]
	if info.Name == "" {
		return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
	}
	return info
}

// Name returns the opcode's mnemonic.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns how many operand bytes follow the opcode byte.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// IsBranch reports whether the opcode carries a branch offset.
func (op Opcode) IsBranch() bool {
	switch op {
	case OpGoto, OpIfEQ, OpIfNE, OpIfLT, OpIfGE, OpIfEQZ, OpIfNEZ:
		return true
	}
	return false
}

// branchOperandPos returns where the 16-bit offset sits, counted from
// the instruction's first byte: after the opcode and any register
// operands.
func (op Opcode) branchOperandPos() int {
	switch op {
	case OpGoto:
		return 1
	case OpIfEQZ, OpIfNEZ:
		return 2
	case OpIfEQ, OpIfNE, OpIfLT, OpIfGE:
		return 3
	}
	panic("branchOperandPos: not a branch opcode")
}

func (op Opcode) String() string {
	return op.Name()
}

// InvokeMaxArgs is the argument register limit of the INVOKE format.
const InvokeMaxArgs = 4

// ---------------------------------------------------------------------------
// BytecodeBuilder
// ---------------------------------------------------------------------------

// BytecodeBuilder assembles an instruction stream, resolving branch
// targets through labels.
type BytecodeBuilder struct {
	code []byte
}

// NewBytecodeBuilder returns an empty builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{code: make([]byte, 0, 64)}
}

// Bytes returns the assembled instruction stream.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.code
}

// Len returns the offset the next instruction would start at.
func (b *BytecodeBuilder) Len() int {
	return len(b.code)
}

// Emit appends a bare opcode.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.code = append(b.code, byte(op))
}

// EmitReg appends op with one register operand.
func (b *BytecodeBuilder) EmitReg(op Opcode, reg uint8) {
	b.code = append(b.code, byte(op), reg)
}

// EmitRegReg appends op with two register operands.
func (b *BytecodeBuilder) EmitRegReg(op Opcode, a, c uint8) {
	b.code = append(b.code, byte(op), a, c)
}

// EmitRegRegReg appends op with three register operands.
func (b *BytecodeBuilder) EmitRegRegReg(op Opcode, a, c, d uint8) {
	b.code = append(b.code, byte(op), a, c, d)
}

// EmitConst8 appends CONST_8 loading v into dst.
func (b *BytecodeBuilder) EmitConst8(dst uint8, v int8) {
	b.code = append(b.code, byte(OpConst8), dst, byte(v))
}

// EmitConst32 appends CONST_32 loading v into dst.
func (b *BytecodeBuilder) EmitConst32(dst uint8, v int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	b.code = append(b.code, byte(OpConst32), dst)
	b.code = append(b.code, buf[:]...)
}

// EmitConstFloat appends CONST_FLOAT loading v into dst.
func (b *BytecodeBuilder) EmitConstFloat(dst uint8, v float64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	b.code = append(b.code, byte(OpConstFloat), dst)
	b.code = append(b.code, buf[:]...)
}

// EmitNewObject appends NEW_OBJECT allocating typeIndex into dst.
func (b *BytecodeBuilder) EmitNewObject(dst uint8, typeIndex uint16) {
	b.code = append(b.code, byte(OpNewObject), dst, byte(typeIndex), byte(typeIndex>>8))
}

// EmitInvoke appends INVOKE calling methodIndex with the given argument
// registers, result into dst. Unused arg slots are zero so the format
// stays fixed-width.
func (b *BytecodeBuilder) EmitInvoke(dst uint8, methodIndex uint16, args ...uint8) {
	if len(args) > InvokeMaxArgs {
		panic("EmitInvoke: too many arguments")
	}
	var regs [InvokeMaxArgs]uint8
	copy(regs[:], args)
	b.code = append(b.code, byte(OpInvoke), dst,
		byte(methodIndex), byte(methodIndex>>8),
		uint8(len(args)), regs[0], regs[1], regs[2], regs[3])
}

// EmitCallRT appends CALL_RT calling helperIndex on arg, result into dst.
func (b *BytecodeBuilder) EmitCallRT(dst uint8, helperIndex uint16, arg uint8) {
	b.code = append(b.code, byte(OpCallRT), dst, byte(helperIndex), byte(helperIndex>>8), arg)
}

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

// branchRef is one branch site still waiting for its target: the byte
// offset of its 16-bit operand and the offset its instruction starts at
// (branch offsets are relative to the latter).
type branchRef struct {
	patchAt   int
	insnStart int
}

// Label is a branch target. Emit branches to it before or after Mark;
// forward references are patched when the label resolves.
type Label struct {
	resolved bool
	position int
	refs     []branchRef
}

// NewLabel returns an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]branchRef, 0, 2)}
}

// Mark pins the label to the current offset and patches every branch
// already emitted against it. A label resolves once.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.code)

	for _, ref := range label.refs {
		offset := label.position - ref.insnStart
		b.code[ref.patchAt] = byte(offset)
		b.code[ref.patchAt+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// Position returns the offset the label resolved to.
// Panics while unresolved.
func (label *Label) Position() int {
	if !label.resolved {
		panic("Label.Position: label not resolved")
	}
	return label.position
}

// EmitGoto appends an unconditional branch to label.
func (b *BytecodeBuilder) EmitGoto(label *Label) {
	b.emitBranch(OpGoto, nil, label)
}

// EmitIf appends a two-register compare branch to label.
func (b *BytecodeBuilder) EmitIf(op Opcode, a, c uint8, label *Label) {
	b.emitBranch(op, []uint8{a, c}, label)
}

// EmitIfZ appends a one-register zero-test branch to label.
func (b *BytecodeBuilder) EmitIfZ(op Opcode, a uint8, label *Label) {
	b.emitBranch(op, []uint8{a}, label)
}

func (b *BytecodeBuilder) emitBranch(op Opcode, regs []uint8, label *Label) {
	insnStart := len(b.code)
	b.code = append(b.code, byte(op))
	b.code = append(b.code, regs...)
	if label.resolved {
		offset := label.position - insnStart
		b.code = append(b.code, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, branchRef{patchAt: len(b.code), insnStart: insnStart})
		b.code = append(b.code, 0, 0)
	}
}

// ---------------------------------------------------------------------------
// BytecodeReader
// ---------------------------------------------------------------------------

// BytecodeReader walks an instruction stream for disassembly and
// analysis. Reads past the end panic; the stream is trusted input
// produced by the builder.
type BytecodeReader struct {
	code []byte
	pos  int
}

// NewBytecodeReader returns a reader positioned at offset 0.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{code: bc}
}

// Position returns the current offset.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore reports whether any bytes remain.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.code)
}

func (r *BytecodeReader) need(n int) {
	if r.pos+n > len(r.code) {
		panic("bytecode underflow")
	}
}

// ReadOpcode consumes the next opcode byte.
func (r *BytecodeReader) ReadOpcode() Opcode {
	r.need(1)
	op := Opcode(r.code[r.pos])
	r.pos++
	return op
}

// ReadByte consumes one operand byte.
func (r *BytecodeReader) ReadByte() byte {
	r.need(1)
	b := r.code[r.pos]
	r.pos++
	return b
}

// ReadInt8 consumes a signed 8-bit operand.
func (r *BytecodeReader) ReadInt8() int8 {
	return int8(r.ReadByte())
}

// ReadUint16 consumes a little-endian 16-bit operand.
func (r *BytecodeReader) ReadUint16() uint16 {
	r.need(2)
	v := binary.LittleEndian.Uint16(r.code[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 consumes a signed little-endian 16-bit operand.
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// ReadInt32 consumes a signed little-endian 32-bit operand.
func (r *BytecodeReader) ReadInt32() int32 {
	r.need(4)
	v := binary.LittleEndian.Uint32(r.code[r.pos:])
	r.pos += 4
	return int32(v)
}

// ReadFloat64 consumes an inline float64 operand.
func (r *BytecodeReader) ReadFloat64() float64 {
	r.need(8)
	bits := binary.LittleEndian.Uint64(r.code[r.pos:])
	r.pos += 8
	return math.Float64frombits(bits)
}

// Skip advances past n bytes.
func (r *BytecodeReader) Skip(n int) {
	r.pos += n
}

// Seek repositions the reader.
func (r *BytecodeReader) Seek(pos int) {
	r.pos = pos
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders the instruction at the reader's
// position and leaves the reader on the next one.
func DisassembleInstruction(r *BytecodeReader) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch op {
	case OpNop, OpReturnVoid:
		return fmt.Sprintf("%04d  %s", pos, info.Name)

	case OpConstNil, OpConstTrue, OpConstFalse, OpReturn, OpThrow, OpMoveExc:
		reg := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d", pos, info.Name, reg)

	case OpConst8:
		dst := r.ReadByte()
		v := r.ReadInt8()
		return fmt.Sprintf("%04d  %s r%d, %d", pos, info.Name, dst, v)

	case OpConst32:
		dst := r.ReadByte()
		v := r.ReadInt32()
		return fmt.Sprintf("%04d  %s r%d, %d", pos, info.Name, dst, v)

	case OpConstFloat:
		dst := r.ReadByte()
		v := r.ReadFloat64()
		return fmt.Sprintf("%04d  %s r%d, %f", pos, info.Name, dst, v)

	case OpMove, OpNeg, OpNewArray, OpArrayLen:
		dst := r.ReadByte()
		src := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d, r%d", pos, info.Name, dst, src)

	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpArrayGet, OpArrayPut:
		a := r.ReadByte()
		c := r.ReadByte()
		d := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d, r%d, r%d", pos, info.Name, a, c, d)

	case OpFieldGet:
		dst := r.ReadByte()
		obj := r.ReadByte()
		field := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d, r%d, field=%d", pos, info.Name, dst, obj, field)

	case OpFieldPut:
		obj := r.ReadByte()
		field := r.ReadByte()
		src := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d, field=%d, r%d", pos, info.Name, obj, field, src)

	case OpNewObject:
		dst := r.ReadByte()
		typeIdx := r.ReadUint16()
		return fmt.Sprintf("%04d  %s r%d, type=%d", pos, info.Name, dst, typeIdx)

	case OpGoto:
		offset := r.ReadInt16()
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pos, info.Name, offset, pos+int(offset))

	case OpIfEQ, OpIfNE, OpIfLT, OpIfGE:
		a := r.ReadByte()
		c := r.ReadByte()
		offset := r.ReadInt16()
		return fmt.Sprintf("%04d  %s r%d, r%d, %d (-> %04d)", pos, info.Name, a, c, offset, pos+int(offset))

	case OpIfEQZ, OpIfNEZ:
		a := r.ReadByte()
		offset := r.ReadInt16()
		return fmt.Sprintf("%04d  %s r%d, %d (-> %04d)", pos, info.Name, a, offset, pos+int(offset))

	case OpInvoke:
		dst := r.ReadByte()
		methodIdx := r.ReadUint16()
		argc := r.ReadByte()
		a0 := r.ReadByte()
		a1 := r.ReadByte()
		a2 := r.ReadByte()
		a3 := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d, method=%d argc=%d regs=[%d %d %d %d]",
			pos, info.Name, dst, methodIdx, argc, a0, a1, a2, a3)

	case OpCallRT:
		dst := r.ReadByte()
		helperIdx := r.ReadUint16()
		arg := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d, helper=%d, r%d", pos, info.Name, dst, helperIdx, arg)

	default:
		r.Skip(info.OperandBytes)
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	}
}

// Disassemble renders the whole instruction stream, one line per
// instruction.
func Disassemble(bc []byte) string {
	r := NewBytecodeReader(bc)
	var result string
	for r.HasMore() {
		if result != "" {
			result += "\n"
		}
		result += DisassembleInstruction(r)
	}
	return result
}
