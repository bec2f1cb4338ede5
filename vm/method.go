package vm

import (
	"github.com/chazu/harrier/jdwp"
)

// ---------------------------------------------------------------------------
// RefType: reference types
// ---------------------------------------------------------------------------

// RefType describes a reference type: the shape of its instances and the
// identity it presents on the debug wire. Catch clauses match exception
// objects by reference type, walking the supertype chain.
type RefType struct {
	Name      string
	Signature string // debug wire signature, e.g. "LFault/DivideByZero;"
	ID        jdwp.RefTypeID
	NumFields int
	Super     *RefType
}

// IsSubtypeOf reports whether rt is t or a subtype of t.
func (rt *RefType) IsSubtypeOf(t *RefType) bool {
	for cur := rt; cur != nil; cur = cur.Super {
		if cur == t {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// CatchRange: exception table entries
// ---------------------------------------------------------------------------

// CatchRange covers [StartPC, EndPC) of a method's code. An exception
// raised at a covered pc whose type matches Type (nil matches anything)
// transfers control to HandlerPC. Ranges are consulted in table order;
// the first match wins.
type CatchRange struct {
	StartPC   int
	EndPC     int
	HandlerPC int
	Type      *RefType
}

// Covers reports whether pc falls inside the range.
func (c *CatchRange) Covers(pc int) bool {
	return pc >= c.StartPC && pc < c.EndPC
}

// ---------------------------------------------------------------------------
// ReturnKind: declared result width
// ---------------------------------------------------------------------------

// ReturnKind is a method's declared result shape. The returning
// instruction writes the frame's result slot through Coerce so callers
// always observe the declared width and signedness.
type ReturnKind int

const (
	ReturnVoid ReturnKind = iota
	ReturnInt             // full small-int width
	ReturnInt32           // sign-extended from the low 32 bits
	ReturnBool
	ReturnFloat
	ReturnRef
)

// Coerce applies the declared width/sign rules to a raw result value.
func (rk ReturnKind) Coerce(v Value) Value {
	switch rk {
	case ReturnVoid:
		return Nil
	case ReturnInt32:
		if v.IsSmallInt() {
			return FromSmallInt(int64(int32(v.SmallInt())))
		}
		return v
	case ReturnBool:
		if v.IsSmallInt() {
			return FromBool(v.SmallInt() != 0)
		}
		if v.IsBool() {
			return v
		}
		return FromBool(v.IsTruthy())
	default:
		return v
	}
}

// String returns the kind's name.
func (rk ReturnKind) String() string {
	switch rk {
	case ReturnVoid:
		return "void"
	case ReturnInt:
		return "int"
	case ReturnInt32:
		return "int32"
	case ReturnBool:
		return "bool"
	case ReturnFloat:
		return "float"
	case ReturnRef:
		return "ref"
	}
	return "?"
}

// ---------------------------------------------------------------------------
// Method
// ---------------------------------------------------------------------------

// Method is a unit of executable bytecode. Arguments arrive in local
// slots [0, Arity); the remaining slots start as Nil.
type Method struct {
	name  string
	id    jdwp.MethodID
	owner *RefType

	Arity      int
	NumLocals  int
	Code       []byte
	CatchTable []CatchRange
	Return     ReturnKind

	// loopHeaders holds every pc that is the target of some backward
	// branch, precomputed at registration. The OSR check fires only at
	// these pcs.
	loopHeaders map[int]bool
}

// Name returns the method name.
func (m *Method) Name() string {
	return m.name
}

// ID returns the method's debug wire id (zero until registered).
func (m *Method) ID() jdwp.MethodID {
	return m.id
}

// Owner returns the declaring type (nil for detached methods).
func (m *Method) Owner() *RefType {
	return m.owner
}

// FullName returns "Type.name", or just the name for detached methods.
func (m *Method) FullName() string {
	if m.owner == nil {
		return m.name
	}
	return m.owner.Name + "." + m.name
}

// IsLoopHeader reports whether pc is the target of a backward branch.
func (m *Method) IsLoopHeader(pc int) bool {
	return m.loopHeaders[pc]
}

// Location builds the debug wire location for a pc within this method.
func (m *Method) Location(pc int) jdwp.Location {
	loc := jdwp.Location{
		Tag:    jdwp.TypeTagClass,
		Method: m.id,
		Index:  uint64(pc),
	}
	if m.owner != nil {
		loc.Class = m.owner.ID
	}
	return loc
}

// analyze scans the instruction stream once, recording every backward
// branch target. Runs at Build time, so a method's loop headers are
// known before its first activation.
func (m *Method) analyze() {
	m.loopHeaders = make(map[int]bool)
	pc := 0
	for pc < len(m.Code) {
		op := Opcode(m.Code[pc])
		if op.IsBranch() {
			operandAt := pc + op.branchOperandPos()
			offset := int(int16(uint16(m.Code[operandAt]) | uint16(m.Code[operandAt+1])<<8))
			if offset <= 0 {
				m.loopHeaders[pc+offset] = true
			}
		}
		pc += 1 + op.OperandBytes()
	}
}

// Disassemble returns a disassembly of the method's bytecode.
func (m *Method) Disassemble() string {
	return Disassemble(m.Code)
}

// String returns "Type.name".
func (m *Method) String() string {
	return m.FullName()
}

// ---------------------------------------------------------------------------
// MethodBuilder: helper for constructing methods
// ---------------------------------------------------------------------------

// pendingCatch is a catch range whose pcs are still labels.
type pendingCatch struct {
	start, end, handler *Label
	typ                 *RefType
}

// MethodBuilder helps construct Method instances.
type MethodBuilder struct {
	method  *Method
	code    *BytecodeBuilder
	catches []pendingCatch
}

// NewMethodBuilder creates a builder for a method with the given name and
// arity. The local count starts at the arity and grows via AddLocal.
func NewMethodBuilder(name string, arity int) *MethodBuilder {
	return &MethodBuilder{
		method: &Method{
			name:      name,
			Arity:     arity,
			NumLocals: arity,
			Return:    ReturnInt,
		},
		code: NewBytecodeBuilder(),
	}
}

// SetReturn sets the declared return kind.
func (b *MethodBuilder) SetReturn(rk ReturnKind) *MethodBuilder {
	b.method.Return = rk
	return b
}

// SetNumLocals sets the total number of local slots.
func (b *MethodBuilder) SetNumLocals(n int) *MethodBuilder {
	b.method.NumLocals = n
	return b
}

// AddLocal grows the local count by 1 and returns the new slot index.
func (b *MethodBuilder) AddLocal() int {
	idx := b.method.NumLocals
	b.method.NumLocals++
	return idx
}

// Code returns the bytecode builder for direct emission.
func (b *MethodBuilder) Code() *BytecodeBuilder {
	return b.code
}

// Catch records a catch range over [start, end) with the given handler
// and type (nil for catch-all). All three labels must be marked before
// Build.
func (b *MethodBuilder) Catch(start, end, handler *Label, typ *RefType) *MethodBuilder {
	b.catches = append(b.catches, pendingCatch{start: start, end: end, handler: handler, typ: typ})
	return b
}

// Build finalizes and returns the method.
func (b *MethodBuilder) Build() *Method {
	b.method.Code = b.code.Bytes()
	for _, pc := range b.catches {
		b.method.CatchTable = append(b.method.CatchTable, CatchRange{
			StartPC:   pc.start.Position(),
			EndPC:     pc.end.Position(),
			HandlerPC: pc.handler.Position(),
			Type:      pc.typ,
		})
	}
	b.method.analyze()
	return b.method
}
