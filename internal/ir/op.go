package ir

import (
	"fmt"
	"math"
	"sync/atomic"

	"dynarec/internal/guest"
)

// Kind enumerates the closed set of abstract host operations.
type Kind uint8

const (
	// KindRaw is a stack machine instruction with no operand.
	KindRaw Kind = iota
	// KindBranch transfers control to a label, optionally testing the stack.
	KindBranch
	// KindLabel marks a branch target.
	KindLabel
	// KindConst pushes a constant.
	KindConst
	// KindCall invokes a host method.
	KindCall
	// KindLoadRegister pushes a register local.
	KindLoadRegister
	// KindStoreRegister pops into a register local.
	KindStoreRegister
	// KindLoadArgument pushes one of the function arguments.
	KindLoadArgument
	// KindLoadContext loads the live inputs of an entry block from guest state.
	KindLoadContext
	// KindStoreContext flushes the live outputs of a block to guest state.
	KindStoreContext
	// KindBarrier separates the ops of two guest instructions.
	KindBarrier
	// KindDebugPrint writes a message to the debug logger when executed.
	KindDebugPrint
)

var kindNames = [...]string{
	KindRaw:           "raw",
	KindBranch:        "branch",
	KindLabel:         "label",
	KindConst:         "const",
	KindCall:          "call",
	KindLoadRegister:  "ldreg",
	KindStoreRegister: "streg",
	KindLoadArgument:  "ldarg",
	KindLoadContext:   "ldctx",
	KindStoreContext:  "stctx",
	KindBarrier:       "barrier",
	KindDebugPrint:    "debug",
}

// String returns the string representation of Kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ConstType is the type of a constant operand.
type ConstType uint8

const (
	ConstI32 ConstType = iota
	ConstI64
	ConstF32
	ConstF64
)

// Label identifies a position in the host instruction stream.
type Label struct {
	id int64
}

var labelSeq atomic.Int64

// NewLabel returns a fresh label. Labels are compared by identity.
func NewLabel() *Label {
	return &Label{id: labelSeq.Add(1)}
}

// String returns the string representation of Label.
func (l *Label) String() string {
	if l == nil {
		return "L?"
	}
	return fmt.Sprintf("L%d", l.id)
}

// Op is one abstract host operation. Which payload fields are meaningful
// depends on Kind. Ops are values and are never mutated after creation.
type Op struct {
	Kind Kind

	Raw    RawCode
	Branch BranchCode
	Size   guest.RegisterSize

	Label *Label

	ConstType ConstType
	Bits      uint64

	Method *Method

	Register Register
	Argument int

	Block *Block

	Text string
}

// NewRaw returns a raw stack instruction operating at the given width.
func NewRaw(code RawCode, size guest.RegisterSize) Op {
	return Op{Kind: KindRaw, Raw: code, Size: size}
}

// NewBranch returns a branch to label.
func NewBranch(code BranchCode, label *Label, size guest.RegisterSize) Op {
	return Op{Kind: KindBranch, Branch: code, Label: label, Size: size}
}

// NewMarkLabel returns the op that binds label to the current position.
func NewMarkLabel(label *Label) Op {
	return Op{Kind: KindLabel, Label: label}
}

// NewConstI32 returns a 32-bit integer constant.
func NewConstI32(v int32) Op {
	return Op{Kind: KindConst, ConstType: ConstI32, Bits: uint64(int64(v))}
}

// NewConstI64 returns a 64-bit integer constant.
func NewConstI64(v int64) Op {
	return Op{Kind: KindConst, ConstType: ConstI64, Bits: uint64(v)}
}

// NewConstF32 returns a single precision constant.
func NewConstF32(v float32) Op {
	return Op{Kind: KindConst, ConstType: ConstF32, Bits: uint64(math.Float32bits(v))}
}

// NewConstF64 returns a double precision constant.
func NewConstF64(v float64) Op {
	return Op{Kind: KindConst, ConstType: ConstF64, Bits: math.Float64bits(v)}
}

// NewCall returns a call to m.
func NewCall(m *Method) Op {
	return Op{Kind: KindCall, Method: m}
}

// NewLoadRegister returns a load of reg at the given width. Data plane
// indices outside [0,31] and class/size mismatches are rejected.
func NewLoadRegister(reg Register, size guest.RegisterSize) (Op, error) {
	if err := checkRegister("ldreg", reg, size); err != nil {
		return Op{}, err
	}
	return Op{Kind: KindLoadRegister, Register: reg, Size: size}, nil
}

// NewStoreRegister returns a store to reg at the given width, with the same
// validation as NewLoadRegister.
func NewStoreRegister(reg Register, size guest.RegisterSize) (Op, error) {
	if err := checkRegister("streg", reg, size); err != nil {
		return Op{}, err
	}
	return Op{Kind: KindStoreRegister, Register: reg, Size: size}, nil
}

// NewLoadArgument returns a load of the function argument at index.
func NewLoadArgument(index int) Op {
	return Op{Kind: KindLoadArgument, Argument: index}
}

// NewLoadContext returns a context load for the entry block b.
func NewLoadContext(b *Block) Op {
	return Op{Kind: KindLoadContext, Block: b}
}

// NewStoreContext returns a context flush for block b.
func NewStoreContext(b *Block) Op {
	return Op{Kind: KindStoreContext, Block: b}
}

// NewBarrier returns an instruction boundary marker.
func NewBarrier() Op {
	return Op{Kind: KindBarrier}
}

// NewDebugPrint returns a debug message op.
func NewDebugPrint(text string) Op {
	return Op{Kind: KindDebugPrint, Text: text}
}

// String renders the op in the dump syntax.
func (op Op) String() string {
	switch op.Kind {
	case KindRaw:
		return fmt.Sprintf("%s.%s", op.Raw, op.Size)
	case KindBranch:
		return fmt.Sprintf("%s.%s %s", op.Branch, op.Size, op.Label)
	case KindLabel:
		return op.Label.String() + ":"
	case KindConst:
		switch op.ConstType {
		case ConstI32:
			return fmt.Sprintf("const.i32 %d", int32(op.Bits))
		case ConstI64:
			return fmt.Sprintf("const.i64 %#x", op.Bits)
		case ConstF32:
			return fmt.Sprintf("const.f32 %g", math.Float32frombits(uint32(op.Bits)))
		default:
			return fmt.Sprintf("const.f64 %g", math.Float64frombits(op.Bits))
		}
	case KindCall:
		if op.Method == nil {
			return "call <nil>"
		}
		return "call " + op.Method.Name
	case KindLoadRegister:
		return fmt.Sprintf("ldreg.%s %s", op.Size, op.Register)
	case KindStoreRegister:
		return fmt.Sprintf("streg.%s %s", op.Size, op.Register)
	case KindLoadArgument:
		return fmt.Sprintf("ldarg %d", op.Argument)
	case KindLoadContext:
		return fmt.Sprintf("ldctx b%d", blockIndex(op.Block))
	case KindStoreContext:
		return fmt.Sprintf("stctx b%d", blockIndex(op.Block))
	case KindBarrier:
		return "barrier"
	case KindDebugPrint:
		return fmt.Sprintf("debug %q", op.Text)
	default:
		return op.Kind.String()
	}
}

func blockIndex(b *Block) int {
	if b == nil {
		return -1
	}
	return b.Index
}
