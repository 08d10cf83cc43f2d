package ir

import "fmt"

// RawCode is an operand-less stack instruction.
type RawCode uint8

const (
	Add RawCode = iota
	Sub
	Mul
	And
	Or
	Xor
	Not
	Neg
	Shl
	ShrUn
	Shr
	Ceq
	Clt
	CltUn
	Cgt
	CgtUn
	Dup
	Pop
	Ret
	ConvU4
	ConvI4
	ConvU8
	ConvI8
	VecDup
	VecAdd
	VecLow
)

var rawNames = [...]string{
	Add: "add", Sub: "sub", Mul: "mul", And: "and", Or: "or", Xor: "xor",
	Not: "not", Neg: "neg", Shl: "shl", ShrUn: "shr.un", Shr: "shr",
	Ceq: "ceq", Clt: "clt", CltUn: "clt.un", Cgt: "cgt", CgtUn: "cgt.un",
	Dup: "dup", Pop: "pop", Ret: "ret",
	ConvU4: "conv.u4", ConvI4: "conv.i4", ConvU8: "conv.u8", ConvI8: "conv.i8",
	VecDup: "vdup", VecAdd: "vadd", VecLow: "vlow",
}

// String returns the string representation of RawCode.
func (c RawCode) String() string {
	if int(c) < len(rawNames) {
		return rawNames[c]
	}
	return fmt.Sprintf("raw(%d)", uint8(c))
}

// BranchCode is a branch instruction. Conditional codes pop their operands.
type BranchCode uint8

const (
	Br BranchCode = iota
	Brtrue
	Brfalse
	Beq
	BneUn
	Bge
	BgeUn
	Bgt
	BgtUn
	Ble
	BleUn
	Blt
	BltUn
)

var branchNames = [...]string{
	Br: "br", Brtrue: "brtrue", Brfalse: "brfalse", Beq: "beq", BneUn: "bne.un",
	Bge: "bge", BgeUn: "bge.un", Bgt: "bgt", BgtUn: "bgt.un",
	Ble: "ble", BleUn: "ble.un", Blt: "blt", BltUn: "blt.un",
}

// String returns the string representation of BranchCode.
func (c BranchCode) String() string {
	if int(c) < len(branchNames) {
		return branchNames[c]
	}
	return fmt.Sprintf("branch(%d)", uint8(c))
}

// Operands returns how many stack values the branch consumes.
func (c BranchCode) Operands() int {
	switch c {
	case Br:
		return 0
	case Brtrue, Brfalse:
		return 1
	default:
		return 2
	}
}

// Unconditional reports whether the branch always transfers control.
func (c BranchCode) Unconditional() bool {
	return c == Br
}
