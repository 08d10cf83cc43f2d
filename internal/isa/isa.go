// Package isa defines a small fixed-width guest instruction set used to
// exercise the translator: 32 integer and 32 vector registers, NZCV flags,
// ARM-style conditions and a 32-bit mode with per-instruction predicates.
package isa

import (
	"errors"
	"fmt"

	"dynarec/internal/guest"
)

// InstSize is the length in bytes of every instruction.
const InstSize = 4

// Op is an instruction opcode, stored in bits 31..26.
type Op uint8

const (
	NOP Op = iota
	ADD
	ADDI
	SUB
	SUBI
	ADDS
	ADDSI
	SUBS
	SUBSI
	AND
	ORR
	EOR
	LSL
	LSR
	ASR
	MUL
	MOVZ
	LDR
	STR
	B
	BCOND
	BL
	BR
	BLR
	RET
	HLT
	VDUP
	VADD
	VUMOV

	numOps
)

var opNames = [...]string{
	NOP: "nop", ADD: "add", ADDI: "addi", SUB: "sub", SUBI: "subi",
	ADDS: "adds", ADDSI: "addsi", SUBS: "subs", SUBSI: "subsi",
	AND: "and", ORR: "orr", EOR: "eor", LSL: "lsl", LSR: "lsr", ASR: "asr",
	MUL: "mul", MOVZ: "movz", LDR: "ldr", STR: "str",
	B: "b", BCOND: "b.cond", BL: "bl", BR: "br", BLR: "blr", RET: "ret", HLT: "hlt",
	VDUP: "vdup", VADD: "vadd", VUMOV: "vumov",
}

// String returns the string representation of Op.
func (o Op) String() string {
	if o < numOps {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// ErrUnknownOp is returned when a word does not decode to an instruction.
var ErrUnknownOp = errors.New("isa: unknown opcode")

// Inst is a decoded instruction.
type Inst struct {
	Op   Op
	Cond guest.Condition
	// SF selects the 64-bit form of integer instructions and the 128-bit
	// form of vector instructions.
	SF  bool
	Rd  int
	Rn  int
	Rm  int
	Imm int64
}

// Field layout.
const (
	opShift   = 26
	condShift = 22
	sfBit     = 21
	rdShift   = 16
	rnShift   = 11
	rmShift   = 6

	imm11Bits = 11
	imm16Bits = 16
	imm22Bits = 22
)

func signExtend(v uint32, bits uint) int64 {
	shift := 32 - bits
	return int64(int32(v<<shift) >> shift)
}

// Decode splits a word into its fields.
func Decode(word uint32) (Inst, error) {
	in := Inst{
		Op:   Op(word >> opShift),
		Cond: guest.Condition(word >> condShift & 0xf),
		SF:   word>>sfBit&1 != 0,
		Rd:   int(word >> rdShift & 0x1f),
		Rn:   int(word >> rnShift & 0x1f),
		Rm:   int(word >> rmShift & 0x1f),
	}
	if in.Op >= numOps {
		return Inst{}, fmt.Errorf("%w: %#08x", ErrUnknownOp, word)
	}
	switch in.Op.format() {
	case formatImm:
		in.Imm = signExtend(word&(1<<imm11Bits-1), imm11Bits)
		in.Rm = 0
	case formatWide:
		in.Imm = int64(word & (1<<imm16Bits - 1))
		in.Rn, in.Rm = 0, 0
	case formatBranch:
		in.Imm = signExtend(word&(1<<imm22Bits-1), imm22Bits)
		in.SF, in.Rd, in.Rn, in.Rm = false, 0, 0, 0
	}
	return in, nil
}

// Encode packs an instruction into a word.
func Encode(in Inst) (uint32, error) {
	if in.Op >= numOps {
		return 0, fmt.Errorf("%w: %d", ErrUnknownOp, in.Op)
	}
	for _, r := range [...]int{in.Rd, in.Rn, in.Rm} {
		if r < 0 || r >= guest.NumRegisters {
			return 0, fmt.Errorf("isa: %s: register %d out of range", in.Op, r)
		}
	}
	word := uint32(in.Op)<<opShift | uint32(in.Cond&0xf)<<condShift
	switch in.Op.format() {
	case formatImm:
		if in.Imm < -(1<<(imm11Bits-1)) || in.Imm >= 1<<(imm11Bits-1) {
			return 0, fmt.Errorf("isa: %s: immediate %d out of range", in.Op, in.Imm)
		}
		word |= uint32(in.Imm) & (1<<imm11Bits - 1)
		word |= uint32(in.Rd)<<rdShift | uint32(in.Rn)<<rnShift
	case formatWide:
		if in.Imm < 0 || in.Imm >= 1<<imm16Bits {
			return 0, fmt.Errorf("isa: %s: immediate %d out of range", in.Op, in.Imm)
		}
		word |= uint32(in.Imm) | uint32(in.Rd)<<rdShift
	case formatBranch:
		if in.Imm < -(1<<(imm22Bits-1)) || in.Imm >= 1<<(imm22Bits-1) {
			return 0, fmt.Errorf("isa: %s: offset %d out of range", in.Op, in.Imm)
		}
		return word | uint32(in.Imm)&(1<<imm22Bits-1), nil
	default:
		word |= uint32(in.Rd)<<rdShift | uint32(in.Rn)<<rnShift | uint32(in.Rm)<<rmShift
	}
	if in.SF {
		word |= 1 << sfBit
	}
	return word, nil
}

type format uint8

const (
	formatReg format = iota
	formatImm
	formatWide
	formatBranch
)

func (o Op) format() format {
	switch o {
	case ADDI, SUBI, ADDSI, SUBSI, LDR, STR:
		return formatImm
	case MOVZ:
		return formatWide
	case B, BCOND, BL:
		return formatBranch
	default:
		return formatReg
	}
}

// Target returns the destination of a pc-relative branch at addr.
func (in Inst) Target(addr uint64) (uint64, bool) {
	if in.Op.format() != formatBranch {
		return 0, false
	}
	return addr + uint64(in.Imm*InstSize), true
}

// EndsBlock reports whether the instruction transfers control.
func (in Inst) EndsBlock() bool {
	switch in.Op {
	case B, BCOND, BL, BR, BLR, RET, HLT:
		return true
	}
	return false
}

// FallsThrough reports whether execution may continue at the next
// instruction, counting the return of a direct call as a fall-through.
func (in Inst) FallsThrough(mode guest.ExecutionMode) bool {
	switch in.Op {
	case B, BR, BLR, RET, HLT:
		return mode == guest.Aarch32 && in.Cond < guest.Al
	}
	return true
}

// IsCall reports whether the instruction links a return address.
func (in Inst) IsCall() bool {
	return in.Op == BL || in.Op == BLR
}

// Size returns the operand width of the instruction in mode.
func (in Inst) Size(mode guest.ExecutionMode) guest.RegisterSize {
	switch in.Op {
	case VDUP, VADD, VUMOV:
		if in.SF {
			return guest.Simd128
		}
		return guest.Simd64
	}
	if mode == guest.Aarch32 || !in.SF {
		return guest.Int32
	}
	return guest.Int64
}

// String renders the instruction in assembler syntax.
func (in Inst) String() string {
	r := func(i int) string {
		p := "x"
		if !in.SF {
			p = "w"
		}
		if i == guest.ZeroRegister {
			return p + "zr"
		}
		return fmt.Sprintf("%s%d", p, i)
	}
	v := func(i int) string {
		if in.SF {
			return fmt.Sprintf("v%d", i)
		}
		return fmt.Sprintf("d%d", i)
	}
	name := in.Op.String()
	if in.Op != BCOND && in.Cond < guest.Al {
		name += "." + in.Cond.String()
	}
	switch in.Op {
	case NOP, HLT:
		return name
	case RET:
		return name + " " + fmt.Sprintf("x%d", in.Rn)
	case BR, BLR:
		return fmt.Sprintf("%s x%d", name, in.Rn)
	case B, BL:
		return fmt.Sprintf("%s %+d", name, in.Imm)
	case BCOND:
		return fmt.Sprintf("b.%s %+d", in.Cond, in.Imm)
	case MOVZ:
		return fmt.Sprintf("%s %s, #%#x", name, r(in.Rd), in.Imm)
	case LDR, STR:
		return fmt.Sprintf("%s %s, [x%d, #%d]", name, r(in.Rd), in.Rn, in.Imm)
	case ADDI, SUBI, ADDSI, SUBSI:
		return fmt.Sprintf("%s %s, %s, #%d", name, r(in.Rd), r(in.Rn), in.Imm)
	case VDUP:
		return fmt.Sprintf("%s %s, x%d", name, v(in.Rd), in.Rn)
	case VADD:
		return fmt.Sprintf("%s %s, %s, %s", name, v(in.Rd), v(in.Rn), v(in.Rm))
	case VUMOV:
		return fmt.Sprintf("%s x%d, %s", name, in.Rd, v(in.Rn))
	default:
		return fmt.Sprintf("%s %s, %s, %s", name, r(in.Rd), r(in.Rn), r(in.Rm))
	}
}
