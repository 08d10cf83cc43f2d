package ir

import (
	"fmt"

	"dynarec/internal/guest"
)

// RegisterClass selects the register plane an index refers to.
type RegisterClass uint8

const (
	// Int is the general purpose plane.
	Int RegisterClass = iota
	// Flag is the PSTATE flag plane.
	Flag
	// Vector is the SIMD plane.
	Vector
)

// String returns the string representation of RegisterClass.
func (c RegisterClass) String() string {
	switch c {
	case Int:
		return "x"
	case Flag:
		return "f"
	case Vector:
		return "v"
	default:
		return "?"
	}
}

// TempBase is the first index of the host temporaries. Temporaries live
// only in locals and never take part in liveness.
const TempBase = 64

// Register names one local of the host function.
type Register struct {
	Index int
	Class RegisterClass
}

// IntReg returns the general purpose register at index.
func IntReg(index int) Register { return Register{Index: index, Class: Int} }

// FlagReg returns the flag register at index.
func FlagReg(index int) Register { return Register{Index: index, Class: Flag} }

// VecReg returns the vector register at index.
func VecReg(index int) Register { return Register{Index: index, Class: Vector} }

// IsTemp reports whether r is a host temporary.
func (r Register) IsTemp() bool {
	return r.Index >= TempBase
}

// IsData reports whether r is a guest register tracked by liveness.
func (r Register) IsData() bool {
	return r.Index >= 0 && r.Index < guest.NumRegisters
}

// String returns the string representation of Register.
func (r Register) String() string {
	if r.IsTemp() {
		return fmt.Sprintf("%st%d", r.Class, r.Index-TempBase)
	}
	return fmt.Sprintf("%s%d", r.Class, r.Index)
}

func checkRegister(op string, reg Register, size guest.RegisterSize) error {
	if !reg.IsData() && !reg.IsTemp() {
		return &Error{Op: op, Register: reg, Size: size, Reason: "index outside the data plane"}
	}
	switch reg.Class {
	case Int, Flag:
		if size.IsVector() {
			return &Error{Op: op, Register: reg, Size: size, Reason: "vector size on a scalar register"}
		}
	case Vector:
		if !size.IsVector() {
			return &Error{Op: op, Register: reg, Size: size, Reason: "integer size on a vector register"}
		}
	default:
		return &Error{Op: op, Register: reg, Size: size, Reason: "unknown register class"}
	}
	return nil
}
