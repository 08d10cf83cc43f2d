package guest

// RegisterSize is the operand width an opcode works on.
type RegisterSize uint8

const (
	// Int32 selects the low 32 bits of an integer register.
	Int32 RegisterSize = iota
	// Int64 selects the full integer register.
	Int64
	// Simd64 selects the low half of a vector register.
	Simd64
	// Simd128 selects the whole vector register.
	Simd128
)

// Bits returns the operand width in bits.
func (s RegisterSize) Bits() int {
	switch s {
	case Int32:
		return 32
	case Int64, Simd64:
		return 64
	case Simd128:
		return 128
	default:
		return 0
	}
}

// IsVector reports whether the size belongs to the vector register file.
func (s RegisterSize) IsVector() bool {
	return s == Simd64 || s == Simd128
}

// String returns the string representation of RegisterSize.
func (s RegisterSize) String() string {
	switch s {
	case Int32:
		return "i32"
	case Int64:
		return "i64"
	case Simd64:
		return "v64"
	case Simd128:
		return "v128"
	default:
		return "unknown"
	}
}

// ExecutionMode selects how guest code is decoded.
type ExecutionMode uint8

const (
	// Aarch64 is the 64-bit mode. Only branches are conditional.
	Aarch64 ExecutionMode = iota
	// Aarch32 is the 32-bit mode. Every opcode carries a predicate.
	Aarch32
)

// String returns the string representation of ExecutionMode.
func (m ExecutionMode) String() string {
	switch m {
	case Aarch64:
		return "a64"
	case Aarch32:
		return "a32"
	default:
		return "unknown"
	}
}

// ParseMode converts a string to ExecutionMode.
func ParseMode(s string) (ExecutionMode, bool) {
	switch s {
	case "a64", "aarch64", "A64":
		return Aarch64, true
	case "a32", "aarch32", "A32":
		return Aarch32, true
	default:
		return Aarch64, false
	}
}

// Condition is an ARM-style condition code. The encoding order matters:
// the low bit inverts the test of the pair it belongs to.
type Condition uint8

const (
	Eq   Condition = iota // Z
	Ne                    // !Z
	GeUn                  // C
	LtUn                  // !C
	Mi                    // N
	Pl                    // !N
	Vs                    // V
	Vc                    // !V
	GtUn                  // C && !Z
	LeUn                  // !C || Z
	Ge                    // N == V
	Lt                    // N != V
	Gt                    // !Z && N == V
	Le                    // Z || N != V
	Al                    // always
	Nv                    // always (legacy encoding)
)

var conditionNames = [...]string{
	"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc",
	"hi", "ls", "ge", "lt", "gt", "le", "al", "nv",
}

// String returns the assembler mnemonic suffix of the condition.
func (c Condition) String() string {
	if int(c) < len(conditionNames) {
		return conditionNames[c]
	}
	return "unknown"
}

// Invert returns the condition that holds exactly when c does not.
// Al and Nv have no inverse and are returned unchanged.
func (c Condition) Invert() Condition {
	if c >= Al {
		return c
	}
	return c ^ 1
}

// ParseCondition converts a mnemonic suffix to a Condition.
func ParseCondition(s string) (Condition, bool) {
	switch s {
	case "cs", "hs":
		return GeUn, true
	case "cc", "lo":
		return LtUn, true
	}
	for i, name := range conditionNames {
		if name == s {
			return Condition(i), true
		}
	}
	return Al, false
}

// PSTATE flag positions in the flag register plane.
const (
	VBit = 28
	CBit = 29
	ZBit = 30
	NBit = 31
)

// ZeroRegister reads as zero and discards writes.
const ZeroRegister = 31

// LinkRegister receives the return address of a call.
const LinkRegister = 30

// NumRegisters is the size of each register plane.
const NumRegisters = 32
