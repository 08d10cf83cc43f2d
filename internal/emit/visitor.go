package emit

import (
	"dynarec/internal/guest"
	"dynarec/internal/ir"
)

// CompareKind identifies the arithmetic behind a flag-setting compare.
type CompareKind uint8

const (
	// CompareSub is a subtract compare (CMP, SUBS).
	CompareSub CompareKind = iota + 1
	// CompareAdd is an add compare (CMN, ADDS).
	CompareAdd
)

// visitor is the peephole state of the guest block being emitted. It is
// replaced whenever a new guest block starts.
type visitor struct {
	lastCompare *OpCode
	lastFlagSet *OpCode

	kind   CompareKind
	imm    int64
	hasImm bool
}

func (v *visitor) resetForPredicated(op *OpCode) {
	// A predicated flag setter may not run, so the flags are unknown.
	if v.lastFlagSet == op {
		*v = visitor{}
	}
}

var fusedBranch = map[guest.Condition]ir.BranchCode{
	guest.Eq:   ir.Beq,
	guest.Ne:   ir.BneUn,
	guest.GeUn: ir.BgeUn,
	guest.LtUn: ir.BltUn,
	guest.GtUn: ir.BgtUn,
	guest.LeUn: ir.BleUn,
	guest.Ge:   ir.Bge,
	guest.Lt:   ir.Blt,
	guest.Gt:   ir.Bgt,
	guest.Le:   ir.Ble,
}

func unsignedCond(c guest.Condition) bool {
	return c == guest.GeUn || c == guest.LtUn || c == guest.GtUn || c == guest.LeUn
}

// fusion returns the compare-branch to use for cond, if any.
func (v *visitor) fusion(cond guest.Condition) (ir.BranchCode, bool) {
	if v.lastCompare == nil || v.lastCompare != v.lastFlagSet {
		return 0, false
	}
	code, ok := fusedBranch[cond]
	if !ok {
		return 0, false
	}
	switch v.kind {
	case CompareSub:
		return code, true
	case CompareAdd:
		// Carry means different things for add and subtract, and only an
		// immediate can be negated safely.
		if unsignedCond(cond) || !v.hasImm {
			return 0, false
		}
		return code, true
	}
	return 0, false
}
