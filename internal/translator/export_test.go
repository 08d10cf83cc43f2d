package translator

import (
	"dynarec/internal/emit"
	"dynarec/internal/guest"
)

// NewTestSubroutine returns a subroutine without code for cache tests.
func NewTestSubroutine(addr uint64, mode guest.ExecutionMode, tier emit.Tier, opCount int) *Subroutine {
	return newSubroutine(addr, mode, tier, opCount, false, nil, DefaultMinOpsForOptimization)
}
