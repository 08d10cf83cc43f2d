package regalloc

import "dynarec/internal/ir"

// PathIO accumulates the register sets of every path that ends in one
// terminal block, grouped by the entry block the path started from.
type PathIO struct {
	allInputs  map[*ir.Block]uint64
	cmnOutputs map[*ir.Block]uint64
	allOutputs uint64
}

// NewPathIO returns an empty path record.
func NewPathIO() *PathIO {
	return &PathIO{
		allInputs:  make(map[*ir.Block]uint64),
		cmnOutputs: make(map[*ir.Block]uint64),
	}
}

// Set merges one path from entry: inputs are unioned, outputs intersected
// per entry and unioned globally.
func (p *PathIO) Set(entry *ir.Block, inputs, outputs uint64) {
	if prev, ok := p.allInputs[entry]; ok {
		p.allInputs[entry] = prev | inputs
		p.cmnOutputs[entry] &= outputs
	} else {
		p.allInputs[entry] = inputs
		p.cmnOutputs[entry] = outputs
	}
	p.allOutputs |= outputs
}

// Inputs returns what must be loaded at entry for paths ending here.
// Registers written on some path but not on every path from entry are
// included so the flush never stores an uninitialized local.
func (p *PathIO) Inputs(entry *ir.Block) uint64 {
	inputs, ok := p.allInputs[entry]
	if !ok {
		return 0
	}
	return inputs | (p.allOutputs &^ p.cmnOutputs[entry])
}

// Outputs returns every register written on a path ending here.
func (p *PathIO) Outputs() uint64 {
	return p.allOutputs
}

// Entries reports how many entry blocks reach this terminal.
func (p *PathIO) Entries() int {
	return len(p.allInputs)
}
