package regalloc

import (
	"dynarec/internal/guest"
	"dynarec/internal/ir"
)

// MaxOptGraphLength bounds the graphs analysed by path enumeration.
// Larger graphs use the fast union.
const MaxOptGraphLength = 40

// Caller-saved masks of the 64-bit calling convention.
const (
	CallerSavedIntRegistersMask = uint64(0x7f) << 9
	PStateNzcvFlagsMask         = uint64(0xf) << 60
	CallerSavedVecRegistersMask = uint64(0xffff) << 16
)

// Alloc holds the liveness result of one host block graph.
type Alloc struct {
	intPaths map[*ir.Block]*PathIO
	vecPaths map[*ir.Block]*PathIO
	exact    bool
}

// New analyses blocks starting at root, picking the exact algorithm for
// graphs of more than one and fewer than MaxOptGraphLength blocks.
func New(blocks []*ir.Block, root *ir.Block) *Alloc {
	if len(blocks) > 1 && len(blocks) < MaxOptGraphLength {
		return NewExact(blocks, root)
	}
	return NewFast(blocks)
}

// Exact reports whether the path enumeration was used.
func (a *Alloc) Exact() bool {
	return a.exact
}

type blockIO struct {
	block *ir.Block
	entry *ir.Block

	intInputs  uint64
	vecInputs  uint64
	intOutputs uint64
	vecOutputs uint64
}

// NewExact enumerates every (block, entry, masks) state reachable from
// root. A fall-through out of a block that flushes context starts a new
// entry, since the flush precedes a call that may clobber registers.
func NewExact(blocks []*ir.Block, root *ir.Block) *Alloc {
	a := &Alloc{
		intPaths: make(map[*ir.Block]*PathIO, len(blocks)),
		vecPaths: make(map[*ir.Block]*PathIO, len(blocks)),
		exact:    true,
	}
	if root == nil {
		return a
	}

	visited := make(map[blockIO]struct{})
	var queue []blockIO
	enqueue := func(s blockIO) {
		if _, seen := visited[s]; seen {
			return
		}
		visited[s] = struct{}{}
		queue = append(queue, s)
	}
	enqueue(blockIO{block: root, entry: root})

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		b := cur.block
		cur.intInputs |= b.IntInputs &^ cur.intOutputs
		cur.vecInputs |= b.VecInputs &^ cur.vecOutputs
		cur.intOutputs |= b.IntOutputs
		cur.vecOutputs |= b.VecOutputs

		if (b.Next == nil && b.Branch == nil) || b.HasStateStore {
			a.path(a.intPaths, b).Set(cur.entry, cur.intInputs, cur.intOutputs)
			a.path(a.vecPaths, b).Set(cur.entry, cur.vecInputs, cur.vecOutputs)
		}

		if b.Next != nil {
			if b.HasStateStore {
				enqueue(blockIO{block: b.Next, entry: b.Next})
			} else {
				next := cur
				next.block = b.Next
				enqueue(next)
			}
		}
		if b.Branch != nil {
			branch := cur
			branch.block = b.Branch
			enqueue(branch)
		}
	}
	return a
}

func (a *Alloc) path(paths map[*ir.Block]*PathIO, b *ir.Block) *PathIO {
	p, ok := paths[b]
	if !ok {
		p = NewPathIO()
		paths[b] = p
	}
	return p
}

// NewFast unions the masks of every block. With more than one block no
// path is proven, so every output is also loaded as an input.
func NewFast(blocks []*ir.Block) *Alloc {
	var intInputs, vecInputs, intOutputs, vecOutputs uint64
	for _, b := range blocks {
		intInputs |= b.IntInputs
		vecInputs |= b.VecInputs
		intOutputs |= b.IntOutputs
		vecOutputs |= b.VecOutputs
	}
	if len(blocks) > 1 {
		intInputs |= intOutputs
		vecInputs |= vecOutputs
	}

	intPath, vecPath := NewPathIO(), NewPathIO()
	a := &Alloc{
		intPaths: make(map[*ir.Block]*PathIO, len(blocks)),
		vecPaths: make(map[*ir.Block]*PathIO, len(blocks)),
	}
	for _, b := range blocks {
		intPath.Set(b, intInputs, intOutputs)
		vecPath.Set(b, vecInputs, vecOutputs)
		a.intPaths[b] = intPath
		a.vecPaths[b] = vecPath
	}
	return a
}

// IntInputs returns the int and flag registers to load at entry.
func (a *Alloc) IntInputs(entry *ir.Block) uint64 {
	return inputs(a.intPaths, entry)
}

// VecInputs returns the vector registers to load at entry.
func (a *Alloc) VecInputs(entry *ir.Block) uint64 {
	return inputs(a.vecPaths, entry)
}

// IntOutputs returns the int and flag registers to flush at block.
func (a *Alloc) IntOutputs(block *ir.Block) uint64 {
	return outputs(a.intPaths, block)
}

// VecOutputs returns the vector registers to flush at block.
func (a *Alloc) VecOutputs(block *ir.Block) uint64 {
	return outputs(a.vecPaths, block)
}

func inputs(paths map[*ir.Block]*PathIO, entry *ir.Block) uint64 {
	var mask uint64
	seen := make(map[*PathIO]struct{}, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		mask |= p.Inputs(entry)
	}
	return mask
}

func outputs(paths map[*ir.Block]*PathIO, block *ir.Block) uint64 {
	if p, ok := paths[block]; ok {
		return p.Outputs()
	}
	return 0
}

// Masks adapts the allocator to ir.Dump.
func (a *Alloc) Masks(b *ir.Block) (intIn, vecIn, intOut, vecOut uint64) {
	return a.IntInputs(b), a.VecInputs(b), a.IntOutputs(b), a.VecOutputs(b)
}

// ClearCallerSavedInt drops the registers a callee may clobber under the
// 64-bit calling convention: X9 to X15 and NZCV.
func ClearCallerSavedInt(mask uint64, mode guest.ExecutionMode) uint64 {
	if mode == guest.Aarch64 {
		mask &^= CallerSavedIntRegistersMask | PStateNzcvFlagsMask
	}
	return mask
}

// ClearCallerSavedVec drops V16 to V31 under the 64-bit calling convention.
func ClearCallerSavedVec(mask uint64, mode guest.ExecutionMode) uint64 {
	if mode == guest.Aarch64 {
		mask &^= CallerSavedVecRegistersMask
	}
	return mask
}
