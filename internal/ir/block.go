package ir

import "dynarec/internal/guest"

// Block is a host instruction block: a straight run of ops with at most
// a fall-through and a taken successor. Register usage masks are updated as
// ops are appended. Flag registers occupy bits 32..63 of the int masks.
type Block struct {
	Index int

	// GuestIndex and GuestAddress identify the guest block the ops came from.
	GuestIndex   int
	GuestAddress uint64

	// IsEntry marks blocks that begin with a context load.
	IsEntry bool

	Ops []Op

	IntInputs  uint64
	IntOutputs uint64
	VecInputs  uint64
	VecOutputs uint64

	// HasStateStore is set once a context flush is appended.
	HasStateStore bool

	Next   *Block
	Branch *Block

	intAwOutputs uint64
	vecAwOutputs uint64
}

// NewBlock returns an empty block with the given index.
func NewBlock(index int) *Block {
	return &Block{Index: index, GuestIndex: -1}
}

// Add appends op and updates the usage masks. Loads count as inputs unless
// the register was written by an earlier instruction of this block.
func (b *Block) Add(op Op) {
	switch op.Kind {
	case KindBarrier:
		b.intAwOutputs = b.IntOutputs
		b.vecAwOutputs = b.VecOutputs
	case KindLoadRegister:
		if op.Register.IsData() {
			switch op.Register.Class {
			case Flag:
				b.IntInputs |= (uint64(1) << op.Register.Index << 32) &^ b.intAwOutputs
			case Int:
				b.IntInputs |= (uint64(1) << op.Register.Index) &^ b.intAwOutputs
			case Vector:
				b.VecInputs |= (uint64(1) << op.Register.Index) &^ b.vecAwOutputs
			}
		}
	case KindStoreRegister:
		if op.Register.IsData() {
			switch op.Register.Class {
			case Flag:
				b.IntOutputs |= uint64(1) << op.Register.Index << 32
			case Int:
				b.IntOutputs |= uint64(1) << op.Register.Index
			case Vector:
				b.VecOutputs |= uint64(1) << op.Register.Index
			}
		}
	case KindStoreContext:
		b.HasStateStore = true
	}
	b.Ops = append(b.Ops, op)
}

// LastOp returns the last appended op, if any.
func (b *Block) LastOp() (Op, bool) {
	if len(b.Ops) == 0 {
		return Op{}, false
	}
	return b.Ops[len(b.Ops)-1], true
}

// EndsUnconditionally reports whether control never falls out of the block.
func (b *Block) EndsUnconditionally() bool {
	last, ok := b.LastOp()
	if !ok {
		return false
	}
	switch last.Kind {
	case KindBranch:
		return last.Branch.Unconditional()
	case KindRaw:
		return last.Raw == Ret
	}
	return false
}

// Successors returns the non-nil successors, fall-through first.
func (b *Block) Successors() []*Block {
	out := make([]*Block, 0, 2)
	if b.Next != nil {
		out = append(out, b.Next)
	}
	if b.Branch != nil && b.Branch != b.Next {
		out = append(out, b.Branch)
	}
	return out
}

// FlagMask returns the int mask bit of a PSTATE flag.
func FlagMask(flag int) uint64 {
	return uint64(1) << flag << 32
}

// NzcvMask covers the four condition flags in the int mask layout.
const NzcvMask = uint64(1)<<(guest.VBit+32) | uint64(1)<<(guest.CBit+32) |
	uint64(1)<<(guest.ZBit+32) | uint64(1)<<(guest.NBit+32)
