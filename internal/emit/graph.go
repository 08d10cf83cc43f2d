package emit

import (
	"errors"
	"fmt"

	"dynarec/internal/guest"
)

var (
	// ErrEmptyGraph is returned for a graph without blocks.
	ErrEmptyGraph = errors.New("emit: empty block graph")
	// ErrMalformedGraph is returned when the root or a successor index does
	// not name a block of the graph.
	ErrMalformedGraph = errors.New("emit: malformed block graph")
)

// Emitter translates one guest opcode into host ops through the context.
type Emitter func(c *Context)

// OpCode is one decoded guest instruction.
type OpCode struct {
	Address uint64
	Length  int
	Name    string
	Size    guest.RegisterSize
	Cond    guest.Condition
	Emit    Emitter

	// Info carries decoder specific operands for the emitter.
	Info any
}

// NextAddress returns the address of the following instruction.
func (op *OpCode) NextAddress() uint64 {
	return op.Address + uint64(op.Length)
}

// String returns the string representation of OpCode.
func (op *OpCode) String() string {
	return fmt.Sprintf("%#x %s", op.Address, op.Name)
}

// NoBlock marks an absent successor.
const NoBlock = -1

// Block is one guest basic block. Successors are indices into the graph.
type Block struct {
	Address uint64
	OpCodes []*OpCode
	Next    int
	Branch  int
}

// End returns the address following the last opcode.
func (b *Block) End() uint64 {
	if len(b.OpCodes) == 0 {
		return b.Address
	}
	return b.OpCodes[len(b.OpCodes)-1].NextAddress()
}

// Graph is the guest control flow graph of one subroutine.
type Graph struct {
	Blocks []Block
	Root   int
}

// NewGraph validates the block indices of a decoded graph.
func NewGraph(blocks []Block, root int) (*Graph, error) {
	if len(blocks) == 0 {
		return nil, ErrEmptyGraph
	}
	if root < 0 || root >= len(blocks) {
		return nil, fmt.Errorf("%w: root %d of %d blocks", ErrMalformedGraph, root, len(blocks))
	}
	for i, b := range blocks {
		for _, succ := range [...]int{b.Next, b.Branch} {
			if succ != NoBlock && (succ < 0 || succ >= len(blocks)) {
				return nil, fmt.Errorf("%w: block %d links to %d", ErrMalformedGraph, i, succ)
			}
		}
	}
	return &Graph{Blocks: blocks, Root: root}, nil
}

// RootAddress returns the guest address the graph was decoded from.
func (g *Graph) RootAddress() uint64 {
	return g.Blocks[g.Root].Address
}

// OpCount returns the number of opcodes in the graph.
func (g *Graph) OpCount() int {
	n := 0
	for i := range g.Blocks {
		n += len(g.Blocks[i].OpCodes)
	}
	return n
}

// order lists the blocks reachable from the root: fall-through chains are
// kept contiguous, branch targets are visited from a queue exactly once.
func (g *Graph) order() []int {
	visited := make([]bool, len(g.Blocks))
	order := make([]int, 0, len(g.Blocks))
	pending := []int{g.Root}
	for len(pending) > 0 {
		i := pending[0]
		pending = pending[1:]
		for i != NoBlock && !visited[i] {
			visited[i] = true
			order = append(order, i)
			if br := g.Blocks[i].Branch; br != NoBlock && !visited[br] {
				pending = append(pending, br)
			}
			i = g.Blocks[i].Next
		}
	}
	return order
}
