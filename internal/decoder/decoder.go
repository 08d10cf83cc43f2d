// Package decoder turns guest machine code into the block graphs consumed by
// the emitter.
package decoder

import (
	"errors"
	"fmt"
	"sort"

	"dynarec/internal/emit"
	"dynarec/internal/guest"
	"dynarec/internal/isa"
)

// DefaultMaxOps bounds the opcodes decoded for one subroutine.
const DefaultMaxOps = 4096

var (
	// ErrFault is returned when decoding reads unmapped guest memory at the
	// entry address.
	ErrFault = errors.New("decoder: fetch fault")
	// ErrMisaligned is returned for an entry address that is not a multiple
	// of the instruction size.
	ErrMisaligned = errors.New("decoder: misaligned address")
)

// Decoder reads instructions from guest memory.
type Decoder struct {
	mem    guest.Memory
	maxOps int
}

// New returns a decoder over mem. maxOps bounds whole-subroutine decoding;
// zero selects DefaultMaxOps.
func New(mem guest.Memory, maxOps int) *Decoder {
	if maxOps <= 0 {
		maxOps = DefaultMaxOps
	}
	return &Decoder{mem: mem, maxOps: maxOps}
}

func (d *Decoder) fetch(addr uint64) (in isa.Inst, err error) {
	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(*guest.Fault)
			if !ok {
				panic(r)
			}
			err = fmt.Errorf("%w: %v", ErrFault, f)
		}
	}()
	return isa.Decode(d.mem.ReadUint32(addr))
}

func checkAligned(addr uint64) error {
	if addr%isa.InstSize != 0 {
		return fmt.Errorf("%w: %#x", ErrMisaligned, addr)
	}
	return nil
}

// Block decodes the basic block at addr as a single-block graph, stopping
// after a control transfer or maxOps opcodes (zero means no limit). The
// block has no successors: branches leave through the dispatcher.
func (d *Decoder) Block(addr uint64, mode guest.ExecutionMode, maxOps int) (*emit.Graph, error) {
	if err := checkAligned(addr); err != nil {
		return nil, err
	}
	blk := emit.Block{Address: addr, Next: emit.NoBlock, Branch: emit.NoBlock}
	for pc := addr; maxOps <= 0 || len(blk.OpCodes) < maxOps; pc += isa.InstSize {
		in, err := d.fetch(pc)
		if err != nil {
			if len(blk.OpCodes) == 0 {
				return nil, err
			}
			// Fetch fails at run time when execution gets there.
			break
		}
		op, err := isa.OpCode(pc, in, mode)
		if err != nil {
			return nil, err
		}
		blk.OpCodes = append(blk.OpCodes, op)
		if in.EndsBlock() {
			break
		}
	}
	return emit.NewGraph([]emit.Block{blk}, 0)
}

// Subroutine decodes every block reachable from addr through branches and
// fall-through edges, calls returning included. Branch targets outside the
// decoded range stay unlinked and leave through the dispatcher.
func (d *Decoder) Subroutine(addr uint64, mode guest.ExecutionMode) (*emit.Graph, error) {
	if err := checkAligned(addr); err != nil {
		return nil, err
	}
	insts := make(map[uint64]isa.Inst)
	leaders := map[uint64]bool{addr: true}
	work := []uint64{addr}

	for len(work) > 0 && len(insts) < d.maxOps {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		for len(insts) < d.maxOps {
			if _, seen := insts[pc]; seen {
				break
			}
			in, err := d.fetch(pc)
			if err != nil {
				if pc == addr {
					return nil, err
				}
				break
			}
			insts[pc] = in
			if !in.EndsBlock() {
				pc += isa.InstSize
				continue
			}
			if t, ok := in.Target(pc); ok && in.Op != isa.BL && t%isa.InstSize == 0 {
				leaders[t] = true
				work = append(work, t)
			}
			if in.FallsThrough(mode) {
				leaders[pc+isa.InstSize] = true
				work = append(work, pc+isa.InstSize)
			}
			break
		}
	}

	addrs := make([]uint64, 0, len(insts))
	for a := range insts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var blocks []emit.Block
	index := make(map[uint64]int)
	for i := 0; i < len(addrs); {
		start := addrs[i]
		blk := emit.Block{Address: start, Next: emit.NoBlock, Branch: emit.NoBlock}
		for {
			pc := addrs[i]
			in := insts[pc]
			op, err := isa.OpCode(pc, in, mode)
			if err != nil {
				return nil, err
			}
			blk.OpCodes = append(blk.OpCodes, op)
			i++
			if in.EndsBlock() || i == len(addrs) || addrs[i] != pc+isa.InstSize || leaders[addrs[i]] {
				break
			}
		}
		index[start] = len(blocks)
		blocks = append(blocks, blk)
	}

	for i := range blocks {
		b := &blocks[i]
		last := b.OpCodes[len(b.OpCodes)-1]
		in := last.Info.(isa.Inst)
		if !in.EndsBlock() || in.FallsThrough(mode) {
			if n, ok := index[b.End()]; ok {
				b.Next = n
			}
		}
		if t, ok := in.Target(last.Address); ok && in.Op != isa.BL {
			if n, ok := index[t]; ok {
				b.Branch = n
			}
		}
	}
	return emit.NewGraph(blocks, index[addr])
}
