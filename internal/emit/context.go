package emit

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dynarec/internal/guest"
	"dynarec/internal/ir"
)

// Temporaries reserved by the context. Emitters get their own through
// IntTemp and VecTemp.
const (
	cmpTmp1Index     = ir.TempBase + 1
	cmpTmp2Index     = ir.TempBase + 2
	intTmp1Index     = ir.TempBase + 3
	intTmp2Index     = ir.TempBase + 4
	retTmpIndex      = ir.TempBase + 5
	userIntTempStart = ir.TempBase + 6

	vecTmp1Index     = ir.TempBase + 0
	userVecTempStart = ir.TempBase + 1
)

var (
	// ErrTranslated is returned when Translate runs twice on one context.
	ErrTranslated = errors.New("emit: context already translated")
	// ErrUnboundLabel is returned when a branch targets a label that was
	// never placed.
	ErrUnboundLabel = errors.New("emit: branch to unbound label")
)

// Context turns one guest block graph into host instruction blocks.
type Context struct {
	graph *Graph
	opts  Options
	log   *zap.Logger

	blocks        []*ir.Block
	cur           *ir.Block
	root          *ir.Block
	needsNewBlock bool

	labels      map[uint64]*ir.Label
	labelBlocks map[*ir.Label]*ir.Block

	guestIndex int
	guestBlock *Block
	curOp      *OpCode
	v          *visitor

	intTemps int
	vecTemps int

	opCount         int
	hasIndirectJump bool
	hasSlowCall     bool
	translated      bool
	err             error
}

// NewContext prepares the emission of graph.
func NewContext(graph *Graph, opts Options) (*Context, error) {
	if graph == nil || len(graph.Blocks) == 0 {
		return nil, ErrEmptyGraph
	}
	if graph.Root < 0 || graph.Root >= len(graph.Blocks) {
		return nil, fmt.Errorf("%w: root %d of %d blocks", ErrMalformedGraph, graph.Root, len(graph.Blocks))
	}
	if opts.Synchronize == nil {
		opts.Synchronize = SynchronizeMethod
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Context{
		graph:       graph,
		opts:        opts,
		log:         log,
		labels:      make(map[uint64]*ir.Label),
		labelBlocks: make(map[*ir.Label]*ir.Block),
		guestIndex:  -1,
		v:           &visitor{},
	}, nil
}

// Translate emits every reachable guest block.
func (c *Context) Translate() error {
	if c.translated {
		return ErrTranslated
	}
	c.translated = true

	c.EmitLoadContext()
	c.root = c.cur

	order := c.graph.order()
	for k, gi := range order {
		c.beginGuestBlock(gi)
		gb := c.guestBlock
		for i, op := range gb.OpCodes {
			c.emitOpCode(op, i == len(gb.OpCodes)-1)
		}

		switch {
		case c.terminated():
		case gb.Next != NoBlock:
			if k+1 >= len(order) || order[k+1] != gb.Next {
				c.Branch(ir.Br, c.GetLabel(c.graph.Blocks[gb.Next].Address))
			}
		default:
			c.Return(gb.End())
		}
		if c.err != nil {
			return c.err
		}
	}

	for label, b := range c.labelBlocks {
		if b.Index < 0 {
			return fmt.Errorf("%w: %s", ErrUnboundLabel, label)
		}
	}
	return c.err
}

func (c *Context) beginGuestBlock(index int) {
	c.guestIndex = index
	c.guestBlock = &c.graph.Blocks[index]
	c.curOp = nil
	c.v = &visitor{}

	c.MarkLabel(c.GetLabel(c.guestBlock.Address))
	c.EmitSynchronization()
}

func (c *Context) emitOpCode(op *OpCode, isLast bool) {
	c.curOp = op
	c.opCount++

	var skip *ir.Label
	if c.opts.Mode == guest.Aarch32 && op.Cond < guest.Al {
		skip = ir.NewLabel()
		c.EmitCondBranch(skip, op.Cond.Invert())
	}

	if op.Emit != nil {
		op.Emit(c)
	}

	if skip != nil {
		c.MarkLabel(skip)
		c.v.resetForPredicated(op)

		// Every block must end by returning the next guest address, and the
		// skipped path of a final conditional instruction has nowhere else
		// to go.
		if isLast && c.guestBlock.Next == NoBlock {
			c.Return(op.NextAddress())
		}
	}

	if !c.terminated() {
		c.add(ir.NewBarrier())
	}
}

// EmitSynchronization services interrupts and leaves with address zero when
// the thread is no longer runnable.
func (c *Context) EmitSynchronization() {
	c.LoadArgument(ir.ArgState)
	c.Call(c.opts.Synchronize)

	cont := ir.NewLabel()
	c.Branch(ir.Brtrue, cont)

	c.Return(0)

	c.MarkLabel(cont)
}

// Blocks returns the host blocks in emission order.
func (c *Context) Blocks() []*ir.Block {
	return c.blocks
}

// Root returns the host block holding the prologue.
func (c *Context) Root() *ir.Block {
	return c.root
}

// OpCount returns the number of guest opcodes translated.
func (c *Context) OpCount() int {
	return c.opCount
}

// HasIndirectJump reports whether a jump to a computed address was emitted.
func (c *Context) HasIndirectJump() bool {
	return c.hasIndirectJump
}

// HasSlowCall reports whether a call went through the dispatcher.
func (c *Context) HasSlowCall() bool {
	return c.hasSlowCall
}

// Tier returns the tier being emitted.
func (c *Context) Tier() Tier {
	return c.opts.Tier
}

// Mode returns the guest execution mode.
func (c *Context) Mode() guest.ExecutionMode {
	return c.opts.Mode
}

// CurrentOp returns the opcode being emitted.
func (c *Context) CurrentOp() *OpCode {
	return c.curOp
}

// HasNext reports whether the current guest block falls through.
func (c *Context) HasNext() bool {
	return c.guestBlock != nil && c.guestBlock.Next != NoBlock
}

// HasBranch reports whether the current guest block has a taken successor
// inside the graph.
func (c *Context) HasBranch() bool {
	return c.guestBlock != nil && c.guestBlock.Branch != NoBlock
}

// NextAddress returns the guest address of the fall-through block.
func (c *Context) NextAddress() (uint64, bool) {
	if !c.HasNext() {
		return 0, false
	}
	return c.graph.Blocks[c.guestBlock.Next].Address, true
}

func (c *Context) fail(err error) {
	if c.err == nil {
		if c.curOp != nil {
			err = fmt.Errorf("%s: %w", c.curOp, err)
		}
		c.err = err
	}
}

func (c *Context) terminated() bool {
	return c.cur == nil || c.cur.EndsUnconditionally()
}

func (c *Context) add(op ir.Op) {
	if c.needsNewBlock || c.cur == nil {
		c.newNextBlock()
	}
	c.cur.Add(op)
}

func (c *Context) newNextBlock() {
	c.placeBlock(ir.NewBlock(len(c.blocks)))
}

func (c *Context) placeBlock(b *ir.Block) {
	b.Index = len(c.blocks)
	b.GuestIndex = c.guestIndex
	if c.guestBlock != nil {
		b.GuestAddress = c.guestBlock.Address
	}
	c.blocks = append(c.blocks, b)
	c.nextBlock(b)
}

func (c *Context) nextBlock(b *ir.Block) {
	if c.cur != nil && !c.cur.EndsUnconditionally() {
		c.cur.Next = b
	}
	c.cur = b
	c.needsNewBlock = false
}
