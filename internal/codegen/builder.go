package codegen

import (
	"math/bits"

	"go.uber.org/zap"

	"dynarec/internal/guest"
	"dynarec/internal/ir"
	"dynarec/internal/regalloc"
)

// Liveness supplies the register sets rendered by context loads and stores.
type Liveness interface {
	IntInputs(entry *ir.Block) uint64
	VecInputs(entry *ir.Block) uint64
	IntOutputs(block *ir.Block) uint64
	VecOutputs(block *ir.Block) uint64
}

// Options control code generation.
type Options struct {
	Name string
	Mode guest.ExecutionMode

	// Complete is set when no indirect jump or dispatched call escapes the
	// subroutine. Together with AssumeStrictABI it lets context transfers
	// skip the caller-saved registers.
	Complete        bool
	AssumeStrictABI bool

	Logger *zap.Logger
}

type builder struct {
	opts Options
	live Liveness
	fn   *Func

	locals map[ir.Register]int

	labels     map[*ir.Label]int
	blockStart map[*ir.Block]int
	pending    []pendingTarget

	block *ir.Block
}

type pendingTarget struct {
	slot  int
	label *ir.Label
	block *ir.Block
}

// Build renders blocks into a callable function. The first block is the
// root; its leading context load is the prologue.
func Build(blocks []*ir.Block, live Liveness, opts Options) (*Func, error) {
	if len(blocks) == 0 {
		return nil, &Error{Block: -1, Reason: "no blocks"}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	b := &builder{
		opts:       opts,
		live:       live,
		fn:         &Func{name: opts.Name, log: log, directEntry: -1},
		locals:     make(map[ir.Register]int),
		labels:     make(map[*ir.Label]int),
		blockStart: make(map[*ir.Block]int, len(blocks)),
	}

	for i, blk := range blocks {
		b.block = blk
		b.blockStart[blk] = len(b.fn.code)
		for j, op := range blk.Ops {
			if err := b.render(op); err != nil {
				return nil, err
			}
			if i == 0 && j == 0 && op.Kind == ir.KindLoadContext {
				b.fn.directEntry = len(b.fn.code)
				b.fn.intInputs, b.fn.vecInputs = b.inputMasks(op.Block)
			}
		}
		// Fall-through must reach the next block even when it was not
		// emitted right after this one.
		if blk.Next != nil && !blk.EndsUnconditionally() && (i+1 >= len(blocks) || blocks[i+1] != blk.Next) {
			b.emitJump(pendingTarget{block: blk.Next})
		}
	}

	for _, p := range b.pending {
		if p.label != nil {
			if _, ok := b.labels[p.label]; !ok {
				return nil, &Error{Block: -1, Op: "branch", Reason: "label " + p.label.String() + " never placed"}
			}
			continue
		}
		if _, ok := b.blockStart[p.block]; !ok {
			return nil, &Error{Block: -1, Op: "fallthrough", Reason: "successor block not in the function"}
		}
	}

	b.fn.slots = b.entrySlots()
	b.fn.locals = len(b.locals)
	pending, labels, starts := b.pending, b.labels, b.blockStart
	b.fn.resolve = func() []int {
		targets := make([]int, len(pending))
		for i, p := range pending {
			if p.label != nil {
				targets[i] = labels[p.label]
			} else {
				targets[i] = starts[p.block]
			}
		}
		return targets
	}

	log.Debug("function built",
		zap.String("name", opts.Name),
		zap.Int("blocks", len(blocks)),
		zap.Int("instructions", len(b.fn.code)),
		zap.Int("locals", b.fn.locals))
	return b.fn, nil
}

// slot returns the local of reg, allocating it on first use.
func (b *builder) slot(reg ir.Register) int {
	if s, ok := b.locals[reg]; ok {
		return s
	}
	s := len(b.locals)
	b.locals[reg] = s
	return s
}

func (b *builder) emit(in instr) {
	b.fn.code = append(b.fn.code, in)
}

// target registers a branch destination resolved at link time.
func (b *builder) target(p pendingTarget) int {
	b.pending = append(b.pending, p)
	return len(b.pending) - 1
}

func (b *builder) emitJump(p pendingTarget) {
	idx := b.target(p)
	b.emit(func(m *machine) { m.pc = m.fn.targets[idx] })
}

func (b *builder) inputMasks(entry *ir.Block) (intMask, vecMask uint64) {
	intMask, vecMask = b.live.IntInputs(entry), b.live.VecInputs(entry)
	if b.opts.Complete && b.opts.AssumeStrictABI {
		intMask = regalloc.ClearCallerSavedInt(intMask, b.opts.Mode)
		vecMask = regalloc.ClearCallerSavedVec(vecMask, b.opts.Mode)
	}
	return intMask, vecMask
}

func (b *builder) outputMasks(block *ir.Block) (intMask, vecMask uint64) {
	intMask, vecMask = b.live.IntOutputs(block), b.live.VecOutputs(block)
	if b.opts.Complete && b.opts.AssumeStrictABI {
		intMask = regalloc.ClearCallerSavedInt(intMask, b.opts.Mode)
		vecMask = regalloc.ClearCallerSavedVec(vecMask, b.opts.Mode)
	}
	return intMask, vecMask
}

// entrySlots lists the locals seeded by a direct call, in argument order.
func (b *builder) entrySlots() []int {
	var out []int
	for mask := b.fn.intInputs; mask != 0; mask &= mask - 1 {
		out = append(out, b.slot(intPlaneRegister(bits.TrailingZeros64(mask))))
	}
	for mask := b.fn.vecInputs; mask != 0; mask &= mask - 1 {
		out = append(out, b.slot(ir.VecReg(bits.TrailingZeros64(mask))))
	}
	return out
}

func intPlaneRegister(bit int) ir.Register {
	if bit >= 32 {
		return ir.FlagReg(bit - 32)
	}
	return ir.IntReg(bit)
}

func (b *builder) fail(op ir.Op, reason string) error {
	return &Error{Block: b.block.Index, Op: op.String(), Reason: reason}
}

func (b *builder) render(op ir.Op) error {
	switch op.Kind {
	case ir.KindRaw:
		in, ok := rawInstr(op.Raw, op.Size)
		if !ok {
			return b.fail(op, "unknown raw code")
		}
		b.emit(in)
	case ir.KindBranch:
		test, ok := branchTest(op.Branch, op.Size)
		if !ok {
			return b.fail(op, "unknown branch code")
		}
		if op.Label == nil {
			return b.fail(op, "branch without label")
		}
		idx := b.target(pendingTarget{label: op.Label})
		b.emit(func(m *machine) {
			if test(m) {
				m.pc = m.fn.targets[idx]
			}
		})
	case ir.KindLabel:
		if _, dup := b.labels[op.Label]; dup {
			return b.fail(op, "label placed twice")
		}
		b.labels[op.Label] = len(b.fn.code)
	case ir.KindConst:
		v := ir.Value{Lo: op.Bits}
		b.emit(func(m *machine) { m.push(v) })
	case ir.KindCall:
		meth := op.Method
		if meth == nil || meth.Fn == nil || meth.Params < 0 {
			return b.fail(op, "call without a callable method")
		}
		b.emit(func(m *machine) {
			args := m.popN(meth.Params)
			res := meth.Fn(&m.env, args)
			if meth.HasResult {
				m.push(res)
			}
		})
	case ir.KindLoadRegister:
		if !op.Register.IsData() && !op.Register.IsTemp() {
			return b.fail(op, "register outside the data plane")
		}
		b.emit(loadInstr(b.slot(op.Register), op.Register.Class, op.Size))
	case ir.KindStoreRegister:
		if !op.Register.IsData() && !op.Register.IsTemp() {
			return b.fail(op, "register outside the data plane")
		}
		b.emit(storeInstr(b.slot(op.Register), op.Register.Class, op.Size))
	case ir.KindLoadArgument:
		if op.Argument < 0 || op.Argument >= ir.FixedArgs {
			return b.fail(op, "argument index out of range")
		}
		idx := op.Argument
		b.emit(func(m *machine) { m.push(m.args[idx]) })
	case ir.KindLoadContext:
		if op.Block == nil {
			return b.fail(op, "context load without entry block")
		}
		b.renderLoadContext(b.inputMasks(op.Block))
	case ir.KindStoreContext:
		if op.Block == nil {
			return b.fail(op, "context store without block")
		}
		b.renderStoreContext(b.outputMasks(op.Block))
	case ir.KindBarrier:
	case ir.KindDebugPrint:
		text := op.Text
		b.emit(func(m *machine) {
			m.fn.log.Debug("guest debug", zap.String("func", m.fn.name), zap.String("text", text))
		})
	default:
		return b.fail(op, "unknown op kind")
	}
	return nil
}

func (b *builder) renderLoadContext(intMask, vecMask uint64) {
	for mask := intMask; mask != 0; mask &= mask - 1 {
		bit := bits.TrailingZeros64(mask)
		slot := b.slot(intPlaneRegister(bit))
		if bit >= 32 {
			flag := bit - 32
			b.emit(func(m *machine) { m.locals[slot] = ir.Bool(m.env.State.Flags[flag]) })
			continue
		}
		b.emit(func(m *machine) { m.locals[slot] = ir.Value{Lo: m.env.State.X[bit]} })
	}
	for mask := vecMask; mask != 0; mask &= mask - 1 {
		bit := bits.TrailingZeros64(mask)
		slot := b.slot(ir.VecReg(bit))
		b.emit(func(m *machine) {
			v := m.env.State.V[bit]
			m.locals[slot] = ir.Value{Lo: v.Lo, Hi: v.Hi}
		})
	}
}

func (b *builder) renderStoreContext(intMask, vecMask uint64) {
	for mask := intMask; mask != 0; mask &= mask - 1 {
		bit := bits.TrailingZeros64(mask)
		slot := b.slot(intPlaneRegister(bit))
		if bit >= 32 {
			flag := bit - 32
			b.emit(func(m *machine) { m.env.State.Flags[flag] = m.locals[slot].Lo != 0 })
			continue
		}
		b.emit(func(m *machine) { m.env.State.X[bit] = m.locals[slot].Lo })
	}
	for mask := vecMask; mask != 0; mask &= mask - 1 {
		bit := bits.TrailingZeros64(mask)
		slot := b.slot(ir.VecReg(bit))
		b.emit(func(m *machine) {
			v := m.locals[slot]
			m.env.State.V[bit] = guest.Vec128{Lo: v.Lo, Hi: v.Hi}
		})
	}
}
