package isa

import (
	"fmt"

	"dynarec/internal/emit"
	"dynarec/internal/guest"
	"dynarec/internal/ir"
)

// Memory access methods called by LDR and STR. They take the memory
// argument of the compiled function and a guest address.
var (
	Read32 = &ir.Method{Name: "Read32", Params: 2, HasResult: true, Fn: func(_ *ir.CallEnv, args []ir.Value) ir.Value {
		return ir.IntValue(uint64(ir.MemoryArg(args[0]).ReadUint32(args[1].Lo)))
	}}
	Read64 = &ir.Method{Name: "Read64", Params: 2, HasResult: true, Fn: func(_ *ir.CallEnv, args []ir.Value) ir.Value {
		return ir.IntValue(ir.MemoryArg(args[0]).ReadUint64(args[1].Lo))
	}}
	Write32 = &ir.Method{Name: "Write32", Params: 3, Fn: func(_ *ir.CallEnv, args []ir.Value) ir.Value {
		ir.MemoryArg(args[0]).WriteUint32(args[1].Lo, uint32(args[2].Lo))
		return ir.Value{}
	}}
	Write64 = &ir.Method{Name: "Write64", Params: 3, Fn: func(_ *ir.CallEnv, args []ir.Value) ir.Value {
		ir.MemoryArg(args[0]).WriteUint64(args[1].Lo, args[2].Lo)
		return ir.Value{}
	}}
	// Halt stops the guest thread.
	Halt = &ir.Method{Name: "Halt", Params: 1, Fn: func(_ *ir.CallEnv, args []ir.Value) ir.Value {
		ir.StateArg(args[0]).Stop()
		return ir.Value{}
	}}
)

// OpCode wraps a decoded instruction at addr for the emitter.
func OpCode(addr uint64, in Inst, mode guest.ExecutionMode) (*emit.OpCode, error) {
	e, ok := emitters[in.Op]
	if !ok {
		return nil, fmt.Errorf("%w: %s at %#x", ErrUnknownOp, in.Op, addr)
	}
	cond := in.Cond
	if mode == guest.Aarch64 && in.Op != BCOND {
		cond = guest.Al
	}
	return &emit.OpCode{
		Address: addr,
		Length:  InstSize,
		Name:    in.String(),
		Size:    in.Size(mode),
		Cond:    cond,
		Emit:    func(c *emit.Context) { e(c, in) },
		Info:    in,
	}, nil
}

type emitter func(c *emit.Context, in Inst)

var emitters map[Op]emitter

func init() {
	emitters = map[Op]emitter{
		NOP:   func(*emit.Context, Inst) {},
		ADD:   binaryOp(ir.Add),
		SUB:   binaryOp(ir.Sub),
		AND:   binaryOp(ir.And),
		ORR:   binaryOp(ir.Or),
		EOR:   binaryOp(ir.Xor),
		LSL:   binaryOp(ir.Shl),
		LSR:   binaryOp(ir.ShrUn),
		ASR:   binaryOp(ir.Shr),
		MUL:   binaryOp(ir.Mul),
		ADDI:  binaryImm(ir.Add),
		SUBI:  binaryImm(ir.Sub),
		ADDS:  flagSetting(emit.CompareAdd, false),
		ADDSI: flagSetting(emit.CompareAdd, true),
		SUBS:  flagSetting(emit.CompareSub, false),
		SUBSI: flagSetting(emit.CompareSub, true),
		MOVZ:  emitMovz,
		LDR:   emitLdr,
		STR:   emitStr,
		B:     emitB,
		BCOND: emitBcond,
		BL:    emitBl,
		BR:    emitBr,
		BLR:   emitBlr,
		RET:   emitRet,
		HLT:   emitHlt,
		VDUP:  emitVdup,
		VADD:  emitVadd,
		VUMOV: emitVumov,
	}
}

func binaryOp(code ir.RawCode) emitter {
	return func(c *emit.Context, in Inst) {
		c.LoadIntOrZero(in.Rn)
		c.LoadIntOrZero(in.Rm)
		c.Raw(code)
		c.StoreIntOrDiscard(in.Rd)
	}
}

func binaryImm(code ir.RawCode) emitter {
	return func(c *emit.Context, in Inst) {
		c.LoadIntOrZero(in.Rn)
		c.ConstInt(in.Imm)
		c.Raw(code)
		c.StoreIntOrDiscard(in.Rd)
	}
}

// flagSetting emits ADDS and SUBS. The operands are parked in the compare
// temporaries so a following conditional branch can compare them directly.
func flagSetting(kind emit.CompareKind, imm bool) emitter {
	return func(c *emit.Context, in Inst) {
		c.LoadIntOrZero(in.Rn)
		if imm {
			c.ConstInt(in.Imm)
		} else {
			c.LoadIntOrZero(in.Rm)
		}
		c.MarkCompare(kind, in.Imm, imm)

		c.LoadCompareOperands()
		if kind == emit.CompareSub {
			c.Raw(ir.Sub)
		} else {
			c.Raw(ir.Add)
		}
		c.EmitZNFlags()
		c.StoreTmp()

		if kind == emit.CompareSub {
			// C: no borrow.
			c.LoadCompareOperands()
			c.Raw(ir.CltUn)
			c.ConstInt(1)
			c.Raw(ir.Xor)
			c.StoreFlag(guest.CBit)

			// V: operands differ in sign and the result sign differs from a.
			c.LoadCompareLeft()
			c.LoadCompareRight()
			c.Raw(ir.Xor)
		} else {
			// C: unsigned wrap.
			c.LoadTmp()
			c.LoadCompareLeft()
			c.Raw(ir.CltUn)
			c.StoreFlag(guest.CBit)

			// V: operands agree in sign and the result does not.
			c.LoadCompareLeft()
			c.LoadCompareRight()
			c.Raw(ir.Xor)
			c.Raw(ir.Not)
		}
		c.LoadCompareLeft()
		c.LoadTmp()
		c.Raw(ir.Xor)
		c.Raw(ir.And)
		c.ConstInt(0)
		c.Raw(ir.Clt)
		c.StoreFlag(guest.VBit)

		c.LoadTmp()
		c.StoreIntOrDiscard(in.Rd)
	}
}

func emitMovz(c *emit.Context, in Inst) {
	c.ConstInt(in.Imm)
	c.StoreIntOrDiscard(in.Rd)
}

func address(c *emit.Context, in Inst) {
	c.LoadIntOrZero(in.Rn)
	if in.Imm != 0 {
		c.ConstInt(in.Imm)
		c.Raw(ir.Add)
	}
}

func emitLdr(c *emit.Context, in Inst) {
	c.LoadArgument(ir.ArgMemory)
	address(c, in)
	if c.CurrentOp().Size == guest.Int64 {
		c.Call(Read64)
	} else {
		c.Call(Read32)
	}
	c.StoreIntOrDiscard(in.Rd)
}

func emitStr(c *emit.Context, in Inst) {
	c.LoadArgument(ir.ArgMemory)
	address(c, in)
	c.LoadIntOrZero(in.Rd)
	if c.CurrentOp().Size == guest.Int64 {
		c.Call(Write64)
	} else {
		c.Call(Write32)
	}
}

func target(c *emit.Context, in Inst) uint64 {
	t, _ := in.Target(c.CurrentOp().Address)
	return t
}

func emitB(c *emit.Context, in Inst) {
	t := target(c, in)
	if c.HasBranch() {
		c.Branch(ir.Br, c.GetLabel(t))
		return
	}
	c.Return(t)
}

func emitBcond(c *emit.Context, in Inst) {
	// The predicate of a 32-bit opcode is applied by the context.
	if c.Mode() == guest.Aarch32 || in.Cond >= guest.Al {
		emitB(c, in)
		return
	}
	t := target(c, in)
	next := c.CurrentOp().NextAddress()
	if c.HasBranch() {
		c.EmitCondBranch(c.GetLabel(t), in.Cond)
	} else {
		skip := c.NewLabel()
		c.EmitCondBranch(skip, in.Cond.Invert())
		c.Return(t)
		c.MarkLabel(skip)
	}
	if !c.HasNext() {
		c.Return(next)
	}
}

func linkReturn(c *emit.Context) {
	c.ConstInt(int64(c.CurrentOp().NextAddress()))
	c.StoreInt(guest.LinkRegister)
}

func emitBl(c *emit.Context, in Inst) {
	linkReturn(c)
	c.EmitCall(target(c, in))
}

func emitBr(c *emit.Context, in Inst) {
	c.LoadIntOrZero(in.Rn)
	c.MarkIndirectJump()
	c.ReturnDynamic()
}

func emitBlr(c *emit.Context, in Inst) {
	c.LoadIntOrZero(in.Rn)
	c.StoreTmp()
	linkReturn(c)
	c.LoadTmp()
	c.MarkIndirectJump()
	c.ReturnDynamic()
}

func emitRet(c *emit.Context, in Inst) {
	c.LoadIntOrZero(in.Rn)
	c.ReturnDynamic()
}

func emitHlt(c *emit.Context, _ Inst) {
	c.LoadArgument(ir.ArgState)
	c.Call(Halt)
	c.Return(c.CurrentOp().NextAddress())
}

func emitVdup(c *emit.Context, in Inst) {
	c.LoadIntOrZero(in.Rn)
	c.Raw(ir.VecDup)
	c.StoreVec(in.Rd)
}

func emitVadd(c *emit.Context, in Inst) {
	c.LoadVec(in.Rn)
	c.LoadVec(in.Rm)
	c.Raw(ir.VecAdd)
	c.StoreVec(in.Rd)
}

func emitVumov(c *emit.Context, in Inst) {
	c.LoadVec(in.Rn)
	c.Raw(ir.VecLow)
	c.StoreIntOrDiscard(in.Rd)
}
