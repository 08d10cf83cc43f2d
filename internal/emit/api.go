package emit

import (
	"dynarec/internal/guest"
	"dynarec/internal/ir"
)

func (c *Context) intSize() guest.RegisterSize {
	if c.curOp == nil || c.curOp.Size.IsVector() {
		return guest.Int64
	}
	return c.curOp.Size
}

func (c *Context) vecSize() guest.RegisterSize {
	if c.curOp == nil || !c.curOp.Size.IsVector() {
		return guest.Simd128
	}
	return c.curOp.Size
}

// Load pushes reg at the given width.
func (c *Context) Load(reg ir.Register, size guest.RegisterSize) {
	op, err := ir.NewLoadRegister(reg, size)
	if err != nil {
		c.fail(err)
		return
	}
	c.add(op)
}

// Store pops into reg at the given width.
func (c *Context) Store(reg ir.Register, size guest.RegisterSize) {
	op, err := ir.NewStoreRegister(reg, size)
	if err != nil {
		c.fail(err)
		return
	}
	c.add(op)
}

// LoadInt pushes a general purpose register at the opcode's width.
func (c *Context) LoadInt(index int) { c.Load(ir.IntReg(index), c.intSize()) }

// StoreInt pops into a general purpose register at the opcode's width.
func (c *Context) StoreInt(index int) { c.Store(ir.IntReg(index), c.intSize()) }

// LoadIntOrZero is LoadInt with the zero register reading as zero.
func (c *Context) LoadIntOrZero(index int) {
	if index == guest.ZeroRegister {
		c.ConstInt(0)
		return
	}
	c.LoadInt(index)
}

// StoreIntOrDiscard is StoreInt with writes to the zero register dropped.
func (c *Context) StoreIntOrDiscard(index int) {
	if index == guest.ZeroRegister {
		c.Raw(ir.Pop)
		return
	}
	c.StoreInt(index)
}

// LoadFlag pushes a PSTATE flag as 0 or 1.
func (c *Context) LoadFlag(bit int) { c.Load(ir.FlagReg(bit), guest.Int32) }

// StoreFlag pops a 0 or 1 into a PSTATE flag.
func (c *Context) StoreFlag(bit int) {
	if bit >= guest.VBit {
		c.v.lastFlagSet = c.curOp
	}
	c.Store(ir.FlagReg(bit), guest.Int32)
}

// LoadVec pushes a vector register at the opcode's width.
func (c *Context) LoadVec(index int) { c.Load(ir.VecReg(index), c.vecSize()) }

// StoreVec pops into a vector register at the opcode's width.
func (c *Context) StoreVec(index int) { c.Store(ir.VecReg(index), c.vecSize()) }

// IntTemp returns a fresh integer temporary of this translation.
func (c *Context) IntTemp() ir.Register {
	r := ir.IntReg(userIntTempStart + c.intTemps)
	c.intTemps++
	return r
}

// VecTemp returns a fresh vector temporary of this translation.
func (c *Context) VecTemp() ir.Register {
	r := ir.VecReg(userVecTempStart + c.vecTemps)
	c.vecTemps++
	return r
}

// LoadTmp pushes the first scratch integer temporary.
func (c *Context) LoadTmp() { c.Load(ir.IntReg(intTmp1Index), c.intSize()) }

// StoreTmp pops into the first scratch integer temporary.
func (c *Context) StoreTmp() { c.Store(ir.IntReg(intTmp1Index), c.intSize()) }

// LoadTmp2 pushes the second scratch integer temporary.
func (c *Context) LoadTmp2() { c.Load(ir.IntReg(intTmp2Index), c.intSize()) }

// StoreTmp2 pops into the second scratch integer temporary.
func (c *Context) StoreTmp2() { c.Store(ir.IntReg(intTmp2Index), c.intSize()) }

// LoadVecTmp pushes the scratch vector temporary.
func (c *Context) LoadVecTmp() { c.Load(ir.VecReg(vecTmp1Index), c.vecSize()) }

// StoreVecTmp pops into the scratch vector temporary.
func (c *Context) StoreVecTmp() { c.Store(ir.VecReg(vecTmp1Index), c.vecSize()) }

// ConstInt pushes v sized to the opcode.
func (c *Context) ConstInt(v int64) {
	if c.intSize() == guest.Int32 {
		c.ConstI32(int32(v))
		return
	}
	c.ConstI64(v)
}

// ConstI32 pushes a 32-bit constant.
func (c *Context) ConstI32(v int32) { c.add(ir.NewConstI32(v)) }

// ConstI64 pushes a 64-bit constant.
func (c *Context) ConstI64(v int64) { c.add(ir.NewConstI64(v)) }

// ConstF32 pushes a single precision constant.
func (c *Context) ConstF32(v float32) { c.add(ir.NewConstF32(v)) }

// ConstF64 pushes a double precision constant.
func (c *Context) ConstF64(v float64) { c.add(ir.NewConstF64(v)) }

// Raw appends a stack instruction at the opcode's integer width. Vector
// instructions take the opcode's vector width.
func (c *Context) Raw(code ir.RawCode) {
	switch code {
	case ir.VecDup, ir.VecAdd, ir.VecLow:
		c.RawSized(code, c.vecSize())
	default:
		c.RawSized(code, c.intSize())
	}
}

// RawSized appends a stack instruction at an explicit width.
func (c *Context) RawSized(code ir.RawCode, size guest.RegisterSize) {
	c.add(ir.NewRaw(code, size))
	if code == ir.Ret {
		c.nextBlock(nil)
		c.needsNewBlock = true
	}
}

// Branch appends a branch at the opcode's integer width.
func (c *Context) Branch(code ir.BranchCode, label *ir.Label) {
	c.BranchSized(code, label, c.intSize())
}

// BranchSized appends a branch comparing operands at an explicit width.
func (c *Context) BranchSized(code ir.BranchCode, label *ir.Label, size guest.RegisterSize) {
	c.add(ir.NewBranch(code, label, size))
	c.needsNewBlock = true

	target, ok := c.labelBlocks[label]
	if !ok {
		target = ir.NewBlock(-1)
		c.labelBlocks[label] = target
	}
	c.cur.Branch = target
}

// NewLabel returns a label private to the emitter.
func (c *Context) NewLabel() *ir.Label {
	return ir.NewLabel()
}

// GetLabel returns the label of a guest address.
func (c *Context) GetLabel(address uint64) *ir.Label {
	l, ok := c.labels[address]
	if !ok {
		l = ir.NewLabel()
		c.labels[address] = l
	}
	return l
}

// MarkLabel binds label to a new host block starting here.
func (c *Context) MarkLabel(label *ir.Label) {
	if b, ok := c.labelBlocks[label]; ok {
		c.placeBlock(b)
	} else {
		c.newNextBlock()
		c.labelBlocks[label] = c.cur
	}
	c.cur.Add(ir.NewMarkLabel(label))
}

// LoadArgument pushes a fixed argument of the compiled function.
func (c *Context) LoadArgument(index int) { c.add(ir.NewLoadArgument(index)) }

// Call appends a call to m.
func (c *Context) Call(m *ir.Method) { c.add(ir.NewCall(m)) }

// DebugPrint appends a message for the debug logger.
func (c *Context) DebugPrint(text string) { c.add(ir.NewDebugPrint(text)) }

// EmitLoadContext starts a new entry block that reloads live registers.
func (c *Context) EmitLoadContext() {
	c.newNextBlock()
	c.cur.IsEntry = true
	c.cur.Add(ir.NewLoadContext(c.cur))
}

// EmitStoreContext flushes live registers of the current block.
func (c *Context) EmitStoreContext() {
	if c.needsNewBlock || c.cur == nil {
		c.newNextBlock()
	}
	c.cur.Add(ir.NewStoreContext(c.cur))
}

// Return flushes context and leaves with a constant next address.
func (c *Context) Return(address uint64) {
	c.EmitStoreContext()
	c.ConstI64(int64(address))
	c.RawSized(ir.Ret, guest.Int64)
}

// ReturnDynamic flushes context and leaves with the address on the stack.
func (c *Context) ReturnDynamic() {
	c.EmitStoreContext()
	c.RawSized(ir.Ret, guest.Int64)
}

// MarkIndirectJump records a jump to a computed guest address.
func (c *Context) MarkIndirectJump() {
	c.hasIndirectJump = true
}

// MarkCompare pops the two operands of a flag-setting compare into the
// compare temporaries so a following conditional branch can test them
// directly. imm is the immediate operand when hasImm is set.
func (c *Context) MarkCompare(kind CompareKind, imm int64, hasImm bool) {
	c.v.lastCompare = c.curOp
	c.v.kind = kind
	c.v.imm = imm
	c.v.hasImm = hasImm

	c.Store(ir.IntReg(cmpTmp2Index), c.intSize())
	c.Store(ir.IntReg(cmpTmp1Index), c.intSize())
}

// LoadCompareOperands pushes the operands saved by MarkCompare.
func (c *Context) LoadCompareOperands() {
	c.LoadCompareLeft()
	c.LoadCompareRight()
}

// LoadCompareLeft pushes the first operand saved by MarkCompare.
func (c *Context) LoadCompareLeft() { c.Load(ir.IntReg(cmpTmp1Index), c.intSize()) }

// LoadCompareRight pushes the second operand saved by MarkCompare.
func (c *Context) LoadCompareRight() { c.Load(ir.IntReg(cmpTmp2Index), c.intSize()) }

// EmitZNFlags sets Z and N from the value on top of the stack, leaving it
// in place.
func (c *Context) EmitZNFlags() {
	c.emitZNCheck(ir.Ceq, guest.ZBit)
	c.emitZNCheck(ir.Clt, guest.NBit)
}

func (c *Context) emitZNCheck(cmp ir.RawCode, flag int) {
	c.Raw(ir.Dup)
	c.ConstInt(0)
	c.Raw(cmp)
	c.StoreFlag(flag)
}

// EmitCondBranch branches to target when cond holds. A compare recorded by
// MarkCompare that still owns the flags is tested directly.
func (c *Context) EmitCondBranch(target *ir.Label, cond guest.Condition) {
	if code, ok := c.v.fusion(cond); ok {
		size := c.v.lastCompare.Size
		c.Load(ir.IntReg(cmpTmp1Index), size)
		if c.v.kind == CompareAdd {
			if size == guest.Int32 {
				c.ConstI32(int32(-c.v.imm))
			} else {
				c.ConstI64(-c.v.imm)
			}
		} else {
			c.Load(ir.IntReg(cmpTmp2Index), size)
		}
		c.BranchSized(code, target, size)
		return
	}

	if cond >= guest.Al {
		c.Branch(ir.Br, target)
		return
	}

	switch cond >> 1 {
	case 0:
		c.LoadFlag(guest.ZBit)
	case 1:
		c.LoadFlag(guest.CBit)
	case 2:
		c.LoadFlag(guest.NBit)
	case 3:
		c.LoadFlag(guest.VBit)
	case 4:
		c.LoadFlag(guest.CBit)
		c.LoadFlag(guest.ZBit)
		c.flagAndNot()
	case 5, 6:
		c.LoadFlag(guest.NBit)
		c.LoadFlag(guest.VBit)
		c.RawSized(ir.Ceq, guest.Int32)
		if cond>>1 == 6 {
			c.LoadFlag(guest.ZBit)
			c.flagAndNot()
		}
	}

	code := ir.Brtrue
	if cond&1 != 0 {
		code = ir.Brfalse
	}
	c.BranchSized(code, target, guest.Int32)
}

// flagAndNot computes a && !b for two flags on the stack.
func (c *Context) flagAndNot() {
	c.ConstI32(1)
	c.RawSized(ir.Xor, guest.Int32)
	c.RawSized(ir.And, guest.Int32)
}
