package emit

import (
	"math/bits"

	"go.uber.org/zap"

	"dynarec/internal/guest"
	"dynarec/internal/ir"
)

// TranslateAhead asks for a background translation of a call target.
func (c *Context) TranslateAhead(address uint64) {
	if c.opts.Queue != nil {
		c.opts.Queue.TranslateAhead(address, c.opts.Mode)
	}
}

// EmitCall emits a call of the guest subroutine at target. The link
// register must already hold the return address.
//
// Tier0 code returns the target to the dispatcher. Tier1 code calls a
// cached callee directly, falling back to the dispatch method, and then
// continues into the fall-through block if the callee came back to the
// expected address.
func (c *Context) EmitCall(target uint64) {
	if c.opts.Tier == Tier0 || !c.HasNext() {
		c.EmitStoreContext()
		c.TranslateAhead(target)
		c.ConstI64(int64(target))
		c.RawSized(ir.Ret, guest.Int64)
		return
	}

	if c.tryEmitDirectCall(target) {
		return
	}

	c.hasSlowCall = true
	if c.opts.Dispatch == nil {
		c.Return(target)
		return
	}

	c.EmitStoreContext()
	c.TranslateAhead(target)
	c.LoadArgument(ir.ArgState)
	c.LoadArgument(ir.ArgMemory)
	c.ConstI64(int64(target))
	c.Call(c.opts.Dispatch)
	c.emitContinueOrReturn()
}

func (c *Context) tryEmitDirectCall(target uint64) bool {
	if c.opts.Cache == nil {
		return false
	}
	callee, ok := c.opts.Cache.Lookup(target, c.opts.Mode)
	if !ok {
		return false
	}
	m := callee.DirectMethod()
	if m == nil {
		return false
	}

	c.EmitStoreContext()
	c.LoadArgument(ir.ArgState)
	c.LoadArgument(ir.ArgMemory)
	for mask := m.IntArgs; mask != 0; mask &= mask - 1 {
		bit := bits.TrailingZeros64(mask)
		switch {
		case bit >= 32:
			c.LoadFlag(bit - 32)
		case bit == guest.ZeroRegister:
			c.ConstI64(0)
		default:
			c.Load(ir.IntReg(bit), guest.Int64)
		}
	}
	for mask := m.VecArgs; mask != 0; mask &= mask - 1 {
		c.Load(ir.VecReg(bits.TrailingZeros64(mask)), guest.Simd128)
	}
	c.Call(m)
	callee.AddCaller(c.graph.RootAddress())

	c.log.Debug("direct call",
		zap.Uint64("site", c.curOp.Address),
		zap.Uint64("callee", target),
		zap.Int("args", bits.OnesCount64(m.IntArgs)+bits.OnesCount64(m.VecArgs)))

	c.emitContinueOrReturn()
	return true
}

// emitContinueOrReturn consumes the next address returned by a call. When
// it is the return address of the call, execution continues with freshly
// loaded registers; otherwise the address is passed on to the dispatcher.
func (c *Context) emitContinueOrReturn() {
	ret := ir.IntReg(retTmpIndex)
	c.Store(ret, guest.Int64)

	c.EmitLoadContext()

	cont := ir.NewLabel()
	c.Load(ret, guest.Int64)
	c.ConstI64(int64(c.curOp.NextAddress()))
	c.BranchSized(ir.Beq, cont, guest.Int64)

	c.Load(ret, guest.Int64)
	c.RawSized(ir.Ret, guest.Int64)

	c.MarkLabel(cont)
}
