package emit_test

import (
	"testing"

	"dynarec/internal/emit"
	"dynarec/internal/guest"
	"dynarec/internal/ir"
)

// cmpOp emits a compare of x1 with x2 (or an immediate) setting Z and N.
func cmpOp(addr uint64, kind emit.CompareKind, imm int64, hasImm bool) *emit.OpCode {
	return op(addr, func(c *emit.Context) {
		c.LoadInt(1)
		if hasImm {
			c.ConstInt(imm)
		} else {
			c.LoadInt(2)
		}
		c.MarkCompare(kind, imm, hasImm)
		c.LoadCompareOperands()
		if kind == emit.CompareAdd {
			c.Raw(ir.Add)
		} else {
			c.Raw(ir.Sub)
		}
		c.EmitZNFlags()
		c.Raw(ir.Pop)
	})
}

func flagOp(addr uint64) *emit.OpCode {
	return op(addr, func(c *emit.Context) {
		c.ConstI32(1)
		c.StoreFlag(guest.CBit)
	})
}

func bcondOp(addr uint64, cond guest.Condition) *emit.OpCode {
	return op(addr, func(c *emit.Context) {
		c.EmitCondBranch(c.GetLabel(0x100), cond)
	})
}

func branchGraph(t *testing.T, ops ...*emit.OpCode) *emit.Graph {
	return mustGraph(t, []emit.Block{
		{Address: 0x0, OpCodes: ops, Next: 1, Branch: 2},
		{Address: 0x40, OpCodes: []*emit.OpCode{op(0x40, func(c *emit.Context) { c.Return(1) })}, Next: emit.NoBlock, Branch: emit.NoBlock},
		{Address: 0x100, OpCodes: []*emit.OpCode{op(0x100, func(c *emit.Context) { c.Return(2) })}, Next: emit.NoBlock, Branch: emit.NoBlock},
	}, 0)
}

// guestBranch returns the branch emitted by the opcode at addr.
func guestBranch(t *testing.T, c *emit.Context) ir.Op {
	t.Helper()
	target := c.GetLabel(0x100)
	for _, o := range allOps(c.Blocks()) {
		if o.Kind == ir.KindBranch && o.Label == target {
			return o
		}
	}
	t.Fatal("no branch to the taken block")
	return ir.Op{}
}

func TestCondBranchFusesSubCompare(t *testing.T) {
	tests := []struct {
		cond guest.Condition
		want ir.BranchCode
	}{
		{guest.Eq, ir.Beq},
		{guest.Ne, ir.BneUn},
		{guest.GeUn, ir.BgeUn},
		{guest.LtUn, ir.BltUn},
		{guest.GtUn, ir.BgtUn},
		{guest.LeUn, ir.BleUn},
		{guest.Ge, ir.Bge},
		{guest.Lt, ir.Blt},
		{guest.Gt, ir.Bgt},
		{guest.Le, ir.Ble},
	}
	for _, tt := range tests {
		t.Run(tt.cond.String(), func(t *testing.T) {
			c := translate(t, branchGraph(t, cmpOp(0x0, emit.CompareSub, 0, false), bcondOp(0x4, tt.cond)), emit.Options{})
			if got := guestBranch(t, c); got.Branch != tt.want {
				t.Errorf("branch = %v, want %v", got.Branch, tt.want)
			}
		})
	}
}

func TestCondBranchAddCompareRestrictions(t *testing.T) {
	tests := []struct {
		name   string
		cond   guest.Condition
		hasImm bool
		fused  bool
	}{
		{"signed immediate", guest.Lt, true, true},
		{"equality immediate", guest.Eq, true, true},
		{"unsigned immediate", guest.LtUn, true, false},
		{"register operand", guest.Eq, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := translate(t, branchGraph(t, cmpOp(0x0, emit.CompareAdd, 7, tt.hasImm), bcondOp(0x4, tt.cond)), emit.Options{})
			br := guestBranch(t, c)
			fused := br.Branch != ir.Brtrue && br.Branch != ir.Brfalse
			if fused != tt.fused {
				t.Fatalf("branch %v fused = %v, want %v", br.Branch, fused, tt.fused)
			}
			if !fused {
				return
			}
			var sawNegImm bool
			for _, o := range allOps(c.Blocks()) {
				if o.Kind == ir.KindConst && int64(o.Bits) == -7 {
					sawNegImm = true
				}
			}
			if !sawNegImm {
				t.Error("fused add compare should test against the negated immediate")
			}
		})
	}
}

func TestCondBranchNotFusedAfterFlagWrite(t *testing.T) {
	c := translate(t, branchGraph(t, cmpOp(0x0, emit.CompareSub, 0, false), flagOp(0x4), bcondOp(0x8, guest.Ne)), emit.Options{})
	if got := guestBranch(t, c); got.Branch != ir.Brfalse {
		t.Errorf("branch = %v, want brfalse on Z", got.Branch)
	}
}

func TestCondBranchFromFlags(t *testing.T) {
	tests := []struct {
		cond  guest.Condition
		code  ir.BranchCode
		flags int
	}{
		{guest.Eq, ir.Brtrue, 1},
		{guest.Ne, ir.Brfalse, 1},
		{guest.Mi, ir.Brtrue, 1},
		{guest.Vc, ir.Brfalse, 1},
		{guest.GtUn, ir.Brtrue, 2},
		{guest.Ge, ir.Brtrue, 2},
		{guest.Le, ir.Brfalse, 3},
		{guest.Al, ir.Br, 0},
	}
	for _, tt := range tests {
		t.Run(tt.cond.String(), func(t *testing.T) {
			c := translate(t, branchGraph(t, bcondOp(0x0, tt.cond)), emit.Options{})
			if got := guestBranch(t, c); got.Branch != tt.code {
				t.Errorf("branch = %v, want %v", got.Branch, tt.code)
			}
			var loads int
			for _, o := range allOps(c.Blocks()) {
				if o.Kind == ir.KindLoadRegister && o.Register.Class == ir.Flag {
					loads++
				}
			}
			if loads != tt.flags {
				t.Errorf("flag loads = %d, want %d", loads, tt.flags)
			}
		})
	}
}

func TestPredicatedFinalOpReturnsNextAddress(t *testing.T) {
	pred := op(0x20, func(c *emit.Context) {
		c.ConstInt(1)
		c.StoreInt(0)
		c.Return(0x80)
	})
	pred.Cond = guest.Eq
	pred.Size = guest.Int32
	g := mustGraph(t, []emit.Block{
		{Address: 0x20, OpCodes: []*emit.OpCode{pred}, Next: emit.NoBlock, Branch: emit.NoBlock},
	}, 0)
	c := translate(t, g, emit.Options{Mode: guest.Aarch32})

	ops := allOps(c.Blocks())
	var skip *ir.Label
	for _, o := range ops {
		if o.Kind == ir.KindBranch && o.Branch == ir.Brfalse {
			skip = o.Label
		}
	}
	if skip == nil {
		t.Fatal("no predicate branch emitted")
	}
	for i, o := range ops {
		if o.Kind != ir.KindLabel || o.Label != skip {
			continue
		}
		rest := ops[i+1:]
		if len(rest) < 3 || rest[0].Kind != ir.KindStoreContext ||
			rest[1].Kind != ir.KindConst || rest[1].Bits != 0x24 ||
			rest[2].Kind != ir.KindRaw || rest[2].Raw != ir.Ret {
			t.Fatalf("skip path = %v, want stctx, const 0x24, ret", rest)
		}
		return
	}
	t.Fatal("skip label never placed")
}

func TestPredicationIgnoredInAarch64(t *testing.T) {
	pred := op(0x20, func(c *emit.Context) { c.Return(0x80) })
	pred.Cond = guest.Eq
	g := mustGraph(t, []emit.Block{
		{Address: 0x20, OpCodes: []*emit.OpCode{pred}, Next: emit.NoBlock, Branch: emit.NoBlock},
	}, 0)
	c := translate(t, g, emit.Options{Mode: guest.Aarch64})
	for _, o := range allOps(c.Blocks()) {
		if o.Kind == ir.KindBranch && o.Branch != ir.Brtrue {
			t.Errorf("unexpected branch %v", o)
		}
	}
}
