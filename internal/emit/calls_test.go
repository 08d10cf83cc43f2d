package emit_test

import (
	"testing"

	"dynarec/internal/emit"
	"dynarec/internal/guest"
	"dynarec/internal/ir"
)

type fakeCallee struct {
	method  *ir.Method
	callers []uint64
}

func (f *fakeCallee) DirectMethod() *ir.Method { return f.method }
func (f *fakeCallee) AddCaller(address uint64) { f.callers = append(f.callers, address) }

type fakeCache map[uint64]*fakeCallee

func (f fakeCache) Lookup(address uint64, _ guest.ExecutionMode) (emit.Callee, bool) {
	c, ok := f[address]
	if !ok {
		return nil, false
	}
	return c, true
}

type fakeQueue struct{ targets []uint64 }

func (f *fakeQueue) TranslateAhead(address uint64, _ guest.ExecutionMode) {
	f.targets = append(f.targets, address)
}

func callGraph(t *testing.T, target uint64) *emit.Graph {
	bl := op(0x10, func(c *emit.Context) {
		c.ConstI64(0x14)
		c.StoreInt(guest.LinkRegister)
		c.EmitCall(target)
	})
	return mustGraph(t, []emit.Block{
		{Address: 0x10, OpCodes: []*emit.OpCode{bl}, Next: 1, Branch: emit.NoBlock},
		{Address: 0x14, OpCodes: []*emit.OpCode{op(0x14, func(c *emit.Context) {
			c.LoadInt(0)
			c.ReturnDynamic()
		})}, Next: emit.NoBlock, Branch: emit.NoBlock},
	}, 0)
}

func callIndex(ops []ir.Op, m *ir.Method) int {
	for i, o := range ops {
		if o.Kind == ir.KindCall && o.Method == m {
			return i
		}
	}
	return -1
}

func TestDirectCallPassesOnlyCalleeInputs(t *testing.T) {
	callee := &fakeCallee{method: &ir.Method{
		Name:      "sub_200",
		IntArgs:   1<<1 | 1<<7 | ir.FlagMask(guest.ZBit),
		VecArgs:   1 << 3,
		HasResult: true,
	}}
	callee.method.Params = ir.FixedArgs + 4
	q := &fakeQueue{}
	c := translate(t, callGraph(t, 0x200), emit.Options{
		Tier:  emit.Tier1,
		Cache: fakeCache{0x200: callee},
		Queue: q,
	})

	ops := allOps(c.Blocks())
	i := callIndex(ops, callee.method)
	if i < 0 {
		t.Fatal("direct call not emitted")
	}
	var args []ir.Op
	for j := i - 1; j >= 0 && ops[j].Kind != ir.KindStoreContext; j-- {
		args = append([]ir.Op{ops[j]}, args...)
	}
	want := []string{"ldarg 0", "ldarg 1", "ldreg.i64 x1", "ldreg.i64 x7", "ldreg.i32 f30", "ldreg.v128 v3"}
	if len(args) != len(want) {
		t.Fatalf("call arguments = %v, want %v", args, want)
	}
	for k := range want {
		if args[k].String() != want[k] {
			t.Errorf("arg %d = %q, want %q", k, args[k], want[k])
		}
	}

	if len(callee.callers) != 1 || callee.callers[0] != 0x10 {
		t.Errorf("callers = %v, want [0x10]", callee.callers)
	}
	if len(q.targets) != 0 {
		t.Errorf("direct call should not translate ahead, got %v", q.targets)
	}
	if c.HasSlowCall() {
		t.Error("direct call reported as slow")
	}

	var entries int
	for _, b := range c.Blocks() {
		if b.IsEntry {
			entries++
			if b.Ops[0].Kind != ir.KindLoadContext {
				t.Errorf("entry b%d does not start with a context load", b.Index)
			}
		}
	}
	if entries != 2 {
		t.Errorf("entries = %d, want root and post-call", entries)
	}
}

func TestSlowCallUsesDispatch(t *testing.T) {
	dispatch := &ir.Method{Name: "dispatch", Params: 3, HasResult: true}
	q := &fakeQueue{}
	c := translate(t, callGraph(t, 0x300), emit.Options{
		Tier:     emit.Tier1,
		Cache:    fakeCache{},
		Queue:    q,
		Dispatch: dispatch,
	})
	if callIndex(allOps(c.Blocks()), dispatch) < 0 {
		t.Fatal("dispatch call not emitted")
	}
	if !c.HasSlowCall() {
		t.Error("HasSlowCall = false")
	}
	if len(q.targets) != 1 || q.targets[0] != 0x300 {
		t.Errorf("translate ahead targets = %v, want [0x300]", q.targets)
	}
}

func TestTier0CallReturnsTarget(t *testing.T) {
	callee := &fakeCallee{method: &ir.Method{Name: "sub_200", Params: ir.FixedArgs}}
	q := &fakeQueue{}
	c := translate(t, callGraph(t, 0x200), emit.Options{
		Tier:  emit.Tier0,
		Cache: fakeCache{0x200: callee},
		Queue: q,
	})
	ops := allOps(c.Blocks())
	if callIndex(ops, callee.method) >= 0 {
		t.Fatal("tier0 code must not call directly")
	}
	found := false
	for i := 0; i+1 < len(ops); i++ {
		if ops[i].Kind == ir.KindConst && ops[i].Bits == 0x200 && ops[i+1].Kind == ir.KindRaw && ops[i+1].Raw == ir.Ret {
			found = true
		}
	}
	if !found {
		t.Error("tier0 call should return the target address")
	}
	if len(q.targets) != 1 {
		t.Errorf("translate ahead targets = %v, want one", q.targets)
	}
}
