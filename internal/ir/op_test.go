package ir_test

import (
	"errors"
	"strings"
	"testing"

	"dynarec/internal/guest"
	"dynarec/internal/ir"
)

func TestNewLoadRegisterRejectsInvalidRegisters(t *testing.T) {
	tests := []struct {
		name string
		reg  ir.Register
		size guest.RegisterSize
	}{
		{"index 32", ir.IntReg(32), guest.Int64},
		{"index 63", ir.FlagReg(63), guest.Int32},
		{"negative", ir.IntReg(-1), guest.Int64},
		{"vector with int size", ir.VecReg(3), guest.Int64},
		{"int with simd size", ir.IntReg(3), guest.Simd128},
		{"flag with simd size", ir.FlagReg(ir.TempBase), guest.Simd64},
		{"unknown class", ir.Register{Index: 1, Class: 9}, guest.Int64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ir.NewLoadRegister(tt.reg, tt.size); err == nil {
				t.Errorf("NewLoadRegister(%v, %v) succeeded, want error", tt.reg, tt.size)
			}
			_, err := ir.NewStoreRegister(tt.reg, tt.size)
			var irErr *ir.Error
			if !errors.As(err, &irErr) {
				t.Fatalf("NewStoreRegister(%v, %v) error = %v, want *ir.Error", tt.reg, tt.size, err)
			}
			if irErr.Op != "streg" {
				t.Errorf("Op = %q, want streg", irErr.Op)
			}
		})
	}
}

func TestNewLoadRegisterAcceptsDataAndTemps(t *testing.T) {
	tests := []struct {
		reg  ir.Register
		size guest.RegisterSize
	}{
		{ir.IntReg(0), guest.Int32},
		{ir.IntReg(31), guest.Int64},
		{ir.FlagReg(guest.NBit), guest.Int32},
		{ir.VecReg(31), guest.Simd128},
		{ir.VecReg(0), guest.Simd64},
		{ir.IntReg(ir.TempBase + 5), guest.Int64},
		{ir.VecReg(ir.TempBase), guest.Simd128},
	}
	for _, tt := range tests {
		op, err := ir.NewLoadRegister(tt.reg, tt.size)
		if err != nil {
			t.Errorf("NewLoadRegister(%v, %v): %v", tt.reg, tt.size, err)
			continue
		}
		if op.Kind != ir.KindLoadRegister || op.Register != tt.reg || op.Size != tt.size {
			t.Errorf("unexpected op %+v", op)
		}
	}
}

func TestLabelsAreDistinct(t *testing.T) {
	a, b := ir.NewLabel(), ir.NewLabel()
	if a == b || a.String() == b.String() {
		t.Errorf("labels should be distinct: %s %s", a, b)
	}
}

func TestOpString(t *testing.T) {
	l := ir.NewLabel()
	tests := []struct {
		op   ir.Op
		want string
	}{
		{ir.NewRaw(ir.Add, guest.Int32), "add.i32"},
		{ir.NewBranch(ir.BneUn, l, guest.Int64), "bne.un.i64 " + l.String()},
		{ir.NewConstI32(-4), "const.i32 -4"},
		{ir.NewConstI64(16), "const.i64 0x10"},
		{ir.NewLoadArgument(1), "ldarg 1"},
		{ir.NewBarrier(), "barrier"},
		{ir.NewCall(&ir.Method{Name: "sync"}), "call sync"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestDumpListsBlocks(t *testing.T) {
	b0 := ir.NewBlock(0)
	b1 := ir.NewBlock(1)
	b0.Next = b1
	b0.IsEntry = true
	b0.Add(ir.NewLoadContext(b0))
	st, err := ir.NewStoreRegister(ir.IntReg(2), guest.Int64)
	if err != nil {
		t.Fatal(err)
	}
	b1.Add(ir.NewConstI64(1))
	b1.Add(st)
	b1.Add(ir.NewStoreContext(b1))

	var sb strings.Builder
	if err := ir.Dump(&sb, []*ir.Block{b0, b1}, nil); err != nil {
		t.Fatal(err)
	}
	out := sb.String()
	for _, want := range []string{"b0 entry next=b1", "b1 store", "out={x2}", "stctx b1"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}
