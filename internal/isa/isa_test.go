package isa_test

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"dynarec/internal/codegen"
	"dynarec/internal/decoder"
	"dynarec/internal/emit"
	"dynarec/internal/guest"
	"dynarec/internal/isa"
	"dynarec/internal/regalloc"
)

const base = 0x1000

// run assembles src and executes it until the thread halts. whole selects
// subroutine graphs translated at Tier1, otherwise single blocks at Tier0.
func run(t *testing.T, src string, mode guest.ExecutionMode, whole bool, setup func(s *guest.State)) (*guest.State, *guest.FlatMemory) {
	t.Helper()
	prog, err := isa.Assemble(src, base)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	mem := guest.NewFlatMemory(base, 0x10000)
	if err := mem.Load(base, prog.Code); err != nil {
		t.Fatal(err)
	}
	s := guest.NewState(mode)
	if setup != nil {
		setup(s)
	}

	dec := decoder.New(mem, 0)
	funcs := make(map[uint64]*codegen.Func)
	pc := uint64(base)
	for i := 0; s.Running() && pc != 0; i++ {
		if i > 10000 {
			t.Fatalf("no halt after %d dispatches, pc %#x", i, pc)
		}
		fn, ok := funcs[pc]
		if !ok {
			var g *emit.Graph
			tier := emit.Tier0
			if whole {
				tier = emit.Tier1
				g, err = dec.Subroutine(pc, mode)
			} else {
				g, err = dec.Block(pc, mode, 0)
			}
			if err != nil {
				t.Fatalf("decode %#x: %v", pc, err)
			}
			c, err := emit.NewContext(g, emit.Options{Tier: tier, Mode: mode})
			if err != nil {
				t.Fatal(err)
			}
			if err := c.Translate(); err != nil {
				t.Fatalf("translate %#x: %v", pc, err)
			}
			fn, err = codegen.Build(c.Blocks(), regalloc.New(c.Blocks(), c.Root()), codegen.Options{Mode: mode})
			if err != nil {
				t.Fatalf("build %#x: %v", pc, err)
			}
			funcs[pc] = fn
		}
		pc = fn.Execute(s, mem)
	}
	return s, mem
}

func TestEncodeDecode(t *testing.T) {
	tests := []isa.Inst{
		{Op: isa.ADD, Cond: guest.Al, SF: true, Rd: 1, Rn: 2, Rm: 3},
		{Op: isa.SUBSI, Cond: guest.Ne, Rd: 31, Rn: 4, Imm: -1024},
		{Op: isa.MOVZ, Cond: guest.Al, SF: true, Rd: 7, Imm: 0xffff},
		{Op: isa.BCOND, Cond: guest.Lt, Imm: -(1 << 21)},
		{Op: isa.LDR, Cond: guest.Al, SF: true, Rd: 2, Rn: 3, Imm: 16},
		{Op: isa.VADD, Cond: guest.Al, Rd: 1, Rn: 2, Rm: 3},
	}
	for _, in := range tests {
		t.Run(in.String(), func(t *testing.T) {
			word, err := isa.Encode(in)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := isa.Decode(word)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(in, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	tests := []isa.Inst{
		{Op: isa.ADDI, Imm: 1024},
		{Op: isa.MOVZ, Imm: -1},
		{Op: isa.B, Imm: 1 << 21},
		{Op: isa.ADD, Rd: 32},
	}
	for _, in := range tests {
		if _, err := isa.Encode(in); err == nil {
			t.Errorf("Encode(%+v) succeeded", in)
		}
	}
	if _, err := isa.Decode(0xffffffff); !errors.Is(err, isa.ErrUnknownOp) {
		t.Errorf("Decode(0xffffffff) = %v, want ErrUnknownOp", err)
	}
}

func TestAssembleLabels(t *testing.T) {
	prog, err := isa.Assemble(`
start:  movz x1, #3      ; counter
loop:   subs x1, x1, #1
        b.ne loop
        bl fn
        hlt
fn:     ret
`, base)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]uint64{"start": base, "loop": base + 4, "fn": base + 20}
	if diff := cmp.Diff(want, prog.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if got, want := len(prog.Code), 24; got != want {
		t.Errorf("len(Code) = %d, want %d", got, want)
	}
	if diff := cmp.Diff([]string{"start", "loop", "fn"}, prog.LabelNames()); diff != "" {
		t.Errorf("LabelNames mismatch (-want +got):\n%s", diff)
	}

	lines := isa.Disassemble(prog.Code, base)
	wantLines := []string{
		"0x00001000: movz x1, #0x3",
		"0x00001004: subsi x1, x1, #1",
		"0x00001008: b.ne -1",
		"0x0000100c: bl +2",
		"0x00001010: hlt",
		"0x00001014: ret x30",
	}
	if diff := cmp.Diff(wantLines, lines); diff != "" {
		t.Errorf("Disassemble mismatch (-want +got):\n%s", diff)
	}
}

func TestAssembleImmediates(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"add x2, x2, #1", "addi x2, x2, #1"},
		{"sub w3, w4, #-7", "subi w3, w4, #-7"},
		{"subs x1, x1, #1", "subsi x1, x1, #1"},
		{"adds x5, x6, #1023", "addsi x5, x6, #1023"},
		{"cmp x1, #7", "subsi xzr, x1, #7"},
		{"cmn x1, #-1024", "addsi xzr, x1, #-1024"},
	}
	for _, tt := range tests {
		prog, err := isa.Assemble(tt.src, base)
		if err != nil {
			t.Errorf("Assemble(%q): %v", tt.src, err)
			continue
		}
		want := []string{fmt.Sprintf("%#08x: %s", base, tt.want)}
		if diff := cmp.Diff(want, isa.Disassemble(prog.Code, base)); diff != "" {
			t.Errorf("Assemble(%q) mismatch (-want +got):\n%s", tt.src, diff)
		}
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		src  string
		line int
		msg  string
	}{
		{"frob x1", 1, "unknown mnemonic"},
		{"nop\nadd x1, x2", 2, "takes 3 operands"},
		{"b nowhere", 1, "undefined label"},
		{"add.zz x1, x2, x3", 1, "unknown condition"},
		{"a:\na:", 2, "duplicate label"},
		{"add x1, x2, #5000", 1, "out of range"},
		{"ldr x1, x2", 1, "bad memory operand"},
		{"add x1, x32, x2", 1, "bad register"},
	}
	for _, tt := range tests {
		_, err := isa.Assemble(tt.src, 0)
		var se *isa.SyntaxError
		if !errors.As(err, &se) {
			t.Errorf("Assemble(%q) = %v, want *SyntaxError", tt.src, err)
			continue
		}
		if se.Line != tt.line || !strings.Contains(se.Msg, tt.msg) {
			t.Errorf("Assemble(%q) = line %d %q, want line %d containing %q", tt.src, se.Line, se.Msg, tt.line, tt.msg)
		}
	}
}

type flags struct{ N, Z, C, V bool }

func refFlags(a, b uint64, add bool, bits int) (uint64, flags) {
	mask := uint64(math.MaxUint64)
	if bits == 32 {
		mask = math.MaxUint32
	}
	a, b = a&mask, b&mask
	sign := uint64(1) << (bits - 1)
	var r uint64
	var f flags
	if add {
		r = (a + b) & mask
		f.C = r < a
		f.V = (^(a ^ b) & (a ^ r) & sign) != 0
	} else {
		r = (a - b) & mask
		f.C = a >= b
		f.V = ((a ^ b) & (a ^ r) & sign) != 0
	}
	f.N = r&sign != 0
	f.Z = r == 0
	return r, f
}

func TestFlagSettingArithmetic(t *testing.T) {
	values := []uint64{0, 1, 2, 5, math.MaxUint64, 1 << 63, 1<<63 - 1, 0x80000000, 0x7fffffff, 0xffffffff}
	for _, op := range []string{"adds", "subs"} {
		for _, reg := range []string{"x", "w"} {
			src := op + " " + reg + "3, " + reg + "1, " + reg + "2\nhlt"
			bits := 64
			if reg == "w" {
				bits = 32
			}
			for _, a := range values {
				for _, b := range values {
					s, _ := run(t, src, guest.Aarch64, false, func(s *guest.State) {
						s.X[1], s.X[2] = a, b
					})
					wantR, want := refFlags(a, b, op == "adds", bits)
					got := flags{N: s.Flags[guest.NBit], Z: s.Flags[guest.ZBit], C: s.Flags[guest.CBit], V: s.Flags[guest.VBit]}
					if got != want || s.X[3] != wantR {
						t.Errorf("%s %#x, %#x: r=%#x %+v, want r=%#x %+v", src[:len(op)+3], a, b, s.X[3], got, wantR, want)
					}
				}
			}
		}
	}
}

func condHolds(c guest.Condition, f flags) bool {
	var r bool
	switch c >> 1 {
	case 0:
		r = f.Z
	case 1:
		r = f.C
	case 2:
		r = f.N
	case 3:
		r = f.V
	case 4:
		r = f.C && !f.Z
	case 5:
		r = f.N == f.V
	case 6:
		r = f.N == f.V && !f.Z
	default:
		return true
	}
	if c&1 != 0 && c < guest.Al {
		return !r
	}
	return r
}

// TestConditionalBranches runs every condition through the fused compare
// path (compare and branch in one guest block) and the flag path (compare
// in a previous block) at both tiers.
func TestConditionalBranches(t *testing.T) {
	fused := `
	%s x1, %s
	b.%s taken
	movz x0, #1
	hlt
taken:
	movz x0, #2
	hlt`
	split := `
	%s x1, %s
	b next
next:
	b.%s taken
	movz x0, #1
	hlt
taken:
	movz x0, #2
	hlt`
	pairs := [][2]uint64{{1, 2}, {2, 1}, {2, 2}, {math.MaxUint64, 1}, {1, math.MaxUint64}, {1 << 63, 1}, {0, 0}}
	for c := guest.Eq; c < guest.Al; c++ {
		for _, cmpOp := range []string{"cmp", "cmn"} {
			for _, layout := range []string{fused, split} {
				for _, whole := range []bool{false, true} {
					for _, p := range pairs {
						for _, operand := range []string{"x2", "#7"} {
							b := p[1]
							if operand == "#7" {
								b = 7
							}
							src := fmt.Sprintf(layout, cmpOp, operand, c.String())
							s, _ := run(t, src, guest.Aarch64, whole, func(s *guest.State) {
								s.X[1], s.X[2] = p[0], p[1]
							})
							_, f := refFlags(p[0], b, cmpOp == "cmn", 64)
							want := uint64(1)
							if condHolds(c, f) {
								want = 2
							}
							if s.X[0] != want {
								t.Errorf("%s x1=%#x, %s=%#x b.%s whole=%v: x0 = %d, want %d", cmpOp, p[0], operand, b, c, whole, s.X[0], want)
							}
						}
					}
				}
			}
		}
	}
}

func TestLoopAndCall(t *testing.T) {
	src := `
	movz x1, #5
	movz x2, #0
loop:
	add x2, x2, x1
	subs x1, x1, #1
	b.ne loop
	bl double
	add x2, x2, #1
	hlt
double:
	add x2, x2, x2
	ret`
	for _, whole := range []bool{false, true} {
		s, _ := run(t, src, guest.Aarch64, whole, nil)
		if s.X[2] != 31 {
			t.Errorf("whole=%v: x2 = %d, want 31", whole, s.X[2])
		}
		if s.X[guest.LinkRegister] != base+24 {
			t.Errorf("whole=%v: lr = %#x, want %#x", whole, s.X[guest.LinkRegister], base+24)
		}
	}
}

func TestPredicatedExecution(t *testing.T) {
	src := `
	cmp w1, w2
	movz.eq w0, #7
	movz.ne w3, #9
	add.lt w4, w1, w2
	hlt`
	tests := []struct {
		a, b       uint64
		x0, x3, x4 uint64
	}{
		{a: 4, b: 4, x0: 7},
		{a: 3, b: 4, x3: 9, x4: 7},
		{a: 5, b: 4, x3: 9},
	}
	for _, tt := range tests {
		for _, whole := range []bool{false, true} {
			s, _ := run(t, src, guest.Aarch32, whole, func(s *guest.State) {
				s.X[1], s.X[2] = tt.a, tt.b
			})
			if s.X[0] != tt.x0 || s.X[3] != tt.x3 || s.X[4] != tt.x4 {
				t.Errorf("a=%d b=%d whole=%v: x0,x3,x4 = %d,%d,%d want %d,%d,%d",
					tt.a, tt.b, whole, s.X[0], s.X[3], s.X[4], tt.x0, tt.x3, tt.x4)
			}
		}
	}
}

func TestPredicatedBranch(t *testing.T) {
	src := `
	cmp w1, #0
	b.eq zero
	movz w0, #1
	hlt
zero:
	movz w0, #2
	hlt`
	for _, v := range []uint64{0, 3} {
		s, _ := run(t, src, guest.Aarch32, true, func(s *guest.State) { s.X[1] = v })
		want := uint64(1)
		if v == 0 {
			want = 2
		}
		if s.X[0] != want {
			t.Errorf("x1=%d: x0 = %d, want %d", v, s.X[0], want)
		}
	}
}

func TestMemoryAccess(t *testing.T) {
	src := `
	movz x1, #0x2000
	movz x2, #0xbeef
	str x2, [x1, #8]
	str w2, [x1]
	ldr x3, [x1, #8]
	ldr w4, [x1]
	hlt`
	s, mem := run(t, src, guest.Aarch64, true, nil)
	if s.X[3] != 0xbeef || s.X[4] != 0xbeef {
		t.Errorf("x3, x4 = %#x, %#x, want 0xbeef", s.X[3], s.X[4])
	}
	if got := mem.ReadUint64(0x2008); got != 0xbeef {
		t.Errorf("mem[0x2008] = %#x, want 0xbeef", got)
	}
}

func TestShiftsAndLogic(t *testing.T) {
	src := `
	lsl x3, x1, x2
	lsr x4, x1, x2
	asr x5, x1, x2
	and x6, x1, x2
	orr x7, x1, x2
	eor x8, x1, x2
	mul x9, x1, x2
	lsl w10, w1, w2
	mov x11, x1
	hlt`
	s, _ := run(t, src, guest.Aarch64, true, func(s *guest.State) {
		s.X[1] = 1 << 63
		s.X[2] = 4
	})
	want := []uint64{0, 1 << 59, 0xf8 << 56, 0, 1<<63 | 4, 1<<63 | 4, 0, 0, 1 << 63}
	if diff := cmp.Diff(want, s.X[3:12]); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}
}

func TestVectorOps(t *testing.T) {
	src := `
	vdup v1, x1
	vadd v2, v1, v1
	vumov x3, v2
	vdup d4, x1
	hlt`
	s, _ := run(t, src, guest.Aarch64, true, func(s *guest.State) {
		s.X[1] = 21
		s.V[4].Hi = 99
	})
	if s.X[3] != 42 {
		t.Errorf("x3 = %d, want 42", s.X[3])
	}
	if s.V[2].Lo != 42 || s.V[2].Hi != 42 {
		t.Errorf("v2 = %+v, want both halves 42", s.V[2])
	}
	if s.V[4].Lo != 21 || s.V[4].Hi != 0 {
		t.Errorf("d4 = %+v, want lo 21 hi 0", s.V[4])
	}
}

func TestZeroRegister(t *testing.T) {
	s, _ := run(t, "add xzr, x1, x1\nadd x2, xzr, x1\nhlt", guest.Aarch64, false, func(s *guest.State) {
		s.X[1] = 5
		s.X[31] = 77
	})
	if s.X[31] != 77 || s.X[2] != 5 {
		t.Errorf("x31, x2 = %d, %d, want 77, 5", s.X[31], s.X[2])
	}
}
