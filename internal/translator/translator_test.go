package translator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dynarec/internal/decoder"
	"dynarec/internal/emit"
	"dynarec/internal/guest"
	"dynarec/internal/isa"
	"dynarec/internal/observ"
	"dynarec/internal/trace"
	"dynarec/internal/translator"
)

const base = 0x1000

// callProgram adds x1 to x2 in a helper and increments the result after the
// call returns: x2 ends as 6.
const callProgram = `
main:
	movz x1, #5
	movz x2, #0
	bl helper
	add x2, x2, #1
	hlt
helper:
	add x2, x2, x1
	ret`

func load(t *testing.T, src string) (*guest.FlatMemory, *isa.Program) {
	t.Helper()
	prog, err := isa.Assemble(src, base)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	mem := guest.NewFlatMemory(base, 0x10000)
	if err := mem.Load(base, prog.Code); err != nil {
		t.Fatal(err)
	}
	return mem, prog
}

func newTranslator(t *testing.T, src string, opts translator.Options) (*translator.Translator, *isa.Program) {
	t.Helper()
	mem, prog := load(t, src)
	return translator.New(mem, opts), prog
}

func label(t *testing.T, prog *isa.Program, name string) uint64 {
	t.Helper()
	a, ok := prog.Label(name)
	if !ok {
		t.Fatalf("label %q missing", name)
	}
	return a
}

func cached(t *testing.T, tr *translator.Translator, addr uint64) *translator.Subroutine {
	t.Helper()
	sub, ok := tr.Cache().TryGet(addr, guest.Aarch64)
	if !ok {
		t.Fatalf("%#x not cached", addr)
	}
	return sub
}

func TestExecute(t *testing.T) {
	loop := `
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
	tests := []struct {
		name string
		src  string
		opts translator.Options
		want uint64
	}{
		{name: "call/tiered", src: callProgram, want: 6},
		{name: "call/tier0", src: callProgram, opts: translator.Options{DisableTier1: true}, want: 6},
		{name: "loop/tiered", src: loop, want: 31},
		{name: "loop/tier0", src: loop, opts: translator.Options{DisableTier1: true}, want: 31},
		{name: "loop/strict-abi", src: loop, opts: translator.Options{AssumeStrictABI: true}, want: 31},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTranslator(t, tt.src, tt.opts)
			s := guest.NewState(guest.Aarch64)
			if err := tr.Execute(s, base); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if s.X[2] != tt.want {
				t.Errorf("x2 = %d, want %d", s.X[2], tt.want)
			}
			if s.Running() {
				t.Error("state still running after hlt")
			}
		})
	}
}

// translationOutcome is what running one compiled entry leaves behind.
type translationOutcome struct {
	Next  uint64
	X     [guest.NumRegisters]uint64
	V     [guest.NumRegisters]guest.Vec128
	Flags [guest.NumRegisters]bool
}

func TestRetranslationIsIdempotent(t *testing.T) {
	mem, prog := load(t, callProgram)

	compile := func(t *testing.T, tr *translator.Translator, addr uint64, tier emit.Tier) *translator.Subroutine {
		t.Helper()
		if tier == emit.Tier0 {
			sub, err := tr.GetOrTranslate(addr, guest.Aarch64, translator.CallDispatch)
			if err != nil {
				t.Fatalf("GetOrTranslate: %v", err)
			}
			return sub
		}
		res, err := tr.Warmup(context.Background(), []translator.ProfileEntry{{Address: addr, Mode: guest.Aarch64}}, 1, nil)
		if err != nil || res.Built != 1 {
			t.Fatalf("Warmup = %+v, %v", res, err)
		}
		return cached(t, tr, addr)
	}
	runOnce := func(t *testing.T, addr uint64, tier emit.Tier) translationOutcome {
		t.Helper()
		sub := compile(t, translator.New(mem, translator.Options{}), addr, tier)
		if sub.Tier != tier {
			t.Fatalf("tier = %s, want %s", sub.Tier, tier)
		}
		s := guest.NewState(guest.Aarch64)
		s.X[1] = 5
		s.X[2] = 9
		s.X[7] = 0xdeadbeef
		s.Flags[guest.CBit] = true
		s.V[3] = guest.Vec128{Lo: 1, Hi: 2}
		next := sub.Execute(s, mem)
		return translationOutcome{Next: next, X: s.X, V: s.V, Flags: s.Flags}
	}

	for _, tier := range []emit.Tier{emit.Tier0, emit.Tier1} {
		for _, entry := range []string{"main", "helper"} {
			t.Run(tier.String()+"/"+entry, func(t *testing.T) {
				addr := label(t, prog, entry)
				first := runOnce(t, addr, tier)
				second := runOnce(t, addr, tier)
				if diff := cmp.Diff(first, second); diff != "" {
					t.Errorf("second translation diverged (-first +second):\n%s", diff)
				}
			})
		}
	}
}

func TestGetOrTranslateColdPath(t *testing.T) {
	tr, prog := newTranslator(t, callProgram, translator.Options{})

	sub, err := tr.GetOrTranslate(base, guest.Aarch64, translator.CallDispatch)
	if err != nil {
		t.Fatalf("GetOrTranslate: %v", err)
	}
	if sub.Tier != emit.Tier0 || sub.OpCount != 3 {
		t.Errorf("sub = %v with %d ops, want tier0 with 3", sub, sub.OpCount)
	}
	again, _ := tr.GetOrTranslate(base, guest.Aarch64, translator.CallDispatch)
	if again != sub {
		t.Error("second lookup rebuilt the subroutine")
	}

	// The call in the block asked for its target ahead of time.
	it, ok := tr.Queue().TryDequeue()
	if !ok || it.Address != label(t, prog, "helper") || it.Tier != emit.Tier1 || !it.Complete {
		t.Errorf("queued %+v, %v; want tier1 helper", it, ok)
	}

	// A short block reached from a call site is promoted exactly once.
	tr.GetOrTranslate(base, guest.Aarch64, translator.CallSite)
	tr.GetOrTranslate(base, guest.Aarch64, translator.CallSite)
	if got := tr.Queue().Len(); got != 1 {
		t.Errorf("queue length = %d, want 1", got)
	}
	if got := tr.Stats().Builds[emit.Tier0]; got != 1 {
		t.Errorf("tier0 builds = %d, want 1", got)
	}
}

func TestLongBlocksArePromoted(t *testing.T) {
	long := `
	movz x1, #1
	add x1, x1, #1
	add x1, x1, #1
	add x1, x1, #1
	add x1, x1, #1
	add x1, x1, #1
	add x1, x1, #1
	add x1, x1, #1
	hlt`
	tests := []struct {
		name string
		src  string
		opts translator.Options
		want int
	}{
		{name: "long", src: long, want: 1},
		{name: "short", src: "movz x1, #1\n\thlt", want: 0},
		{name: "threshold", src: "movz x1, #1\n\thlt", opts: translator.Options{MinOpsForOptimization: 2}, want: 1},
		{name: "disabled", src: long, opts: translator.Options{DisableTier1: true}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTranslator(t, tt.src, tt.opts)
			if _, err := tr.GetOrTranslate(base, guest.Aarch64, translator.CallDispatch); err != nil {
				t.Fatal(err)
			}
			if got := tr.Queue().Len(); got != tt.want {
				t.Errorf("queue length = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTierIsMonotonic(t *testing.T) {
	tr, _ := newTranslator(t, callProgram, translator.Options{})
	tr.GetOrTranslate(base, guest.Aarch64, translator.CallSite)
	tr.Drain()

	sub := cached(t, tr, base)
	if sub.Tier != emit.Tier1 {
		t.Fatalf("tier = %v after drain, want tier1", sub.Tier)
	}
	if got, _ := tr.GetOrTranslate(base, guest.Aarch64, translator.CallDispatch); got != sub {
		t.Error("lookup after promotion returned a different subroutine")
	}

	// Building again is a no-op while the entry is up to date.
	tr.TranslateAhead(base, guest.Aarch64)
	tr.Queue().Enqueue(translator.Item{Address: base, Mode: guest.Aarch64, Tier: emit.Tier1})
	tr.Drain()
	if cached(t, tr, base) != sub {
		t.Error("up-to-date tier1 entry was rebuilt")
	}
	if got := tr.Stats().Builds[emit.Tier1]; got != 2 {
		// main and the helper its call asked for.
		t.Errorf("tier1 builds = %d, want 2", got)
	}
}

func TestReplacedCalleeRecompilesCallers(t *testing.T) {
	tr, prog := newTranslator(t, callProgram, translator.Options{})
	helper := label(t, prog, "helper")

	if _, err := tr.GetOrTranslate(helper, guest.Aarch64, translator.CallDispatch); err != nil {
		t.Fatal(err)
	}
	helper0 := cached(t, tr, helper)
	if helper0.Complete {
		t.Fatal("tier0 helper is complete")
	}

	tr.TranslateAhead(base, guest.Aarch64)
	if n := tr.Drain(); n != 1 {
		t.Fatalf("Drain = %d, want 1", n)
	}
	main1 := cached(t, tr, base)
	if main1.Tier != emit.Tier1 || !main1.Complete {
		t.Fatalf("main = %v complete=%v, want complete tier1", main1, main1.Complete)
	}
	if diff := cmp.Diff([]uint64{base}, helper0.Callers()); diff != "" {
		// Any cached callee is linked directly, incomplete tier0 code included.
		t.Errorf("tier0 helper callers mismatch (-want +got):\n%s", diff)
	}

	tr.TranslateAhead(helper, guest.Aarch64)
	if n := tr.Drain(); n != 2 {
		t.Fatalf("Drain = %d, want 2 (helper and its stale caller)", n)
	}
	if !main1.Stale() {
		t.Error("caller of the replaced tier0 helper is not stale")
	}
	main2 := cached(t, tr, base)
	if main2 == main1 || main2.Stale() || main2.Tier != emit.Tier1 {
		t.Errorf("main was not recompiled: %v stale=%v", main2, main2.Stale())
	}
	if diff := cmp.Diff([]uint64{base}, cached(t, tr, helper).Callers()); diff != "" {
		t.Errorf("tier1 helper callers mismatch (-want +got):\n%s", diff)
	}

	st := tr.Stats()
	if st.Replaced != 2 || st.Tier1 != 2 || st.Stale != 0 {
		t.Errorf("stats = %+v", st)
	}

	s := guest.NewState(guest.Aarch64)
	if err := tr.Execute(s, base); err != nil {
		t.Fatal(err)
	}
	if s.X[2] != 6 {
		t.Errorf("x2 = %d, want 6", s.X[2])
	}
}

func TestUncachedCalleeGoesThroughDispatch(t *testing.T) {
	tr, prog := newTranslator(t, callProgram, translator.Options{})
	tr.TranslateAhead(base, guest.Aarch64)
	tr.Drain()

	main := cached(t, tr, base)
	if main.Complete {
		t.Error("subroutine with a dispatched call is complete")
	}

	s := guest.NewState(guest.Aarch64)
	if err := tr.Execute(s, base); err != nil {
		t.Fatal(err)
	}
	if s.X[2] != 6 {
		t.Errorf("x2 = %d, want 6", s.X[2])
	}
	// The helper was compiled after main, so main never linked it directly.
	if got := cached(t, tr, label(t, prog, "helper")).Callers(); len(got) != 0 {
		t.Errorf("helper callers = %#x, want none", got)
	}
}

func TestOnDispatch(t *testing.T) {
	tr, prog := newTranslator(t, callProgram, translator.Options{DisableTier1: true})
	var got []uint64
	tr.OnDispatch(func(addr uint64) { got = append(got, addr) })

	if err := tr.Execute(guest.NewState(guest.Aarch64), base); err != nil {
		t.Fatal(err)
	}
	want := []uint64{base, label(t, prog, "helper"), base + 12}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dispatched addresses mismatch (-want +got):\n%s", diff)
	}

	tr.OnDispatch(nil)
	got = nil
	tr.Execute(guest.NewState(guest.Aarch64), base)
	if len(got) != 0 {
		t.Errorf("removed hook still called %d times", len(got))
	}
}

func TestExecuteErrors(t *testing.T) {
	t.Run("guest fault", func(t *testing.T) {
		ring := trace.NewRingTracer(16, trace.LevelError)
		tr, _ := newTranslator(t, "movz x2, #0\n\tldr x1, [x2, #0]\n\thlt", translator.Options{Tracer: ring})
		err := tr.Execute(guest.NewState(guest.Aarch64), base)
		if !errors.Is(err, translator.ErrGuestFault) {
			t.Errorf("err = %v, want ErrGuestFault", err)
		}
		events := ring.Snapshot()
		if len(events) != 1 || events[0].Name != "execute" || events[0].Address != base || events[0].Err == "" {
			t.Errorf("fault trace = %+v, want one execute failure at %#x", events, base)
		}
	})
	t.Run("unmapped entry", func(t *testing.T) {
		tr, _ := newTranslator(t, "hlt", translator.Options{})
		err := tr.Execute(guest.NewState(guest.Aarch64), 0x100000)
		if !errors.Is(err, decoder.ErrFault) {
			t.Errorf("err = %v, want decoder.ErrFault", err)
		}
	})
	t.Run("misaligned entry", func(t *testing.T) {
		tr, _ := newTranslator(t, "hlt", translator.Options{})
		_, err := tr.GetOrTranslate(base+2, guest.Aarch64, translator.CallDispatch)
		if !errors.Is(err, decoder.ErrMisaligned) {
			t.Errorf("err = %v, want decoder.ErrMisaligned", err)
		}
	})
}

func TestStep(t *testing.T) {
	tr, _ := newTranslator(t, "movz x1, #3\n\tmovz x2, #4\n\thlt", translator.Options{})
	s := guest.NewState(guest.Aarch64)

	pc := uint64(base)
	var trail []uint64
	for s.Running() {
		next, err := tr.Step(s, pc)
		if err != nil {
			t.Fatalf("Step(%#x): %v", pc, err)
		}
		trail = append(trail, next)
		pc = next
	}
	if diff := cmp.Diff([]uint64{base + 4, base + 8, base + 12}, trail); diff != "" {
		t.Errorf("step trail mismatch (-want +got):\n%s", diff)
	}
	if s.X[1] != 3 || s.X[2] != 4 {
		t.Errorf("x1, x2 = %d, %d; want 3, 4", s.X[1], s.X[2])
	}
	if tr.Cache().Len() != 0 {
		t.Error("Step cached its translation")
	}
}

func TestConcurrentThreads(t *testing.T) {
	tr, _ := newTranslator(t, callProgram, translator.Options{})
	const n = 8
	states := make([]*guest.State, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		states[i] = guest.NewState(guest.Aarch64)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = tr.Execute(states[i], base)
		}()
	}
	wg.Wait()
	for i := range n {
		if errs[i] != nil {
			t.Errorf("thread %d: %v", i, errs[i])
		}
		if states[i].X[2] != 6 {
			t.Errorf("thread %d: x2 = %d, want 6", i, states[i].X[2])
		}
	}
	if got, _ := tr.Cache().TryGet(base, guest.Aarch64); got == nil {
		t.Error("entry not cached")
	}
}

func TestWorkerStopsWithPendingItems(t *testing.T) {
	tr, _ := newTranslator(t, "loop:\n\tb loop", translator.Options{})
	s := guest.NewState(guest.Aarch64)

	started := make(chan struct{})
	var once sync.Once
	tr.OnDispatch(func(uint64) { once.Do(func() { close(started) }) })

	done := make(chan error, 1)
	go func() { done <- tr.Execute(s, base) }()
	<-started

	for i := range 64 {
		tr.Queue().Enqueue(translator.Item{Address: 0x200000 + uint64(i)*4, Mode: guest.Aarch64, Tier: emit.Tier1})
	}
	s.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after Stop")
	}

	// A later thread starts a fresh worker.
	tr.OnDispatch(nil)
	s2 := guest.NewState(guest.Aarch64)
	s2.Interrupt = func(s *guest.State) { s.Stop() }
	s2.RequestInterrupt()
	if err := tr.Execute(s2, base); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
}

func TestInstrumentation(t *testing.T) {
	ring := trace.NewRingTracer(1024, trace.LevelDebug)
	timer := observ.NewTimer()
	tr, _ := newTranslator(t, callProgram, translator.Options{Tracer: ring, Timer: timer, DisableTier1: true})
	if err := tr.Execute(guest.NewState(guest.Aarch64), base); err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]int)
	for _, ev := range ring.Snapshot() {
		if ev.Kind == trace.KindSpanBegin || ev.Kind == trace.KindPoint {
			seen[ev.Name]++
		}
	}
	for name, want := range map[string]int{"tier0": 3, "decode": 3, "emit": 3, "alloc": 3, "codegen": 3, "dispatch": 3} {
		if seen[name] != want {
			t.Errorf("%s events = %d, want %d", name, seen[name], want)
		}
	}

	var phases []string
	for _, p := range timer.Report().Phases {
		phases = append(phases, p.Name)
	}
	if diff := cmp.Diff([]string{"decode", "emit", "alloc", "codegen"}, phases); diff != "" {
		t.Errorf("timer phases mismatch (-want +got):\n%s", diff)
	}
}

func TestLower(t *testing.T) {
	tr, _ := newTranslator(t, callProgram, translator.Options{})
	tests := []struct {
		tier     emit.Tier
		ops      int
		complete bool
	}{
		{tier: emit.Tier0, ops: 3, complete: true},
		{tier: emit.Tier1, ops: 5, complete: false},
	}
	for _, tt := range tests {
		low, err := tr.Lower(base, guest.Aarch64, tt.tier)
		if err != nil {
			t.Fatalf("%v: Lower: %v", tt.tier, err)
		}
		if low.OpCount != tt.ops || low.Complete != tt.complete {
			t.Errorf("%v: ops=%d complete=%v, want %d %v", tt.tier, low.OpCount, low.Complete, tt.ops, tt.complete)
		}
		if len(low.Blocks) == 0 || low.Root != low.Blocks[0] {
			t.Errorf("%v: root is not the first block", tt.tier)
		}
	}
	if tr.Cache().Len() != 0 {
		t.Error("Lower cached code")
	}
}
