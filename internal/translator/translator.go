// Package translator runs guest code through tiered compilation: a fast
// single-block Tier0 build on first execution and a background Tier1 build
// of the whole subroutine once it is hot.
package translator

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"dynarec/internal/codegen"
	"dynarec/internal/decoder"
	"dynarec/internal/emit"
	"dynarec/internal/guest"
	"dynarec/internal/ir"
	"dynarec/internal/observ"
	"dynarec/internal/regalloc"
	"dynarec/internal/trace"
)

// ErrGuestFault is returned by Execute when guest code accessed unmapped
// memory.
var ErrGuestFault = errors.New("translator: guest memory fault")

// CallType tells GetOrTranslate how the address was reached.
type CallType uint8

const (
	// CallDispatch is a lookup from the dispatch loop.
	CallDispatch CallType = iota
	// CallSite is a lookup from a call instruction in compiled code.
	CallSite
)

// Options configure a Translator. The zero value is usable.
type Options struct {
	QueueCapacity         int
	MinOpsForOptimization int
	// MaxSubroutineOps bounds whole-subroutine decoding.
	MaxSubroutineOps int
	// AssumeStrictABI lets complete subroutines skip caller-saved registers
	// on context transfers.
	AssumeStrictABI bool
	// DisableTier1 keeps every subroutine at Tier0.
	DisableTier1 bool

	Cache CacheOptions

	Tracer  trace.Tracer
	Timer   *observ.Timer
	Profile *Profile
}

// Translator owns the subroutine cache and the background Tier1 worker.
type Translator struct {
	mem  guest.Memory
	opts Options
	dec  *decoder.Decoder

	cache *Cache
	queue *Queue

	dispatch *ir.Method

	threadsMu sync.Mutex
	threads   int
	worker    chan struct{}

	onDispatch atomic.Pointer[func(uint64)]

	builds   [numTiers]atomic.Uint64
	failures atomic.Uint64
	replaced atomic.Uint64
}

// New returns a translator executing code from mem.
func New(mem guest.Memory, opts Options) *Translator {
	if opts.MinOpsForOptimization <= 0 {
		opts.MinOpsForOptimization = DefaultMinOpsForOptimization
	}
	if opts.Tracer == nil {
		opts.Tracer = trace.Nop
	}
	t := &Translator{
		mem:   mem,
		opts:  opts,
		dec:   decoder.New(mem, opts.MaxSubroutineOps),
		cache: NewCache(opts.Cache),
		queue: NewQueue(opts.QueueCapacity),
	}
	t.dispatch = &ir.Method{
		Name:      "Translator.Dispatch",
		Params:    ir.FixedArgs + 1,
		HasResult: true,
		Fn:        t.dispatchCall,
	}
	return t
}

// Cache returns the subroutine cache.
func (t *Translator) Cache() *Cache { return t.cache }

// Queue returns the background work queue.
func (t *Translator) Queue() *Queue { return t.queue }

// OnDispatch installs a hook called with every address the dispatch loop
// enters. A nil fn removes it.
func (t *Translator) OnDispatch(fn func(address uint64)) {
	if fn == nil {
		t.onDispatch.Store(nil)
		return
	}
	t.onDispatch.Store(&fn)
}

// dispatchError carries a translation failure out of compiled code.
type dispatchError struct{ err error }

// dispatchCall resolves a call that could not be linked directly.
func (t *Translator) dispatchCall(_ *ir.CallEnv, args []ir.Value) ir.Value {
	state := ir.StateArg(args[ir.ArgState])
	mem := ir.MemoryArg(args[ir.ArgMemory])
	sub, err := t.GetOrTranslate(args[ir.FixedArgs].Lo, state.Mode, CallSite)
	if err != nil {
		panic(&dispatchError{err: err})
	}
	return ir.IntValue(sub.Execute(state, mem))
}

// Execute runs the guest thread from address until compiled code returns
// zero or the state stops. The first running thread starts the background
// worker and the last one to leave stops it.
func (t *Translator) Execute(state *guest.State, address uint64) (err error) {
	t.enterThread()
	defer t.leaveThread()

	pc := address
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r, pc)
			trace.Fail(t.opts.Tracer, trace.ScopeRun, "execute", pc, err)
		}
	}()

	for pc != 0 && state.Running() {
		if fn := t.onDispatch.Load(); fn != nil {
			(*fn)(pc)
		}
		trace.Point(t.opts.Tracer, trace.ScopeDispatch, "dispatch", pc)

		sub, err := t.GetOrTranslate(pc, state.Mode, CallDispatch)
		if err != nil {
			return err
		}
		pc = sub.Execute(state, t.mem)
	}
	return nil
}

// recovered turns a panic escaping compiled code into an error. Runtime
// errors are bugs and keep panicking.
func recovered(r any, pc uint64) error {
	switch e := r.(type) {
	case *guest.Fault:
		return fmt.Errorf("%w: %v (dispatched from %#x)", ErrGuestFault, e, pc)
	case *dispatchError:
		return e.err
	case runtime.Error:
		panic(e)
	case error:
		return fmt.Errorf("translator: execute %#x: %w", pc, e)
	default:
		panic(r)
	}
}

// Step translates and runs the single opcode at address without caching
// it, and returns the next address.
func (t *Translator) Step(state *guest.State, address uint64) (next uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r, address)
		}
	}()
	sub, err := t.build(address, state.Mode, emit.Tier0, 1, false)
	if err != nil {
		return 0, err
	}
	return sub.Execute(state, t.mem), nil
}

// GetOrTranslate returns the subroutine at address, compiling it at Tier0
// when it is not cached. A Tier0 subroutine reached from a call site or
// long enough to pay off is scheduled for Tier1 once.
func (t *Translator) GetOrTranslate(address uint64, mode guest.ExecutionMode, callType CallType) (*Subroutine, error) {
	sub, ok := t.cache.TryGet(address, mode)
	if !ok {
		built, err := t.build(address, mode, emit.Tier0, 0, false)
		if err != nil {
			return nil, err
		}
		sub, _ = t.cache.GetOrAdd(built, built.OpCount)
	}
	t.maybePromote(sub, callType)
	return sub, nil
}

func (t *Translator) maybePromote(sub *Subroutine, callType CallType) {
	if t.opts.DisableTier1 || sub.Tier != emit.Tier0 {
		return
	}
	if callType != CallSite && !sub.IsWorthOptimizing() {
		return
	}
	if !sub.TryClaimPromotion() {
		return
	}
	t.queue.Enqueue(Item{Address: sub.Address, Mode: sub.Mode, Tier: emit.Tier1, Complete: callType == CallSite})
}

// TranslateAhead schedules a Tier1 build of a call target seen while
// emitting a Tier0 call.
func (t *Translator) TranslateAhead(address uint64, mode guest.ExecutionMode) {
	if t.opts.DisableTier1 {
		return
	}
	if sub, ok := t.cache.TryGet(address, mode); ok && sub.Tier >= emit.Tier1 {
		return
	}
	t.queue.Enqueue(Item{Address: address, Mode: mode, Tier: emit.Tier1, Complete: true})
}

// build runs the translation pipeline. Tier0 decodes one block of at most
// maxOps opcodes (zero means unbounded); Tier1 decodes the whole
// subroutine.
func (t *Translator) build(address uint64, mode guest.ExecutionMode, tier emit.Tier, maxOps int, complete bool) (*Subroutine, error) {
	span := trace.Begin(t.opts.Tracer, trace.ScopeTranslation, tier.String(), address, 0).
		Attr("mode", mode.String())
	sub, err := t.buildPhases(span.ID(), address, mode, tier, maxOps, complete)
	if err != nil {
		span.End(err)
		return nil, fmt.Errorf("translate %#x at %s: %w", address, tier, err)
	}
	span.Attr("ops", strconv.Itoa(sub.OpCount)).End(nil)
	t.builds[tier].Add(1)
	return sub, nil
}

// Lowered is one translation before host code generation.
type Lowered struct {
	Blocks []*ir.Block
	Root   *ir.Block
	Live   *regalloc.Alloc
	// OpCount is the number of guest opcodes translated.
	OpCount  int
	Complete bool
}

// Lower decodes, emits and allocates the code at address without
// compiling or caching it.
func (t *Translator) Lower(address uint64, mode guest.ExecutionMode, tier emit.Tier) (*Lowered, error) {
	return t.lower(0, address, mode, tier, 0, true)
}

func (t *Translator) phase(parent uint64, name string) func() {
	span := trace.Begin(t.opts.Tracer, trace.ScopePhase, name, 0, parent)
	mark := t.opts.Timer.Begin(name)
	return func() {
		mark.End()
		span.End(nil)
	}
}

func (t *Translator) lower(parent uint64, address uint64, mode guest.ExecutionMode, tier emit.Tier, maxOps int, complete bool) (*Lowered, error) {
	done := t.phase(parent, "decode")
	var graph *emit.Graph
	var err error
	if tier == emit.Tier0 {
		graph, err = t.dec.Block(address, mode, maxOps)
	} else {
		graph, err = t.dec.Subroutine(address, mode)
	}
	done()
	if err != nil {
		return nil, err
	}

	eopts := emit.Options{
		Tier:     tier,
		Mode:     mode,
		Queue:    t,
		Dispatch: t.dispatch,
		Logger:   Logger(),
	}
	if tier == emit.Tier1 {
		eopts.Cache = t.cache
	}
	done = t.phase(parent, "emit")
	ctx, err := emit.NewContext(graph, eopts)
	if err == nil {
		err = ctx.Translate()
	}
	done()
	if err != nil {
		return nil, err
	}

	done = t.phase(parent, "alloc")
	var live *regalloc.Alloc
	if tier == emit.Tier0 {
		live = regalloc.NewFast(ctx.Blocks())
	} else {
		live = regalloc.New(ctx.Blocks(), ctx.Root())
	}
	done()

	return &Lowered{
		Blocks:   ctx.Blocks(),
		Root:     ctx.Root(),
		Live:     live,
		OpCount:  ctx.OpCount(),
		Complete: complete && !ctx.HasIndirectJump() && !ctx.HasSlowCall(),
	}, nil
}

func (t *Translator) buildPhases(parent uint64, address uint64, mode guest.ExecutionMode, tier emit.Tier, maxOps int, complete bool) (*Subroutine, error) {
	low, err := t.lower(parent, address, mode, tier, maxOps, complete)
	if err != nil {
		return nil, err
	}
	done := t.phase(parent, "codegen")
	fn, err := codegen.Build(low.Blocks, low.Live, codegen.Options{
		Name:            fmt.Sprintf("%s_%x", tier, address),
		Mode:            mode,
		Complete:        low.Complete,
		AssumeStrictABI: t.opts.AssumeStrictABI,
		Logger:          Logger(),
	})
	done()
	if err != nil {
		return nil, err
	}
	return newSubroutine(address, mode, tier, low.OpCount, low.Complete, fn, t.opts.MinOpsForOptimization), nil
}

func (t *Translator) enterThread() {
	t.threadsMu.Lock()
	defer t.threadsMu.Unlock()
	t.threads++
	if t.threads == 1 && !t.opts.DisableTier1 {
		t.queue.Rearm()
		t.worker = make(chan struct{})
		go t.work(t.worker)
	}
}

func (t *Translator) leaveThread() {
	t.threadsMu.Lock()
	defer t.threadsMu.Unlock()
	t.threads--
	if t.threads == 0 && t.worker != nil {
		t.queue.ForceSignal()
		<-t.worker
		t.worker = nil
	}
}

// work drains the queue until ForceSignal. Items left behind stay queued
// for the next worker.
func (t *Translator) work(done chan<- struct{}) {
	defer close(done)
	for t.queue.WaitForItems() {
		for !t.queue.Forced() {
			it, ok := t.queue.TryDequeue()
			if !ok {
				break
			}
			t.process(it)
		}
	}
}

// Drain builds every queued item on the calling goroutine and returns how
// many were processed. It is meant for tools and tests that run without
// guest threads.
func (t *Translator) Drain() int {
	n := 0
	for {
		it, ok := t.queue.TryDequeue()
		if !ok {
			return n
		}
		t.process(it)
		n++
	}
}

// process builds one queued item and installs it.
func (t *Translator) process(it Item) {
	if _, err := t.translateItem(it); err != nil {
		t.failures.Add(1)
		trace.Fail(t.opts.Tracer, trace.ScopeTranslation, it.Tier.String(), it.Address, err)
		Logger().Warn("background translation failed",
			zap.Uint64("address", it.Address),
			zap.Stringer("mode", it.Mode),
			zap.Stringer("tier", it.Tier),
			zap.Error(err))
	}
}

// translateItem builds it unless an up-to-date entry of at least its tier
// is cached, and reports whether the build was installed.
func (t *Translator) translateItem(it Item) (bool, error) {
	cur, cached := t.cache.TryGet(it.Address, it.Mode)
	if cached && cur.Tier >= it.Tier && !cur.Stale() {
		return false, nil
	}

	sub, err := t.buildEager(it)
	if err != nil {
		return false, err
	}

	var old *Subroutine
	var installed bool
	if cached && cur.Stale() && cur.Tier == sub.Tier {
		installed = t.cache.Replace(cur, sub, sub.OpCount)
		old = cur
	} else {
		old, installed = t.cache.AddOrUpdate(sub, sub.OpCount)
	}
	if !installed {
		return false, nil
	}
	if old != nil {
		t.replaced.Add(1)
		t.invalidateCallers(old)
	}
	t.opts.Profile.Record(sub.Address, sub.Mode, sub.Tier)
	Logger().Debug("installed subroutine",
		zap.Uint64("address", sub.Address),
		zap.Stringer("tier", sub.Tier),
		zap.Int("ops", sub.OpCount),
		zap.Bool("complete", sub.Complete))
	return true, nil
}

// buildEager builds a Tier1 subroutine and forces its linking by running it
// against a state that stops at the first synchronization point.
func (t *Translator) buildEager(it Item) (sub *Subroutine, err error) {
	sub, err = t.build(it.Address, it.Mode, it.Tier, 0, it.Complete)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			sub, err = nil, recovered(r, it.Address)
		}
	}()
	mark := t.opts.Timer.Begin("eager")
	sub.Execute(guest.NewInertState(), t.mem)
	mark.End()
	return sub, nil
}

// invalidateCallers marks the subroutines that call old directly as stale
// and schedules their recompilation against the replacement.
func (t *Translator) invalidateCallers(old *Subroutine) {
	for _, addr := range old.Callers() {
		caller, ok := t.cache.TryGet(addr, old.Mode)
		if !ok || caller.Stale() {
			continue
		}
		caller.MarkStale()
		t.queue.Enqueue(Item{Address: addr, Mode: old.Mode, Tier: caller.Tier, Complete: caller.Complete})
	}
}

// Stats is a snapshot of translator counters.
type Stats struct {
	Entries      int
	Size         int
	Tier0        int
	Tier1        int
	Stale        int
	Queued       int
	QueueEvicted uint64
	CacheEvicted int
	Builds       [numTiers]uint64
	Failures     uint64
	Replaced     uint64
}

// Stats returns the current counters.
func (t *Translator) Stats() Stats {
	s := Stats{
		Size:         t.cache.Size(),
		Queued:       t.queue.Len(),
		QueueEvicted: t.queue.Evicted(),
		CacheEvicted: t.cache.Evicted(),
		Failures:     t.failures.Load(),
		Replaced:     t.replaced.Load(),
	}
	for _, sub := range t.cache.Snapshot() {
		s.Entries++
		switch sub.Tier {
		case emit.Tier0:
			s.Tier0++
		case emit.Tier1:
			s.Tier1++
		}
		if sub.Stale() {
			s.Stale++
		}
	}
	for i := range s.Builds {
		s.Builds[i] = t.builds[i].Load()
	}
	return s
}
