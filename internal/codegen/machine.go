package codegen

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"dynarec/internal/guest"
	"dynarec/internal/ir"
)

type instr func(m *machine)

// machine is the activation record of one call.
type machine struct {
	fn     *Func
	env    ir.CallEnv
	args   []ir.Value
	locals []ir.Value
	stack  []ir.Value
	pc     int
	ret    uint64
	done   bool
}

func (m *machine) push(v ir.Value) {
	m.stack = append(m.stack, v)
}

func (m *machine) pop() ir.Value {
	n := len(m.stack) - 1
	v := m.stack[n]
	m.stack = m.stack[:n]
	return v
}

func (m *machine) peek() ir.Value {
	return m.stack[len(m.stack)-1]
}

// popN removes n values and returns them in push order.
func (m *machine) popN(n int) []ir.Value {
	base := len(m.stack) - n
	args := make([]ir.Value, n)
	copy(args, m.stack[base:])
	m.stack = m.stack[:base]
	return args
}

// Func is a compiled subroutine: closure-threaded instructions over a
// value stack and a table of locals. A Func is safe for concurrent calls.
type Func struct {
	name string
	log  *zap.Logger
	code []instr

	locals int
	slots  []int

	intInputs   uint64
	vecInputs   uint64
	directEntry int

	linkOnce sync.Once
	resolve  func() []int
	targets  []int
	linked   atomic.Bool
}

// Name returns the name given at build time.
func (f *Func) Name() string { return f.name }

// Len returns the number of host instructions.
func (f *Func) Len() int { return len(f.code) }

// Locals returns the number of local slots.
func (f *Func) Locals() int { return f.locals }

// IntInputs returns the int and flag registers loaded by the prologue.
func (f *Func) IntInputs() uint64 { return f.intInputs }

// VecInputs returns the vector registers loaded by the prologue.
func (f *Func) VecInputs() uint64 { return f.vecInputs }

// Link resolves branch targets. It runs once, on the first call at the
// latest.
func (f *Func) Link() {
	f.linkOnce.Do(func() {
		f.targets = f.resolve()
		f.resolve = nil
		f.linked.Store(true)
	})
}

// Linked reports whether branch targets have been resolved.
func (f *Func) Linked() bool {
	return f.linked.Load()
}

// Execute runs the function against state and returns the next guest
// address, zero when the thread should leave the dispatch loop.
func (f *Func) Execute(state *guest.State, mem guest.Memory) uint64 {
	m := f.newMachine(state, mem)
	return f.run(m, 0)
}

// ExecuteDirect runs the function from a direct call. args holds the fixed
// arguments followed by the registers the prologue would have loaded, which
// seed the locals instead.
func (f *Func) ExecuteDirect(state *guest.State, mem guest.Memory, args []ir.Value) uint64 {
	if f.directEntry < 0 || len(args) != ir.FixedArgs+len(f.slots) {
		return f.Execute(state, mem)
	}
	m := f.newMachine(state, mem)
	for i, slot := range f.slots {
		m.locals[slot] = args[ir.FixedArgs+i]
	}
	return f.run(m, f.directEntry)
}

// DirectArgs returns how many register arguments a direct call passes.
func (f *Func) DirectArgs() int { return len(f.slots) }

func (f *Func) newMachine(state *guest.State, mem guest.Memory) *machine {
	return &machine{
		fn:     f,
		env:    ir.CallEnv{State: state, Memory: mem},
		args:   []ir.Value{{Ref: state}, {Ref: mem}},
		locals: make([]ir.Value, f.locals),
		stack:  make([]ir.Value, 0, 16),
	}
}

func (f *Func) run(m *machine, pc int) uint64 {
	f.Link()
	m.pc = pc
	for !m.done {
		if m.pc >= len(f.code) {
			panic(&Error{Block: -1, Reason: "execution ran past the last instruction of " + f.name})
		}
		in := f.code[m.pc]
		m.pc++
		in(m)
	}
	return m.ret
}
