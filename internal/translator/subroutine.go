package translator

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"

	"dynarec/internal/codegen"
	"dynarec/internal/emit"
	"dynarec/internal/guest"
	"dynarec/internal/ir"
)

// DefaultMinOpsForOptimization is the opcode count from which a Tier0
// subroutine is promoted without being called through a call site.
const DefaultMinOpsForOptimization = 8

// Subroutine is a compiled guest subroutine.
type Subroutine struct {
	Address  uint64
	Mode     guest.ExecutionMode
	Tier     emit.Tier
	OpCount  int
	Complete bool

	fn          *codegen.Func
	minOpsToOpt int

	directOnce sync.Once
	direct     *ir.Method

	mu      sync.Mutex
	callers map[uint64]struct{}

	stale    atomic.Bool
	promoted atomic.Bool

	// Recency bookkeeping of the cache.
	calls   atomic.Int64
	lastUse atomic.Int64
}

func newSubroutine(addr uint64, mode guest.ExecutionMode, tier emit.Tier, opCount int, complete bool, fn *codegen.Func, minOps int) *Subroutine {
	return &Subroutine{
		Address:     addr,
		Mode:        mode,
		Tier:        tier,
		OpCount:     opCount,
		Complete:    complete,
		fn:          fn,
		minOpsToOpt: minOps,
	}
}

// Execute runs the subroutine and returns the next guest address, zero to
// leave the dispatch loop.
func (s *Subroutine) Execute(state *guest.State, mem guest.Memory) uint64 {
	return s.fn.Execute(state, mem)
}

// ExecuteDirect runs the subroutine with its live registers passed in args
// after the fixed arguments.
func (s *Subroutine) ExecuteDirect(state *guest.State, mem guest.Memory, args []ir.Value) uint64 {
	return s.fn.ExecuteDirect(state, mem, args)
}

// Func returns the compiled code.
func (s *Subroutine) Func() *codegen.Func { return s.fn }

// IntInputs returns the integer registers read by the subroutine entry.
func (s *Subroutine) IntInputs() uint64 { return s.fn.IntInputs() }

// VecInputs returns the vector registers read by the subroutine entry.
func (s *Subroutine) VecInputs() uint64 { return s.fn.VecInputs() }

// DirectMethod returns the method compiled callers use to enter the
// subroutine without going through the guest state.
func (s *Subroutine) DirectMethod() *ir.Method {
	s.directOnce.Do(func() {
		intArgs, vecArgs := s.fn.IntInputs(), s.fn.VecInputs()
		s.direct = &ir.Method{
			Name:      fmt.Sprintf("sub_%x", s.Address),
			Params:    ir.FixedArgs + bits.OnesCount64(intArgs) + bits.OnesCount64(vecArgs),
			HasResult: true,
			IntArgs:   intArgs,
			VecArgs:   vecArgs,
			Fn: func(_ *ir.CallEnv, args []ir.Value) ir.Value {
				return ir.IntValue(s.fn.ExecuteDirect(ir.StateArg(args[ir.ArgState]), ir.MemoryArg(args[ir.ArgMemory]), args))
			},
		}
	})
	return s.direct
}

// AddCaller records a subroutine that calls this one directly.
func (s *Subroutine) AddCaller(address uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callers == nil {
		s.callers = make(map[uint64]struct{})
	}
	s.callers[address] = struct{}{}
}

// Callers returns the recorded direct callers in ascending order.
func (s *Subroutine) Callers() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.callers))
	for a := range s.callers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsWorthOptimizing reports whether a Tier0 subroutine is long enough to be
// recompiled at Tier1 on its own.
func (s *Subroutine) IsWorthOptimizing() bool {
	return s.Tier == emit.Tier0 && s.OpCount >= s.minOpsToOpt
}

// MarkStale flags the subroutine for recompilation because code it calls
// directly was replaced.
func (s *Subroutine) MarkStale() { s.stale.Store(true) }

// Stale reports whether MarkStale was called.
func (s *Subroutine) Stale() bool { return s.stale.Load() }

// TryClaimPromotion returns true exactly once per subroutine, for the
// caller that gets to enqueue its Tier1 build.
func (s *Subroutine) TryClaimPromotion() bool {
	return s.promoted.CompareAndSwap(false, true)
}

// String returns the string representation of Subroutine.
func (s *Subroutine) String() string {
	return fmt.Sprintf("%#x/%s/%s", s.Address, s.Mode, s.Tier)
}
