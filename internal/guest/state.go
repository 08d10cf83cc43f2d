package guest

import (
	"fmt"
	"sync/atomic"
)

// Vec128 is the value of one vector register.
type Vec128 struct {
	Lo uint64
	Hi uint64
}

// State is the persistent register file of one guest thread. Compiled
// subroutines load the registers they need from it on entry and flush their
// outputs back before returning.
type State struct {
	X     [NumRegisters]uint64
	V     [NumRegisters]Vec128
	Flags [NumRegisters]bool

	Mode ExecutionMode

	// Interrupt runs on the guest thread when a pending interrupt is serviced.
	Interrupt func(s *State)

	running   atomic.Bool
	interrupt atomic.Bool
}

// NewState returns a runnable state for the given mode.
func NewState(mode ExecutionMode) *State {
	s := &State{Mode: mode}
	s.running.Store(true)
	return s
}

// NewInertState returns a state that is never runnable. Code executed
// against it stops at its first synchronization point without touching
// guest memory.
func NewInertState() *State {
	return &State{}
}

// Running reports whether the thread may keep executing guest code.
func (s *State) Running() bool {
	return s.running.Load()
}

// Stop requests the thread to leave the dispatch loop at its next
// synchronization point.
func (s *State) Stop() {
	s.running.Store(false)
	s.interrupt.Store(true)
}

// RequestInterrupt asks the thread to run Interrupt at its next
// synchronization point.
func (s *State) RequestInterrupt() {
	s.interrupt.Store(true)
}

// Synchronize services a pending interrupt and reports whether the thread
// is still runnable.
func (s *State) Synchronize() bool {
	if s.interrupt.CompareAndSwap(true, false) {
		if s.Interrupt != nil && s.running.Load() {
			s.Interrupt(s)
		}
	}
	return s.running.Load()
}

// Nzcv packs the condition flags into the PSTATE layout.
func (s *State) Nzcv() uint32 {
	var v uint32
	for _, bit := range []int{VBit, CBit, ZBit, NBit} {
		if s.Flags[bit] {
			v |= 1 << bit
		}
	}
	return v
}

// String renders the non-zero registers, mostly for test failures.
func (s *State) String() string {
	out := ""
	for i, x := range s.X {
		if x != 0 {
			out += fmt.Sprintf("x%d=%#x ", i, x)
		}
	}
	for i, v := range s.V {
		if v != (Vec128{}) {
			out += fmt.Sprintf("v%d=%#x:%#x ", i, v.Hi, v.Lo)
		}
	}
	out += fmt.Sprintf("nzcv=%#x", s.Nzcv())
	return out
}
