package emit

import (
	"go.uber.org/zap"

	"dynarec/internal/guest"
	"dynarec/internal/ir"
)

// Tier is a compilation level.
type Tier uint8

const (
	// Tier0 builds one block quickly with conservative liveness.
	Tier0 Tier = iota
	// Tier1 builds the whole subroutine with exact liveness and direct calls.
	Tier1
)

// String returns the string representation of Tier.
func (t Tier) String() string {
	switch t {
	case Tier0:
		return "tier0"
	case Tier1:
		return "tier1"
	default:
		return "unknown"
	}
}

// Callee is a compiled subroutine that can be called directly.
type Callee interface {
	// DirectMethod returns the entry taking the fixed arguments followed by
	// the registers named in its IntArgs and VecArgs masks.
	DirectMethod() *ir.Method
	// AddCaller records the entry address of a subroutine that calls this
	// one directly.
	AddCaller(address uint64)
}

// Lookup finds cached subroutines.
type Lookup interface {
	Lookup(address uint64, mode guest.ExecutionMode) (Callee, bool)
}

// Enqueuer schedules background translation of call targets.
type Enqueuer interface {
	TranslateAhead(address uint64, mode guest.ExecutionMode)
}

// Options configure one emission run.
type Options struct {
	Tier Tier
	Mode guest.ExecutionMode

	Cache Lookup
	Queue Enqueuer

	// Dispatch resolves a call through the translator. It takes the fixed
	// arguments and the target address and returns the next guest address.
	Dispatch *ir.Method
	// Synchronize takes the state argument and returns non-zero while the
	// thread is runnable. Defaults to SynchronizeMethod.
	Synchronize *ir.Method

	Logger *zap.Logger
}

// SynchronizeMethod services interrupts on the running guest state.
var SynchronizeMethod = &ir.Method{
	Name:      "State.Synchronize",
	Params:    1,
	HasResult: true,
	Fn: func(_ *ir.CallEnv, args []ir.Value) ir.Value {
		s := ir.StateArg(args[0])
		return ir.Bool(s != nil && s.Synchronize())
	},
}
