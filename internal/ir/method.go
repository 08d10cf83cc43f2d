package ir

import "dynarec/internal/guest"

// Value is one slot of the host machine: a local or a stack entry.
// Integers and flags use Lo, vectors use Lo and Hi, host objects use Ref.
type Value struct {
	Lo  uint64
	Hi  uint64
	Ref any
}

// IntValue wraps an integer.
func IntValue(v uint64) Value { return Value{Lo: v} }

// Bool converts a predicate to the 0/1 flag encoding.
func Bool(b bool) Value {
	if b {
		return Value{Lo: 1}
	}
	return Value{}
}

// Fixed argument positions of every compiled function.
const (
	ArgState  = 0
	ArgMemory = 1

	// FixedArgs is the number of arguments every compiled function takes.
	FixedArgs = 2
)

// CallEnv is the execution environment of the calling frame.
type CallEnv struct {
	State  *guest.State
	Memory guest.Memory
}

// Method is a host function callable from compiled code. Args are popped
// from the stack in push order.
type Method struct {
	Name      string
	Params    int
	HasResult bool
	Fn        func(env *CallEnv, args []Value) Value

	// IntArgs and VecArgs list the registers passed after the fixed
	// arguments of a direct subroutine call, in ascending bit order.
	IntArgs uint64
	VecArgs uint64
}

// StateArg extracts the guest state from a fixed argument.
func StateArg(v Value) *guest.State {
	s, _ := v.Ref.(*guest.State)
	return s
}

// MemoryArg extracts the guest memory from a fixed argument.
func MemoryArg(v Value) guest.Memory {
	m, _ := v.Ref.(guest.Memory)
	return m
}
