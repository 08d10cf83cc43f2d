package ir

import (
	"fmt"

	"dynarec/internal/guest"
)

// Error reports an op that cannot be constructed.
type Error struct {
	Op       string
	Register Register
	Size     guest.RegisterSize
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ir: %s %s.%s: %s", e.Op, e.Register, e.Size, e.Reason)
}
