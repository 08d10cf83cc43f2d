package codegen

import "fmt"

// Error reports an op the builder cannot render. It indicates a bug in
// the producer of the op stream and is never retried.
type Error struct {
	Block  int
	Op     string
	Reason string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("codegen: b%d: %s", e.Block, e.Reason)
	}
	return fmt.Sprintf("codegen: b%d: %s: %s", e.Block, e.Op, e.Reason)
}
