package ir

import (
	"fmt"
	"io"
	"strings"

	"dynarec/internal/guest"
)

// MaskFunc reports liveness masks for a block, used to annotate dumps.
type MaskFunc func(b *Block) (intIn, vecIn, intOut, vecOut uint64)

// Dump pretty-prints blocks. When live is non-nil the computed liveness of
// each block is printed next to its raw usage masks.
func Dump(w io.Writer, blocks []*Block, live MaskFunc) error {
	var sb strings.Builder
	for _, b := range blocks {
		fmt.Fprintf(&sb, "b%d", b.Index)
		if b.GuestIndex >= 0 {
			fmt.Fprintf(&sb, " guest=%d@%#x", b.GuestIndex, b.GuestAddress)
		}
		if b.IsEntry {
			sb.WriteString(" entry")
		}
		if b.HasStateStore {
			sb.WriteString(" store")
		}
		if b.Next != nil {
			fmt.Fprintf(&sb, " next=b%d", b.Next.Index)
		}
		if b.Branch != nil {
			fmt.Fprintf(&sb, " branch=b%d", b.Branch.Index)
		}
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "  use int in=%s out=%s vec in=%s out=%s\n",
			FormatMask(b.IntInputs, true), FormatMask(b.IntOutputs, true),
			FormatMask(b.VecInputs, false), FormatMask(b.VecOutputs, false))
		if live != nil {
			intIn, vecIn, intOut, vecOut := live(b)
			fmt.Fprintf(&sb, "  live int in=%s out=%s vec in=%s out=%s\n",
				FormatMask(intIn, true), FormatMask(intOut, true),
				FormatMask(vecIn, false), FormatMask(vecOut, false))
		}
		for _, op := range b.Ops {
			if op.Kind == KindLabel {
				fmt.Fprintf(&sb, "  %s\n", op)
				continue
			}
			fmt.Fprintf(&sb, "    %s\n", op)
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// FormatMask lists the registers in mask. For int masks the high word is
// printed as flags.
func FormatMask(mask uint64, intPlane bool) string {
	if mask == 0 {
		return "{}"
	}
	parts := make([]string, 0, 8)
	for bit := 0; bit < 64; bit++ {
		if mask&(uint64(1)<<bit) == 0 {
			continue
		}
		switch {
		case !intPlane:
			parts = append(parts, fmt.Sprintf("v%d", bit))
		case bit < 32:
			parts = append(parts, fmt.Sprintf("x%d", bit))
		default:
			parts = append(parts, flagName(bit-32))
		}
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func flagName(bit int) string {
	switch bit {
	case guest.VBit:
		return "v"
	case guest.CBit:
		return "c"
	case guest.ZBit:
		return "z"
	case guest.NBit:
		return "n"
	default:
		return fmt.Sprintf("f%d", bit)
	}
}
