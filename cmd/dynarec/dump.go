package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dynarec/internal/emit"
	"dynarec/internal/ir"
	"dynarec/internal/isa"
	"dynarec/internal/translator"
)

var dumpCmd = &cobra.Command{
	Use:   "dump [flags] <image>",
	Short: "Print the host blocks and liveness of one translation",
	Long: `Decode, emit and allocate the code at the entry point the way the chosen
tier would, then print the host block graph with its register usage and
computed liveness. Nothing is compiled or executed.`,
	Args: cobra.ExactArgs(1),
	RunE: dumpImage,
}

func init() {
	dumpCmd.Flags().String("base", "", "load address (default: guest.base)")
	dumpCmd.Flags().String("entry", "", "entry address or label (default: the load address)")
	dumpCmd.Flags().String("mode", "", "execution mode (a32|a64, default: guest.mode)")
	dumpCmd.Flags().String("tier", "tier1", "tier to lower for (tier0|tier1)")
	dumpCmd.Flags().Bool("disasm", false, "print the guest instructions before the blocks")
}

func parseTier(value string) (emit.Tier, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "0", "tier0":
		return emit.Tier0, nil
	case "1", "tier1":
		return emit.Tier1, nil
	default:
		return 0, fmt.Errorf("invalid tier %q (expected tier0|tier1)", value)
	}
}

func dumpImage(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	baseFlag, _ := flags.GetString("base")
	entryFlag, _ := flags.GetString("entry")
	modeFlag, _ := flags.GetString("mode")
	tierFlag, _ := flags.GetString("tier")
	disasm, _ := flags.GetBool("disasm")

	tier, err := parseTier(tierFlag)
	if err != nil {
		return err
	}
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	base, err := parseBase(baseFlag, &s.cfg)
	if err != nil {
		return err
	}
	mode, err := parseMode(modeFlag, &s.cfg)
	if err != nil {
		return err
	}
	img, err := loadImage(args[0], base)
	if err != nil {
		return err
	}
	entry, err := img.resolve(entryFlag)
	if err != nil {
		return err
	}
	mem, err := img.memory(&s.cfg)
	if err != nil {
		return err
	}

	opts := s.cfg.TranslatorOptions()
	opts.Tracer = s.tracer
	opts.Timer = s.timer
	// The dump shows the subroutine in isolation, so calls stay dispatched.
	opts.DisableTier1 = true
	tr := translator.New(mem, opts)

	out := cmd.OutOrStdout()
	if disasm {
		for _, line := range isa.Disassemble(img.code, img.base) {
			fmt.Fprintln(out, line)
		}
		fmt.Fprintln(out)
	}

	low, err := tr.Lower(entry, mode, tier)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %#x %s: %d guest ops, %d blocks, complete=%t, exact=%t\n",
		tier, entry, mode, low.OpCount, len(low.Blocks), low.Complete, low.Live.Exact())
	fmt.Fprintf(out, "inputs int=%s vec=%s\n",
		ir.FormatMask(low.Live.IntInputs(low.Root), true),
		ir.FormatMask(low.Live.VecInputs(low.Root), false))
	if err := ir.Dump(out, low.Blocks, low.Live.Masks); err != nil {
		return err
	}
	if s.timings {
		fmt.Fprint(cmd.ErrOrStderr(), s.timer.Summary())
	}
	return nil
}
