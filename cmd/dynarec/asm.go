package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dynarec/internal/isa"
)

var (
	asmOutput string
	asmBase   string
	asmList   bool
)

func init() {
	asmCmd.Flags().StringVarP(&asmOutput, "output", "o", "", "image file to write (default: source name with .bin)")
	asmCmd.Flags().StringVar(&asmBase, "base", "", "load address of the image (default: guest.base)")
	asmCmd.Flags().BoolVar(&asmList, "list", false, "print the disassembled image")
}

var asmCmd = &cobra.Command{
	Use:   "asm <source.s>",
	Short: "Assemble guest source into a raw image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		base, err := parseBase(asmBase, &cfg)
		if err != nil {
			return err
		}
		src, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		prog, err := isa.Assemble(string(src), base)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		out := asmOutput
		if out == "" {
			out = strings.TrimSuffix(args[0], ".s") + ".bin"
		}
		if err := os.WriteFile(out, prog.Code, 0o644); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if asmList {
			labels := make(map[uint64][]string)
			for _, name := range prog.LabelNames() {
				addr, _ := prog.Label(name)
				labels[addr] = append(labels[addr], name)
			}
			for i, line := range isa.Disassemble(prog.Code, base) {
				for _, name := range labels[base+uint64(i)*isa.InstSize] {
					fmt.Fprintf(w, "%s:\n", name)
				}
				fmt.Fprintf(w, "  %s\n", line)
			}
		}
		fmt.Fprintf(w, "wrote %s: %d instructions at %#x\n", out, len(prog.Code)/isa.InstSize, base)
		return nil
	},
}
