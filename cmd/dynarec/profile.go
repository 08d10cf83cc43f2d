package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dynarec/internal/translator"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect and combine hot-address profiles",
}

var profileShowLimit int

var profileShowCmd = &cobra.Command{
	Use:   "show <profile>",
	Short: "List the entry points recorded in a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := translator.LoadProfile(args[0])
		if err != nil {
			return err
		}
		entries := p.Entries()
		if profileShowLimit > 0 && len(entries) > profileShowLimit {
			entries = entries[:profileShowLimit]
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ADDRESS\tMODE\tTIER\tHITS")
		for _, e := range entries {
			fmt.Fprintf(tw, "%#010x\t%s\t%s\t%d\n", e.Address, e.Mode, e.Tier, e.Hits)
		}
		return tw.Flush()
	},
}

var profileMergeOutput string

var profileMergeCmd = &cobra.Command{
	Use:   "merge <profile>...",
	Short: "Combine profiles into one",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if profileMergeOutput == "" {
			return fmt.Errorf("--output is required")
		}
		merged := translator.NewProfile()
		for _, path := range args {
			p, err := translator.LoadProfile(path)
			if err != nil {
				return err
			}
			merged.Merge(p)
		}
		if err := merged.Save(profileMergeOutput); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d entries\n", profileMergeOutput, merged.Len())
		return nil
	},
}

func init() {
	profileShowCmd.Flags().IntVarP(&profileShowLimit, "limit", "n", 0, "show at most n entries")
	profileMergeCmd.Flags().StringVarP(&profileMergeOutput, "output", "o", "", "merged profile to write")
	profileCmd.AddCommand(profileShowCmd, profileMergeCmd)
}
