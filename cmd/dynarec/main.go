package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dynarec/internal/version"
)

var rootCmd = &cobra.Command{
	Use:           "dynarec",
	Short:         "Tiered dynamic binary translator",
	Long:          `dynarec runs guest machine code through a two-tier translator: single blocks first, whole subroutines once they are hot`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.Version = version.Colored()

	rootCmd.AddCommand(asmCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(versionCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "configuration file (default: dynarec.toml found upwards from the working directory)")
	flags.String("log-level", "", "log level (debug|info|warn|error), overrides the configuration")
	flags.Bool("timings", false, "show translation phase timings")

	flags.String("trace", "", "trace output file (- for stderr)")
	flags.String("trace-level", "", "trace level (off|error|phase|detail|debug)")
	flags.String("trace-mode", "", "trace storage (stream|ring|both)")
	flags.Int("trace-ring-size", 0, "trace ring buffer size")
	flags.Duration("trace-heartbeat", 0, "trace heartbeat interval")

	flags.String("cpu-profile", "", "write a CPU profile to file")
	flags.String("mem-profile", "", "write a heap profile to file")
	flags.String("runtime-trace", "", "write a Go runtime trace to file")
}

// main executes the root command. A command error exits with status 1.
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// isTerminal reports whether f is a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
