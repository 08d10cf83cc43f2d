package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dynarec/internal/guest"
	"dynarec/internal/trace"
	"dynarec/internal/translator"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <image>",
	Short: "Execute a guest image through the translator",
	Long: `Map a raw image (or assemble a .s file) into guest memory and execute it
from the entry point. Hot subroutines are recompiled at tier1 in the
background while the guest runs.`,
	Args: cobra.ExactArgs(1),
	RunE: runImage,
}

func init() {
	runCmd.Flags().String("base", "", "load address (default: guest.base)")
	runCmd.Flags().String("entry", "", "entry address or label (default: the load address)")
	runCmd.Flags().String("mode", "", "execution mode (a32|a64, default: guest.mode)")
	runCmd.Flags().Int("threads", 1, "guest threads to run from the entry point")
	runCmd.Flags().String("profile-in", "", "profile to warm the cache from (default: profile.path when it exists)")
	runCmd.Flags().String("profile-out", "", "write the tier1 profile of this run (default: profile.path)")
	runCmd.Flags().String("ui", "auto", "warm-up progress UI (auto|on|off)")
	runCmd.Flags().Bool("dump-regs", false, "print the registers of every thread when it stops")
	runCmd.Flags().Int("step", 0, "single-step this many instructions and print each state")
}

func runImage(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	baseFlag, _ := flags.GetString("base")
	entryFlag, _ := flags.GetString("entry")
	modeFlag, _ := flags.GetString("mode")
	threads, _ := flags.GetInt("threads")
	profileIn, _ := flags.GetString("profile-in")
	profileOut, _ := flags.GetString("profile-out")
	uiValue, _ := flags.GetString("ui")
	dumpRegs, _ := flags.GetBool("dump-regs")
	steps, _ := flags.GetInt("step")

	if threads < 1 {
		return fmt.Errorf("--threads must be at least 1, got %d", threads)
	}
	view, err := chooseWarmupView(uiValue, cmd.OutOrStdout())
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
	if profileOut == "" {
		profileOut = s.cfg.Profile.Path
	}
	if profileOut != "" {
		opts.Profile = translator.NewProfile()
	}
	tr := translator.New(mem, opts)
	out := cmd.OutOrStdout()

	if steps > 0 {
		return stepImage(out, tr, mode, entry, steps)
	}

	if err := warmup(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), tr, s.cfg.Profile.WarmupJobs, profileIn, s.cfg.Profile.Path, view); err != nil {
		return err
	}

	states := make([]*guest.State, threads)
	g := new(errgroup.Group)
	for i := range states {
		state := guest.NewState(mode)
		state.X[0] = uint64(i)
		states[i] = state
		g.Go(func() error {
			if err := tr.Execute(state, entry); err != nil {
				return fmt.Errorf("thread %d: %w", i, err)
			}
			return nil
		})
	}
	runErr := g.Wait()
	if errors.Is(runErr, translator.ErrGuestFault) {
		if ring, ok := trace.Ring(s.tracer); ok {
			fmt.Fprintln(cmd.ErrOrStderr(), "trace: most recent events before the fault")
			if err := ring.Dump(cmd.ErrOrStderr(), trace.FormatText); err != nil {
				return errors.Join(runErr, err)
			}
		}
	}

	if dumpRegs {
		for i, state := range states {
			fmt.Fprintf(out, "thread %d: %s\n", i, state)
		}
	}
	if s.timings {
		fmt.Fprint(cmd.ErrOrStderr(), s.timer.Summary())
		printStats(cmd.ErrOrStderr(), tr.Stats())
	}
	if opts.Profile != nil {
		// Finish the queued tier1 work so the next run warms all of it.
		tr.Drain()
		if err := opts.Profile.Save(profileOut); err != nil {
			return errors.Join(runErr, fmt.Errorf("save profile: %w", err))
		}
		translator.Logger().Info("profile saved", zap.String("path", profileOut), zap.Int("entries", opts.Profile.Len()))
	}
	return runErr
}

// warmup compiles the entries of a previous run's profile before the guest
// starts. A missing default profile is not an error.
func warmup(ctx context.Context, out, errOut io.Writer, tr *translator.Translator, jobs int, explicit, fallback string, view warmupView) error {
	path := explicit
	if path == "" {
		if fallback == "" {
			return nil
		}
		if _, err := os.Stat(fallback); err != nil {
			return nil
		}
		path = fallback
	}
	p, err := translator.LoadProfile(path)
	if err != nil {
		return err
	}
	entries := p.Entries()
	if len(entries) == 0 {
		return nil
	}

	var res translator.WarmupResult
	if view == viewProgress {
		res, err = runWarmupWithUI(ctx, out, tr, entries, jobs)
	} else {
		res, err = tr.Warmup(ctx, entries, jobs, nil)
	}
	if err != nil {
		return fmt.Errorf("warm-up: %w", err)
	}
	if res.Failed > 0 {
		fmt.Fprintf(errOut, "warm-up: %d built, %d skipped, %d failed\n", res.Built, res.Skipped, res.Failed)
	}
	return nil
}

func stepImage(out io.Writer, tr *translator.Translator, mode guest.ExecutionMode, entry uint64, steps int) error {
	state := guest.NewState(mode)
	pc := entry
	for i := 0; i < steps && pc != 0 && state.Running(); i++ {
		next, err := tr.Step(state, pc)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%#010x -> %#010x  %s\n", pc, next, state)
		pc = next
	}
	return nil
}
