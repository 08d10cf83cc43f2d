package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"dynarec/internal/translator"
	"dynarec/internal/ui"
)

// warmupView is how profile warm-up reports its progress.
type warmupView uint8

const (
	// viewSummary prints one line when entries failed.
	viewSummary warmupView = iota
	// viewProgress draws the live per-entry progress view.
	viewProgress
)

// chooseWarmupView resolves --ui against the command output. "auto" draws
// the progress view only when out is a terminal.
func chooseWarmupView(flag string, out io.Writer) (warmupView, error) {
	switch strings.ToLower(strings.TrimSpace(flag)) {
	case "on":
		return viewProgress, nil
	case "off":
		return viewSummary, nil
	case "", "auto":
		if f, ok := out.(*os.File); ok && isTerminal(f) {
			return viewProgress, nil
		}
		return viewSummary, nil
	}
	return viewSummary, fmt.Errorf("--ui: unknown warm-up view %q (auto|on|off)", flag)
}

type warmupOutcome struct {
	result translator.WarmupResult
	err    error
}

// runWarmupWithUI runs the warm-up while a progress view renders its
// events to out.
func runWarmupWithUI(ctx context.Context, out io.Writer, tr *translator.Translator, entries []translator.ProfileEntry, jobs int) (translator.WarmupResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan translator.WarmupEvent, 256)
	outcomeCh := make(chan warmupOutcome, 1)
	go func() {
		res, err := tr.Warmup(ctx, entries, jobs, events)
		outcomeCh <- warmupOutcome{result: res, err: err}
		close(events)
	}()

	model := ui.NewWarmupModel("translating profiled subroutines", entries, events)
	program := tea.NewProgram(model, tea.WithOutput(out))
	_, uiErr := program.Run()
	// Quitting the view early abandons the remaining entries.
	cancel()
	go func() {
		for range events {
		}
	}()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.result, uiErr
	}
	return outcome.result, outcome.err
}
