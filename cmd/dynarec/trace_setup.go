package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dynarec/internal/config"
	"dynarec/internal/trace"
)

// setupTracing merges the trace flags over the configuration and creates
// the tracer. It returns the tracer and a cleanup function.
func setupTracing(cmd *cobra.Command, cfg *config.Config) (trace.Tracer, func(), error) {
	flags := cmd.Root().PersistentFlags()

	if flags.Changed("trace") {
		out, err := flags.GetString("trace")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get trace flag: %w", err)
		}
		cfg.Trace.Output = out
		// Asking for an output implies streaming to it.
		if !flags.Changed("trace-mode") {
			cfg.Trace.Mode = "stream"
		}
		if cfg.Trace.Level == "off" && !flags.Changed("trace-level") {
			cfg.Trace.Level = "phase"
		}
	}
	if flags.Changed("trace-level") {
		level, err := flags.GetString("trace-level")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get trace-level flag: %w", err)
		}
		cfg.Trace.Level = level
	}
	if flags.Changed("trace-mode") {
		mode, err := flags.GetString("trace-mode")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get trace-mode flag: %w", err)
		}
		cfg.Trace.Mode = mode
	}
	if flags.Changed("trace-ring-size") {
		size, err := flags.GetInt("trace-ring-size")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get trace-ring-size flag: %w", err)
		}
		cfg.Trace.RingSize = size
	}
	if flags.Changed("trace-heartbeat") {
		interval, err := flags.GetDuration("trace-heartbeat")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get trace-heartbeat flag: %w", err)
		}
		cfg.Trace.Heartbeat = config.Duration{Duration: interval}
	}

	tcfg, err := cfg.TraceConfig()
	if err != nil {
		return nil, nil, err
	}
	if tcfg.Level == trace.LevelOff {
		return trace.Nop, func() {}, nil
	}

	tracer, err := trace.New(tcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	var heartbeat *trace.Heartbeat
	if tcfg.Heartbeat > 0 {
		heartbeat = trace.StartHeartbeat(tracer, tcfg.Heartbeat)
	}

	cleanup := func() {
		// Stop heartbeat first
		if heartbeat != nil {
			heartbeat.Stop()
		}
		if err := tracer.Flush(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: flush error: %v\n", err)
		}
		if err := tracer.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: close error: %v\n", err)
		}
	}
	return tracer, cleanup, nil
}
