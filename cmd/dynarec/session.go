package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dynarec/internal/config"
	"dynarec/internal/observ"
	"dynarec/internal/trace"
)

// session holds what every translating command sets up from the root
// flags.
type session struct {
	cfg     config.Config
	tracer  trace.Tracer
	timer   *observ.Timer
	timings bool

	cleanups []func()
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg}

	s.timings, err = cmd.Root().PersistentFlags().GetBool("timings")
	if err != nil {
		return nil, fmt.Errorf("failed to get timings flag: %w", err)
	}
	if s.timings {
		s.timer = observ.NewTimer()
	}

	logCleanup, err := setupLogging(&s.cfg)
	if err != nil {
		return nil, err
	}
	s.cleanups = append(s.cleanups, logCleanup)

	profCleanup, err := setupProfiling(cmd)
	if err != nil {
		s.close()
		return nil, err
	}
	s.cleanups = append(s.cleanups, profCleanup)

	tracer, traceCleanup, err := setupTracing(cmd, &s.cfg)
	if err != nil {
		s.close()
		return nil, err
	}
	s.tracer = tracer
	s.cleanups = append(s.cleanups, traceCleanup)
	return s, nil
}

// close runs the cleanups in reverse order.
func (s *session) close() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	s.cleanups = nil
}
