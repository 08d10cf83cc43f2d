// Package config loads dynarec.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fortio.org/safecast"
	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dynarec/internal/guest"
	"dynarec/internal/trace"
	"dynarec/internal/translator"
)

// FileName is the configuration file looked up by Find.
const FileName = "dynarec.toml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a string ("150s", "2m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Translator configures tiering.
type Translator struct {
	QueueCapacity         int  `toml:"queue_capacity"`
	MinOpsForOptimization int  `toml:"min_ops_for_optimization"`
	MaxSubroutineOps      int  `toml:"max_subroutine_ops"`
	AssumeStrictABI       bool `toml:"assume_strict_abi"`
	DisableTier1          bool `toml:"disable_tier1"`
}

// Cache bounds the subroutine cache.
type Cache struct {
	MaxTotalSize          int      `toml:"max_total_size"`
	MinTimeDelta          Duration `toml:"min_time_delta"`
	MinCallCountForUpdate int64    `toml:"min_call_count_for_update"`
}

// Guest describes the guest image layout.
type Guest struct {
	Mode       string `toml:"mode"`
	Base       uint64 `toml:"base"`
	MemorySize int64  `toml:"memory_size"`
}

// Log configures the zap logger.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console|json
}

// Trace configures the tracer.
type Trace struct {
	Level     string   `toml:"level"`
	Mode      string   `toml:"mode"`
	Format    string   `toml:"format"`
	Output    string   `toml:"output"`
	RingSize  int      `toml:"ring_size"`
	Heartbeat Duration `toml:"heartbeat"`
}

// Profile configures hot-address profiles.
type Profile struct {
	Path       string `toml:"path"`
	WarmupJobs int    `toml:"warmup_jobs"`
}

// Config is the whole file.
type Config struct {
	Translator Translator `toml:"translator"`
	Cache      Cache      `toml:"cache"`
	Guest      Guest      `toml:"guest"`
	Log        Log        `toml:"log"`
	Trace      Trace      `toml:"trace"`
	Profile    Profile    `toml:"profile"`

	// Path is the file the configuration was read from, if any.
	Path string `toml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Translator: Translator{
			QueueCapacity:         translator.DefaultQueueCapacity,
			MinOpsForOptimization: translator.DefaultMinOpsForOptimization,
		},
		Cache: Cache{
			MaxTotalSize:          translator.DefaultMaxTotalSize,
			MinTimeDelta:          Duration{translator.DefaultMinTimeDelta},
			MinCallCountForUpdate: translator.DefaultMinCallCountForUpdate,
		},
		Guest: Guest{
			Mode:       guest.Aarch64.String(),
			Base:       0x1000,
			MemorySize: 1 << 20,
		},
		Log: Log{
			Level:  "warn",
			Format: "console",
		},
		Trace: Trace{
			Level:    "off",
			Mode:     "ring",
			Format:   "auto",
			Output:   "-",
			RingSize: 4096,
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default value.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%s: %w: unknown keys %s", path, ErrInvalid, strings.Join(keys, ", "))
	}
	// An explicit empty output means stderr as well.
	if meta.IsDefined("trace", "output") && cfg.Trace.Output == "" {
		cfg.Trace.Output = "-"
	}
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Find walks up from startDir to locate dynarec.toml.
func Find(startDir string) (path string, ok bool, err error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Translator.QueueCapacity > 0, "translator.queue_capacity must be positive, got %d", c.Translator.QueueCapacity)
	check(c.Translator.MinOpsForOptimization > 0, "translator.min_ops_for_optimization must be positive, got %d", c.Translator.MinOpsForOptimization)
	check(c.Translator.MaxSubroutineOps >= 0, "translator.max_subroutine_ops must not be negative")
	check(c.Cache.MaxTotalSize > 0, "cache.max_total_size must be positive, got %d", c.Cache.MaxTotalSize)
	check(c.Cache.MinTimeDelta.Duration >= 0, "cache.min_time_delta must not be negative")
	check(c.Cache.MinCallCountForUpdate > 0, "cache.min_call_count_for_update must be positive")

	_, ok := guest.ParseMode(c.Guest.Mode)
	check(ok, "guest.mode %q (expected: a32|a64)", c.Guest.Mode)
	check(c.Guest.MemorySize > 0, "guest.memory_size must be positive")

	_, err := zapcore.ParseLevel(c.Log.Level)
	check(err == nil, "log.level %q", c.Log.Level)
	check(c.Log.Format == "console" || c.Log.Format == "json", "log.format %q (expected: console|json)", c.Log.Format)

	if _, err := trace.ParseLevel(c.Trace.Level); err != nil {
		errs = append(errs, fmt.Errorf("%w: trace.level: %w", ErrInvalid, err))
	}
	if _, err := trace.ParseMode(c.Trace.Mode); err != nil {
		errs = append(errs, fmt.Errorf("%w: trace.mode: %w", ErrInvalid, err))
	}
	if _, err := trace.ParseFormat(c.Trace.Format); err != nil {
		errs = append(errs, fmt.Errorf("%w: trace.format: %w", ErrInvalid, err))
	}
	check(c.Trace.RingSize > 0, "trace.ring_size must be positive")
	check(c.Profile.WarmupJobs >= 0, "profile.warmup_jobs must not be negative")
	return errors.Join(errs...)
}

// Mode returns the parsed guest mode.
func (c *Config) Mode() guest.ExecutionMode {
	m, _ := guest.ParseMode(c.Guest.Mode)
	return m
}

// MemoryBytes returns the guest memory size.
func (c *Config) MemoryBytes() (int, error) {
	return safecast.Conv[int](c.Guest.MemorySize)
}

// TranslatorOptions maps the file onto translator options. Instrumentation
// is left for the caller.
func (c *Config) TranslatorOptions() translator.Options {
	return translator.Options{
		QueueCapacity:         c.Translator.QueueCapacity,
		MinOpsForOptimization: c.Translator.MinOpsForOptimization,
		MaxSubroutineOps:      c.Translator.MaxSubroutineOps,
		AssumeStrictABI:       c.Translator.AssumeStrictABI,
		DisableTier1:          c.Translator.DisableTier1,
		Cache: translator.CacheOptions{
			MaxTotalSize:          c.Cache.MaxTotalSize,
			MinTimeDelta:          c.Cache.MinTimeDelta.Duration,
			MinCallCountForUpdate: c.Cache.MinCallCountForUpdate,
		},
	}
}

// TraceConfig returns the tracer configuration.
func (c *Config) TraceConfig() (trace.Config, error) {
	level, err := trace.ParseLevel(c.Trace.Level)
	if err != nil {
		return trace.Config{}, err
	}
	mode, err := trace.ParseMode(c.Trace.Mode)
	if err != nil {
		return trace.Config{}, err
	}
	format, err := trace.ParseFormat(c.Trace.Format)
	if err != nil {
		return trace.Config{}, err
	}
	return trace.Config{
		Level:      level,
		Mode:       mode,
		Format:     format,
		OutputPath: c.Trace.Output,
		RingSize:   c.Trace.RingSize,
		Heartbeat:  c.Trace.Heartbeat.Duration,
	}, nil
}

// NewLogger builds the zap logger described by the log section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if c.Log.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
