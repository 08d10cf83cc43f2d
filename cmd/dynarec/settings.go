package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dynarec/internal/config"
	"dynarec/internal/translator"
)

// loadConfig reads --config, or dynarec.toml found from the working
// directory, over the defaults and applies the --log-level override.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	root := cmd.Root()
	path, err := root.PersistentFlags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path == "" {
		found, ok, err := config.Find(".")
		if err != nil {
			return config.Config{}, err
		}
		if ok {
			path = found
		}
	}

	cfg := config.Default()
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
	}

	level, err := root.PersistentFlags().GetString("log-level")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if level != "" {
		cfg.Log.Level = level
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

// setupLogging installs the configured logger. The cleanup flushes it.
func setupLogging(cfg *config.Config) (func(), error) {
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	translator.SetLogger(logger)
	return func() {
		_ = logger.Sync()
		translator.SetLogger(nil)
	}, nil
}
