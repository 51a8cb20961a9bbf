package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blegate/pkg/config"
)

// loadConfig reads --config and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if adapter, _ := cmd.Flags().GetString("adapter"); adapter != "" {
		cfg.Adapter = adapter
	}
	return cfg, nil
}

// cliLevels are the values --log-level accepts.
var cliLevels = map[string]logrus.Level{
	"debug": logrus.DebugLevel,
	"info":  logrus.InfoLevel,
	"warn":  logrus.WarnLevel,
	"error": logrus.ErrorLevel,
}

// configureLogger picks the level from --log-level, then --verbose, then the
// config file. With none of them set the logger stays silent so script output
// is all the user sees.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	level := logrus.PanicLevel
	if cmd.Flags().Changed("config") || cfg.LogLevel != config.DefaultConfig().LogLevel {
		level = cfg.Level()
	}

	if name, _ := cmd.Flags().GetString("log-level"); name != "" {
		l, ok := cliLevels[name]
		if !ok {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", name)
		}
		level = l
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = logrus.DebugLevel
	}

	logger := cfg.NewLogger()
	logger.SetLevel(level)
	return logger, nil
}
