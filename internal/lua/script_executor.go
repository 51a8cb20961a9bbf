package lua

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// ScriptOptions configures ExecuteScript.
type ScriptOptions struct {
	// Name is reported in errors and published as arg[0].
	Name string
	// Args become arg[1..n].
	Args []string
	// Stdout and Stderr receive print output and script errors. Nil discards.
	Stdout, Stderr io.Writer
	// OutputBufferSize bounds buffered output; 0 means DefaultOutputBufferSize.
	OutputBufferSize uint32
}

// ExecuteScript runs script against host and keeps delivering callbacks
// until the script exits or goes idle. It returns the script's exit code.
func ExecuteScript(ctx context.Context, host Host, logger *logrus.Logger, script string, opts ScriptOptions) (int, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Name == "" {
		opts.Name = "script"
	}

	engine := NewEngine(logger, opts.OutputBufferSize)
	defer engine.Close()

	drainer := NewOutputDrainer(ctx, engine, logger, opts.Stdout, opts.Stderr)
	defer func() {
		drainer.Cancel()
		drainer.Wait()
		if lost := engine.Overwritten(); lost > 0 {
			logger.WithField("lost", lost).Warn("Script output overflowed the buffer")
		}
	}()

	api, err := NewAPI(host, engine, logger)
	if err != nil {
		return 1, err
	}
	defer api.Close()

	if err := engine.SetArgs(opts.Name, opts.Args); err != nil {
		return 1, err
	}

	logger.WithField("script", opts.Name).Debug("Starting Lua script execution")
	if err := api.Execute(script, opts.Name); err != nil {
		return 1, err
	}
	if err := api.Run(ctx); err != nil {
		return 1, err
	}
	logger.WithField("exit_code", api.ExitCode()).Debug("Lua script execution completed")
	return api.ExitCode(), nil
}

// ExecuteScriptFile reads path and runs it with ExecuteScript.
func ExecuteScriptFile(ctx context.Context, host Host, logger *logrus.Logger, path string, opts ScriptOptions) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 1, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	if opts.Name == "" {
		opts.Name = filepath.Base(path)
	}
	return ExecuteScript(ctx, host, logger, string(content), opts)
}
