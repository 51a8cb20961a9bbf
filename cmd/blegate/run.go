package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/blegate"
	"github.com/srg/blegate/internal/lua"
)

var runCmd = &cobra.Command{
	Use:   "run <script.lua> [args...]",
	Short: "Run a Lua script against the adapter",
	Long: `Run a Lua script with the "ble" API available as a global.

A script name starting with @ runs one of the bundled examples
(see "blegate examples"). Extra arguments are published to the script as arg[1..n]; arg[0] is the
script name. The command returns when the script calls ble.exit, when it has
nothing left to wait for, or on Ctrl+C. The exit code is the value passed to
ble.exit, or 1 on a script error.

Example:
  blegate run heart_rate.lua AA:BB:CC:DD:EE:FF
  blegate run @inspect AA:BB:CC:DD:EE:FF`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScript,
}

func runScript(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	var script string
	if name, ok := strings.CutPrefix(args[0], "@"); ok {
		if script, err = blegate.Example(name); err != nil {
			return err
		}
	}

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	b, err := startBridge(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	opts := lua.ScriptOptions{
		Args:             args[1:],
		Stdout:           cmd.OutOrStdout(),
		Stderr:           cmd.ErrOrStderr(),
		OutputBufferSize: cfg.OutputBuffer,
	}
	var code int
	if script != "" {
		opts.Name = args[0]
		code, err = lua.ExecuteScript(ctx, b.host, logger, script, opts)
	} else {
		code, err = lua.ExecuteScriptFile(ctx, b.host, logger, args[0], opts)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		var serr *lua.ScriptError
		if errors.As(err, &serr) {
			// already printed to the script's stderr
			return &scriptExitError{code: 1}
		}
		return err
	}
	if code != 0 {
		return &scriptExitError{code: code}
	}
	return nil
}

var examplesCmd = &cobra.Command{
	Use:   "examples [name]",
	Short: "List bundled example scripts, or print one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			src, err := blegate.Example(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), src)
			return nil
		}
		for _, name := range blegate.ExampleNames() {
			fmt.Fprintf(cmd.OutOrStdout(), "@%s\n", name)
		}
		return nil
	},
}
