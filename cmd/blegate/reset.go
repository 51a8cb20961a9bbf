package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var resetTimeout time.Duration

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Power-cycle the Bluetooth adapter",
	Long: `Turn the adapter off and back on, then wait until it reports powered on.

Requires power control (power_control: bluez). Open connections and scans
are torn down by the stack as part of the cycle.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().DurationVarP(&resetTimeout, "timeout", "t", 15*time.Second, "How long to wait for the adapter to come back")
}

func runReset(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	b, err := startBridge(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	done := make(chan error, 1)
	if err := b.host.Reset(func(err error) { done <- err }); err != nil {
		return err
	}

	timer := time.NewTimer(resetTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Adapter %s is %s\n", cfg.Adapter, b.host.PowerState())
		return nil
	case <-timer.C:
		return ErrResetTimeout
	case <-ctx.Done():
		return context.Canceled
	}
}
