package main

import (
	"errors"
	"fmt"

	"github.com/srg/blegate/internal/blerr"
	"github.com/srg/blegate/internal/host"
	"github.com/srg/blegate/internal/radio/goble"
)

// Command-level errors
var (
	// ErrResetTimeout indicates the adapter did not come back on in time.
	ErrResetTimeout = errors.New("adapter reset timed out")
)

// scriptExitError carries a non-zero ble.exit code out of the run command.
type scriptExitError struct {
	code int
}

func (e *scriptExitError) Error() string {
	return fmt.Sprintf("script exited with code %d", e.code)
}

// FormatUserError turns internal errors into short messages with a hint
// where one helps.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, goble.ErrPowerControlUnsupported):
		return "adapter power cannot be controlled on this platform; toggle Bluetooth in the system settings"
	case errors.Is(err, blerr.ErrPowerOnCanceled):
		return "Bluetooth is off and the request to turn it on was declined"
	case errors.Is(err, blerr.ErrPowerOnFailed):
		return fmt.Sprintf("Bluetooth could not be turned on (status %d)", blerr.CodeOf(err))
	case errors.Is(err, blerr.ErrAdapterControlFailed):
		return "the adapter refused to change power state; check permissions for BlueZ (is bluetoothd running?)"
	case errors.Is(err, blerr.ErrBusy):
		return "the adapter is busy with another request; try again"
	case errors.Is(err, blerr.ErrStackFailure):
		return fmt.Sprintf("%v (Bluetooth stack status 0x%x)", err, blerr.CodeOf(err))
	case errors.Is(err, host.ErrStopped):
		return "the Bluetooth event loop stopped unexpectedly"
	default:
		return err.Error()
	}
}
