package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/go-ble/ble"

	"github.com/srg/blegate/internal/radio"
)

// StatusOf maps a go-ble error to a radio status. ATT errors keep their
// protocol code; known transport failures map to the generic GATT error and
// everything else to StatusFailure.
func StatusOf(err error) radio.Status {
	if err == nil {
		return radio.StatusSuccess
	}

	var attErr ble.ATTError
	if errors.As(err, &attErr) {
		return radio.Status(attErr)
	}

	msg := err.Error()
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return radio.StatusGattError
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"),
		containsIgnoreCase(msg, "connection is not initialized"):
		return radio.StatusGattError
	default:
		return radio.StatusFailure
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
