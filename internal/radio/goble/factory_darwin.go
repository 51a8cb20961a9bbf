//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory creates the CoreBluetooth device (can be overridden in tests).
// CoreBluetooth has a single adapter, so id is ignored.
var DeviceFactory = func(_ int) (ble.Device, error) {
	return darwin.NewDevice()
}
