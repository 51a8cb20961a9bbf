//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates the HCI device for adapter id (can be overridden in tests)
var DeviceFactory = func(id int) (ble.Device, error) {
	return linux.NewDevice(ble.OptDeviceID(id))
}
