// Package goble implements the radio contract on top of go-ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/internal/groutine"
	"github.com/srg/blegate/internal/radio"
)

// ErrPowerControlUnsupported is returned by AlwaysOn.
var ErrPowerControlUnsupported = errors.New("adapter power control is not supported on this platform")

// ErrScanInterrupted reports a scan cut short by the adapter, usually a power loss.
var ErrScanInterrupted = errors.New("scan interrupted by the adapter")

// PowerControl reads and switches adapter power. The BlueZ implementation
// lives in package bluez.
type PowerControl interface {
	State() radio.PowerState
	SetPowered(on bool) error
	Watch(fn func(radio.PowerState)) error
}

// AlwaysOn is the power control for platforms where the OS owns the radio.
type AlwaysOn struct{}

func (AlwaysOn) State() radio.PowerState            { return radio.PowerOn }
func (AlwaysOn) SetPowered(bool) error              { return ErrPowerControlUnsupported }
func (AlwaysOn) Watch(func(radio.PowerState)) error { return nil }

// Options configures the adapter.
type Options struct {
	// AdapterID is the HCI index ("hci0" → 0).
	AdapterID int
	// AllowDuplicates reports every advertisement, not just the first per peer.
	AllowDuplicates bool
}

// ParseAdapterID converts "hci1" or "1" to 1.
func ParseAdapterID(name string) (int, error) {
	id, err := strconv.Atoi(strings.TrimPrefix(name, "hci"))
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid adapter name %q", name)
	}
	return id, nil
}

// Adapter implements radio.Adapter. The go-ble device is opened lazily and
// dropped whenever power goes off, since an HCI socket does not survive a
// power cycle.
type Adapter struct {
	opts     Options
	power    PowerControl
	dispatch radio.Dispatcher
	logger   *logrus.Logger

	mu   sync.Mutex
	dev  ble.Device
	scan *scanRun
}

// scanRun is one dev.Scan call. stopped is set when the caller ended it.
type scanRun struct {
	cancel  context.CancelFunc
	stopped bool
}

// NewAdapter creates an adapter whose callbacks are delivered through dispatch.
func NewAdapter(opts Options, power PowerControl, dispatch radio.Dispatcher, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	if power == nil {
		power = AlwaysOn{}
	}
	return &Adapter{opts: opts, power: power, dispatch: dispatch, logger: logger}
}

func (a *Adapter) device() (ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev != nil {
		return a.dev, nil
	}
	dev, err := DeviceFactory(a.opts.AdapterID)
	if err != nil {
		a.logger.WithError(err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	a.dev = dev
	return dev, nil
}

func (a *Adapter) dropDevice() {
	a.mu.Lock()
	dev := a.dev
	a.dev = nil
	if a.scan != nil {
		// not marked stopped: the scan owner hears about it through ended
		a.scan.cancel()
		a.scan = nil
	}
	a.mu.Unlock()
	if dev != nil {
		if err := dev.Stop(); err != nil {
			a.logger.WithError(err).Debug("Failed to stop BLE device")
		}
	}
}

// Close releases the go-ble device.
func (a *Adapter) Close() {
	a.dropDevice()
}

func (a *Adapter) PowerState() radio.PowerState {
	return a.power.State()
}

func (a *Adapter) SetPowerObserver(fn func(radio.PowerState)) {
	err := a.power.Watch(func(st radio.PowerState) {
		if st == radio.PowerOff {
			a.dropDevice()
		}
		a.dispatch(func() { fn(st) })
	})
	if err != nil {
		a.logger.WithError(err).Warn("Power changes will not be observed")
	}
}

func (a *Adapter) RequestEnable(done func(radio.EnableResult)) {
	groutine.Go(context.Background(), "ble-power-on", func(context.Context) {
		res := radio.EnableResult{Outcome: radio.EnableOK}
		if err := a.power.SetPowered(true); err != nil {
			a.logger.WithError(err).Warn("Power-on request failed")
			res = radio.EnableResult{Outcome: radio.EnableFailed, Code: int(radio.StatusFailure)}
		}
		a.dispatch(func() { done(res) })
	})
}

func (a *Adapter) Enable() bool {
	if err := a.power.SetPowered(true); err != nil {
		a.logger.WithError(err).Warn("Enable refused")
		return false
	}
	return true
}

func (a *Adapter) Disable() bool {
	if err := a.power.SetPowered(false); err != nil {
		a.logger.WithError(err).Warn("Disable refused")
		return false
	}
	return true
}

func (a *Adapter) StartScan(fn func(radio.ScanRecord), ended func(error)) bool {
	dev, err := a.device()
	if err != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &scanRun{cancel: cancel}
	a.mu.Lock()
	if a.scan != nil {
		a.scan.stopped = true
		a.scan.cancel()
	}
	a.scan = run
	a.mu.Unlock()

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		a.logger.Debug("Scanning for BLE devices...")
		err := dev.Scan(ctx, a.opts.AllowDuplicates, func(adv ble.Advertisement) {
			rec := NewScanRecord(adv)
			a.dispatch(func() { fn(rec) })
		})

		a.mu.Lock()
		stopped := run.stopped
		if a.scan == run {
			a.scan = nil
		}
		a.mu.Unlock()
		if stopped {
			return
		}

		if err == nil || errors.Is(err, context.Canceled) {
			err = ErrScanInterrupted
		} else {
			a.logger.WithError(err).Warn("Scan ended with error")
		}
		a.dispatch(func() { ended(err) })
	})
	return true
}

func (a *Adapter) StopScan() {
	a.mu.Lock()
	run := a.scan
	a.scan = nil
	if run != nil {
		run.stopped = true
	}
	a.mu.Unlock()
	if run != nil {
		run.cancel()
	}
}

func (a *Adapter) Connect(address string, cb radio.GattCallback) (radio.Gatt, error) {
	dev, err := a.device()
	if err != nil {
		return nil, err
	}
	conn := newConnection(address, cb, a.dispatch, a.logger)
	groutine.Go(conn.ctx, "ble-dial", func(context.Context) { conn.dial(dev) })
	return conn, nil
}
