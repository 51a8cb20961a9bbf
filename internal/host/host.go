// Package host is the public asynchronous surface of the bridge. Every method
// may be called from any goroutine: the work hops onto the loop goroutine,
// which also delivers every callback. Methods return synchronous failures
// (unknown handle, busy slot, refused start) as errors; radio outcomes reach
// the callbacks.
package host

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/internal/gatt"
	"github.com/srg/blegate/internal/loop"
	"github.com/srg/blegate/internal/power"
	"github.com/srg/blegate/internal/radio"
)

// ErrStopped is returned when the loop is no longer running.
var ErrStopped = errors.New("host stopped")

// Host wires the adapter, the power coordinator and the connection registry
// to one loop.
type Host struct {
	loop     *loop.Loop
	adapter  radio.Adapter
	power    *power.Coordinator
	registry *gatt.Registry
	logger   *logrus.Logger
}

// New builds a host over adapter. The adapter must deliver its callbacks
// through lp.Post, and lp must already be started.
func New(adapter radio.Adapter, lp *loop.Loop, logger *logrus.Logger) (*Host, error) {
	if logger == nil {
		logger = logrus.New()
	}
	h := &Host{loop: lp, adapter: adapter, logger: logger}
	if !lp.Do(func() {
		h.power = power.NewCoordinator(adapter, logger)
		h.registry = gatt.NewRegistry(adapter, h.power, logger)
		h.power.SetScanStopper(h.registry.StopScan)
	}) {
		return nil, ErrStopped
	}
	logger.WithField("power", h.power.State().String()).Debug("Host ready")
	return h, nil
}

func (h *Host) do(fn func() error) error {
	var err error
	if !h.loop.Do(func() { err = fn() }) {
		return ErrStopped
	}
	return err
}

func (h *Host) withSession(conn int, fn func(s *gatt.Session) error) error {
	return h.do(func() error {
		s, err := h.registry.Resolve(conn)
		if err != nil {
			return err
		}
		return fn(s)
	})
}

// PowerState returns the coordinator's view of adapter power.
func (h *Host) PowerState() radio.PowerState {
	var st radio.PowerState
	h.loop.Do(func() { st = h.power.State() })
	return st
}

// StartScan streams advertisements to onRecord, powering the adapter first
// if needed. onError receives power and start failures.
func (h *Host) StartScan(onRecord func(radio.ScanRecord), onError func(error)) error {
	return h.do(func() error {
		h.registry.StartScan(onRecord, onError)
		return nil
	})
}

// StopScan stops scanning.
func (h *Host) StopScan() error {
	return h.do(func() error {
		h.registry.StopScan()
		return nil
	})
}

// Open returns a connection handle at once; the connection itself completes
// through onState.
func (h *Host) Open(address string, onState gatt.StateCallback) (int, error) {
	var conn int
	err := h.do(func() error {
		var err error
		conn, err = h.registry.Open(address, onState)
		return err
	})
	return conn, err
}

// Close releases conn. Outstanding operations fail with ConnectionClosed.
func (h *Host) Close(conn int) error {
	return h.do(func() error { return h.registry.Close(conn) })
}

// ReadRSSI reads the signal strength of conn.
func (h *Host) ReadRSSI(conn int, cb func(rssi int, err error)) error {
	return h.withSession(conn, func(s *gatt.Session) error { return s.ReadRSSI(cb) })
}

// DiscoverServices queues service discovery on conn.
func (h *Host) DiscoverServices(conn int, cb func([]gatt.ServiceInfo, error)) error {
	return h.withSession(conn, func(s *gatt.Session) error {
		s.DiscoverServices(cb)
		return nil
	})
}

// Characteristics enumerates the characteristics of a discovered service.
func (h *Host) Characteristics(conn, service int) ([]gatt.CharacteristicInfo, error) {
	var out []gatt.CharacteristicInfo
	err := h.withSession(conn, func(s *gatt.Session) error {
		var err error
		out, err = s.Characteristics(service)
		return err
	})
	return out, err
}

// Descriptors enumerates the descriptors of a characteristic.
func (h *Host) Descriptors(conn, characteristic int) ([]gatt.DescriptorInfo, error) {
	var out []gatt.DescriptorInfo
	err := h.withSession(conn, func(s *gatt.Session) error {
		var err error
		out, err = s.Descriptors(characteristic)
		return err
	})
	return out, err
}

// ReadCharacteristic queues a characteristic read.
func (h *Host) ReadCharacteristic(conn, characteristic int, cb func([]byte, error)) error {
	return h.withSession(conn, func(s *gatt.Session) error { return s.ReadCharacteristic(characteristic, cb) })
}

// ReadDescriptor queues a descriptor read.
func (h *Host) ReadDescriptor(conn, descriptor int, cb func([]byte, error)) error {
	return h.withSession(conn, func(s *gatt.Session) error { return s.ReadDescriptor(descriptor, cb) })
}

// WriteCharacteristic queues a characteristic write.
func (h *Host) WriteCharacteristic(conn, characteristic int, value []byte, cb func(error)) error {
	return h.withSession(conn, func(s *gatt.Session) error { return s.WriteCharacteristic(characteristic, value, cb) })
}

// WriteDescriptor queues a descriptor write.
func (h *Host) WriteDescriptor(conn, descriptor int, value []byte, cb func(error)) error {
	return h.withSession(conn, func(s *gatt.Session) error { return s.WriteDescriptor(descriptor, value, cb) })
}

// EnableNotification streams value changes of a characteristic to fn.
func (h *Host) EnableNotification(conn, characteristic int, fn func([]byte)) error {
	return h.withSession(conn, func(s *gatt.Session) error { return s.EnableNotification(characteristic, fn) })
}

// DisableNotification stops a notification stream.
func (h *Host) DisableNotification(conn, characteristic int) error {
	return h.withSession(conn, func(s *gatt.Session) error { return s.DisableNotification(characteristic) })
}

// Reset power-cycles the adapter; cb runs once power is back on.
func (h *Host) Reset(cb func(error)) error {
	return h.do(func() error {
		h.power.Reset(cb)
		return nil
	})
}

// Shutdown stops scanning and closes every connection.
func (h *Host) Shutdown() {
	if err := h.do(func() error {
		h.registry.CloseAll()
		return nil
	}); err != nil {
		h.logger.WithError(err).Debug("Shutdown after loop stop")
	}
}
