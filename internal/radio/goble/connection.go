package goble

import (
	"bytes"
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/internal/groutine"
	"github.com/srg/blegate/internal/radio"
)

// connection implements radio.Gatt over a go-ble client. go-ble calls block,
// so each request runs on its own goroutine and its completion is posted
// through the dispatcher.
type connection struct {
	address  string
	cb       radio.GattCallback
	dispatch radio.Dispatcher
	logger   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	client   ble.Client
	closed   bool
	services []radio.Service
	instance int
}

func newConnection(address string, cb radio.GattCallback, dispatch radio.Dispatcher, logger *logrus.Logger) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		address:  address,
		cb:       cb,
		dispatch: dispatch,
		logger:   logger.WithField("address", address),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// dial connects and reports the outcome. It runs on its own goroutine.
func (c *connection) dial(dev ble.Device) {
	c.dispatch(func() { c.cb.OnConnectionStateChange(radio.StatusSuccess, radio.StateConnecting) })

	c.logger.Debug("Dialing BLE device...")
	client, err := dev.Dial(c.ctx, ble.NewAddr(c.address))
	if err != nil {
		if c.isClosed() {
			return
		}
		c.logger.WithError(err).Error("Failed to dial BLE device")
		status := StatusOf(err)
		c.dispatch(func() { c.cb.OnConnectionStateChange(status, radio.StateDisconnected) })
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = client.CancelConnection()
		return
	}
	c.client = client
	c.mu.Unlock()

	c.logger.Info("BLE device connected")
	c.dispatch(func() { c.cb.OnConnectionStateChange(radio.StatusSuccess, radio.StateConnected) })

	groutine.Go(c.ctx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			if c.isClosed() {
				return
			}
			c.logger.Warn("Peer disconnected")
			c.dispatch(func() { c.cb.OnConnectionStateChange(radio.StatusSuccess, radio.StateDisconnected) })
		case <-ctx.Done():
		}
	})
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// live returns the client, or nil when not connected or closed.
func (c *connection) live() ble.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.client
}

// submit runs work on a goroutine if the connection is live.
func (c *connection) submit(name string, work func(client ble.Client)) bool {
	client := c.live()
	if client == nil {
		return false
	}
	groutine.Go(c.ctx, "ble-"+name, func(context.Context) { work(client) })
	return true
}

func (c *connection) DiscoverServices() bool {
	return c.submit("discover", func(client ble.Client) {
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			c.logger.WithError(err).Warn("Failed to discover profile")
			status := StatusOf(err)
			c.dispatch(func() { c.cb.OnServicesDiscovered(status) })
			return
		}
		c.mu.Lock()
		c.services = wrapProfile(profile, &c.instance)
		n := len(c.services)
		c.mu.Unlock()

		c.logger.WithField("services", n).Debug("Profile discovered successfully")
		c.dispatch(func() { c.cb.OnServicesDiscovered(radio.StatusSuccess) })
	})
}

func (c *connection) Services() []radio.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.services
}

func (c *connection) ReadCharacteristic(rc radio.Characteristic) bool {
	ch, ok := rc.(*characteristic)
	if !ok {
		return false
	}
	return c.submit("read", func(client ble.Client) {
		value, err := client.ReadCharacteristic(ch.char)
		status := StatusOf(err)
		c.dispatch(func() { c.cb.OnCharacteristicRead(rc, value, status) })
	})
}

func (c *connection) WriteCharacteristic(rc radio.Characteristic, value []byte) bool {
	ch, ok := rc.(*characteristic)
	if !ok {
		return false
	}
	noRsp := ch.WriteType() == radio.WriteTypeNoResponse
	return c.submit("write", func(client ble.Client) {
		status := StatusOf(client.WriteCharacteristic(ch.char, value, noRsp))
		c.dispatch(func() { c.cb.OnCharacteristicWrite(rc, status) })
	})
}

func (c *connection) ReadDescriptor(rd radio.Descriptor) bool {
	d, ok := rd.(*descriptor)
	if !ok {
		return false
	}
	return c.submit("read-descriptor", func(client ble.Client) {
		value, err := client.ReadDescriptor(d.desc)
		status := StatusOf(err)
		c.dispatch(func() { c.cb.OnDescriptorRead(rd, value, status) })
	})
}

func (c *connection) WriteDescriptor(rd radio.Descriptor, value []byte) bool {
	d, ok := rd.(*descriptor)
	if !ok {
		return false
	}
	return c.submit("write-descriptor", func(client ble.Client) {
		status := StatusOf(client.WriteDescriptor(d.desc, value))
		c.dispatch(func() { c.cb.OnDescriptorWrite(rd, status) })
	})
}

// SetCharacteristicNotification subscribes through go-ble, which also writes
// the CCCD. Failures after acceptance are only logged: the stack flag has no
// completion callback.
func (c *connection) SetCharacteristicNotification(rc radio.Characteristic, enable bool) bool {
	ch, ok := rc.(*characteristic)
	if !ok || !ch.subscribable() {
		return false
	}
	return c.submit("subscribe", func(client ble.Client) {
		var err error
		if enable {
			err = client.Subscribe(ch.char, ch.indicate(), func(data []byte) {
				value := bytes.Clone(data)
				c.dispatch(func() { c.cb.OnCharacteristicChanged(rc, value) })
			})
		} else {
			err = client.Unsubscribe(ch.char, ch.indicate())
		}
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"char_uuid": ch.UUID(),
				"enable":    enable,
				"error":     err,
			}).Warn("Failed to change notification state")
		}
	})
}

func (c *connection) ReadRemoteRSSI() bool {
	return c.submit("rssi", func(client ble.Client) {
		rssi := client.ReadRSSI()
		c.dispatch(func() { c.cb.OnReadRemoteRSSI(rssi, radio.StatusSuccess) })
	})
}

func (c *connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	client := c.client
	c.client = nil
	c.mu.Unlock()

	c.cancel()
	if client == nil {
		return
	}
	groutine.Go(context.Background(), "ble-disconnect", func(context.Context) {
		if err := client.CancelConnection(); err != nil {
			c.logger.WithError(err).Debug("CancelConnection failed")
		}
	})
}
