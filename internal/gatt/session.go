package gatt

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/internal/blerr"
	"github.com/srg/blegate/internal/handle"
	"github.com/srg/blegate/internal/radio"
)

// StateCallback receives connection state changes for a connection handle.
// A non-nil err means the connection failed and its handle is retired.
type StateCallback func(conn int, state radio.ConnectionState, err error)

// Session owns one connection: its sub-object handles, its operation queue,
// the RSSI slot and the notification subscriptions. All methods must be
// called from the callback goroutine.
type Session struct {
	handle  int
	address string
	gatt    radio.Gatt
	ready   bool
	closed  bool

	queue   *OperationQueue
	onState StateCallback
	onLost  func(s *Session, err error)
	rssi    func(rssi int, err error)

	services *handle.Table[radio.Service]
	chars    *handle.Table[radio.Characteristic]
	descs    *handle.Table[radio.Descriptor]

	subscribers map[int]func(value []byte)
	notifyIndex map[int]int

	logger *logrus.Entry
}

func newSession(address string, onState StateCallback, logger *logrus.Logger) *Session {
	counter := handle.NewCounter()
	entry := logger.WithField("address", address)
	return &Session{
		address:     address,
		onState:     onState,
		queue:       NewOperationQueue(entry),
		services:    handle.NewSharedTable[radio.Service]("service", counter),
		chars:       handle.NewSharedTable[radio.Characteristic]("characteristic", counter),
		descs:       handle.NewSharedTable[radio.Descriptor]("descriptor", counter),
		subscribers: make(map[int]func([]byte)),
		notifyIndex: make(map[int]int),
		logger:      entry,
	}
}

// Handle returns the connection handle.
func (s *Session) Handle() int { return s.handle }

// Address returns the peer address.
func (s *Session) Address() string { return s.address }

// Ready reports whether the connection is established and admitting operations.
func (s *Session) Ready() bool { return s.ready }

// QueueLen returns the number of operations waiting behind the in-flight one.
func (s *Session) QueueLen() int { return s.queue.Len() }

func (s *Session) attach(g radio.Gatt) {
	s.gatt = g
}

// release closes the native connection and fails everything outstanding.
func (s *Session) release(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.ready = false
	if s.gatt != nil {
		s.gatt.Close()
		s.gatt = nil
	}
	s.abandon(err)
	clear(s.subscribers)
	clear(s.notifyIndex)
}

// abandon fails queued, in-flight and RSSI requests. Each gets its own
// ConnectionClosed error naming the operation; err, when set, is logged.
func (s *Session) abandon(err error) {
	ops := s.queue.Abandon()
	if len(ops) > 0 || s.rssi != nil {
		s.logger.WithFields(logrus.Fields{
			"abandoned": len(ops),
			"cause":     err,
		}).Info("Abandoning outstanding operations")
	}
	for _, op := range ops {
		op.abort(blerr.Closed(op.Name))
	}
	if cb := s.rssi; cb != nil {
		s.rssi = nil
		cb(0, blerr.Closed("readRSSI"))
	}
}

// OnConnectionStateChange implements radio.GattCallback.
func (s *Session) OnConnectionStateChange(status radio.Status, state radio.ConnectionState) {
	if s.closed {
		return
	}
	log := s.logger.WithFields(logrus.Fields{
		"status": int(status),
		"state":  int(state),
	})

	if status != radio.StatusSuccess {
		log.Warn("Connection failed")
		err := blerr.Failure("connect", int(status))
		s.onState(s.handle, state, err)
		if s.onLost != nil {
			s.onLost(s, err)
		}
		return
	}

	log.Debug("Connection state changed")
	s.onState(s.handle, state, nil)

	switch state {
	case radio.StateConnected:
		s.ready = true
		s.queue.Resume()
	case radio.StateDisconnected:
		s.ready = false
		s.abandon(nil)
		// the handle stays valid until Close, but nothing can run on it
		s.queue.Refuse("not connected")
	}
}

// OnReadRemoteRSSI implements radio.GattCallback.
func (s *Session) OnReadRemoteRSSI(rssi int, status radio.Status) {
	cb := s.rssi
	if s.closed || cb == nil {
		return
	}
	s.rssi = nil
	if status != radio.StatusSuccess {
		cb(0, blerr.Failure("readRSSI", int(status)))
		return
	}
	cb(rssi, nil)
}

// OnServicesDiscovered implements radio.GattCallback.
func (s *Session) OnServicesDiscovered(status radio.Status) {
	s.complete(status, nil)
}

// OnCharacteristicRead implements radio.GattCallback.
func (s *Session) OnCharacteristicRead(_ radio.Characteristic, value []byte, status radio.Status) {
	s.complete(status, value)
}

// OnCharacteristicWrite implements radio.GattCallback.
func (s *Session) OnCharacteristicWrite(_ radio.Characteristic, status radio.Status) {
	s.complete(status, nil)
}

// OnDescriptorRead implements radio.GattCallback.
func (s *Session) OnDescriptorRead(_ radio.Descriptor, value []byte, status radio.Status) {
	s.complete(status, value)
}

// OnDescriptorWrite implements radio.GattCallback.
func (s *Session) OnDescriptorWrite(_ radio.Descriptor, status radio.Status) {
	s.complete(status, nil)
}

func (s *Session) complete(status radio.Status, payload []byte) {
	if s.closed {
		return
	}
	s.queue.Complete(status, payload)
}

// ReadRSSI reads the signal strength outside the operation queue. Only one
// RSSI read may be outstanding; a concurrent one fails with Busy.
func (s *Session) ReadRSSI(cb func(rssi int, err error)) error {
	if s.rssi != nil {
		return blerr.New(blerr.Busy, "readRSSI", "rssi read already in flight")
	}
	if !s.ready {
		return blerr.New(blerr.OperationRejected, "readRSSI", "not connected")
	}
	s.rssi = cb
	if !s.gatt.ReadRemoteRSSI() {
		s.rssi = nil
		return blerr.Rejected("readRSSI")
	}
	return nil
}

func statusError(op string, status radio.Status) error {
	if status == radio.StatusSuccess {
		return nil
	}
	return blerr.Failure(op, int(status))
}
