package gatt

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/internal/blerr"
	"github.com/srg/blegate/internal/handle"
	"github.com/srg/blegate/internal/radio"
)

// PowerGate runs work once the adapter is powered. fail is called instead if
// power-on is refused.
type PowerGate interface {
	EnsurePoweredThen(run func(), fail func(error))
}

// Registry maps connection handles to sessions and routes scan results.
// All methods must be called from the callback goroutine.
type Registry struct {
	adapter  radio.Adapter
	power    PowerGate
	sessions *handle.Table[*Session]
	logger   *logrus.Logger

	scanning  bool
	scanRoute func(radio.ScanRecord)
	scanError func(error)
}

// NewRegistry creates an empty registry.
func NewRegistry(adapter radio.Adapter, power PowerGate, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		adapter:  adapter,
		power:    power,
		sessions: handle.NewTable[*Session]("connection"),
		logger:   logger,
	}
}

// Open allocates a connection handle for address and starts connecting once
// the adapter is powered. The handle is valid immediately: operations queued
// on it start when the connection is established. State changes and the
// connect outcome arrive through onState.
func (r *Registry) Open(address string, onState StateCallback) (int, error) {
	if strings.TrimSpace(address) == "" {
		return 0, blerr.New(blerr.OperationRejected, "connect", "device address is empty")
	}

	s := newSession(address, onState, r.logger)
	h := r.sessions.Allocate(s)
	s.handle = h
	s.logger = s.logger.WithField("conn", h)
	s.queue.logger = s.logger
	s.onLost = r.lost

	s.logger.Info("Opening connection")

	r.power.EnsurePoweredThen(
		func() {
			if s.closed {
				return
			}
			g, err := r.adapter.Connect(address, s)
			if err != nil {
				s.logger.WithError(err).Error("Connect request refused")
				rejected := blerr.Wrap(blerr.OperationRejected, "connect", err)
				onState(h, radio.StateDisconnected, rejected)
				r.lost(s, rejected)
				return
			}
			s.attach(g)
		},
		func(err error) {
			if s.closed {
				return
			}
			s.logger.WithError(err).Warn("Connect abandoned: adapter not powered")
			onState(h, radio.StateDisconnected, err)
			r.lost(s, err)
		},
	)
	return h, nil
}

// Resolve returns the session behind conn.
func (r *Registry) Resolve(conn int) (*Session, error) {
	return r.sessions.Resolve(conn)
}

// Close releases the native connection and retires conn. Operations still
// outstanding fail with ConnectionClosed.
func (r *Registry) Close(conn int) error {
	s, err := r.sessions.Resolve(conn)
	if err != nil {
		return err
	}
	s.logger.Info("Closing connection")
	s.release(nil)
	r.sessions.Remove(conn)
	return nil
}

// CloseAll stops scanning and closes every connection in open order.
func (r *Registry) CloseAll() {
	r.StopScan()
	for _, h := range r.sessions.Handles() {
		_ = r.Close(h)
	}
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

func (r *Registry) lost(s *Session, err error) {
	s.release(err)
	r.sessions.Remove(s.handle)
}

// StartScan routes advertisements to onRecord once the adapter is powered.
// Calling it while a scan is running replaces the route. onError receives
// power and start failures, and a StackFailure if the radio ends the scan
// on its own.
func (r *Registry) StartScan(onRecord func(radio.ScanRecord), onError func(error)) {
	r.power.EnsurePoweredThen(
		func() {
			r.scanRoute = onRecord
			r.scanError = onError
			if r.scanning {
				r.logger.Debug("Scan already running, replacing result route")
				return
			}
			if !r.adapter.StartScan(r.routeScan, r.scanEnded) {
				r.scanRoute, r.scanError = nil, nil
				onError(blerr.Rejected("startScan"))
				return
			}
			r.scanning = true
			r.logger.Info("Scan started")
		},
		onError,
	)
}

// StopScan stops an active scan. It is a no-op when not scanning.
func (r *Registry) StopScan() {
	r.scanRoute, r.scanError = nil, nil
	if !r.scanning {
		return
	}
	r.scanning = false
	r.adapter.StopScan()
	r.logger.Info("Scan stopped")
}

// scanEnded handles a scan the radio stopped by itself. The next StartScan
// starts the radio again.
func (r *Registry) scanEnded(cause error) {
	if !r.scanning {
		return
	}
	onError := r.scanError
	r.scanning = false
	r.scanRoute, r.scanError = nil, nil
	r.logger.WithError(cause).Warn("Scan ended by the radio")
	if onError != nil {
		onError(&blerr.Error{
			Kind: blerr.StackFailure,
			Op:   "scan",
			Code: int(radio.StatusFailure),
			Msg:  "scan ended",
			Err:  cause,
		})
	}
}

// Scanning reports whether a scan is active.
func (r *Registry) Scanning() bool {
	return r.scanning
}

func (r *Registry) routeScan(rec radio.ScanRecord) {
	if r.scanRoute != nil {
		r.scanRoute(rec)
	}
}
