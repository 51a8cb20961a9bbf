// Package power serializes adapter power transitions: it holds work that
// needs the radio until power is on, and drives the off-then-on reset cycle.
package power

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/internal/blerr"
	"github.com/srg/blegate/internal/radio"
)

// transitions lists the power states reachable from each state. Anything
// else is still accepted (the observer reports what the radio did) but is
// logged.
var transitions = map[radio.PowerState][]radio.PowerState{
	radio.PowerOff:        {radio.PowerTurningOn, radio.PowerOn},
	radio.PowerTurningOn:  {radio.PowerOn, radio.PowerOff},
	radio.PowerOn:         {radio.PowerTurningOff, radio.PowerOff},
	radio.PowerTurningOff: {radio.PowerOff, radio.PowerOn},
}

type waiter struct {
	run  func()
	fail func(error)
}

// Coordinator owns the adapter power state machine. Create one per adapter
// and call every method from the callback goroutine.
type Coordinator struct {
	adapter radio.Adapter
	state   radio.PowerState
	logger  *logrus.Logger

	waiters  []waiter
	enabling bool

	reset    func(error)
	stopScan func()
}

// NewCoordinator seeds the state from the adapter and registers itself as
// the adapter's power observer.
func NewCoordinator(adapter radio.Adapter, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Coordinator{
		adapter: adapter,
		state:   adapter.PowerState(),
		logger:  logger,
	}
	adapter.SetPowerObserver(c.OnStateChanged)
	return c
}

// SetScanStopper sets the function Reset uses to stop an active scan.
func (c *Coordinator) SetScanStopper(fn func()) {
	c.stopScan = fn
}

// State returns the last observed power state.
func (c *Coordinator) State() radio.PowerState {
	return c.state
}

// Waiting returns the number of callers waiting for power.
func (c *Coordinator) Waiting() int {
	return len(c.waiters)
}

// ResetPending reports whether a reset is in progress.
func (c *Coordinator) ResetPending() bool {
	return c.reset != nil
}

// EnsurePoweredThen runs run immediately when the adapter is on. Otherwise
// the caller joins an ordered list of waiters and a single power-on request
// is issued for all of them. When power comes on every waiter runs in
// arrival order; if the request is refused every waiter fails. While a reset
// is pending no request is issued: the reset's own enable brings power back.
func (c *Coordinator) EnsurePoweredThen(run func(), fail func(error)) {
	if c.state == radio.PowerOn {
		run()
		return
	}
	c.waiters = append(c.waiters, waiter{run: run, fail: fail})
	c.logger.WithFields(logrus.Fields{
		"state":   c.state.String(),
		"waiters": len(c.waiters),
	}).Debug("Waiting for adapter power")

	if c.state != radio.PowerTurningOn && c.reset == nil {
		c.requestEnable()
	}
}

func (c *Coordinator) requestEnable() {
	if c.enabling {
		return
	}
	c.enabling = true
	c.logger.Info("Requesting adapter power-on")
	c.adapter.RequestEnable(c.onEnableResult)
}

func (c *Coordinator) onEnableResult(res radio.EnableResult) {
	c.enabling = false
	switch res.Outcome {
	case radio.EnableOK:
		c.logger.Debug("Power-on request accepted")
		if c.state == radio.PowerOn {
			c.runWaiters()
		}
	case radio.EnableCanceled:
		c.logger.Warn("Power-on request canceled")
		c.failWaiters(blerr.New(blerr.PowerOnCanceled, "powerOn", "request canceled"))
	default:
		c.logger.WithField("code", res.Code).Warn("Power-on request failed")
		c.failWaiters(&blerr.Error{Kind: blerr.PowerOnFailed, Op: "powerOn", Code: res.Code})
	}
}

// OnStateChanged is the adapter power observer.
func (c *Coordinator) OnStateChanged(next radio.PowerState) {
	prev := c.state
	if next == prev {
		return
	}
	log := c.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   next.String(),
	})
	if !allowed(prev, next) {
		log.Warn("Unexpected power transition")
	} else {
		log.Debug("Power state changed")
	}
	c.state = next

	switch next {
	case radio.PowerOn:
		if cb := c.reset; cb != nil {
			c.reset = nil
			c.logger.Info("Adapter reset complete")
			cb(nil)
		}
		c.runWaiters()
	case radio.PowerOff:
		if c.reset != nil {
			c.logger.Debug("Adapter off during reset, enabling")
			if !c.adapter.Enable() {
				c.failReset()
			}
			return
		}
		if len(c.waiters) > 0 {
			c.requestEnable()
		}
	}
}

// Reset stops any scan and power-cycles the adapter. cb is called once, when
// the adapter is back on or when an enable/disable call is refused. A reset
// requested while one is pending fails with Busy.
func (c *Coordinator) Reset(cb func(error)) {
	if c.reset != nil {
		cb(blerr.New(blerr.Busy, "reset", "reset already in progress"))
		return
	}
	c.reset = cb
	c.logger.WithField("state", c.state.String()).Info("Resetting adapter")

	if c.stopScan != nil {
		c.stopScan()
	}

	switch c.state {
	case radio.PowerOff:
		if !c.adapter.Enable() {
			c.failReset()
		}
	case radio.PowerOn:
		if !c.adapter.Disable() {
			c.failReset()
		}
	default:
		// turning-on or turning-off: the observer finishes the cycle
	}
}

func (c *Coordinator) failReset() {
	cb := c.reset
	c.reset = nil
	c.logger.Error("Adapter refused power control during reset")
	cb(blerr.New(blerr.AdapterControlFailed, "reset", "adapter refused power change"))
	// waiters that queued behind the reset still need power
	if len(c.waiters) > 0 && c.state != radio.PowerOn && c.state != radio.PowerTurningOn {
		c.requestEnable()
	}
}

func (c *Coordinator) runWaiters() {
	ws := c.waiters
	c.waiters = nil
	for _, w := range ws {
		w.run()
	}
}

func (c *Coordinator) failWaiters(err error) {
	ws := c.waiters
	c.waiters = nil
	for _, w := range ws {
		w.fail(err)
	}
}

func allowed(from, to radio.PowerState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
