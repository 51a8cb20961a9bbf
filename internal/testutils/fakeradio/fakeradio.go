// Package fakeradio is a scriptable in-memory radio for tests. Nothing
// happens on its own: tests drive completions explicitly, and callbacks run
// synchronously on the calling goroutine.
package fakeradio

import (
	"errors"
	"fmt"

	"github.com/srg/blegate/internal/radio"
)

// Adapter is a fake radio.Adapter.
type Adapter struct {
	State radio.PowerState

	// AutoPower makes Enable and Disable walk through the turning-* state to
	// the final state before returning.
	AutoPower bool

	RefuseEnable  bool
	RefuseDisable bool
	RefuseScan    bool
	ConnectErr    error

	EnableRequests int
	EnableCalls    int
	DisableCalls   int
	ScanStarts     int
	ScanStops      int
	Scanning       bool

	// Profiles holds the services each address reports after discovery.
	Profiles map[string][]*Service
	// Gatts holds every connection made, in order.
	Gatts []*Gatt

	observer      func(radio.PowerState)
	pendingEnable func(radio.EnableResult)
	scanFn        func(radio.ScanRecord)
	scanEnded     func(error)
}

// ErrPowerLost is what a fake scan ends with when power goes off.
var ErrPowerLost = errors.New("fakeradio: power lost")

// NewAdapter returns a fake adapter in the given power state.
func NewAdapter(state radio.PowerState) *Adapter {
	return &Adapter{State: state, Profiles: make(map[string][]*Service)}
}

func (a *Adapter) PowerState() radio.PowerState { return a.State }

func (a *Adapter) SetPowerObserver(fn func(radio.PowerState)) { a.observer = fn }

func (a *Adapter) RequestEnable(done func(radio.EnableResult)) {
	a.EnableRequests++
	a.pendingEnable = done
}

// AnswerEnable delivers the result of the outstanding RequestEnable.
func (a *Adapter) AnswerEnable(res radio.EnableResult) {
	done := a.pendingEnable
	if done == nil {
		panic("AnswerEnable: no power-on request outstanding")
	}
	a.pendingEnable = nil
	done(res)
}

// SetPower changes the power state and notifies the observer. Going off
// ends an active scan after the observer has run, as a real HCI device does.
func (a *Adapter) SetPower(state radio.PowerState) {
	a.State = state
	if a.observer != nil {
		a.observer(state)
	}
	if state == radio.PowerOff && a.Scanning {
		a.EndScan(ErrPowerLost)
	}
}

func (a *Adapter) Enable() bool {
	if a.RefuseEnable {
		return false
	}
	a.EnableCalls++
	if a.AutoPower {
		a.SetPower(radio.PowerTurningOn)
		a.SetPower(radio.PowerOn)
	}
	return true
}

func (a *Adapter) Disable() bool {
	if a.RefuseDisable {
		return false
	}
	a.DisableCalls++
	if a.AutoPower {
		a.SetPower(radio.PowerTurningOff)
		a.SetPower(radio.PowerOff)
	}
	return true
}

func (a *Adapter) StartScan(fn func(radio.ScanRecord), ended func(error)) bool {
	if a.RefuseScan {
		return false
	}
	a.ScanStarts++
	a.Scanning = true
	a.scanFn = fn
	a.scanEnded = ended
	return true
}

func (a *Adapter) StopScan() {
	a.ScanStops++
	a.Scanning = false
	a.scanFn = nil
	a.scanEnded = nil
}

// EndScan stops the active scan from the radio side and reports err.
func (a *Adapter) EndScan(err error) {
	ended := a.scanEnded
	a.Scanning = false
	a.scanFn = nil
	a.scanEnded = nil
	if ended != nil {
		ended(err)
	}
}

// Advertise delivers rec to the active scan, if any.
func (a *Adapter) Advertise(rec radio.ScanRecord) {
	if a.scanFn != nil {
		a.scanFn(rec)
	}
}

func (a *Adapter) Connect(address string, cb radio.GattCallback) (radio.Gatt, error) {
	if a.ConnectErr != nil {
		return nil, a.ConnectErr
	}
	g := &Gatt{
		Address:  address,
		cb:       cb,
		profile:  a.Profiles[address],
		Refuse:   make(map[string]bool),
		Notifies: make(map[int]bool),
	}
	a.Gatts = append(a.Gatts, g)
	return g, nil
}

// LastGatt returns the most recent connection.
func (a *Adapter) LastGatt() *Gatt {
	if len(a.Gatts) == 0 {
		return nil
	}
	return a.Gatts[len(a.Gatts)-1]
}

// Gatt is a fake radio.Gatt. Calls records every accepted request.
type Gatt struct {
	Address  string
	Calls    []string
	Refuse   map[string]bool
	Notifies map[int]bool
	Closed   bool
	Written  [][]byte

	cb         radio.GattCallback
	profile    []*Service
	discovered bool
}

func (g *Gatt) record(call string) bool {
	if g.Refuse[call] {
		return false
	}
	g.Calls = append(g.Calls, call)
	return true
}

func (g *Gatt) DiscoverServices() bool {
	return g.record("discoverServices")
}

func (g *Gatt) Services() []radio.Service {
	if !g.discovered {
		return nil
	}
	out := make([]radio.Service, len(g.profile))
	for i, s := range g.profile {
		out[i] = s
	}
	return out
}

func (g *Gatt) ReadCharacteristic(c radio.Characteristic) bool {
	return g.record("readCharacteristic:" + c.UUID())
}

func (g *Gatt) WriteCharacteristic(c radio.Characteristic, value []byte) bool {
	if !g.record("writeCharacteristic:" + c.UUID()) {
		return false
	}
	g.Written = append(g.Written, value)
	return true
}

func (g *Gatt) ReadDescriptor(d radio.Descriptor) bool {
	return g.record("readDescriptor:" + d.UUID())
}

func (g *Gatt) WriteDescriptor(d radio.Descriptor, value []byte) bool {
	if !g.record("writeDescriptor:" + d.UUID()) {
		return false
	}
	g.Written = append(g.Written, value)
	return true
}

func (g *Gatt) SetCharacteristicNotification(c radio.Characteristic, enable bool) bool {
	if !g.record(fmt.Sprintf("setNotification:%s:%t", c.UUID(), enable)) {
		return false
	}
	g.Notifies[c.InstanceID()] = enable
	return true
}

func (g *Gatt) ReadRemoteRSSI() bool {
	return g.record("readRSSI")
}

func (g *Gatt) Close() {
	g.Closed = true
}

// Connected reports a successful connection.
func (g *Gatt) Connected() {
	g.cb.OnConnectionStateChange(radio.StatusSuccess, radio.StateConnected)
}

// StateChange reports an arbitrary connection state change.
func (g *Gatt) StateChange(status radio.Status, state radio.ConnectionState) {
	g.cb.OnConnectionStateChange(status, state)
}

// FinishDiscovery completes a pending service discovery.
func (g *Gatt) FinishDiscovery(status radio.Status) {
	g.discovered = status == radio.StatusSuccess
	g.cb.OnServicesDiscovered(status)
}

// FinishRead completes a pending characteristic read.
func (g *Gatt) FinishRead(c radio.Characteristic, value []byte, status radio.Status) {
	g.cb.OnCharacteristicRead(c, value, status)
}

// FinishWrite completes a pending characteristic write.
func (g *Gatt) FinishWrite(c radio.Characteristic, status radio.Status) {
	g.cb.OnCharacteristicWrite(c, status)
}

// FinishDescriptorRead completes a pending descriptor read.
func (g *Gatt) FinishDescriptorRead(d radio.Descriptor, value []byte, status radio.Status) {
	g.cb.OnDescriptorRead(d, value, status)
}

// FinishDescriptorWrite completes a pending descriptor write.
func (g *Gatt) FinishDescriptorWrite(d radio.Descriptor, status radio.Status) {
	g.cb.OnDescriptorWrite(d, status)
}

// FinishRSSI completes a pending RSSI read.
func (g *Gatt) FinishRSSI(rssi int, status radio.Status) {
	g.cb.OnReadRemoteRSSI(rssi, status)
}

// Notify delivers a value-changed event.
func (g *Gatt) Notify(c radio.Characteristic, value []byte) {
	g.cb.OnCharacteristicChanged(c, value)
}
