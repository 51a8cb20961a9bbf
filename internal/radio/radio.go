// Package radio describes the asynchronous BLE stack the scheduler drives.
//
// Every call that starts radio work returns false when the stack refuses it
// synchronously; otherwise exactly one completion arrives later through the
// connection's GattCallback. Implementations deliver callbacks on the
// dispatcher supplied at construction so that callers observe them on a
// single goroutine.
package radio

import "fmt"

// PowerState is the adapter power state.
type PowerState int

const (
	PowerOff PowerState = iota
	PowerTurningOn
	PowerOn
	PowerTurningOff
)

func (s PowerState) String() string {
	switch s {
	case PowerOff:
		return "off"
	case PowerTurningOn:
		return "turning-on"
	case PowerOn:
		return "on"
	case PowerTurningOff:
		return "turning-off"
	default:
		return fmt.Sprintf("power(%d)", int(s))
	}
}

// Status is a raw completion status from the stack. Zero is success; every
// other value is passed to callers verbatim.
type Status int

const (
	StatusSuccess             Status = 0x00
	StatusReadNotPermitted    Status = 0x02
	StatusWriteNotPermitted   Status = 0x03
	StatusInsufficientAuth    Status = 0x05
	StatusRequestNotSupported Status = 0x06
	StatusInvalidOffset       Status = 0x07
	StatusInvalidAttrLength   Status = 0x0d
	StatusInsufficientEncrypt Status = 0x0f
	StatusGattError           Status = 0x85
	StatusConnectionCongested Status = 0x8f
	StatusFailure             Status = 0x101
)

// ConnectionState follows the values scripts already understand.
type ConnectionState int

const (
	StateDisconnected  ConnectionState = 0
	StateConnecting    ConnectionState = 1
	StateConnected     ConnectionState = 2
	StateDisconnecting ConnectionState = 3
)

// Characteristic property bits.
const (
	PropBroadcast       = 0x01
	PropRead            = 0x02
	PropWriteNoResponse = 0x04
	PropWrite           = 0x08
	PropNotify          = 0x10
	PropIndicate        = 0x20
	PropSignedWrite     = 0x40
	PropExtended        = 0x80
)

// Write types reported with characteristics.
const (
	WriteTypeNoResponse = 1
	WriteTypeDefault    = 2
	WriteTypeSigned     = 4
)

// Service types.
const (
	ServicePrimary   = 0
	ServiceSecondary = 1
)

// ScanRecord is one advertisement observed while scanning.
type ScanRecord struct {
	Address string
	RSSI    int
	Name    string
	Payload []byte
}

// Service is a discovered GATT service.
type Service interface {
	UUID() string
	Type() int
	Characteristics() []Characteristic
}

// Characteristic is a discovered GATT characteristic. InstanceID is stable
// for the life of the connection and distinguishes characteristics that share
// a UUID.
type Characteristic interface {
	UUID() string
	InstanceID() int
	Permissions() int
	Properties() int
	WriteType() int
	Descriptors() []Descriptor
}

// Descriptor is a discovered GATT descriptor.
type Descriptor interface {
	UUID() string
	Permissions() int
}

// GattCallback receives the asynchronous completions of one connection.
type GattCallback interface {
	OnConnectionStateChange(status Status, state ConnectionState)
	OnServicesDiscovered(status Status)
	OnCharacteristicRead(c Characteristic, value []byte, status Status)
	OnCharacteristicWrite(c Characteristic, status Status)
	OnDescriptorRead(d Descriptor, value []byte, status Status)
	OnDescriptorWrite(d Descriptor, status Status)
	OnCharacteristicChanged(c Characteristic, value []byte)
	OnReadRemoteRSSI(rssi int, status Status)
}

// Gatt is one native connection.
type Gatt interface {
	DiscoverServices() bool
	// Services returns the result of the last successful discovery in stack order.
	Services() []Service
	ReadCharacteristic(c Characteristic) bool
	WriteCharacteristic(c Characteristic, value []byte) bool
	ReadDescriptor(d Descriptor) bool
	WriteDescriptor(d Descriptor, value []byte) bool
	SetCharacteristicNotification(c Characteristic, enable bool) bool
	ReadRemoteRSSI() bool
	// Close releases the native connection. No callbacks follow.
	Close()
}

// EnableOutcome is the user or system answer to a power-on request.
type EnableOutcome int

const (
	EnableOK EnableOutcome = iota
	EnableCanceled
	EnableFailed
)

// EnableResult carries the outcome of RequestEnable. Code is set for EnableFailed.
type EnableResult struct {
	Outcome EnableOutcome
	Code    int
}

// Adapter is the local radio.
type Adapter interface {
	PowerState() PowerState
	// SetPowerObserver registers fn for every observed power transition.
	SetPowerObserver(fn func(PowerState))
	// RequestEnable asks the system to power the radio on; done is called once.
	RequestEnable(done func(EnableResult))
	// Enable and Disable toggle power directly; false means the request was refused.
	Enable() bool
	Disable() bool
	// StartScan delivers advertisements to fn. If the scan stops for any
	// reason other than StopScan (power loss, driver error), ended is called
	// once with the cause.
	StartScan(fn func(ScanRecord), ended func(error)) bool
	StopScan()
	// Connect starts connecting to address. The returned Gatt exists immediately;
	// the outcome arrives through cb.OnConnectionStateChange.
	Connect(address string, cb GattCallback) (Gatt, error)
}

// Dispatcher runs fn on the callback goroutine.
type Dispatcher func(fn func())
