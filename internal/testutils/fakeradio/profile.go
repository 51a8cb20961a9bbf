package fakeradio

import (
	"github.com/mcuadros/go-defaults"

	"github.com/srg/blegate/internal/radio"
)

// Service is an in-memory radio.Service.
type Service struct {
	ID    string
	Kind  int
	Chars []*Characteristic
}

func (s *Service) UUID() string { return s.ID }
func (s *Service) Type() int    { return s.Kind }

func (s *Service) Characteristics() []radio.Characteristic {
	out := make([]radio.Characteristic, len(s.Chars))
	for i, c := range s.Chars {
		out[i] = c
	}
	return out
}

// Characteristic is an in-memory radio.Characteristic.
type Characteristic struct {
	ID       string
	Instance int
	Perms    int
	Props    int
	WType    int
	Descs    []*Descriptor
}

func (c *Characteristic) UUID() string     { return c.ID }
func (c *Characteristic) InstanceID() int  { return c.Instance }
func (c *Characteristic) Permissions() int { return c.Perms }
func (c *Characteristic) Properties() int  { return c.Props }
func (c *Characteristic) WriteType() int   { return c.WType }

func (c *Characteristic) Descriptors() []radio.Descriptor {
	out := make([]radio.Descriptor, len(c.Descs))
	for i, d := range c.Descs {
		out[i] = d
	}
	return out
}

// Descriptor is an in-memory radio.Descriptor.
type Descriptor struct {
	ID    string
	Perms int
}

func (d *Descriptor) UUID() string     { return d.ID }
func (d *Descriptor) Permissions() int { return d.Perms }

// CharacteristicOptions configures characteristics added by ProfileBuilder.
type CharacteristicOptions struct {
	Permissions int `default:"0"`
	WriteType   int `default:"2"`
}

// ProfileBuilder assembles a GATT profile for a fake peripheral.
type ProfileBuilder struct {
	services []*Service
	instance int
}

// NewProfile creates an empty profile builder.
func NewProfile() *ProfileBuilder {
	return &ProfileBuilder{}
}

// WithService adds a primary service.
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.services = append(b.services, &Service{ID: uuid, Kind: radio.ServicePrimary})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
func (b *ProfileBuilder) WithCharacteristic(uuid string, properties int, opts ...CharacteristicOptions) *ProfileBuilder {
	if len(b.services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	var o CharacteristicOptions
	if len(opts) > 0 {
		o = opts[0]
	} else {
		defaults.SetDefaults(&o)
	}
	b.instance++
	svc := b.services[len(b.services)-1]
	svc.Chars = append(svc.Chars, &Characteristic{
		ID:       uuid,
		Instance: b.instance,
		Perms:    o.Permissions,
		Props:    properties,
		WType:    o.WriteType,
	})
	return b
}

// WithDescriptor adds a descriptor to the last added characteristic.
func (b *ProfileBuilder) WithDescriptor(uuid string) *ProfileBuilder {
	if len(b.services) == 0 || len(b.services[len(b.services)-1].Chars) == 0 {
		panic("WithDescriptor: no characteristic added yet, call WithCharacteristic first")
	}
	chars := b.services[len(b.services)-1].Chars
	c := chars[len(chars)-1]
	c.Descs = append(c.Descs, &Descriptor{ID: uuid})
	return b
}

// Build returns the services in insertion order.
func (b *ProfileBuilder) Build() []*Service {
	return b.services
}
