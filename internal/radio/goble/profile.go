package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/blegate/internal/radio"
)

// Characteristic permission bits reported to scripts. go-ble does not expose
// remote permissions, so they are derived from the properties.
const (
	PermissionRead  = 0x01
	PermissionWrite = 0x10
)

type service struct {
	svc   *ble.Service
	chars []radio.Characteristic
}

func (s *service) UUID() string                            { return FormatUUID(s.svc.UUID) }
func (s *service) Type() int                               { return radio.ServicePrimary }
func (s *service) Characteristics() []radio.Characteristic { return s.chars }

type characteristic struct {
	char     *ble.Characteristic
	instance int
	descs    []radio.Descriptor
}

func (c *characteristic) UUID() string                    { return FormatUUID(c.char.UUID) }
func (c *characteristic) InstanceID() int                 { return c.instance }
func (c *characteristic) Properties() int                 { return int(c.char.Property) }
func (c *characteristic) Descriptors() []radio.Descriptor { return c.descs }

func (c *characteristic) Permissions() int {
	perms := 0
	if c.char.Property&ble.CharRead != 0 {
		perms |= PermissionRead
	}
	if c.char.Property&(ble.CharWrite|ble.CharWriteNR|ble.CharSignedWrite) != 0 {
		perms |= PermissionWrite
	}
	return perms
}

func (c *characteristic) WriteType() int {
	switch {
	case c.char.Property&ble.CharWrite != 0:
		return radio.WriteTypeDefault
	case c.char.Property&ble.CharWriteNR != 0:
		return radio.WriteTypeNoResponse
	case c.char.Property&ble.CharSignedWrite != 0:
		return radio.WriteTypeSigned
	default:
		return radio.WriteTypeDefault
	}
}

// indicate reports whether subscriptions must use indications.
func (c *characteristic) indicate() bool {
	return c.char.Property&ble.CharNotify == 0 && c.char.Property&ble.CharIndicate != 0
}

func (c *characteristic) subscribable() bool {
	return c.char.Property&(ble.CharNotify|ble.CharIndicate) != 0
}

type descriptor struct {
	desc *ble.Descriptor
}

func (d *descriptor) UUID() string     { return FormatUUID(d.desc.UUID) }
func (d *descriptor) Permissions() int { return 0 }

// wrapProfile converts a discovered profile, numbering characteristics in
// discovery order. The numbers stay stable for the connection's lifetime.
func wrapProfile(p *ble.Profile, nextInstance *int) []radio.Service {
	out := make([]radio.Service, 0, len(p.Services))
	for _, s := range p.Services {
		svc := &service{svc: s, chars: make([]radio.Characteristic, 0, len(s.Characteristics))}
		for _, ch := range s.Characteristics {
			*nextInstance++
			c := &characteristic{char: ch, instance: *nextInstance}
			for _, d := range ch.Descriptors {
				c.descs = append(c.descs, &descriptor{desc: d})
			}
			svc.chars = append(svc.chars, c)
		}
		out = append(out, svc)
	}
	return out
}
