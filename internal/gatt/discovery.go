package gatt

import (
	"github.com/srg/blegate/internal/radio"
)

// ServiceInfo describes a discovered service.
type ServiceInfo struct {
	Handle int    `json:"handle"`
	UUID   string `json:"uuid"`
	Type   int    `json:"type"`
}

// CharacteristicInfo describes an enumerated characteristic.
type CharacteristicInfo struct {
	Handle      int    `json:"handle"`
	UUID        string `json:"uuid"`
	Permissions int    `json:"permissions"`
	Properties  int    `json:"properties"`
	WriteType   int    `json:"writeType"`
}

// DescriptorInfo describes an enumerated descriptor.
type DescriptorInfo struct {
	Handle      int    `json:"handle"`
	UUID        string `json:"uuid"`
	Permissions int    `json:"permissions"`
}

// DiscoverServices queues service discovery. On success every service gets
// a handle, in stack order, and the whole list is delivered at once.
func (s *Session) DiscoverServices(cb func([]ServiceInfo, error)) {
	const name = "discoverServices"
	s.queue.Enqueue(NewOperation(name,
		func() bool { return s.gatt.DiscoverServices() },
		func(status radio.Status, _ []byte) {
			if err := statusError(name, status); err != nil {
				cb(nil, err)
				return
			}
			services := s.gatt.Services()
			out := make([]ServiceInfo, 0, len(services))
			for _, svc := range services {
				out = append(out, ServiceInfo{
					Handle: s.services.Allocate(svc),
					UUID:   svc.UUID(),
					Type:   svc.Type(),
				})
			}
			s.logger.WithField("services", len(out)).Debug("Services discovered")
			cb(out, nil)
		},
		func(err error) { cb(nil, err) },
	))
	s.queue.Admit()
}

// Characteristics enumerates the characteristics of a discovered service
// without touching the radio. Each call allocates fresh handles.
func (s *Session) Characteristics(serviceHandle int) ([]CharacteristicInfo, error) {
	svc, err := s.services.Resolve(serviceHandle)
	if err != nil {
		return nil, err
	}
	chars := svc.Characteristics()
	out := make([]CharacteristicInfo, 0, len(chars))
	for _, c := range chars {
		out = append(out, CharacteristicInfo{
			Handle:      s.chars.Allocate(c),
			UUID:        c.UUID(),
			Permissions: c.Permissions(),
			Properties:  c.Properties(),
			WriteType:   c.WriteType(),
		})
	}
	return out, nil
}

// Descriptors enumerates the descriptors of an enumerated characteristic.
func (s *Session) Descriptors(charHandle int) ([]DescriptorInfo, error) {
	c, err := s.chars.Resolve(charHandle)
	if err != nil {
		return nil, err
	}
	descs := c.Descriptors()
	out := make([]DescriptorInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, DescriptorInfo{
			Handle:      s.descs.Allocate(d),
			UUID:        d.UUID(),
			Permissions: d.Permissions(),
		})
	}
	return out, nil
}
