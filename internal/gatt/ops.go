package gatt

import (
	"bytes"

	"github.com/srg/blegate/internal/radio"
)

// ReadCharacteristic queues a read of the characteristic behind charHandle.
// An unknown handle fails synchronously; every other outcome reaches cb.
func (s *Session) ReadCharacteristic(charHandle int, cb func([]byte, error)) error {
	c, err := s.chars.Resolve(charHandle)
	if err != nil {
		return err
	}
	s.submitRead("readCharacteristic", func() bool { return s.gatt.ReadCharacteristic(c) }, cb)
	return nil
}

// ReadDescriptor queues a read of the descriptor behind descHandle.
func (s *Session) ReadDescriptor(descHandle int, cb func([]byte, error)) error {
	d, err := s.descs.Resolve(descHandle)
	if err != nil {
		return err
	}
	s.submitRead("readDescriptor", func() bool { return s.gatt.ReadDescriptor(d) }, cb)
	return nil
}

// WriteCharacteristic queues a write. value is copied before returning.
func (s *Session) WriteCharacteristic(charHandle int, value []byte, cb func(error)) error {
	c, err := s.chars.Resolve(charHandle)
	if err != nil {
		return err
	}
	payload := bytes.Clone(value)
	s.submitWrite("writeCharacteristic", func() bool { return s.gatt.WriteCharacteristic(c, payload) }, cb)
	return nil
}

// WriteDescriptor queues a descriptor write. value is copied before returning.
func (s *Session) WriteDescriptor(descHandle int, value []byte, cb func(error)) error {
	d, err := s.descs.Resolve(descHandle)
	if err != nil {
		return err
	}
	payload := bytes.Clone(value)
	s.submitWrite("writeDescriptor", func() bool { return s.gatt.WriteDescriptor(d, payload) }, cb)
	return nil
}

func (s *Session) submitRead(name string, start func() bool, cb func([]byte, error)) {
	s.queue.Enqueue(NewOperation(name, start,
		func(status radio.Status, payload []byte) {
			if err := statusError(name, status); err != nil {
				cb(nil, err)
				return
			}
			cb(payload, nil)
		},
		func(err error) { cb(nil, err) },
	))
	s.queue.Admit()
}

func (s *Session) submitWrite(name string, start func() bool, cb func(error)) {
	s.queue.Enqueue(NewOperation(name, start,
		func(status radio.Status, _ []byte) { cb(statusError(name, status)) },
		cb,
	))
	s.queue.Admit()
}
