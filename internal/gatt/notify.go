package gatt

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/internal/blerr"
	"github.com/srg/blegate/internal/radio"
)

// EnableNotification subscribes fn to value changes of the characteristic
// behind charHandle. It bypasses the operation queue. fn keeps receiving
// values until DisableNotification or close. Enabling again replaces fn.
// A characteristic reached through a handle from an earlier discovery has
// one subscriber: subscribing through the newer handle drops the older one.
func (s *Session) EnableNotification(charHandle int, fn func(value []byte)) error {
	c, err := s.chars.Resolve(charHandle)
	if err != nil {
		return err
	}
	if !s.ready {
		return blerr.New(blerr.OperationRejected, "enableNotification", "not connected")
	}

	if !s.gatt.SetCharacteristicNotification(c, true) {
		return blerr.Rejected("enableNotification")
	}

	if prev, ok := s.notifyIndex[c.InstanceID()]; ok && prev != charHandle {
		delete(s.subscribers, prev)
		s.logger.WithFields(logrus.Fields{
			"char_handle": charHandle,
			"replaced":    prev,
		}).Debug("Dropping subscriber of an earlier handle")
	}
	s.subscribers[charHandle] = fn
	s.notifyIndex[c.InstanceID()] = charHandle
	s.logger.WithField("char_handle", charHandle).Debug("Notifications enabled")
	return nil
}

// DisableNotification removes the subscription and clears the stack flag.
// The flag is left alone when another handle now owns the subscription.
func (s *Session) DisableNotification(charHandle int) error {
	c, err := s.chars.Resolve(charHandle)
	if err != nil {
		return err
	}
	if owner, ok := s.notifyIndex[c.InstanceID()]; ok && owner != charHandle {
		return nil
	}
	s.unsubscribe(charHandle, c)
	if !s.ready {
		return nil
	}
	if !s.gatt.SetCharacteristicNotification(c, false) {
		return blerr.Rejected("disableNotification")
	}
	return nil
}

func (s *Session) unsubscribe(charHandle int, c radio.Characteristic) {
	delete(s.subscribers, charHandle)
	if s.notifyIndex[c.InstanceID()] == charHandle {
		delete(s.notifyIndex, c.InstanceID())
	}
}

// OnCharacteristicChanged implements radio.GattCallback.
func (s *Session) OnCharacteristicChanged(c radio.Characteristic, value []byte) {
	if s.closed {
		return
	}
	charHandle, ok := s.notifyIndex[c.InstanceID()]
	if !ok {
		s.logger.WithField("instance_id", c.InstanceID()).Debug("Dropping notification without subscriber")
		return
	}
	fn, ok := s.subscribers[charHandle]
	if !ok {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"char_handle": charHandle,
		"bytes":       len(value),
	}).Trace("Notification")
	fn(value)
}
