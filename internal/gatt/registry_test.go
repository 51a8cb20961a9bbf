package gatt_test

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blegate/internal/blerr"
	"github.com/srg/blegate/internal/gatt"
	"github.com/srg/blegate/internal/power"
	"github.com/srg/blegate/internal/radio"
	"github.com/srg/blegate/internal/testutils/fakeradio"
)

const heartRateAddr = "AA:BB:CC:DD:EE:FF"

type stateEvent struct {
	conn  int
	state radio.ConnectionState
	err   error
}

type RegistrySuite struct {
	suite.Suite
	adapter  *fakeradio.Adapter
	power    *power.Coordinator
	registry *gatt.Registry
	states   []stateEvent
}

func (s *RegistrySuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s.adapter = fakeradio.NewAdapter(radio.PowerOn)
	s.adapter.Profiles[heartRateAddr] = fakeradio.NewProfile().
		WithService("180D").
		WithCharacteristic("2A37", radio.PropNotify).
		WithDescriptor("2902").
		WithCharacteristic("2A38", radio.PropRead).
		Build()
	s.power = power.NewCoordinator(s.adapter, logger)
	s.registry = gatt.NewRegistry(s.adapter, s.power, logger)
	s.power.SetScanStopper(s.registry.StopScan)
	s.states = nil
}

func (s *RegistrySuite) onState(conn int, state radio.ConnectionState, err error) {
	s.states = append(s.states, stateEvent{conn, state, err})
}

// connect opens heartRateAddr, reports it connected and discovers its services.
func (s *RegistrySuite) connect() (int, *gatt.Session, *fakeradio.Gatt) {
	h, err := s.registry.Open(heartRateAddr, s.onState)
	s.Require().NoError(err)
	g := s.adapter.LastGatt()
	s.Require().NotNil(g)
	g.Connected()

	sess, err := s.registry.Resolve(h)
	s.Require().NoError(err)

	var services []gatt.ServiceInfo
	sess.DiscoverServices(func(list []gatt.ServiceInfo, err error) {
		s.Require().NoError(err)
		services = list
	})
	g.FinishDiscovery(radio.StatusSuccess)
	s.Require().Len(services, 1)
	return h, sess, g
}

func (s *RegistrySuite) char(g *fakeradio.Gatt, i int) *fakeradio.Characteristic {
	return s.adapter.Profiles[g.Address][0].Chars[i]
}

func (s *RegistrySuite) TestHeartRateNotificationScenario() {
	// GOAL: Verify handle numbering and persistent notification delivery end to end
	//
	// TEST SCENARIO: open → 1, discover → service 1, enumerate → char 2, notify [0x06,0x50] → delivered, no handle consumed

	h, err := s.registry.Open(heartRateAddr, s.onState)
	s.Require().NoError(err)
	s.Equal(1, h)

	g := s.adapter.LastGatt()
	g.Connected()
	s.Require().Len(s.states, 1)
	s.Equal(stateEvent{1, radio.StateConnected, nil}, s.states[0])

	sess, err := s.registry.Resolve(h)
	s.Require().NoError(err)

	var services []gatt.ServiceInfo
	sess.DiscoverServices(func(list []gatt.ServiceInfo, err error) {
		s.NoError(err)
		services = list
	})
	g.FinishDiscovery(radio.StatusSuccess)
	s.Equal([]gatt.ServiceInfo{{Handle: 1, UUID: "180D", Type: radio.ServicePrimary}}, services)

	chars, err := sess.Characteristics(1)
	s.Require().NoError(err)
	s.Require().Len(chars, 2)
	s.Equal(2, chars[0].Handle)
	s.Equal("2A37", chars[0].UUID)
	s.Equal(radio.PropNotify, chars[0].Properties)
	s.Equal(3, chars[1].Handle)

	var received [][]byte
	s.Require().NoError(sess.EnableNotification(2, func(v []byte) { received = append(received, v) }))
	s.True(g.Notifies[s.char(g, 0).Instance])

	g.Notify(s.char(g, 0), []byte{0x06, 0x50})
	g.Notify(s.char(g, 0), []byte{0x06, 0x51})
	s.Equal([][]byte{{0x06, 0x50}, {0x06, 0x51}}, received)

	descs, err := sess.Descriptors(2)
	s.Require().NoError(err)
	s.Equal([]gatt.DescriptorInfo{{Handle: 4, UUID: "2902"}}, descs, "notifications must not consume handles")
}

func (s *RegistrySuite) TestResubscribeThroughNewerHandleDropsOlderSubscriber() {
	// GOAL: Verify a characteristic enumerated twice keeps a single live subscriber
	//
	// TEST SCENARIO: enumerate → 2; enumerate again → 4; subscribe 2 then 4 → only 4 receives; disable 2 → 4 still receives

	_, sess, g := s.connect()
	first, err := sess.Characteristics(1)
	s.Require().NoError(err)
	second, err := sess.Characteristics(1)
	s.Require().NoError(err)
	older, newer := first[0].Handle, second[0].Handle
	s.Require().NotEqual(older, newer)

	var viaOlder, viaNewer [][]byte
	s.Require().NoError(sess.EnableNotification(older, func(v []byte) { viaOlder = append(viaOlder, v) }))
	s.Require().NoError(sess.EnableNotification(newer, func(v []byte) { viaNewer = append(viaNewer, v) }))

	g.Notify(s.char(g, 0), []byte{0x06, 0x50})
	s.Empty(viaOlder, "older handle's subscriber is dropped")
	s.Equal([][]byte{{0x06, 0x50}}, viaNewer)

	s.Require().NoError(sess.DisableNotification(older))
	s.True(g.Notifies[s.char(g, 0).Instance], "disabling a replaced handle leaves the stack flag set")
	g.Notify(s.char(g, 0), []byte{0x06, 0x51})
	s.Empty(viaOlder)
	s.Equal([][]byte{{0x06, 0x50}, {0x06, 0x51}}, viaNewer)
}

func (s *RegistrySuite) TestRefusedSubscribeKeepsExistingSubscriber() {
	// GOAL: Verify a subscription the stack refuses leaves the current subscriber in place
	//
	// TEST SCENARIO: subscribe 2 → re-enumerate → stack refuses subscribe on 4 → 2 still receives

	_, sess, g := s.connect()
	first, err := sess.Characteristics(1)
	s.Require().NoError(err)
	var got [][]byte
	s.Require().NoError(sess.EnableNotification(first[0].Handle, func(v []byte) { got = append(got, v) }))

	second, err := sess.Characteristics(1)
	s.Require().NoError(err)
	g.Refuse["setNotification:2A37:true"] = true
	err = sess.EnableNotification(second[0].Handle, func([]byte) { s.Fail("refused subscriber called") })
	s.True(errors.Is(err, blerr.ErrOperationRejected))

	g.Notify(s.char(g, 0), []byte{0x01})
	s.Equal([][]byte{{0x01}}, got)
}

func (s *RegistrySuite) TestQueuedReadWaitsForPrevious() {
	// GOAL: Verify a second read is queued, not executed, until the first completes
	//
	// TEST SCENARIO: read(2) then read(3) → only 2A37 issued; finish it → 2A38 issued; responses in order

	_, sess, g := s.connect()
	_, err := sess.Characteristics(1)
	s.Require().NoError(err)

	var order []string
	s.Require().NoError(sess.ReadCharacteristic(2, func(v []byte, err error) {
		s.NoError(err)
		order = append(order, "2A37:"+string(v))
	}))
	s.Require().NoError(sess.ReadCharacteristic(3, func(v []byte, err error) {
		s.NoError(err)
		order = append(order, "2A38:"+string(v))
	}))

	s.Equal([]string{"discoverServices", "readCharacteristic:2A37"}, g.Calls)
	s.Equal(1, sess.QueueLen())

	g.FinishRead(s.char(g, 0), []byte("a"), radio.StatusSuccess)
	s.Equal([]string{"discoverServices", "readCharacteristic:2A37", "readCharacteristic:2A38"}, g.Calls)

	g.FinishRead(s.char(g, 1), []byte("b"), radio.StatusSuccess)
	s.Equal([]string{"2A37:a", "2A38:b"}, order)
}

func (s *RegistrySuite) TestRejectedWriteDoesNotStallQueue() {
	// GOAL: Verify a synchronously refused write reports OperationRejected and the queue keeps draining
	//
	// TEST SCENARIO: stack refuses write → caller gets OperationRejected immediately; queued read still runs

	_, sess, g := s.connect()
	_, err := sess.Characteristics(1)
	s.Require().NoError(err)
	g.Refuse["writeCharacteristic:2A37"] = true

	var writeErr error
	s.Require().NoError(sess.WriteCharacteristic(2, []byte{0x01}, func(err error) { writeErr = err }))
	s.True(errors.Is(writeErr, blerr.ErrOperationRejected))

	var readValue []byte
	s.Require().NoError(sess.ReadCharacteristic(3, func(v []byte, err error) {
		s.NoError(err)
		readValue = v
	}))
	s.Contains(g.Calls, "readCharacteristic:2A38")
	g.FinishRead(s.char(g, 1), []byte{0x2a}, radio.StatusSuccess)
	s.Equal([]byte{0x2a}, readValue)
}

func (s *RegistrySuite) TestStackFailureStatusIsVerbatim() {
	_, sess, g := s.connect()
	_, err := sess.Characteristics(1)
	s.Require().NoError(err)

	var got error
	s.Require().NoError(sess.WriteCharacteristic(2, []byte{1, 2}, func(err error) { got = err }))
	g.FinishWrite(s.char(g, 0), radio.StatusWriteNotPermitted)

	s.True(errors.Is(got, blerr.ErrStackFailure))
	s.Equal(int(radio.StatusWriteNotPermitted), blerr.CodeOf(got))
}

func (s *RegistrySuite) TestWritePayloadIsCopied() {
	_, sess, g := s.connect()
	_, err := sess.Characteristics(1)
	s.Require().NoError(err)

	// occupy the queue so the write is deferred
	s.Require().NoError(sess.ReadCharacteristic(3, func([]byte, error) {}))
	payload := []byte{1, 2, 3}
	s.Require().NoError(sess.WriteCharacteristic(2, payload, func(error) {}))
	payload[0] = 9

	g.FinishRead(s.char(g, 1), nil, radio.StatusSuccess)
	s.Require().Len(g.Written, 1)
	s.Equal([]byte{1, 2, 3}, g.Written[0])
}

func (s *RegistrySuite) TestRSSISingleSlot() {
	// GOAL: Verify only one RSSI read may be outstanding and it bypasses the queue
	//
	// TEST SCENARIO: queue busy with a read; first RSSI issued; second RSSI → Busy; queue unaffected

	_, sess, g := s.connect()
	_, err := sess.Characteristics(1)
	s.Require().NoError(err)
	s.Require().NoError(sess.ReadCharacteristic(2, func([]byte, error) {}))

	var rssi int
	s.Require().NoError(sess.ReadRSSI(func(v int, err error) {
		s.NoError(err)
		rssi = v
	}))
	err = sess.ReadRSSI(func(int, error) { s.Fail("second RSSI callback must not run") })
	s.True(errors.Is(err, blerr.ErrBusy))

	s.Contains(g.Calls, "readRSSI")
	g.FinishRSSI(-61, radio.StatusSuccess)
	s.Equal(-61, rssi)

	s.NoError(sess.ReadRSSI(func(int, error) {}), "slot is free after completion")
	s.Equal(0, sess.QueueLen())
}

func (s *RegistrySuite) TestHandlesAreNeverReused() {
	h1, err := s.registry.Open(heartRateAddr, s.onState)
	s.Require().NoError(err)
	s.Require().NoError(s.registry.Close(h1))

	h2, err := s.registry.Open(heartRateAddr, s.onState)
	s.Require().NoError(err)
	s.NotEqual(h1, h2)

	_, err = s.registry.Resolve(h1)
	s.True(errors.Is(err, blerr.ErrNotFound))
	s.True(s.adapter.Gatts[0].Closed)
}

func (s *RegistrySuite) TestUnknownHandles() {
	_, err := s.registry.Resolve(99)
	s.True(errors.Is(err, blerr.ErrNotFound))
	s.True(errors.Is(s.registry.Close(99), blerr.ErrNotFound))

	_, sess, _ := s.connect()
	_, err = sess.Characteristics(42)
	s.True(errors.Is(err, blerr.ErrNotFound))
	_, err = sess.Descriptors(1)
	s.True(errors.Is(err, blerr.ErrNotFound), "service handle is not a characteristic handle")
	s.True(errors.Is(sess.ReadCharacteristic(7, func([]byte, error) {}), blerr.ErrNotFound))
	s.True(errors.Is(sess.WriteDescriptor(7, nil, func(error) {}), blerr.ErrNotFound))
	s.True(errors.Is(sess.EnableNotification(7, func([]byte) {}), blerr.ErrNotFound))
}

func (s *RegistrySuite) TestOperationsQueuedBeforeConnect() {
	// GOAL: Verify the handle is usable before the connection completes
	//
	// TEST SCENARIO: discover queued before connect → nothing issued; connected → discovery starts

	h, err := s.registry.Open(heartRateAddr, s.onState)
	s.Require().NoError(err)
	sess, err := s.registry.Resolve(h)
	s.Require().NoError(err)

	done := false
	sess.DiscoverServices(func(_ []gatt.ServiceInfo, err error) {
		s.NoError(err)
		done = true
	})
	g := s.adapter.LastGatt()
	s.Empty(g.Calls)

	g.Connected()
	s.Equal([]string{"discoverServices"}, g.Calls)
	g.FinishDiscovery(radio.StatusSuccess)
	s.True(done)
}

func (s *RegistrySuite) TestCloseFailsOutstandingWithConnectionClosed() {
	h, sess, g := s.connect()
	_, err := sess.Characteristics(1)
	s.Require().NoError(err)

	var errs []error
	s.Require().NoError(sess.ReadCharacteristic(2, func(_ []byte, err error) { errs = append(errs, err) }))
	s.Require().NoError(sess.ReadCharacteristic(3, func(_ []byte, err error) { errs = append(errs, err) }))
	s.Require().NoError(sess.ReadRSSI(func(_ int, err error) { errs = append(errs, err) }))

	s.Require().NoError(s.registry.Close(h))

	s.Require().Len(errs, 3)
	for _, err := range errs {
		s.True(errors.Is(err, blerr.ErrConnectionClosed), "got %v", err)
	}
	s.True(g.Closed)

	// late completions from the stack are ignored
	g.FinishRead(s.char(g, 0), []byte{1}, radio.StatusSuccess)
	s.Len(errs, 3)
}

func (s *RegistrySuite) TestFatalConnectStatusRetiresHandle() {
	h, err := s.registry.Open(heartRateAddr, s.onState)
	s.Require().NoError(err)
	g := s.adapter.LastGatt()

	g.StateChange(radio.StatusGattError, radio.StateDisconnected)

	s.Require().Len(s.states, 1)
	s.True(errors.Is(s.states[0].err, blerr.ErrStackFailure))
	s.Equal(int(radio.StatusGattError), blerr.CodeOf(s.states[0].err))
	_, err = s.registry.Resolve(h)
	s.True(errors.Is(err, blerr.ErrNotFound))
	s.True(g.Closed)
}

func (s *RegistrySuite) TestCleanDisconnectRejectsQueuedOperations() {
	// GOAL: Verify operations submitted after the peer drops fail instead of waiting forever
	//
	// TEST SCENARIO: connected → Disconnected(success) → read/write/discover → each callback gets OperationRejected; reconnect → reads run again

	h, sess, g := s.connect()
	_, err := sess.Characteristics(1)
	s.Require().NoError(err)

	g.StateChange(radio.StatusSuccess, radio.StateDisconnected)
	s.Equal(stateEvent{h, radio.StateDisconnected, nil}, s.states[len(s.states)-1])

	var errs []error
	s.Require().NoError(sess.ReadCharacteristic(3, func(_ []byte, err error) { errs = append(errs, err) }))
	s.Require().NoError(sess.WriteCharacteristic(2, []byte{1}, func(err error) { errs = append(errs, err) }))
	sess.DiscoverServices(func(_ []gatt.ServiceInfo, err error) { errs = append(errs, err) })

	s.Require().Len(errs, 3, "every submission must be answered")
	for _, err := range errs {
		s.True(errors.Is(err, blerr.ErrOperationRejected), "got %v", err)
		s.Contains(err.Error(), "not connected")
	}
	s.Equal(0, sess.QueueLen())

	rssiErr := sess.ReadRSSI(func(int, error) {})
	s.True(errors.Is(rssiErr, blerr.ErrOperationRejected), "RSSI rejects the same way")

	_, err = s.registry.Resolve(h)
	s.NoError(err, "the handle lives until Close")

	g.Connected()
	calls := len(g.Calls)
	s.Require().NoError(sess.ReadCharacteristic(3, func([]byte, error) {}))
	s.Require().Len(g.Calls, calls+1)
	s.Contains(g.Calls[calls], "readCharacteristic")
}

func (s *RegistrySuite) TestConnectWaitsForPower() {
	// GOAL: Verify connect is held behind power-on and fails with the power error when refused
	//
	// TEST SCENARIO: adapter off → open returns handle, no connect; power-on canceled → state error, handle retired

	s.adapter.SetPower(radio.PowerOff)

	h, err := s.registry.Open(heartRateAddr, s.onState)
	s.Require().NoError(err)
	s.Empty(s.adapter.Gatts)
	s.Equal(1, s.adapter.EnableRequests)

	s.adapter.AnswerEnable(radio.EnableResult{Outcome: radio.EnableCanceled})

	s.Require().Len(s.states, 1)
	s.True(errors.Is(s.states[0].err, blerr.ErrPowerOnCanceled))
	_, err = s.registry.Resolve(h)
	s.True(errors.Is(err, blerr.ErrNotFound))
}

func (s *RegistrySuite) TestScanRouting() {
	var first, second []string
	s.registry.StartScan(func(r radio.ScanRecord) { first = append(first, r.Address) }, func(err error) { s.NoError(err) })
	s.True(s.registry.Scanning())

	s.adapter.Advertise(radio.ScanRecord{Address: "11:22:33:44:55:66", RSSI: -40})

	s.registry.StartScan(func(r radio.ScanRecord) { second = append(second, r.Address) }, func(err error) { s.NoError(err) })
	s.adapter.Advertise(radio.ScanRecord{Address: "11:22:33:44:55:77", RSSI: -41})

	s.Equal([]string{"11:22:33:44:55:66"}, first)
	s.Equal([]string{"11:22:33:44:55:77"}, second)
	s.Equal(1, s.adapter.ScanStarts, "a running scan is rerouted, not restarted")

	s.registry.StopScan()
	s.False(s.adapter.Scanning)
	s.registry.StopScan()
	s.Equal(1, s.adapter.ScanStops)
}

func (s *RegistrySuite) TestScanRestartsAfterPowerLoss() {
	// GOAL: Verify a scan the radio drops on power loss is reported and can be started again
	//
	// TEST SCENARIO: scan → power off → onError with StackFailure, not scanning → power on → scan → radio started twice

	var errs []error
	s.registry.StartScan(func(radio.ScanRecord) {}, func(err error) { errs = append(errs, err) })
	s.Require().True(s.adapter.Scanning)

	s.adapter.SetPower(radio.PowerOff)

	s.False(s.registry.Scanning())
	s.Require().Len(errs, 1)
	s.True(errors.Is(errs[0], blerr.ErrStackFailure))
	s.ErrorIs(errs[0], fakeradio.ErrPowerLost)

	s.adapter.SetPower(radio.PowerOn)

	var seen []string
	s.registry.StartScan(func(r radio.ScanRecord) { seen = append(seen, r.Address) }, func(err error) { s.NoError(err) })
	s.True(s.registry.Scanning())
	s.Equal(2, s.adapter.ScanStarts)

	s.adapter.Advertise(radio.ScanRecord{Address: "11:22:33:44:55:66"})
	s.Equal([]string{"11:22:33:44:55:66"}, seen)
	s.Len(errs, 1)
}

func (s *RegistrySuite) TestStopScanSilencesRadioEnd() {
	// GOAL: Verify a scan stopped by the caller reports nothing when the radio later ends
	//
	// TEST SCENARIO: scan → stop → radio end → no error
	s.registry.StartScan(func(radio.ScanRecord) {}, func(err error) { s.Fail("unexpected scan error", err) })
	s.registry.StopScan()
	s.adapter.EndScan(errors.New("late"))
	s.False(s.registry.Scanning())
}

func (s *RegistrySuite) TestCloseAll() {
	s.registry.StartScan(func(radio.ScanRecord) {}, func(error) {})
	_, err := s.registry.Open(heartRateAddr, s.onState)
	s.Require().NoError(err)
	_, err = s.registry.Open(heartRateAddr, s.onState)
	s.Require().NoError(err)

	s.registry.CloseAll()

	s.Equal(0, s.registry.Len())
	s.False(s.registry.Scanning())
	for _, g := range s.adapter.Gatts {
		s.True(g.Closed)
	}
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}
