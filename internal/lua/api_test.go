package lua

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blegate/internal/host"
	"github.com/srg/blegate/internal/loop"
	"github.com/srg/blegate/internal/radio"
	"github.com/srg/blegate/internal/testutils"
	"github.com/srg/blegate/internal/testutils/fakeradio"
)

const sensorAddr = "AA:BB:CC:DD:EE:FF"

// syncBuffer is a goroutine-safe strings.Builder.
type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

type scriptResult struct {
	code int
	err  error
}

type APITestSuite struct {
	suite.Suite
	logger  *logrus.Logger
	loop    *loop.Loop
	adapter *fakeradio.Adapter
	host    *host.Host
	stdout  *syncBuffer
	stderr  *syncBuffer
}

func (s *APITestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.PanicLevel)

	s.loop = loop.New("lua-api-test", s.logger)
	s.loop.Start(context.Background())
	s.adapter = fakeradio.NewAdapter(radio.PowerOn)
	s.adapter.Profiles[sensorAddr] = fakeradio.NewProfile().
		WithService("180D").
		WithCharacteristic("2A37", radio.PropNotify|radio.PropRead).
		WithDescriptor("2902").
		Build()

	h, err := host.New(s.adapter, s.loop, s.logger)
	s.Require().NoError(err)
	s.host = h
	s.stdout = &syncBuffer{}
	s.stderr = &syncBuffer{}
}

func (s *APITestSuite) TearDownTest() {
	s.loop.Stop()
}

// run starts script on its own goroutine, as the CLI does.
func (s *APITestSuite) run(ctx context.Context, script string) <-chan scriptResult {
	done := make(chan scriptResult, 1)
	go func() {
		code, err := ExecuteScript(ctx, s.host, s.logger, script, ScriptOptions{
			Name:   "test.lua",
			Stdout: s.stdout,
			Stderr: s.stderr,
		})
		done <- scriptResult{code, err}
	}()
	return done
}

func (s *APITestSuite) wait(done <-chan scriptResult) scriptResult {
	select {
	case r := <-done:
		return r
	case <-time.After(3 * time.Second):
		s.FailNow("script did not finish", "stdout: %s\nstderr: %s", s.stdout.String(), s.stderr.String())
	}
	return scriptResult{}
}

// radio runs fn on the loop, as driver callbacks are delivered.
func (s *APITestSuite) radio(fn func()) {
	s.Require().True(s.loop.Do(fn))
}

func (s *APITestSuite) waitGatt() *fakeradio.Gatt {
	var g *fakeradio.Gatt
	s.Require().Eventually(func() bool {
		s.loop.Do(func() { g = s.adapter.LastGatt() })
		return g != nil
	}, 2*time.Second, 5*time.Millisecond)
	return g
}

// waitCalls waits until g has issued call n times.
func (s *APITestSuite) waitCalls(g *fakeradio.Gatt, call string, n int) {
	s.Require().Eventually(func() bool {
		count := 0
		s.loop.Do(func() {
			for _, c := range g.Calls {
				if c == call {
					count++
				}
			}
		})
		return count >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d x %s", n, call)
}

func (s *APITestSuite) heartRate() *fakeradio.Characteristic {
	return s.adapter.Profiles[sensorAddr][0].Chars[0]
}

func (s *APITestSuite) TestHeartRateNotificationScript() {
	// GOAL: Verify a script drives connect, discovery and notifications through callbacks
	//
	// TEST SCENARIO: connect → services → characteristics → enableNotification → value → close → script ends

	done := s.run(context.Background(), `
		local conn = ble.connect("`+sensorAddr+`", function(c, state)
			if state ~= ble.STATE.CONNECTED then return end
			ble.services(c, function(list)
				local chars = ble.characteristics(c, list[1].handle)
				local descs = ble.descriptors(c, chars[1].handle)
				print("service", list[1].uuid, list[1].handle)
				print("char", chars[1].uuid, chars[1].handle, chars[1].properties)
				print("desc", descs[1].uuid, descs[1].handle)
				ble.enableNotification(c, chars[1].handle, function(v)
					print("hr", string.byte(v, 2))
					ble.close(c)
				end)
			end)
		end)
		print("conn", conn)
	`)

	g := s.waitGatt()
	s.radio(g.Connected)
	s.waitCalls(g, "discoverServices", 1)
	s.radio(func() { g.FinishDiscovery(radio.StatusSuccess) })
	s.waitCalls(g, "setNotification:2A37:true", 1)
	s.radio(func() { g.Notify(s.heartRate(), []byte{0x06, 0x50}) })

	r := s.wait(done)
	s.Require().NoError(r.err)
	s.Equal(0, r.code)
	testutils.AssertText(s.T(), "conn\t1\nservice\t180D\t1\nchar\t2A37\t2\t18\ndesc\t2902\t3\nhr\t80\n", s.stdout.String())
	s.Empty(s.stderr.String())

	var closed bool
	s.radio(func() { closed = g.Closed })
	s.True(closed)
}

func (s *APITestSuite) TestQueuedReadsDeliverInOrder() {
	// GOAL: Verify queued reads complete in submission order with success and failure callbacks
	//
	// TEST SCENARIO: two reads queued → first succeeds, second fails with status 2 → callbacks in order

	done := s.run(context.Background(), `
		ble.connect("`+sensorAddr+`", function(c, state)
			if state ~= ble.STATE.CONNECTED then return end
			ble.services(c, function(list)
				local h = ble.characteristics(c, list[1].handle)[1].handle
				ble.readCharacteristic(c, h, function(v) print("first", #v, string.byte(v, 1)) end)
				ble.readCharacteristic(c, h, function() print("unexpected") end, function(err)
					print("second", err.kind, err.code)
					ble.close(c)
				end)
			end)
		end)
	`)

	g := s.waitGatt()
	s.radio(g.Connected)
	s.waitCalls(g, "discoverServices", 1)
	s.radio(func() { g.FinishDiscovery(radio.StatusSuccess) })

	s.waitCalls(g, "readCharacteristic:2A37", 1)
	s.radio(func() { g.FinishRead(s.heartRate(), []byte{0x2a}, radio.StatusSuccess) })
	s.waitCalls(g, "readCharacteristic:2A37", 2)
	s.radio(func() { g.FinishRead(s.heartRate(), nil, radio.StatusReadNotPermitted) })

	r := s.wait(done)
	s.Require().NoError(r.err)
	testutils.AssertText(s.T(), "first\t1\t42\nsecond\tstack_failure\t2\n", s.stdout.String())
}

func (s *APITestSuite) TestSynchronousFailuresReturnNilAndError() {
	done := s.run(context.Background(), `
		local ok, err = ble.readCharacteristic(99, 1, function() end)
		print(ok, err.kind)
		ok, err = ble.close(42)
		print(ok, err.kind, err.code)
		local list, lerr = ble.characteristics(7, 1)
		print(list, lerr.kind)
	`)

	r := s.wait(done)
	s.Require().NoError(r.err)
	s.Equal("nil\tnot_found\nnil\tnot_found\t0\nnil\tnot_found\n", s.stdout.String())
}

func (s *APITestSuite) TestConnectRefusedReachesOnError() {
	s.adapter.ConnectErr = errors.New("no such device")

	done := s.run(context.Background(), `
		ble.connect("`+sensorAddr+`", function() print("state") end, function(err)
			print("error", err.kind)
		end)
	`)

	r := s.wait(done)
	s.Require().NoError(r.err)
	s.Equal("error\toperation_rejected\n", s.stdout.String())
}

func (s *APITestSuite) TestScanRecords() {
	done := s.run(context.Background(), `
		ble.startScan(function(d)
			print(d.address, d.rssi, d.name, #d.scanRecord)
			ble.stopScan()
		end)
	`)

	s.Require().Eventually(func() bool {
		var scanning bool
		s.loop.Do(func() { scanning = s.adapter.Scanning })
		return scanning
	}, 2*time.Second, 5*time.Millisecond)
	s.radio(func() {
		s.adapter.Advertise(radio.ScanRecord{Address: sensorAddr, RSSI: -60, Name: "HRM", Payload: []byte{0x02, 0x01, 0x06}})
	})

	r := s.wait(done)
	s.Require().NoError(r.err)
	s.Equal(sensorAddr+"\t-60\tHRM\t3\n", s.stdout.String())

	var scanning bool
	s.radio(func() { scanning = s.adapter.Scanning })
	s.False(scanning)
}

func (s *APITestSuite) TestExitCode() {
	done := s.run(context.Background(), `
		ble.after(5, function()
			print("tick")
			ble.exit(3)
		end)
	`)

	r := s.wait(done)
	s.Require().NoError(r.err)
	s.Equal(3, r.code)
	s.Equal("tick\n", s.stdout.String())
}

func (s *APITestSuite) TestCallbackErrorDoesNotStopScript() {
	done := s.run(context.Background(), `
		ble.after(1, function() error("bad callback") end)
		ble.after(20, function() print("still running") end)
	`)

	r := s.wait(done)
	s.Require().NoError(r.err)
	s.Equal("still running\n", s.stdout.String())
	s.Contains(s.stderr.String(), "bad callback")
}

func (s *APITestSuite) TestWriteAcceptsByteTable() {
	done := s.run(context.Background(), `
		ble.connect("`+sensorAddr+`", function(c, state)
			if state ~= ble.STATE.CONNECTED then return end
			ble.services(c, function(list)
				local h = ble.characteristics(c, list[1].handle)[1].handle
				ble.writeCharacteristic(c, h, {0x01, 0xff}, function()
					print("written")
					ble.close(c)
				end)
			end)
		end)
	`)

	g := s.waitGatt()
	s.radio(g.Connected)
	s.waitCalls(g, "discoverServices", 1)
	s.radio(func() { g.FinishDiscovery(radio.StatusSuccess) })
	s.waitCalls(g, "writeCharacteristic:2A37", 1)
	s.radio(func() { g.FinishWrite(s.heartRate(), radio.StatusSuccess) })

	r := s.wait(done)
	s.Require().NoError(r.err)
	s.Equal("written\n", s.stdout.String())

	var written [][]byte
	s.radio(func() { written = g.Written })
	s.Equal([][]byte{{0x01, 0xff}}, written)
}

func (s *APITestSuite) TestCloseFailsOutstandingOperations() {
	done := s.run(context.Background(), `
		local conn
		conn = ble.connect("`+sensorAddr+`", function(c, state)
			if state ~= ble.STATE.CONNECTED then return end
			ble.services(c, function() print("unexpected") end, function(err)
				print("services", err.kind)
			end)
			ble.close(c)
		end)
	`)

	g := s.waitGatt()
	s.radio(g.Connected)

	r := s.wait(done)
	s.Require().NoError(r.err)
	s.Equal("services\tconnection_closed\n", s.stdout.String())
}

func (s *APITestSuite) TestBadArgumentIsRuntimeError() {
	done := s.run(context.Background(), `ble.connect(42)`)

	r := s.wait(done)
	s.Equal(1, r.code)
	var serr *ScriptError
	s.Require().True(errors.As(r.err, &serr))
	s.Equal("runtime", serr.Type)
	s.Contains(serr.Message, "argument #1 must be a string")
}

func (s *APITestSuite) TestCancelStopsWaitingScript() {
	ctx, cancel := context.WithCancel(context.Background())
	done := s.run(ctx, `ble.connect("`+sensorAddr+`", function() end)`)

	s.waitGatt()
	cancel()

	r := s.wait(done)
	s.True(errors.Is(r.err, context.Canceled))
}

func (s *APITestSuite) TestPowerStateAndConstants() {
	done := s.run(context.Background(), `
		print(ble.powerState(), ble.STATE.CONNECTED, ble.PROPERTY.NOTIFY)
	`)

	r := s.wait(done)
	s.Require().NoError(r.err)
	s.Equal("on\t2\t16\n", s.stdout.String())
}

func TestAPITestSuite(t *testing.T) {
	suite.Run(t, new(APITestSuite))
}

func TestParseScriptError(t *testing.T) {
	tests := []struct {
		raw  string
		line int
		msg  string
	}{
		{`[string "print('x')..."]:3: boom`, 3, "boom"},
		{`sensor.lua:12: attempt to call a nil value`, 12, "attempt to call a nil value"},
		{`no location here`, 0, "no location here"},
	}
	for _, tt := range tests {
		e := parseScriptError("runtime", "src", tt.raw)
		assert.Equal(t, tt.line, e.Line, tt.raw)
		assert.Equal(t, tt.msg, e.Message, tt.raw)
	}
}
