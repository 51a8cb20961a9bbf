package lua

import (
	"context"
	"fmt"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/internal/blerr"
	"github.com/srg/blegate/internal/gatt"
	"github.com/srg/blegate/internal/radio"
)

// Host is the asynchronous BLE surface the ble table is bound to. Callbacks
// may arrive on any goroutine.
type Host interface {
	PowerState() radio.PowerState
	StartScan(onRecord func(radio.ScanRecord), onError func(error)) error
	StopScan() error
	Open(address string, onState gatt.StateCallback) (int, error)
	Close(conn int) error
	ReadRSSI(conn int, cb func(rssi int, err error)) error
	DiscoverServices(conn int, cb func([]gatt.ServiceInfo, error)) error
	Characteristics(conn, service int) ([]gatt.CharacteristicInfo, error)
	Descriptors(conn, characteristic int) ([]gatt.DescriptorInfo, error)
	ReadCharacteristic(conn, characteristic int, cb func([]byte, error)) error
	ReadDescriptor(conn, descriptor int, cb func([]byte, error)) error
	WriteCharacteristic(conn, characteristic int, value []byte, cb func(error)) error
	WriteDescriptor(conn, descriptor int, value []byte, cb func(error)) error
	EnableNotification(conn, characteristic int, fn func([]byte)) error
	DisableNotification(conn, characteristic int) error
	Reset(cb func(error)) error
}

// callbacks is a success/failure pair that fires exactly once.
type callbacks struct {
	name string
	ok   int
	fail int
}

// stream is a callback that may fire many times until closed.
type stream struct {
	name   string
	ref    int
	errRef int
	open   bool
}

type scriptConn struct {
	state  *stream
	notify map[int]*stream
}

// API binds a Host to the global ble table of an Engine.
//
// Every field below pump is owned by the script goroutine: the one running
// Execute and Run. Host callbacks only post to the pump.
type API struct {
	host   Host
	engine *Engine
	logger *logrus.Logger
	pump   *pump

	pending  int
	scan     *stream
	conns    map[int]*scriptConn
	exited   bool
	exitCode int
}

// NewAPI registers the ble table on engine.
func NewAPI(host Host, engine *Engine, logger *logrus.Logger) (*API, error) {
	if logger == nil {
		logger = logrus.New()
	}
	api := &API{
		host:   host,
		engine: engine,
		logger: logger,
		pump:   newPump(),
		conns:  make(map[int]*scriptConn),
	}
	if err := engine.DoWithState(func(L *lua.State) error {
		api.registerBLE(L)
		return nil
	}); err != nil {
		return nil, err
	}
	return api, nil
}

// Execute runs the top-level chunk of a script.
func (api *API) Execute(script, name string) error {
	return api.engine.Execute(script, name)
}

// Run delivers callbacks until the script calls ble.exit, nothing is left
// that could call it back, or ctx is done.
func (api *API) Run(ctx context.Context) error {
	release := api.pump.disposeOn(ctx)
	defer release()

	for !api.exited && api.alive() {
		ev, err := api.pump.next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		if err := api.engine.DoWithState(func(L *lua.State) error {
			ev.run(L)
			return nil
		}); err != nil {
			return err
		}
	}
	api.logger.WithFields(logrus.Fields{
		"exited":    api.exited,
		"exit_code": api.exitCode,
	}).Debug("Script event loop finished")
	return nil
}

// ExitCode is the value passed to ble.exit, or 0.
func (api *API) ExitCode() int {
	return api.exitCode
}

// Close stops the pump. Late host callbacks are dropped.
func (api *API) Close() {
	api.pump.dispose()
}

func (api *API) alive() bool {
	return api.pending > 0 || api.scan != nil || len(api.conns) > 0
}

// ----------------------------
// Registration
// ----------------------------

// SafePushGoFunction pushes name and a panic-safe fn; follow with L.SetTable(-3).
func (api *API) SafePushGoFunction(L *lua.State, name string, fn func(*lua.State) int) {
	L.PushString(name)
	L.PushGoFunction(api.engine.SafeWrapGoFunction("ble."+name+"()", fn))
}

func (api *API) registerBLE(L *lua.State) {
	L.NewTable()

	api.SafePushGoFunction(L, "powerState", api.powerState)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "startScan", api.startScan)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "stopScan", api.stopScan)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "connect", api.connect)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "close", api.close)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "rssi", api.rssi)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "services", api.services)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "characteristics", api.characteristics)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "descriptors", api.descriptors)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "readCharacteristic", api.readCharacteristic)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "readDescriptor", api.readDescriptor)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "writeCharacteristic", api.writeCharacteristic)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "writeDescriptor", api.writeDescriptor)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "enableNotification", api.enableNotification)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "disableNotification", api.disableNotification)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "reset", api.reset)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "after", api.after)
	L.SetTable(-3)
	api.SafePushGoFunction(L, "exit", api.exit)
	L.SetTable(-3)

	pushConstants(L, "STATE", map[string]int{
		"DISCONNECTED":  int(radio.StateDisconnected),
		"CONNECTING":    int(radio.StateConnecting),
		"CONNECTED":     int(radio.StateConnected),
		"DISCONNECTING": int(radio.StateDisconnecting),
	})
	pushConstants(L, "PROPERTY", map[string]int{
		"BROADCAST":         radio.PropBroadcast,
		"READ":              radio.PropRead,
		"WRITE_NO_RESPONSE": radio.PropWriteNoResponse,
		"WRITE":             radio.PropWrite,
		"NOTIFY":            radio.PropNotify,
		"INDICATE":          radio.PropIndicate,
		"SIGNED_WRITE":      radio.PropSignedWrite,
		"EXTENDED":          radio.PropExtended,
	})

	L.SetGlobal("ble")
}

func pushConstants(L *lua.State, name string, values map[string]int) {
	L.PushString(name)
	L.NewTable()
	for k, v := range values {
		L.PushString(k)
		L.PushInteger(int64(v))
		L.SetTable(-3)
	}
	L.SetTable(-3)
}

// ----------------------------
// Callback bookkeeping
// ----------------------------

// optFunction references the function at idx, or returns LUA_NOREF for nil.
func optFunction(L *lua.State, idx int, fn string) int {
	if idx > L.GetTop() || L.IsNil(idx) {
		return lua.LUA_NOREF
	}
	if !L.IsFunction(idx) {
		L.RaiseError(fmt.Sprintf("ble.%s(): argument #%d must be a function or nil", fn, idx))
		return lua.LUA_NOREF
	}
	L.PushValue(idx)
	return L.Ref(lua.LUA_REGISTRYINDEX)
}

func unref(L *lua.State, ref int) {
	if ref != lua.LUA_NOREF {
		L.Unref(lua.LUA_REGISTRYINDEX, ref)
	}
}

func (api *API) oneShot(L *lua.State, name string, okIdx, failIdx int) *callbacks {
	cb := &callbacks{name: name, ok: lua.LUA_NOREF, fail: lua.LUA_NOREF}
	if okIdx > 0 {
		cb.ok = optFunction(L, okIdx, name)
	}
	if failIdx > 0 {
		cb.fail = optFunction(L, failIdx, name)
	}
	api.pending++
	return cb
}

// drop releases a pair whose operation was refused synchronously.
func (api *API) drop(L *lua.State, cb *callbacks) {
	api.pending--
	unref(L, cb.ok)
	unref(L, cb.fail)
}

// settle posts the outcome of cb. Safe from any goroutine.
func (api *API) settle(cb *callbacks, err error, push func(L *lua.State) int) {
	api.pump.post(cb.name, func(L *lua.State) {
		api.pending--
		ok, fail := cb.ok, cb.fail
		cb.ok, cb.fail = lua.LUA_NOREF, lua.LUA_NOREF
		if err != nil {
			api.failure(L, cb.name, fail, err)
		} else {
			api.invoke(L, cb.name, ok, push)
		}
		unref(L, ok)
		unref(L, fail)
	})
}

func (api *API) openStream(L *lua.State, name string, idx, errIdx int) *stream {
	s := &stream{name: name, ref: lua.LUA_NOREF, errRef: lua.LUA_NOREF, open: true}
	if idx > 0 {
		s.ref = optFunction(L, idx, name)
	}
	if errIdx > 0 {
		s.errRef = optFunction(L, errIdx, name)
	}
	return s
}

func (api *API) closeStream(L *lua.State, s *stream) {
	if s == nil || !s.open {
		return
	}
	s.open = false
	unref(L, s.ref)
	unref(L, s.errRef)
	s.ref, s.errRef = lua.LUA_NOREF, lua.LUA_NOREF
}

// invoke calls the function behind ref. A failing callback is reported on
// stderr and does not stop the script.
func (api *API) invoke(L *lua.State, name string, ref int, push func(L *lua.State) int) {
	if ref == lua.LUA_NOREF {
		return
	}
	L.RawGeti(lua.LUA_REGISTRYINDEX, ref)
	nargs := 0
	if push != nil {
		nargs = push(L)
	}
	if err := L.Call(nargs, 0); err != nil {
		api.logger.WithFields(logrus.Fields{
			"callback": name,
			"error":    err,
		}).Error("Lua callback failed")
		api.engine.Errorf("%s callback error: %v", name, err)
		L.SetTop(0)
	}
}

// failure delivers err to ref, or prints it when the script gave no handler.
func (api *API) failure(L *lua.State, name string, ref int, err error) {
	if ref == lua.LUA_NOREF {
		api.engine.Errorf("ble.%s failed: %v", name, err)
		return
	}
	api.invoke(L, name, ref, func(L *lua.State) int {
		pushError(L, err)
		return 1
	})
}

// ----------------------------
// Conversions
// ----------------------------

// pushError pushes {kind, code, message}.
func pushError(L *lua.State, err error) {
	kind := string(blerr.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	L.NewTable()
	L.PushString("kind")
	L.PushString(kind)
	L.SetTable(-3)
	L.PushString("code")
	L.PushInteger(int64(blerr.CodeOf(err)))
	L.SetTable(-3)
	L.PushString("message")
	L.PushString(err.Error())
	L.SetTable(-3)
}

// returnFailure is the synchronous error convention: nil, err.
func returnFailure(L *lua.State, err error) int {
	L.PushNil()
	pushError(L, err)
	return 2
}

func pushField(L *lua.State, key string, value int) {
	L.PushString(key)
	L.PushInteger(int64(value))
	L.SetTable(-3)
}

func pushStringField(L *lua.State, key, value string) {
	L.PushString(key)
	L.PushString(value)
	L.SetTable(-3)
}

func pushScanRecord(L *lua.State, rec radio.ScanRecord) {
	L.NewTable()
	pushStringField(L, "address", rec.Address)
	pushField(L, "rssi", rec.RSSI)
	pushStringField(L, "name", rec.Name)
	pushStringField(L, "scanRecord", string(rec.Payload))
}

func pushServices(L *lua.State, services []gatt.ServiceInfo) {
	L.NewTable()
	for i, s := range services {
		L.PushInteger(int64(i + 1))
		L.NewTable()
		pushField(L, "handle", s.Handle)
		pushStringField(L, "uuid", s.UUID)
		pushField(L, "type", s.Type)
		L.SetTable(-3)
	}
}

func pushCharacteristics(L *lua.State, chars []gatt.CharacteristicInfo) {
	L.NewTable()
	for i, c := range chars {
		L.PushInteger(int64(i + 1))
		L.NewTable()
		pushField(L, "handle", c.Handle)
		pushStringField(L, "uuid", c.UUID)
		pushField(L, "permissions", c.Permissions)
		pushField(L, "properties", c.Properties)
		pushField(L, "writeType", c.WriteType)
		L.SetTable(-3)
	}
}

func pushDescriptors(L *lua.State, descs []gatt.DescriptorInfo) {
	L.NewTable()
	for i, d := range descs {
		L.PushInteger(int64(i + 1))
		L.NewTable()
		pushField(L, "handle", d.Handle)
		pushStringField(L, "uuid", d.UUID)
		pushField(L, "permissions", d.Permissions)
		L.SetTable(-3)
	}
}

func checkInt(L *lua.State, idx int, fn string) int {
	if L.Type(idx) != lua.LUA_TNUMBER {
		L.RaiseError(fmt.Sprintf("ble.%s(): argument #%d must be a number", fn, idx))
		return 0
	}
	return L.ToInteger(idx)
}

func checkString(L *lua.State, idx int, fn string) string {
	if L.Type(idx) != lua.LUA_TSTRING {
		L.RaiseError(fmt.Sprintf("ble.%s(): argument #%d must be a string", fn, idx))
		return ""
	}
	return L.ToString(idx)
}

// checkBytes accepts a binary string or an array of byte values.
func checkBytes(L *lua.State, idx int, fn string) []byte {
	switch L.Type(idx) {
	case lua.LUA_TSTRING:
		return []byte(L.ToString(idx))
	case lua.LUA_TTABLE:
		var out []byte
		for i := 1; ; i++ {
			L.RawGeti(idx, i)
			if L.IsNil(-1) {
				L.Pop(1)
				break
			}
			if L.Type(-1) != lua.LUA_TNUMBER {
				L.Pop(1)
				L.RaiseError(fmt.Sprintf("ble.%s(): byte %d is not a number", fn, i))
				return nil
			}
			v := L.ToInteger(-1)
			L.Pop(1)
			if v < 0 || v > 0xff {
				L.RaiseError(fmt.Sprintf("ble.%s(): byte %d out of range: %d", fn, i, v))
				return nil
			}
			out = append(out, byte(v))
		}
		return out
	default:
		L.RaiseError(fmt.Sprintf("ble.%s(): argument #%d must be a string or byte table", fn, idx))
		return nil
	}
}

func pushValue(value []byte) func(L *lua.State) int {
	return func(L *lua.State) int {
		L.PushString(string(value))
		return 1
	}
}

// ----------------------------
// ble.* functions
// ----------------------------

func (api *API) powerState(L *lua.State) int {
	L.PushString(api.host.PowerState().String())
	return 1
}

// ble.startScan(onDevice, onError)
func (api *API) startScan(L *lua.State) int {
	s := api.openStream(L, "startScan", 1, 2)
	if api.scan != nil {
		api.closeStream(L, api.scan)
	}
	api.scan = s

	err := api.host.StartScan(
		func(rec radio.ScanRecord) {
			api.pump.post("startScan", func(L *lua.State) {
				if !s.open {
					return
				}
				api.invoke(L, s.name, s.ref, func(L *lua.State) int {
					pushScanRecord(L, rec)
					return 1
				})
			})
		},
		func(err error) {
			api.pump.post("startScan", func(L *lua.State) {
				if !s.open {
					return
				}
				api.failure(L, s.name, s.errRef, err)
				api.closeStream(L, s)
				if api.scan == s {
					api.scan = nil
				}
			})
		},
	)
	if err != nil {
		api.closeStream(L, s)
		api.scan = nil
		return returnFailure(L, err)
	}
	L.PushBoolean(true)
	return 1
}

// ble.stopScan()
func (api *API) stopScan(L *lua.State) int {
	if err := api.host.StopScan(); err != nil {
		return returnFailure(L, err)
	}
	api.closeStream(L, api.scan)
	api.scan = nil
	L.PushBoolean(true)
	return 1
}

// ble.connect(address, onState, onError) -> conn
func (api *API) connect(L *lua.State) int {
	address := checkString(L, 1, "connect")
	s := api.openStream(L, "connect", 2, 3)

	conn, err := api.host.Open(address, func(conn int, state radio.ConnectionState, err error) {
		api.pump.post("connect", func(L *lua.State) {
			if !s.open {
				return
			}
			if err != nil {
				api.failure(L, s.name, s.errRef, err)
				api.forget(L, conn)
				return
			}
			api.invoke(L, s.name, s.ref, func(L *lua.State) int {
				L.PushInteger(int64(conn))
				L.PushInteger(int64(state))
				return 2
			})
		})
	})
	if err != nil {
		api.closeStream(L, s)
		return returnFailure(L, err)
	}

	api.conns[conn] = &scriptConn{state: s, notify: make(map[int]*stream)}
	api.logger.WithFields(logrus.Fields{
		"conn":    conn,
		"address": address,
	}).Debug("Script opened connection")
	L.PushInteger(int64(conn))
	return 1
}

// forget closes every stream of conn.
func (api *API) forget(L *lua.State, conn int) {
	c, ok := api.conns[conn]
	if !ok {
		return
	}
	api.closeStream(L, c.state)
	for _, n := range c.notify {
		api.closeStream(L, n)
	}
	delete(api.conns, conn)
}

// ble.close(conn)
func (api *API) close(L *lua.State) int {
	conn := checkInt(L, 1, "close")
	err := api.host.Close(conn)
	api.forget(L, conn)
	if err != nil {
		return returnFailure(L, err)
	}
	L.PushBoolean(true)
	return 1
}

// ble.rssi(conn, onRSSI, onError)
func (api *API) rssi(L *lua.State) int {
	conn := checkInt(L, 1, "rssi")
	cb := api.oneShot(L, "rssi", 2, 3)
	err := api.host.ReadRSSI(conn, func(rssi int, err error) {
		api.settle(cb, err, func(L *lua.State) int {
			L.PushInteger(int64(rssi))
			return 1
		})
	})
	return api.submitted(L, cb, err)
}

// submitted finishes an async ble.* call: true, or nil+err with cb released.
func (api *API) submitted(L *lua.State, cb *callbacks, err error) int {
	if err != nil {
		api.drop(L, cb)
		return returnFailure(L, err)
	}
	L.PushBoolean(true)
	return 1
}

// ble.services(conn, onServices, onError)
func (api *API) services(L *lua.State) int {
	conn := checkInt(L, 1, "services")
	cb := api.oneShot(L, "services", 2, 3)
	err := api.host.DiscoverServices(conn, func(services []gatt.ServiceInfo, err error) {
		api.settle(cb, err, func(L *lua.State) int {
			pushServices(L, services)
			return 1
		})
	})
	return api.submitted(L, cb, err)
}

// ble.characteristics(conn, service) -> list
func (api *API) characteristics(L *lua.State) int {
	conn := checkInt(L, 1, "characteristics")
	svc := checkInt(L, 2, "characteristics")
	chars, err := api.host.Characteristics(conn, svc)
	if err != nil {
		return returnFailure(L, err)
	}
	pushCharacteristics(L, chars)
	return 1
}

// ble.descriptors(conn, characteristic) -> list
func (api *API) descriptors(L *lua.State) int {
	conn := checkInt(L, 1, "descriptors")
	ch := checkInt(L, 2, "descriptors")
	descs, err := api.host.Descriptors(conn, ch)
	if err != nil {
		return returnFailure(L, err)
	}
	pushDescriptors(L, descs)
	return 1
}

// ble.readCharacteristic(conn, characteristic, onValue, onError)
func (api *API) readCharacteristic(L *lua.State) int {
	conn := checkInt(L, 1, "readCharacteristic")
	h := checkInt(L, 2, "readCharacteristic")
	cb := api.oneShot(L, "readCharacteristic", 3, 4)
	err := api.host.ReadCharacteristic(conn, h, func(value []byte, err error) {
		api.settle(cb, err, pushValue(value))
	})
	return api.submitted(L, cb, err)
}

// ble.readDescriptor(conn, descriptor, onValue, onError)
func (api *API) readDescriptor(L *lua.State) int {
	conn := checkInt(L, 1, "readDescriptor")
	h := checkInt(L, 2, "readDescriptor")
	cb := api.oneShot(L, "readDescriptor", 3, 4)
	err := api.host.ReadDescriptor(conn, h, func(value []byte, err error) {
		api.settle(cb, err, pushValue(value))
	})
	return api.submitted(L, cb, err)
}

// ble.writeCharacteristic(conn, characteristic, value, onDone, onError)
func (api *API) writeCharacteristic(L *lua.State) int {
	conn := checkInt(L, 1, "writeCharacteristic")
	h := checkInt(L, 2, "writeCharacteristic")
	value := checkBytes(L, 3, "writeCharacteristic")
	cb := api.oneShot(L, "writeCharacteristic", 4, 5)
	err := api.host.WriteCharacteristic(conn, h, value, func(err error) {
		api.settle(cb, err, nil)
	})
	return api.submitted(L, cb, err)
}

// ble.writeDescriptor(conn, descriptor, value, onDone, onError)
func (api *API) writeDescriptor(L *lua.State) int {
	conn := checkInt(L, 1, "writeDescriptor")
	h := checkInt(L, 2, "writeDescriptor")
	value := checkBytes(L, 3, "writeDescriptor")
	cb := api.oneShot(L, "writeDescriptor", 4, 5)
	err := api.host.WriteDescriptor(conn, h, value, func(err error) {
		api.settle(cb, err, nil)
	})
	return api.submitted(L, cb, err)
}

// ble.enableNotification(conn, characteristic, onValue)
func (api *API) enableNotification(L *lua.State) int {
	conn := checkInt(L, 1, "enableNotification")
	h := checkInt(L, 2, "enableNotification")
	s := api.openStream(L, "enableNotification", 3, 0)

	err := api.host.EnableNotification(conn, h, func(value []byte) {
		api.pump.post("enableNotification", func(L *lua.State) {
			if !s.open {
				return
			}
			api.invoke(L, s.name, s.ref, pushValue(value))
		})
	})
	if err != nil {
		api.closeStream(L, s)
		return returnFailure(L, err)
	}

	if c, ok := api.conns[conn]; ok {
		api.closeStream(L, c.notify[h])
		c.notify[h] = s
	} else {
		// Not opened by this script; nothing tracks the stream's lifetime.
		api.closeStream(L, s)
	}
	L.PushBoolean(true)
	return 1
}

// ble.disableNotification(conn, characteristic)
func (api *API) disableNotification(L *lua.State) int {
	conn := checkInt(L, 1, "disableNotification")
	h := checkInt(L, 2, "disableNotification")
	if err := api.host.DisableNotification(conn, h); err != nil {
		return returnFailure(L, err)
	}
	if c, ok := api.conns[conn]; ok {
		api.closeStream(L, c.notify[h])
		delete(c.notify, h)
	}
	L.PushBoolean(true)
	return 1
}

// ble.reset(onDone, onError)
func (api *API) reset(L *lua.State) int {
	cb := api.oneShot(L, "reset", 1, 2)
	err := api.host.Reset(func(err error) {
		api.settle(cb, err, nil)
	})
	if err == nil && api.scan != nil {
		// the coordinator stops the radio scan before power-cycling
		api.closeStream(L, api.scan)
		api.scan = nil
	}
	return api.submitted(L, cb, err)
}

// ble.after(ms, fn)
func (api *API) after(L *lua.State) int {
	ms := checkInt(L, 1, "after")
	if ms < 0 {
		ms = 0
	}
	cb := api.oneShot(L, "after", 2, 0)
	time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
		api.settle(cb, nil, nil)
	})
	L.PushBoolean(true)
	return 1
}

// ble.exit([code])
func (api *API) exit(L *lua.State) int {
	api.exited = true
	if L.GetTop() >= 1 && L.Type(1) == lua.LUA_TNUMBER {
		api.exitCode = L.ToInteger(1)
	}
	return 0
}
