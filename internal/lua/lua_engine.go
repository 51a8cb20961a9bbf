package lua

import (
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// DefaultOutputBufferSize is the number of print records kept before the
// oldest are overwritten.
const DefaultOutputBufferSize uint32 = 1024

// OutputRecord is one line written by a script.
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
}

// ScriptError describes a failed load or run.
type ScriptError struct {
	Type    string // "syntax", "runtime", "api"
	Message string
	Line    int
	Source  string
}

func (e *ScriptError) Error() string {
	parts := []string{}
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("in %s", e.Source))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}

	prefix := "Lua error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("Lua %s error (%s)", e.Type, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Is matches on Type.
func (e *ScriptError) Is(target error) bool {
	var t *ScriptError
	if errors.As(target, &t) {
		return e.Type == t.Type
	}
	return false
}

// Engine owns a Lua state and captures everything the script prints.
type Engine struct {
	state  *lua.State
	mu     sync.Mutex
	logger *logrus.Logger

	output      mpmc.RichOverlappedRingBuffer[OutputRecord]
	notify      chan struct{}
	overwritten atomic.Int64
}

// NewEngine creates an engine with a fresh state and print capture.
func NewEngine(logger *logrus.Logger, bufferSize uint32) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	if bufferSize == 0 {
		bufferSize = DefaultOutputBufferSize
	}
	e := &Engine{
		logger: logger,
		output: mpmc.NewOverlappedRingBuffer[OutputRecord](bufferSize),
		notify: make(chan struct{}, 1),
	}

	e.state = lua.NewState()
	e.state.OpenLibs()
	e.registerPrintCapture()

	logger.Debug("Lua engine initialized")
	return e
}

// DoWithState runs fn with exclusive access to the state. It must not be
// called from inside a Go function invoked by Lua.
func (e *Engine) DoWithState(fn func(L *lua.State) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return &ScriptError{Type: "api", Message: "engine closed"}
	}
	return fn(e.state)
}

func (e *Engine) registerPrintCapture() {
	L := e.state
	L.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, luaToString(L, i))
		}
		e.emit("stdout", strings.Join(parts, "\t")+"\n")
		return 0
	})
	L.SetGlobal("print")
}

// luaToString renders a stack value the way print does.
func luaToString(L *lua.State, i int) string {
	switch {
	case L.IsNil(i):
		return "nil"
	case L.IsBoolean(i):
		return strconv.FormatBool(L.ToBoolean(i))
	case L.Type(i) == lua.LUA_TNUMBER:
		return strconv.FormatFloat(L.ToNumber(i), 'g', -1, 64)
	case L.Type(i) == lua.LUA_TSTRING:
		return L.ToString(i)
	default:
		L.GetGlobal("tostring")
		L.PushValue(i)
		L.Call(1, 1)
		s := L.ToString(-1)
		L.Pop(1)
		return s
	}
}

// emit appends a record to the output ring and wakes the drainer.
func (e *Engine) emit(source, content string) {
	overwrites, err := e.output.EnqueueM(OutputRecord{
		Content:   content,
		Timestamp: time.Now(),
		Source:    source,
	})
	if err != nil {
		e.logger.WithError(err).Error("Failed to buffer script output")
		return
	}
	if overwrites > 0 {
		e.overwritten.Add(int64(overwrites))
	}
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Errorf writes a line to the script's stderr stream.
func (e *Engine) Errorf(format string, args ...any) {
	e.emit("stderr", fmt.Sprintf(format, args...)+"\n")
}

// Notify fires after new output is buffered. Several records may share one signal.
func (e *Engine) Notify() <-chan struct{} {
	return e.notify
}

// NextOutput pops the oldest buffered record.
func (e *Engine) NextOutput() (OutputRecord, bool) {
	if e.output.IsEmpty() {
		return OutputRecord{}, false
	}
	rec, err := e.output.Dequeue()
	if err != nil {
		return OutputRecord{}, false
	}
	return rec, true
}

// Overwritten returns how many records were lost to ring overflow.
func (e *Engine) Overwritten() int64 {
	return e.overwritten.Load()
}

// SetArgs publishes script arguments as the global arg table.
func (e *Engine) SetArgs(name string, args []string) error {
	return e.DoWithState(func(L *lua.State) error {
		L.NewTable()
		L.PushInteger(0)
		L.PushString(name)
		L.SetTable(-3)
		for i, a := range args {
			L.PushInteger(int64(i + 1))
			L.PushString(a)
			L.SetTable(-3)
		}
		L.SetGlobal("arg")
		return nil
	})
}

// Execute compiles and runs script. Syntax and runtime errors are also
// echoed to the stderr stream.
func (e *Engine) Execute(script, name string) error {
	if strings.TrimSpace(script) == "" {
		return &ScriptError{Type: "api", Message: "empty script", Source: name}
	}
	return e.DoWithState(func(L *lua.State) error {
		if status := L.LoadString(script); status != 0 {
			msg := "unknown Lua error"
			if L.IsString(-1) {
				msg = L.ToString(-1)
			}
			L.Pop(1)
			serr := parseScriptError("syntax", name, msg)
			e.Errorf("Lua syntax error: %s", serr.Message)
			return serr
		}
		if err := L.Call(0, 0); err != nil {
			L.SetTop(0)
			serr := parseScriptError("runtime", name, err.Error())
			e.Errorf("Lua runtime error: %s", serr.Message)
			return serr
		}
		return nil
	})
}

var luaLocation = regexp.MustCompile(`^(?:\[string ".*?"\]|[^:\s]*):(\d+):\s*(.*)$`)

// parseScriptError splits a Lua "chunk:line: message" string.
func parseScriptError(errType, source, raw string) *ScriptError {
	first, _, _ := strings.Cut(raw, "\n")
	e := &ScriptError{Type: errType, Message: first, Source: source}
	if m := luaLocation.FindStringSubmatch(first); m != nil {
		if line, err := strconv.Atoi(m[1]); err == nil {
			e.Line = line
			e.Message = m[2]
		}
	}
	return e
}

// SafeWrapGoFunction converts Go panics in fn into Lua errors so a bug in a
// binding cannot take the process down.
func (e *Engine) SafeWrapGoFunction(name string, fn lua.LuaGoFunction) lua.LuaGoFunction {
	return func(L *lua.State) int {
		defer func() {
			if r := recover(); r != nil {
				if _, isLua := r.(*lua.LuaError); isLua {
					panic(r)
				}
				e.logger.WithFields(logrus.Fields{
					"function": name,
					"panic":    r,
				}).Errorf("Go function panicked\n%s", debug.Stack())
				L.RaiseError(fmt.Sprintf("%s: internal error: %v", name, r))
			}
		}()
		return fn(L)
	}
}

// Close releases the Lua state.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}
