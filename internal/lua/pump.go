package lua

import (
	"context"
	"errors"

	"github.com/aarzilli/golua/lua"
	"github.com/golang-collections/go-datastructures/queue"
)

// errPumpStopped is returned by next once the pump is disposed.
var errPumpStopped = errors.New("event pump stopped")

// event is a callback waiting to run on the script goroutine. Host
// callbacks arrive on the loop goroutine and must never touch the Lua state,
// so they post events instead.
type event struct {
	name string
	run  func(L *lua.State)
}

// pump is the script goroutine's inbox.
type pump struct {
	events *queue.Queue
}

func newPump() *pump {
	return &pump{events: queue.New(32)}
}

// post queues fn. It is safe from any goroutine; events posted after
// dispose are dropped.
func (p *pump) post(name string, fn func(L *lua.State)) {
	_ = p.events.Put(event{name: name, run: fn})
}

// next blocks for the next event.
func (p *pump) next() (event, error) {
	items, err := p.events.Get(1)
	if err != nil {
		return event{}, errPumpStopped
	}
	if len(items) == 0 {
		return event{}, errPumpStopped
	}
	return items[0].(event), nil
}

// disposeOn stops the pump when ctx is done. The returned func releases
// the watcher.
func (p *pump) disposeOn(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.events.Dispose()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (p *pump) dispose() {
	p.events.Dispose()
}

func (p *pump) len() int {
	return int(p.events.Len())
}
