// Package loop runs all scheduler state changes on one goroutine. Radio
// callbacks are posted here; public calls hop here with Do.
package loop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang-collections/go-datastructures/queue"
	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/internal/groutine"
)

// Loop is a single-goroutine executor with an unbounded FIFO.
type Loop struct {
	name   string
	tasks  *queue.Queue
	gid    atomic.Uint64
	done   chan struct{}
	once   sync.Once
	logger *logrus.Logger
}

// New creates a loop. Call Start before posting work.
func New(name string, logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		name:   name,
		tasks:  queue.New(64),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start launches the loop goroutine. It stops when ctx is canceled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	started := make(chan struct{})
	groutine.Go(ctx, l.name, func(ctx context.Context) {
		l.gid.Store(groutine.GetGID())
		close(started)
		l.run()
	})
	<-started

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				l.Stop()
			case <-l.done:
			}
		}()
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		items, err := l.tasks.Get(1)
		if err != nil {
			l.logger.WithField("loop", l.name).Debug("Loop stopped")
			return
		}
		for _, item := range items {
			l.invoke(item.(func()))
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"loop":  l.name,
				"panic": fmt.Sprint(r),
			}).Error("Recovered panic in loop task")
		}
	}()
	fn()
}

// OnLoop reports whether the caller runs on the loop goroutine.
func (l *Loop) OnLoop() bool {
	gid := l.gid.Load()
	return gid != 0 && gid == groutine.GetGID()
}

// Post schedules fn and returns without waiting. Work posted after Stop is dropped.
func (l *Loop) Post(fn func()) {
	if err := l.tasks.Put(fn); err != nil {
		l.logger.WithField("loop", l.name).Debug("Dropping task posted to stopped loop")
	}
}

// Do runs fn on the loop and waits for it. Called from the loop itself, fn
// runs inline. It returns false if the loop stopped before fn ran.
func (l *Loop) Do(fn func()) bool {
	if l.OnLoop() {
		fn()
		return true
	}
	finished := make(chan struct{})
	if err := l.tasks.Put(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// Stop disposes the queue and waits for the running task to return. Pending
// tasks are dropped.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.tasks.Dispose()
	})
	if l.gid.Load() != 0 && !l.OnLoop() {
		<-l.done
	}
}

// Done is closed when the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
