package gatt

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blegate/internal/blerr"
	"github.com/srg/blegate/internal/radio"
)

type opLog struct {
	started  []string
	finished []string
	aborted  map[string]error
}

func newOpLog() *opLog {
	return &opLog{aborted: make(map[string]error)}
}

func (l *opLog) op(name string, accept bool) *Operation {
	return NewOperation(name,
		func() bool {
			l.started = append(l.started, name)
			return accept
		},
		func(status radio.Status, _ []byte) { l.finished = append(l.finished, name) },
		func(err error) { l.aborted[name] = err },
	)
}

func newTestQueue() *OperationQueue {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewOperationQueue(logrus.NewEntry(logger))
}

func TestOperationQueue_PausedUntilResumed(t *testing.T) {
	q := newTestQueue()
	l := newOpLog()

	q.Enqueue(l.op("a", true))
	q.Admit()
	assert.Empty(t, l.started, "paused queue must not start operations")

	q.Resume()
	assert.Equal(t, []string{"a"}, l.started)
	assert.True(t, q.Busy())
}

func TestOperationQueue_SingleInFlightFIFO(t *testing.T) {
	// GOAL: Verify strict FIFO with exactly one operation in flight
	//
	// TEST SCENARIO: Queue three ops → only the head starts; each completion starts the next

	q := newTestQueue()
	q.Resume()
	l := newOpLog()

	q.Enqueue(l.op("a", true))
	q.Admit()
	q.Enqueue(l.op("b", true))
	q.Admit()
	q.Enqueue(l.op("c", true))
	q.Admit()

	assert.Equal(t, []string{"a"}, l.started)
	assert.Equal(t, 2, q.Len())

	require.True(t, q.Complete(radio.StatusSuccess, nil))
	assert.Equal(t, []string{"a", "b"}, l.started)
	assert.Equal(t, []string{"a"}, l.finished)

	require.True(t, q.Complete(radio.StatusSuccess, nil))
	require.True(t, q.Complete(radio.StatusSuccess, nil))
	assert.Equal(t, []string{"a", "b", "c"}, l.finished)
	assert.False(t, q.Busy())
	assert.False(t, q.Complete(radio.StatusSuccess, nil), "completion without an operation in flight")
}

func TestOperationQueue_RejectedStartAdvances(t *testing.T) {
	// GOAL: Verify a synchronous refusal does not stall the queue
	//
	// TEST SCENARIO: Head op refused → aborted with OperationRejected, next op starts immediately

	q := newTestQueue()
	l := newOpLog()
	q.Enqueue(l.op("refused", false))
	q.Enqueue(l.op("next", true))

	q.Resume()

	assert.Equal(t, []string{"refused", "next"}, l.started)
	require.Contains(t, l.aborted, "refused")
	assert.True(t, errors.Is(l.aborted["refused"], blerr.ErrOperationRejected))
	assert.True(t, q.Busy())
}

func TestOperationQueue_Abandon(t *testing.T) {
	q := newTestQueue()
	q.Resume()
	l := newOpLog()
	q.Enqueue(l.op("inflight", true))
	q.Admit()
	q.Enqueue(l.op("waiting", true))

	ops := q.Abandon()

	require.Len(t, ops, 2)
	assert.Equal(t, "inflight", ops[0].Name)
	assert.Equal(t, "waiting", ops[1].Name)
	assert.False(t, q.Busy())
	assert.Equal(t, 0, q.Len())

	q.Enqueue(l.op("after", true))
	q.Admit()
	assert.NotContains(t, l.started, "after", "abandoned queue stays paused")
}

func TestOperationQueue_Refuse(t *testing.T) {
	// GOAL: Verify a refusing queue fails operations instead of holding them
	//
	// TEST SCENARIO: waiting op + Refuse → aborted OperationRejected; new op → aborted at once; Resume → runs again

	q := newTestQueue()
	l := newOpLog()
	q.Enqueue(l.op("waiting", true))

	q.Refuse("not connected")
	require.Contains(t, l.aborted, "waiting")
	assert.True(t, errors.Is(l.aborted["waiting"], blerr.ErrOperationRejected))
	assert.Contains(t, l.aborted["waiting"].Error(), "not connected")
	assert.True(t, q.Refusing())

	q.Enqueue(l.op("late", true))
	q.Admit()
	assert.Contains(t, l.aborted, "late")
	assert.Empty(t, l.started)
	assert.Equal(t, 0, q.Len())

	q.Resume()
	assert.False(t, q.Refusing())
	q.Enqueue(l.op("reconnected", true))
	q.Admit()
	assert.Equal(t, []string{"reconnected"}, l.started)
}
