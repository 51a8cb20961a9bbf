package gatt

import (
	"crypto/rand"
	"time"

	"github.com/golang-collections/go-datastructures/queue"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/internal/blerr"
	"github.com/srg/blegate/internal/radio"
)

// Operation is one deferred radio request. Start issues the stack call and
// reports whether the stack accepted it. Exactly one of finish or abort is
// eventually called.
type Operation struct {
	ID   ulid.ULID
	Name string

	start  func() bool
	finish func(status radio.Status, payload []byte)
	abort  func(err error)
}

// NewOperation creates an operation. The queue never calls start more than once.
func NewOperation(name string, start func() bool, finish func(radio.Status, []byte), abort func(error)) *Operation {
	return &Operation{
		ID:     ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader),
		Name:   name,
		start:  start,
		finish: finish,
		abort:  abort,
	}
}

// OperationQueue serializes the operations of one connection: strict FIFO,
// at most one operation in flight. An operation leaves the queue when it
// starts, not when it completes.
//
// The queue is paused until the connection is usable; Admit is a no-op while
// paused. Once refusing, Admit aborts every waiting operation instead.
type OperationQueue struct {
	pending *queue.Queue
	current *Operation
	paused  bool
	refusal string
	logger  *logrus.Entry
}

// NewOperationQueue returns a paused queue.
func NewOperationQueue(logger *logrus.Entry) *OperationQueue {
	return &OperationQueue{
		pending: queue.New(8),
		paused:  true,
		logger:  logger,
	}
}

// Busy reports whether an operation is in flight.
func (q *OperationQueue) Busy() bool {
	return q.current != nil
}

// Len returns the number of operations waiting to start.
func (q *OperationQueue) Len() int {
	return int(q.pending.Len())
}

// Enqueue appends op to the tail.
func (q *OperationQueue) Enqueue(op *Operation) {
	_ = q.pending.Put(op)
	q.logger.WithFields(logrus.Fields{
		"op":      op.Name,
		"op_id":   op.ID.String(),
		"waiting": q.pending.Len(),
	}).Debug("Operation queued")
}

// Resume lets queued operations start and admits the head.
func (q *OperationQueue) Resume() {
	q.paused = false
	q.refusal = ""
	q.Admit()
}

// Refuse makes the queue reject every waiting and future operation with
// OperationRejected carrying reason, until Resume.
func (q *OperationQueue) Refuse(reason string) {
	q.refusal = reason
	q.Admit()
}

// Refusing reports whether the queue rejects operations.
func (q *OperationQueue) Refusing() bool {
	return q.refusal != ""
}

// Pause stops admission. The in-flight operation is unaffected.
func (q *OperationQueue) Pause() {
	q.paused = true
}

// Admit starts the head operation if the queue is idle. An operation the
// stack refuses is aborted with OperationRejected and the next one is tried
// immediately, since no completion will arrive for it.
func (q *OperationQueue) Admit() {
	for q.current == nil && q.pending.Len() > 0 {
		if q.refusal != "" {
			q.rejectHead()
			continue
		}
		if q.paused {
			return
		}
		op := q.pop()
		if op == nil {
			return
		}
		q.current = op
		q.logger.WithFields(logrus.Fields{
			"op":    op.Name,
			"op_id": op.ID.String(),
		}).Debug("Operation started")

		if op.start() {
			return
		}

		q.current = nil
		q.logger.WithFields(logrus.Fields{
			"op":    op.Name,
			"op_id": op.ID.String(),
		}).Warn("Operation rejected by stack")
		op.abort(blerr.Rejected(op.Name))
	}
}

// Complete finishes the in-flight operation with the stack's result and
// admits the next one. It returns false if nothing was in flight.
func (q *OperationQueue) Complete(status radio.Status, payload []byte) bool {
	op := q.current
	if op == nil {
		q.logger.WithField("status", int(status)).Warn("Completion without an operation in flight")
		return false
	}
	q.current = nil
	q.logger.WithFields(logrus.Fields{
		"op":     op.Name,
		"op_id":  op.ID.String(),
		"status": int(status),
	}).Debug("Operation completed")

	op.finish(status, payload)
	q.Admit()
	return true
}

// Abandon empties the queue and returns every operation that has not
// completed, the in-flight one first. The queue is left paused.
func (q *OperationQueue) Abandon() []*Operation {
	q.paused = true
	out := make([]*Operation, 0, q.pending.Len()+1)
	if q.current != nil {
		out = append(out, q.current)
		q.current = nil
	}
	for q.pending.Len() > 0 {
		op := q.pop()
		if op == nil {
			break
		}
		out = append(out, op)
	}
	return out
}

func (q *OperationQueue) rejectHead() {
	op := q.pop()
	if op == nil {
		return
	}
	q.logger.WithFields(logrus.Fields{
		"op":     op.Name,
		"op_id":  op.ID.String(),
		"reason": q.refusal,
	}).Debug("Operation refused")
	op.abort(blerr.New(blerr.OperationRejected, op.Name, "%s", q.refusal))
}

func (q *OperationQueue) pop() *Operation {
	items, err := q.pending.Get(1)
	if err != nil || len(items) == 0 {
		return nil
	}
	return items[0].(*Operation)
}
