package blerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByKind(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"stack failure matches regardless of code", Failure("read", 133), ErrStackFailure, true},
		{"rejected matches", Rejected("write"), ErrOperationRejected, true},
		{"handle not found matches", HandleNotFound("connection", 7), ErrNotFound, true},
		{"closed matches", Closed("read"), ErrConnectionClosed, true},
		{"wrapped error matches", fmt.Errorf("ctx: %w", Closed("read")), ErrConnectionClosed, true},
		{"different kinds do not match", Rejected("write"), ErrBusy, false},
		{"plain error does not match", errors.New("boom"), ErrBusy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "readCharacteristic: stack_failure (status 133)", Failure("readCharacteristic", 133).Error())
	assert.Equal(t, "connection: not_found: handle 4", HandleNotFound("connection", 4).Error())
	assert.Equal(t, "busy", ErrBusy.Error())

	var nilErr *Error
	assert.Equal(t, "<nil>", nilErr.Error())
}

func TestKindAndCodeOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Failure("writeDescriptor", 3))

	assert.Equal(t, StackFailure, KindOf(err))
	assert.Equal(t, 3, CodeOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, 0, CodeOf(nil))
}

func TestError_WrapsDriverError(t *testing.T) {
	driverErr := errors.New("can't dial: no such device")
	err := fmt.Errorf("open: %w", Wrap(OperationRejected, "connect", driverErr))

	assert.True(t, errors.Is(err, ErrOperationRejected))
	assert.True(t, errors.Is(err, driverErr), "driver error must stay reachable")
	assert.Equal(t, "open: connect: operation_rejected: can't dial: no such device", err.Error())
	assert.Nil(t, Rejected("write").Unwrap())
}
