package fserrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransientSourceBufferFull(t *testing.T) {
	err := &TransientSourceBufferFull{BusID: "bus-1"}
	assert.True(t, IsTransientBufferFull(err))
	assert.False(t, IsTransientBufferFull(errors.New("boom")))
	assert.Contains(t, err.Error(), "bus-1")
}

func TestDriverErrorFatal(t *testing.T) {
	fatal := &DriverError{Op: "snapshot", Cause: errors.New("root unreachable"), Fatal: true}
	assert.True(t, IsFatal(fatal))

	retryable := &DriverError{Op: "send_batch", Cause: errors.New("timeout")}
	assert.False(t, IsFatal(retryable))
	assert.False(t, IsFatal(errors.New("plain")))

	assert.ErrorIs(t, fatal, fatal.Cause)
}

func TestValidationError(t *testing.T) {
	err := NewValidation("/a/b", "path", "missing")
	assert.Equal(t, `fustor: validation error for "/a/b": path missing`, err.Error())

	err2 := NewValidation("", "schema", "unknown")
	assert.Equal(t, "fustor: validation error: schema unknown", err2.Error())
}
