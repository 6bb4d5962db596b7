package errors

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndError(t *testing.T) {
	e := New("ADD", ClassValidation, "bad mode")
	require.EqualError(t, e, "ADD: bad mode (validation)")
}

func TestNewPathIncludesPath(t *testing.T) {
	e := NewPath("OPEN", "/dev/sd0", ClassNotFound, "no such device")
	assert.Contains(t, e.Error(), "path=/dev/sd0")
}

func TestWrapPreservesStructuredClass(t *testing.T) {
	inner := New("READ", ClassIO, "short read")
	wrapped := Wrap("WRITE", inner)
	assert.Equal(t, ClassIO, wrapped.Class)
	assert.Equal(t, "WRITE", wrapped.Op)
}

func TestWrapClassifiesErrno(t *testing.T) {
	wrapped := Wrap("OPEN", syscall.ENOENT)
	assert.Equal(t, ClassNotFound, wrapped.Class)
	assert.Equal(t, syscall.ENOENT, wrapped.Errno)
}

func TestErrnoValueFallsBackToClass(t *testing.T) {
	e := New("ADD", ClassResource, "no slots")
	assert.Equal(t, -int32(syscall.ENOMEM), e.ErrnoValue())
}

func TestIsClassHelper(t *testing.T) {
	e := New("MMIO_PERFORM", ClassDeviceTimeout, "loop exceeded retries")
	assert.True(t, Is(e, ClassDeviceTimeout))
	assert.False(t, Is(e, ClassIO))
}
