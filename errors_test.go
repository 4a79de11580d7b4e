package shadowbuf

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := NewError("CREATE_BUFFER", ErrCodeInvalidParameters, "length not aligned")
	assert.Equal(t, "shadowbuf: length not aligned (op=CREATE_BUFFER)", e.Error())

	e = &Error{Code: ErrCodeIOError, Block: -1}
	assert.Equal(t, "shadowbuf: I/O error", e.Error())

	e = NewGroupError("RESOLVE_ADDR", 0x10001, ErrCodeBufferNotFound, "")
	assert.Contains(t, e.Error(), string(ErrCodeBufferNotFound))
	assert.Contains(t, e.Error(), "op=RESOLVE_ADDR")
}

func TestErrorIsByCode(t *testing.T) {
	e := NewError("PIN_PAGES", ErrCodeBufferNotFound, "gone")
	assert.True(t, errors.Is(e, NewError("", ErrCodeBufferNotFound, "")))
	assert.False(t, errors.Is(e, NewError("", ErrCodeIOError, "")))
	assert.False(t, e.Is(nil))
}

func TestWrapErrorErrnoMapping(t *testing.T) {
	cases := []struct {
		errno syscall.Errno
		code  ErrorCode
	}{
		{syscall.ENOENT, ErrCodeBufferNotFound},
		{syscall.EFAULT, ErrCodeBufferNotFound},
		{syscall.EINVAL, ErrCodeInvalidParameters},
		{syscall.ENOMEM, ErrCodeInsufficientMemory},
		{syscall.EIO, ErrCodeIOError},
	}
	for _, tc := range cases {
		t.Run(tc.errno.Error(), func(t *testing.T) {
			wrapped := WrapError("OP", fmt.Errorf("context: %w", tc.errno))
			require.NotNil(t, wrapped)
			assert.Equal(t, tc.code, wrapped.Code)
			assert.Equal(t, tc.errno, wrapped.Errno)
			assert.True(t, errors.Is(wrapped, tc.errno))
		})
	}
}

func TestWrapErrorPreservesStructure(t *testing.T) {
	assert.Nil(t, WrapError("OP", nil))

	inner := NewBlockError("ACQUIRE_RANGE", 0x10007, 12, ErrCodeDMAError, "wrong state")
	outer := WrapError("SUBMIT", inner)
	assert.Equal(t, "SUBMIT", outer.Op)
	assert.Equal(t, uint64(0x10007), outer.GroupKey)
	assert.Equal(t, 12, outer.Block)
	assert.Equal(t, ErrCodeDMAError, outer.Code)

	plain := WrapError("OP", errors.New("boom"))
	assert.Equal(t, ErrCodeIOError, plain.Code)
	assert.Equal(t, "boom", plain.Msg)
}

func TestIsCodeAndIsErrno(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError("OP", ErrCodeKeySpaceExhausted, ""))
	assert.True(t, IsCode(err, ErrCodeKeySpaceExhausted))
	assert.False(t, IsCode(err, ErrCodeIOError))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeIOError))

	wrapped := WrapError("OP", syscall.EIO)
	assert.True(t, IsErrno(wrapped, syscall.EIO))
	assert.False(t, IsErrno(wrapped, syscall.ENOMEM))
	assert.True(t, IsErrno(fmt.Errorf("raw: %w", syscall.EINVAL), syscall.EINVAL))
}
