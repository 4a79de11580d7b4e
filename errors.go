package shadowbuf

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured shadow-buffer error with context and errno
// mapping
type Error struct {
	Op       string        // Operation that failed (e.g., "CREATE_BUFFER", "RESOLVE_ADDR")
	GroupKey uint64        // Group base index (0 if not applicable)
	Block    int           // Block index (-1 if not applicable)
	Code     ErrorCode     // High-level error category
	Errno    syscall.Errno // Errno equivalent (0 if not applicable)
	Msg      string        // Human-readable message
	Inner    error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.GroupKey != 0 {
		parts = append(parts, fmt.Sprintf("group=%#x", e.GroupKey))
	}

	if e.Block >= 0 {
		parts = append(parts, fmt.Sprintf("block=%d", e.Block))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("shadowbuf: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("shadowbuf: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports comparison by error category
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeBufferNotFound     ErrorCode = "shadow buffer not found"
	ErrCodeKeySpaceExhausted  ErrorCode = "base index space exhausted"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeDMAError           ErrorCode = "DMA error"
	ErrCodePeerError          ErrorCode = "GPU peer error"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Block: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewGroupError creates a new group-specific error
func NewGroupError(op string, groupKey uint64, code ErrorCode, msg string) *Error {
	return &Error{
		Op:       op,
		GroupKey: groupKey,
		Block:    -1,
		Code:     code,
		Msg:      msg,
	}
}

// NewBlockError creates a new block-specific error
func NewBlockError(op string, groupKey uint64, blk int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:       op,
		GroupKey: groupKey,
		Block:    blk,
		Code:     code,
		Msg:      msg,
	}
}

// WrapError wraps an existing error with shadow-buffer context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if se, ok := inner.(*Error); ok {
		return &Error{
			Op:       op,
			GroupKey: se.GroupKey,
			Block:    se.Block,
			Code:     se.Code,
			Errno:    se.Errno,
			Msg:      se.Msg,
			Inner:    se.Inner,
		}
	}

	code := ErrCodeIOError
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		code = mapErrnoToCode(errno)
		return &Error{
			Op:    op,
			Block: -1,
			Code:  code,
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Block: -1,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps an errno to a shadow-buffer error code
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.EFAULT:
		return ErrCodeBufferNotFound
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var sbErr *Error
	if errors.As(err, &sbErr) {
		return sbErr.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var sbErr *Error
	if errors.As(err, &sbErr) {
		return sbErr.Errno == errno
	}
	return errors.Is(err, errno)
}
