package errors

import (
	stderrors "errors"
	"fmt"

	"tci/pkg/types"
)

// InternalError reports a bug in whoever produced the IR or the instruction
// stream. It is never a guest-visible condition.
type InternalError struct {
	Message string
	Cause   error
	// PC is the instruction the interpreter was executing, valid when HasPC.
	PC    types.CodeAddr
	HasPC bool
}

func (e *InternalError) Error() string {
	msg := e.Message
	if e.HasPC {
		msg = fmt.Sprintf("pc %d: %s", e.PC, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *InternalError) Unwrap() error {
	return e.Cause
}

// At records the instruction address the error belongs to.
func (e *InternalError) At(pc types.CodeAddr) *InternalError {
	e.PC = pc
	e.HasPC = true
	return e
}

// IsInternalError checks if an error is, or wraps, an internal error
func IsInternalError(err error) bool {
	var ie *InternalError
	return stderrors.As(err, &ie)
}

// PCOf returns the instruction address carried by the first located
// internal error in err's chain.
func PCOf(err error) (types.CodeAddr, bool) {
	for err != nil {
		if ie, ok := err.(*InternalError); ok && ie.HasPC {
			return ie.PC, true
		}
		err = stderrors.Unwrap(err)
	}
	return 0, false
}

// WrapInternalError wraps an existing error as an internal error
func WrapInternalError(err error, message string) *InternalError {
	return &InternalError{
		Message: message,
		Cause:   err,
	}
}

// InternalErrorf creates a new internal error with formatted message
func InternalErrorf(format string, args ...interface{}) *InternalError {
	return &InternalError{
		Message: fmt.Sprintf(format, args...),
	}
}
