// Package errdefs holds the error classes shared by every layer of the engine.
package errdefs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrMemoryAccess reports an out-of-bounds read or write or an invalid pointer.
	ErrMemoryAccess = errors.New("memory access out of bounds")
	// ErrTrap reports a guest execution fault.
	ErrTrap = errors.New("execution trapped")
	// ErrNotFound reports a missing export, cache entry or storage key.
	ErrNotFound = errors.New("not found")
	// ErrCapacity reports memory growth beyond the configured maximum.
	ErrCapacity = errors.New("memory capacity exceeded")
	// ErrDispatch reports a failed or rejected external function call.
	ErrDispatch = errors.New("external function dispatch failed")
	// ErrConfiguration reports a component used before it was wired up.
	ErrConfiguration = errors.New("invalid configuration")
)

// TrapError describes why guest execution stopped.
type TrapError struct {
	// Err is the host side failure that raised the trap, if any.
	Err      error
	Message  string
	OutOfGas bool
	Abort    bool
}

func (e *TrapError) Error() string {
	var b strings.Builder

	b.WriteString(ErrTrap.Error())

	switch {
	case e.OutOfGas:
		b.WriteString(": out of gas")
	case e.Abort:
		b.WriteString(": aborted")
	}

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	return b.String()
}

func (e *TrapError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTrap}
	}

	return []error{ErrTrap, e.Err}
}

// NewTrap returns a trap carrying a formatted message.
func NewTrap(format string, args ...interface{}) *TrapError {
	return &TrapError{Message: fmt.Sprintf(format, args...)}
}

// OutOfGas returns the trap raised when the gas budget is exhausted.
func OutOfGas() *TrapError {
	return &TrapError{OutOfGas: true}
}

// AsTrap extracts the trap carried by err.
func AsTrap(err error) (*TrapError, bool) {
	var trap *TrapError
	if errors.As(err, &trap) {
		return trap, true
	}

	return nil, false
}

// IsOutOfGas reports whether err is a trap caused by gas exhaustion.
func IsOutOfGas(err error) bool {
	trap, ok := AsTrap(err)

	return ok && trap.OutOfGas
}
