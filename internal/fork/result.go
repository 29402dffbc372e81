package fork

import (
	"errors"
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
)

// Result is the three-way outcome of a fork: the child sees Handle == 0,
// the parent sees the child's positive handle, and a failed fork carries Err
// in the parent only.
type Result struct {
	Handle abi.EnvID
	Err    error
}

// IsChild reports whether this is the duplicate's view of the fork.
func (r Result) IsChild() bool { return r.Err == nil && r.Handle == 0 }

// IsParent reports whether this is the original's view of a successful fork.
func (r Result) IsParent() bool { return r.Err == nil && r.Handle > 0 }

// Code flattens the result into a single integer: 0 in the child, the
// child's handle in the parent, a negative error number on failure.
func (r Result) Code() int {
	if r.Err != nil {
		return abi.Code(r.Err)
	}
	return int(r.Handle)
}

// Invariant violations detected by the fault handler.
var (
	ErrNotWrite = errors.New("faulting access was not a write")
	ErrNotCOW   = errors.New("faulting access was not to a copy-on-write page")
)

// FatalError ends the environment that raised it. The kernel destroys the
// faulting environment when an upcall returns one and never retries the
// access.
type FatalError struct {
	Env   abi.EnvID
	VA    uintptr
	Cause abi.FaultCause
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("env %s: page fault at %#x (%s): %v", e.Env, e.VA, e.Cause, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
