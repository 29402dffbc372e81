// Package abi defines the capability interface between user environments
// and the kernel: handles, statuses, fault frames, syscalls, errors.
package abi

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/vm"
)

// EnvID is an opaque environment handle. Valid handles are positive; zero is
// the sentinel a freshly forked child observes.
type EnvID int32

func (id EnvID) String() string { return fmt.Sprintf("%08x", int32(id)) }

// Status is an environment's scheduling status.
type Status int

const (
	Free        Status = iota // FREE: slot unused
	NotRunnable               // NOT_RUNNABLE: created, not yet schedulable
	Runnable                  // RUNNABLE: waiting to run
	Running                   // RUNNING: currently executing
	Dying                     // DYING: destroyed, awaiting reclaim
)

var statusNames = [...]string{
	"FREE", "NOT_RUNNABLE", "RUNNABLE", "RUNNING", "DYING",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// FaultCause carries the hardware error code of a page fault.
type FaultCause uint32

const (
	FaultPresent FaultCause = 1 << iota // protection violation on a present page
	FaultWrite                          // the access was a write
	FaultUser                           // the access came from user mode
)

func (c FaultCause) IsWrite() bool { return c&FaultWrite != 0 }

func (c FaultCause) String() string {
	kind := "read"
	if c.IsWrite() {
		kind = "write"
	}
	if c&FaultPresent != 0 {
		return "protection violation (" + kind + ")"
	}
	return kind + " of non-present page"
}

// UTrapframe is what the kernel pushes on the exception stack before
// invoking an environment's fault upcall.
type UTrapframe struct {
	FaultVA uintptr
	Err     FaultCause
}

// Entry is a saved execution context. The kernel invokes it once, with the
// environment's own Context, when the environment is first scheduled.
type Entry func(ctx Context)

// Upcall is an environment's page fault entry point. A non-nil return is
// fatal: the kernel destroys the faulting environment and does not retry.
type Upcall func(ctx Context, tf UTrapframe) error

// Syscalls is the mapping and environment-control surface. Every call acts
// on behalf of the calling environment; envid 0 means the caller.
type Syscalls interface {
	GetEnvID() EnvID
	Exofork(entry Entry) (EnvID, error)
	PageAlloc(env EnvID, va uintptr, perm vm.Perm) error
	PageMap(srcenv EnvID, srcva uintptr, dstenv EnvID, dstva uintptr, perm vm.Perm) error
	PageUnmap(env EnvID, va uintptr) error
	EnvSetPgfaultUpcall(env EnvID, upcall Upcall) error
	EnvSetStatus(env EnvID, status Status) error
	EnvDestroy(env EnvID) error
	// Yield gives up the CPU until the scheduler picks the caller again.
	Yield()
}

// PageTables is the read-only view of the caller's own page tables.
// Absent entries read as zero.
type PageTables interface {
	PDE(va uintptr) vm.Perm
	PTE(va uintptr) vm.Perm
}

// Memory is user-mode access to the caller's address space. Accesses that
// violate the page permissions raise a page fault, which is delivered to
// the registered upcall before the access is retried.
type Memory interface {
	Load(va uintptr, buf []byte) error
	Store(va uintptr, buf []byte) error
}

// Context is everything an environment can reach from user mode.
type Context interface {
	Syscalls
	PageTables
	Memory
	Layout() vm.Layout
}
