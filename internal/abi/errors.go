package abi

import (
	"errors"
	"fmt"
)

// Errno is a kernel error number. Syscalls report it as a negative value.
type Errno int

const (
	EUnspecified Errno = iota + 1
	EBadEnv
	EInval
	ENoMem
	ENoFreeEnv
	EFault
)

var errnoText = map[Errno]string{
	EUnspecified: "unspecified error",
	EBadEnv:      "bad environment",
	EInval:       "invalid parameter",
	ENoMem:       "out of memory",
	ENoFreeEnv:   "out of environments",
	EFault:       "segmentation fault",
}

func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return fmt.Sprintf("error %d", int(e))
}

// Sentinel errors for errors.Is.
var (
	ErrBadEnv    error = EBadEnv
	ErrInval     error = EInval
	ErrNoMem     error = ENoMem
	ErrNoFreeEnv error = ENoFreeEnv
	ErrFault     error = EFault
)

// Code maps err to the negative result a C-style caller would see:
// 0 for nil, -errno for kernel errors, -EUnspecified otherwise.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) {
		return -int(e)
	}
	return -int(EUnspecified)
}
