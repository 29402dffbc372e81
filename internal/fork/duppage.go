package fork

import (
	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/vm"
)

// Policy is how one page was replicated into a child.
type Policy int

const (
	PolicyShared   Policy = iota // same frame, same permissions, writes visible both ways
	PolicyCOW                    // same frame, copy-on-write on both sides
	PolicyReadOnly               // same frame, read-only in the child
)

var policyNames = [...]string{"shared", "cow", "readonly"}

func (p Policy) String() string {
	if p >= 0 && int(p) < len(policyNames) {
		return policyNames[p]
	}
	return "unknown"
}

// Classify picks the replication policy for a mapping with permissions perm.
func Classify(perm vm.Perm) Policy {
	switch {
	case perm.IsShared():
		return PolicyShared
	case perm.IsWritable() || perm.IsCOW():
		return PolicyCOW
	default:
		return PolicyReadOnly
	}
}

// Duppage maps the caller's page pn into child at the same address.
// Writable and copy-on-write pages become copy-on-write in the child and are
// then re-marked copy-on-write in the caller, even when they already were:
// the second mapping rewrites the caller's whole permission word, keeping
// both sides symmetric.
func Duppage(ctx abi.Context, child abi.EnvID, pn uintptr) (Policy, error) {
	self := ctx.GetEnvID()
	va := ctx.Layout().PageAddr(pn)
	perm := ctx.PTE(va)

	policy := Classify(perm)
	switch policy {
	case PolicyShared:
		return policy, ctx.PageMap(self, va, child, va, perm&vm.SyscallMask)
	case PolicyCOW:
		cow := vm.Present | vm.User | vm.COW
		if err := ctx.PageMap(self, va, child, va, cow); err != nil {
			return policy, err
		}
		return policy, ctx.PageMap(self, va, self, va, cow)
	default:
		return policy, ctx.PageMap(self, va, child, va, vm.Present|vm.User)
	}
}
