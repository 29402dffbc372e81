package fork

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/vm"
)

// SharedFork duplicates the calling environment with its memory shared
// read/write in both directions. Only the normal stack is copy-on-write, and
// the exception stack is fresh, so each side keeps private stacks. A
// copy-on-write page is first privatized in the parent, so granting write
// access never reaches an earlier duplicate that still holds the old frame.
// Read-only pages stay read-only.
func (p *Proc) SharedFork(resume Resume) Result {
	bottom := p.stackBottom()
	return p.fork("shared", resume, func(child abi.EnvID, va uintptr) (Policy, error) {
		if va >= bottom && va < p.layout.UserStackTop {
			return Duppage(p.ctx, child, p.layout.PageNum(va))
		}
		return p.sharePage(child, va)
	})
}

// stackBottom returns the lowest address of the contiguous run of mapped
// pages below UserStackTop.
func (p *Proc) stackBottom() uintptr {
	l := p.layout
	bottom := l.UserStackTop
	for va := l.UserStackTop; va >= l.PageSize; {
		va -= l.PageSize
		if !p.ctx.PDE(va).IsPresent() || !p.ctx.PTE(va).IsPresent() {
			break
		}
		bottom = va
	}
	return bottom
}

func (p *Proc) sharePage(child abi.EnvID, va uintptr) (Policy, error) {
	self := p.ctx.GetEnvID()
	perm := p.ctx.PTE(va)
	rw := vm.Present | vm.User | vm.Writable

	switch {
	case perm.IsShared():
		return PolicyShared, p.ctx.PageMap(self, va, child, va, perm&vm.SyscallMask)
	case perm.IsWritable():
		return PolicyShared, p.ctx.PageMap(self, va, child, va, rw)
	case perm.IsCOW():
		if err := privatize(p.ctx, va); err != nil {
			return PolicyShared, fmt.Errorf("privatize: %w", err)
		}
		return PolicyShared, p.ctx.PageMap(self, va, child, va, rw)
	default:
		return PolicyReadOnly, p.ctx.PageMap(self, va, child, va, vm.Present|vm.User)
	}
}
