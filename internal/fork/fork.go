// Package fork duplicates a user environment from user space. Fork shares
// every writable page copy-on-write and resolves the copies lazily in a page
// fault handler; SharedFork shares memory outright. Neither takes a lock:
// each environment resolves at most one fault at a time and is the only
// writer of its own page tables while it forks.
package fork

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/vm"
)

// Resume is the saved execution context a child continues in. It runs once,
// in the child, with the child's own Proc and the zero-handle Result. A nil
// Resume makes the child exit as soon as it is scheduled.
//
// The usual shape mirrors a fork call returning twice:
//
//	body := func(self *fork.Proc, r fork.Result) { ... }
//	body(p, p.Fork(body))
type Resume func(self *Proc, r Result)

// pageFunc replicates the caller's page at va into child.
type pageFunc func(child abi.EnvID, va uintptr) (Policy, error)

// Fork duplicates the calling environment copy-on-write. The parent gets
// the child's handle; the child resumes in resume. On failure the parent
// gets the error and the partial child is handled per the rollback policy.
func (p *Proc) Fork(resume Resume) Result {
	return p.fork("cow", resume, func(child abi.EnvID, va uintptr) (Policy, error) {
		return Duppage(p.ctx, child, p.layout.PageNum(va))
	})
}

func (p *Proc) fork(mode string, resume Resume, dup pageFunc) Result {
	p.publish(events.ForkStarted, map[string]string{"mode": mode})

	if err := p.SetPgfaultHandler(p.cowFault); err != nil {
		return p.failed(mode, 0, err)
	}

	child := p.inherit()
	id, err := p.ctx.Exofork(func(ctx abi.Context) {
		child.bind(ctx)
		if resume != nil {
			resume(child, Result{})
		}
	})
	if err != nil {
		return p.failed(mode, 0, fmt.Errorf("exofork: %w", err))
	}

	if err := p.build(mode, id, child, dup); err != nil {
		return p.failed(mode, id, err)
	}

	p.Logger().Info("fork complete", "mode", mode, "child", id.String())
	p.publish(events.ForkCompleted, map[string]string{"mode": mode, "child": id.String()})
	return Result{Handle: id}
}

// build populates child's address space and makes it runnable.
func (p *Proc) build(mode string, id abi.EnvID, child *Proc, dup pageFunc) error {
	l := p.layout
	xs := l.ExceptionStackPage()
	span := l.TableSpan()
	pages := 0

	for va := uintptr(0); va < l.UserTop; {
		if !p.ctx.PDE(va).IsPresent() {
			va = (va/span + 1) * span
			continue
		}
		if va != xs && p.ctx.PTE(va).IsPresent() {
			policy, err := dup(id, va)
			if err != nil {
				return fmt.Errorf("replicate page %#x: %w", va, err)
			}
			pages++
			p.publish(events.PageReplicated, map[string]string{
				"mode":   mode,
				"child":  id.String(),
				"va":     fmt.Sprintf("%#x", va),
				"policy": policy.String(),
			})
		}
		va += l.PageSize
	}

	if err := p.ctx.PageAlloc(id, xs, vm.Present|vm.User|vm.Writable); err != nil {
		return fmt.Errorf("allocate child exception stack: %w", err)
	}
	if err := p.ctx.EnvSetPgfaultUpcall(id, child.upcall); err != nil {
		return fmt.Errorf("set child pgfault upcall: %w", err)
	}
	if err := p.ctx.EnvSetStatus(id, abi.Runnable); err != nil {
		return fmt.Errorf("mark child runnable: %w", err)
	}
	p.Logger().Debug("child populated", "child", id.String(), "pages", pages)
	return nil
}

// failed reports a fork failure and applies the rollback policy to a child
// that was already created.
func (p *Proc) failed(mode string, child abi.EnvID, err error) Result {
	data := map[string]string{"mode": mode, "error": err.Error(), "code": strconv.Itoa(abi.Code(err))}
	if child != 0 {
		data["child"] = child.String()
		switch p.rollback {
		case RollbackDestroy:
			if derr := p.ctx.EnvDestroy(child); derr != nil {
				err = errors.Join(err, fmt.Errorf("destroy partial child %s: %w", child, derr))
			} else {
				p.publish(events.ForkRolledBack, map[string]string{"mode": mode, "child": child.String()})
			}
		case RollbackLeak:
			p.Logger().Warn("leaving partial child", "child", child.String())
		}
	}
	p.Logger().Error("fork failed", "mode", mode, "error", err)
	p.publish(events.ForkFailed, data)
	return Result{Err: err}
}
