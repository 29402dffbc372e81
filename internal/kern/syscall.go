package kern

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/vm"
)

// envContext is the abi.Context handed to a running environment. Every call
// acts on behalf of id.
type envContext struct {
	k  *Kernel
	id abi.EnvID
}

var _ abi.Context = (*envContext)(nil)

func (c *envContext) Layout() vm.Layout { return c.k.layout }

func (c *envContext) GetEnvID() abi.EnvID { return c.id }

// Yield parks the caller and lets the next runnable environment run.
func (c *envContext) Yield() { c.k.yield(c.id) }

// envLocked resolves id (0 means the caller). With checkperm the target must
// be the caller or one of its immediate children.
func (k *Kernel) envLocked(caller, id abi.EnvID, checkperm bool) (*env, error) {
	self, ok := k.envs[caller]
	if !ok || !self.sm.Alive() {
		return nil, abi.ErrBadEnv
	}
	if id == 0 || id == caller {
		return self, nil
	}
	e, ok := k.envs[id]
	if !ok || !e.sm.Alive() {
		return nil, abi.ErrBadEnv
	}
	if checkperm && e.parent != caller {
		return nil, abi.ErrBadEnv
	}
	return e, nil
}

func (k *Kernel) checkVA(va uintptr) error {
	if va >= k.layout.UserTop || !k.layout.Aligned(va) {
		return abi.ErrInval
	}
	return nil
}

func checkPerm(perm vm.Perm) error {
	if !perm.Has(vm.Present|vm.User) || perm&^vm.SyscallMask != 0 || !perm.Settled() {
		return abi.ErrInval
	}
	return nil
}

func (k *Kernel) injectLocked(op Op, caller, target abi.EnvID, va uintptr) error {
	if k.injector == nil {
		return nil
	}
	return k.injector(Call{Op: op, Caller: caller, Target: target, VA: va})
}

// Exofork creates a not-runnable child with an empty address space. The
// child resumes in entry, observing the zero sentinel, once it is made
// runnable and scheduled.
func (c *envContext) Exofork(entry abi.Entry) (abi.EnvID, error) {
	if entry == nil {
		return 0, abi.ErrInval
	}
	k := c.k
	k.mu.Lock()
	if _, err := k.envLocked(c.id, 0, false); err != nil {
		k.mu.Unlock()
		return 0, err
	}
	if err := k.injectLocked(OpExofork, c.id, 0, 0); err != nil {
		k.mu.Unlock()
		return 0, err
	}
	e, err := k.allocEnvLocked(c.id, entry)
	k.mu.Unlock()
	if err != nil {
		return 0, err
	}
	k.publish(events.EnvCreated, e.id, map[string]string{"parent": c.id.String()})
	return e.id, nil
}

// PageAlloc maps a fresh zeroed frame at va in env.
func (c *envContext) PageAlloc(envid abi.EnvID, va uintptr, perm vm.Perm) error {
	k := c.k
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.envLocked(c.id, envid, true)
	if err != nil {
		return err
	}
	if err := k.checkVA(va); err != nil {
		return err
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	if err := k.injectLocked(OpPageAlloc, c.id, e.id, va); err != nil {
		return err
	}
	f, err := k.pool.alloc()
	if err != nil {
		return err
	}
	if err := e.pgdir.insert(va, f, perm); err != nil {
		k.pool.discard(f)
		return err
	}
	return nil
}

// PageMap maps the frame at srcva in srcenv into dstenv at dstva. Granting
// write access requires the source mapping to be writable.
func (c *envContext) PageMap(srcenv abi.EnvID, srcva uintptr, dstenv abi.EnvID, dstva uintptr, perm vm.Perm) error {
	k := c.k
	k.mu.Lock()
	defer k.mu.Unlock()
	src, err := k.envLocked(c.id, srcenv, true)
	if err != nil {
		return err
	}
	dst, err := k.envLocked(c.id, dstenv, true)
	if err != nil {
		return err
	}
	if err := k.checkVA(srcva); err != nil {
		return err
	}
	if err := k.checkVA(dstva); err != nil {
		return err
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	p := src.pgdir.lookup(srcva)
	if p == nil {
		return abi.ErrInval
	}
	if perm.IsWritable() && !p.perm.IsWritable() {
		return abi.ErrInval
	}
	if err := k.injectLocked(OpPageMap, c.id, dst.id, dstva); err != nil {
		return err
	}
	return dst.pgdir.insert(dstva, p.f, perm)
}

// PageUnmap removes the mapping at va, if any.
func (c *envContext) PageUnmap(envid abi.EnvID, va uintptr) error {
	k := c.k
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.envLocked(c.id, envid, true)
	if err != nil {
		return err
	}
	if err := k.checkVA(va); err != nil {
		return err
	}
	if err := k.injectLocked(OpPageUnmap, c.id, e.id, va); err != nil {
		return err
	}
	e.pgdir.remove(va)
	return nil
}

// EnvSetPgfaultUpcall registers env's page fault entry point.
func (c *envContext) EnvSetPgfaultUpcall(envid abi.EnvID, upcall abi.Upcall) error {
	k := c.k
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.envLocked(c.id, envid, true)
	if err != nil {
		return err
	}
	if err := k.injectLocked(OpSetUpcall, c.id, e.id, 0); err != nil {
		return err
	}
	e.upcall = upcall
	return nil
}

// EnvSetStatus moves env between NotRunnable and Runnable.
func (c *envContext) EnvSetStatus(envid abi.EnvID, status abi.Status) error {
	if status != abi.Runnable && status != abi.NotRunnable {
		return abi.ErrInval
	}
	k := c.k
	k.mu.Lock()
	e, err := k.envLocked(c.id, envid, true)
	if err == nil {
		err = k.injectLocked(OpSetStatus, c.id, e.id, 0)
	}
	if err == nil && e.id != c.id {
		if terr := e.sm.Transition(status); terr != nil {
			err = fmt.Errorf("%w: %v", abi.ErrInval, terr)
		}
	}
	k.mu.Unlock()
	if err != nil {
		return err
	}
	if status == abi.Runnable && e.id != c.id {
		k.publish(events.EnvRunnable, e.id, nil)
	}
	return nil
}

// EnvDestroy destroys env, which must be the caller or its child.
func (c *envContext) EnvDestroy(envid abi.EnvID) error {
	k := c.k
	k.mu.Lock()
	e, err := k.envLocked(c.id, envid, true)
	if err == nil {
		err = k.injectLocked(OpEnvDestroy, c.id, e.id, 0)
	}
	k.mu.Unlock()
	if err != nil {
		return err
	}
	k.kill(e.id, "destroyed by "+c.id.String(), nil)
	return nil
}

// PDE reads the directory-level bits covering va.
func (c *envContext) PDE(va uintptr) vm.Perm {
	k := c.k
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.envs[c.id]
	if !ok {
		return 0
	}
	return e.pgdir.pdePerm(va)
}

// PTE reads the leaf permissions for va.
func (c *envContext) PTE(va uintptr) vm.Perm {
	k := c.k
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.envs[c.id]
	if !ok {
		return 0
	}
	p := e.pgdir.lookup(k.layout.RoundDown(va))
	if p == nil {
		return 0
	}
	return p.perm
}
