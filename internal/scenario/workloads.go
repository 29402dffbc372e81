package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/fork"
	"github.com/kahiteam/cowfork/internal/inspect"
	"github.com/kahiteam/cowfork/internal/kern"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/vm"
)

// rollbackPages is how many pages the rollback workload maps; the
// replication fails on the page at rollbackFailAt.
const (
	rollbackPages  = 5
	rollbackFailAt = 2
)

func init() {
	register(Scenario{Name: "cow", Summary: "child writes a copy-on-write page; parent keeps its value", run: runCOW})
	register(Scenario{Name: "shared", Summary: "child writes a shared page; parent sees the write", run: runShared})
	register(Scenario{Name: "rollback", Summary: "replication fails midway; parent pages stay usable", run: runRollback})
	register(Scenario{Name: "sfork", Summary: "shared fork: data is shared, the stack is copy-on-write", run: runSharedFork})
	register(Scenario{Name: "fatal", Summary: "child writes a read-only page and is destroyed alone", run: runFatal})
}

// dataBase is the first page the workloads use, clear of the scratch page.
func dataBase(l vm.Layout) uintptr { return 2 * l.TableSpan() }

var rw = vm.Present | vm.User | vm.Writable

// divergence forks over one page holding initial. The child writes first;
// the parent yields, then expects parentWants.
func divergence(ctx context.Context, e *Env, k *kern.Kernel, perm vm.Perm, initial, written, parentWants byte, sfork bool) error {
	var c checks
	var parent, child inspect.Snapshot
	va := dataBase(k.Layout())

	root := func(actx abi.Context) {
		p, err := e.bind(actx)
		if !c.ok(err, "bind") || !c.ok(mapPage(actx, va, perm, initial), "map page") {
			return
		}
		body := func(self *fork.Proc, r fork.Result) {
			sc := self.Context()
			switch {
			case r.Err != nil:
				c.ok(r.Err, "fork")
			case r.IsChild():
				if c.ok(self.Store(va, []byte{written}), "child store") {
					c.expectByte(sc, va, written, "child")
				}
				child = c.snapshot(sc)
			default:
				sc.Yield()
				c.expectByte(sc, va, parentWants, "parent")
				parent = c.snapshot(sc)
			}
		}
		if sfork {
			body(p, p.SharedFork(body))
		} else {
			body(p, p.Fork(body))
		}
	}
	if err := spawn(ctx, k, root); err != nil {
		return err
	}
	e.table(fmt.Sprintf("parent %s / child %s", parent.Env, child.Env), parent, child)
	return c.err()
}

func runCOW(ctx context.Context, e *Env, k *kern.Kernel) error {
	return divergence(ctx, e, k, rw, 7, 9, 7, false)
}

func runShared(ctx context.Context, e *Env, k *kern.Kernel) error {
	return divergence(ctx, e, k, rw|vm.Shared, 3, 5, 5, false)
}

func runRollback(ctx context.Context, e *Env, k *kern.Kernel) error {
	var c checks
	l := k.Layout()
	base := dataBase(l)
	failVA := base + rollbackFailAt*l.PageSize

	k.SetInjector(func(call kern.Call) error {
		if call.Op == kern.OpPageMap && call.Target != call.Caller && call.VA == failVA {
			return abi.ErrNoMem
		}
		return nil
	})

	var left []abi.EnvID
	root := func(actx abi.Context) {
		p, err := e.bind(actx)
		if !c.ok(err, "bind") {
			return
		}
		for i := uintptr(0); i < rollbackPages; i++ {
			if !c.ok(mapPage(actx, base+i*l.PageSize, rw, byte(i+1)), "map page") {
				return
			}
		}
		r := p.Fork(nil)
		if r.Err == nil {
			c.failf("fork succeeded despite injected failure")
			return
		}
		if !errors.Is(r.Err, abi.ErrNoMem) {
			c.failf("fork error = %v, want %v", r.Err, abi.ErrNoMem)
		}
		for i := uintptr(0); i < rollbackPages; i++ {
			va := base + i*l.PageSize
			c.expectByte(actx, va, byte(i+1), "parent")
			if c.ok(p.Store(va, []byte{byte(0x10 + i)}), fmt.Sprintf("parent store %#x", va)) {
				c.expectByte(actx, va, byte(0x10+i), "parent")
			}
		}
		left = k.Envs()
	}
	if err := spawn(ctx, k, root); err != nil {
		return err
	}

	want := 1
	if rb, _ := fork.ParseRollback(e.Config.Fork.Rollback); rb == fork.RollbackLeak {
		want = 2
	}
	if len(left) != want {
		c.failf("%d environments after failed fork with rollback %q, want %d", len(left), e.Config.Fork.Rollback, want)
	}
	return c.err()
}

func runSharedFork(ctx context.Context, e *Env, k *kern.Kernel) error {
	var c checks
	var parent, child inspect.Snapshot
	l := k.Layout()
	data, stack := dataBase(l), l.UserStackPage()

	root := func(actx abi.Context) {
		p, err := e.bind(actx)
		if !c.ok(err, "bind") {
			return
		}
		if !c.ok(mapPage(actx, data, rw, 1), "map data") || !c.ok(mapPage(actx, stack, rw, 2), "map stack") {
			return
		}
		body := func(self *fork.Proc, r fork.Result) {
			sc := self.Context()
			switch {
			case r.Err != nil:
				c.ok(r.Err, "sfork")
			case r.IsChild():
				c.ok(self.Store(data, []byte{10}), "child store data")
				c.ok(self.Store(stack, []byte{20}), "child store stack")
				child = c.snapshot(sc)
			default:
				sc.Yield()
				c.expectByte(sc, data, 10, "parent")
				c.expectByte(sc, stack, 2, "parent")
				parent = c.snapshot(sc)
			}
		}
		body(p, p.SharedFork(body))
	}
	if err := spawn(ctx, k, root); err != nil {
		return err
	}
	e.table(fmt.Sprintf("parent %s / child %s", parent.Env, child.Env), parent, child)
	return c.err()
}

func runFatal(ctx context.Context, e *Env, k *kern.Kernel) error {
	var c checks
	text := dataBase(k.Layout())

	fatal := 0
	id := e.Bus.Subscribe(func(events.Event) { fatal++ }, events.FaultFatal)
	defer e.Bus.Unsubscribe(id)

	root := func(actx abi.Context) {
		p, err := e.bind(actx)
		if !c.ok(err, "bind") || !c.ok(mapPage(actx, text, vm.Present|vm.User, 1), "map text") {
			return
		}
		r := p.Fork(func(self *fork.Proc, _ fork.Result) {
			if err := self.Store(text, []byte{2}); err == nil {
				c.failf("child wrote a read-only page")
			}
		})
		if !c.ok(r.Err, "fork") {
			return
		}
		actx.Yield()
		if st := k.Status(r.Handle); st != abi.Free {
			c.failf("child status = %s after fatal fault, want %s", st, abi.Free)
		}
		c.expectByte(actx, text, 1, "parent")
	}
	if err := spawn(ctx, k, root); err != nil {
		return err
	}
	if fatal != 1 {
		c.failf("%d fatal faults, want 1", fatal)
	}
	return c.err()
}

// Compare builds an address space with one page of each policy plus a
// stack page, forks it, lets the child write every writable page, and
// returns the parent and child snapshots taken after the child exits.
func Compare(ctx context.Context, e *Env) (parent, child inspect.Snapshot, err error) {
	if e.Logger == nil {
		e.Logger = logging.Discard()
	}
	k, err := kern.New(KernelConfig(e.Config, e.Logger, e.Bus))
	if err != nil {
		return parent, child, err
	}
	defer k.Close()

	var c checks
	l := k.Layout()
	base := dataBase(l)
	pages := []struct {
		va   uintptr
		perm vm.Perm
	}{
		{base, vm.Present | vm.User},
		{base + l.PageSize, rw},
		{base + 2*l.PageSize, rw | vm.Shared},
		{l.UserStackPage(), rw},
	}

	root := func(actx abi.Context) {
		p, err := e.bind(actx)
		if !c.ok(err, "bind") {
			return
		}
		for i, pg := range pages {
			if !c.ok(mapPage(actx, pg.va, pg.perm, byte(i+1)), "map page") {
				return
			}
		}
		body := func(self *fork.Proc, r fork.Result) {
			sc := self.Context()
			switch {
			case r.Err != nil:
				c.ok(r.Err, "fork")
			case r.IsChild():
				for _, pg := range pages {
					if pg.perm.IsWritable() {
						c.ok(self.Store(pg.va, []byte{0xee}), fmt.Sprintf("child store %#x", pg.va))
					}
				}
				child = c.snapshot(sc)
			default:
				sc.Yield()
				parent = c.snapshot(sc)
			}
		}
		body(p, p.Fork(body))
	}
	if err := spawn(ctx, k, root); err != nil {
		return parent, child, err
	}
	return parent, child, c.err()
}
