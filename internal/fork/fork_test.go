package fork

import (
	"errors"
	"testing"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kern"
	"github.com/kahiteam/cowfork/internal/testutil"
	"github.com/kahiteam/cowfork/internal/vm"
)

const textBase = uintptr(0x800000)

var rw = vm.Present | vm.User | vm.Writable

// mapPage maps a fresh page at va holding val, then narrows it to perm.
func mapPage(t *testing.T, ctx abi.Context, va uintptr, perm vm.Perm, val byte) {
	t.Helper()
	alloc := rw | perm&vm.Shared
	if err := ctx.PageAlloc(0, va, alloc); err != nil {
		t.Errorf("PageAlloc(%#x): %v", va, err)
		return
	}
	if err := ctx.Store(va, []byte{val}); err != nil {
		t.Errorf("Store(%#x): %v", va, err)
		return
	}
	if perm != alloc {
		if err := ctx.PageMap(0, va, 0, va, perm); err != nil {
			t.Errorf("PageMap(%#x, %s): %v", va, perm, err)
		}
	}
}

func readByte(t *testing.T, ctx abi.Context, va uintptr) byte {
	t.Helper()
	buf := make([]byte, 1)
	if err := ctx.Load(va, buf); err != nil {
		t.Errorf("Load(%#x): %v", va, err)
	}
	return buf[0]
}

func writeByte(t *testing.T, ctx abi.Context, va uintptr, val byte) {
	t.Helper()
	if err := ctx.Store(va, []byte{val}); err != nil {
		t.Errorf("Store(%#x): %v", va, err)
	}
}

func byVA(ms []kern.Mapping) map[uintptr]kern.Mapping {
	out := make(map[uintptr]kern.Mapping, len(ms))
	for _, m := range ms {
		out[m.VA] = m
	}
	return out
}

func TestForkReplicatesPerPolicy(t *testing.T) {
	k := testutil.NewKernel(t, kern.Config{Logger: testutil.Logger(t)})
	l := k.Layout()
	ps := l.PageSize
	text, data, cow, shared := textBase, textBase+ps, textBase+2*ps, textBase+3*ps
	stack, xs := l.UserStackPage(), l.ExceptionStackPage()

	want := map[uintptr]vm.Perm{
		text:   vm.Present | vm.User,
		data:   vm.Present | vm.User | vm.COW,
		cow:    vm.Present | vm.User | vm.COW,
		shared: vm.Present | vm.User | vm.Writable | vm.Shared,
		stack:  vm.Present | vm.User | vm.COW,
		xs:     rw,
	}

	testutil.Run(t, k, func(ctx abi.Context) {
		p := Bind(ctx)
		mapPage(t, ctx, text, vm.Present|vm.User, 1)
		mapPage(t, ctx, data, rw, 2)
		mapPage(t, ctx, cow, vm.Present|vm.User|vm.COW, 3)
		mapPage(t, ctx, shared, rw|vm.Shared, 4)
		mapPage(t, ctx, stack, rw, 5)

		r := p.Fork(nil)
		if !r.IsParent() {
			t.Errorf("Fork() = %+v, want parent result", r)
			return
		}

		parent, err := k.Mappings(p.Self())
		if err != nil {
			t.Errorf("parent mappings: %v", err)
			return
		}
		child, err := k.Mappings(r.Handle)
		if err != nil {
			t.Errorf("child mappings: %v", err)
			return
		}
		if len(parent) != len(want) || len(child) != len(want) {
			t.Errorf("mapped pages: parent %d, child %d, want %d", len(parent), len(child), len(want))
		}

		cm := byVA(child)
		for _, pm := range parent {
			if pm.Perm != want[pm.VA] {
				t.Errorf("parent %#x perm = %s, want %s", pm.VA, pm.Perm, want[pm.VA])
			}
			c, ok := cm[pm.VA]
			if !ok {
				t.Errorf("child missing %#x", pm.VA)
				continue
			}
			if c.Perm != want[pm.VA] {
				t.Errorf("child %#x perm = %s, want %s", pm.VA, c.Perm, want[pm.VA])
			}
			sameFrame := c.Frame == pm.Frame
			if pm.VA == xs && sameFrame {
				t.Error("exception stack frame shared with child")
			}
			if pm.VA != xs && !sameFrame {
				t.Errorf("%#x: child frame %d, parent frame %d", pm.VA, c.Frame, pm.Frame)
			}
		}
		if _, ok := cm[l.PageFaultTemp]; ok {
			t.Error("child has scratch page mapped")
		}
		if got := k.Status(r.Handle); got != abi.Runnable {
			t.Errorf("child status = %s, want RUNNABLE", got)
		}
	})

	if n := k.FramesInUse(); n != 0 {
		t.Errorf("FramesInUse after exit = %d, want 0", n)
	}
}

func TestForkPrivateWrite(t *testing.T) {
	tests := []struct {
		name        string
		parentFirst bool
	}{
		{"child writes", false},
		{"parent writes first", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := testutil.NewKernel(t, kern.Config{})
			var parentSaw, childSaw, childSawBefore byte

			testutil.Run(t, k, func(ctx abi.Context) {
				p := Bind(ctx)
				mapPage(t, ctx, textBase, rw, 7)

				body := func(self *Proc, r Result) {
					c := self.Context()
					if r.IsChild() {
						childSawBefore = readByte(t, c, textBase)
						writeByte(t, c, textBase, 9)
						childSaw = readByte(t, c, textBase)
						return
					}
					if r.Err != nil {
						t.Errorf("Fork: %v", r.Err)
						return
					}
					if tt.parentFirst {
						writeByte(t, c, textBase, 1)
					}
					c.Yield()
					parentSaw = readByte(t, c, textBase)
				}
				body(p, p.Fork(body))
			})

			wantParent, wantBefore := byte(7), byte(7)
			if tt.parentFirst {
				wantParent = 1
			}
			if parentSaw != wantParent {
				t.Errorf("parent read %d, want %d", parentSaw, wantParent)
			}
			if childSawBefore != wantBefore {
				t.Errorf("child read %d before writing, want %d", childSawBefore, wantBefore)
			}
			if childSaw != 9 {
				t.Errorf("child read %d, want 9", childSaw)
			}
			if n := k.FramesInUse(); n != 0 {
				t.Errorf("FramesInUse after exit = %d, want 0", n)
			}
		})
	}
}

func TestForkSharedPageWriteVisible(t *testing.T) {
	k := testutil.NewKernel(t, kern.Config{})
	var parentSaw byte

	testutil.Run(t, k, func(ctx abi.Context) {
		p := Bind(ctx)
		mapPage(t, ctx, textBase, rw|vm.Shared, 3)

		body := func(self *Proc, r Result) {
			c := self.Context()
			if r.IsChild() {
				writeByte(t, c, textBase, 5)
				return
			}
			c.Yield()
			parentSaw = readByte(t, c, textBase)
		}
		body(p, p.Fork(body))
	})

	if parentSaw != 5 {
		t.Errorf("parent read %d, want 5", parentSaw)
	}
}

func TestForkCompletesOncePerSide(t *testing.T) {
	k := testutil.NewKernel(t, kern.Config{})
	var parents, children int
	var handle, childSelf abi.EnvID

	root := testutil.Run(t, k, func(ctx abi.Context) {
		p := Bind(ctx)
		mapPage(t, ctx, textBase, rw, 1)

		body := func(self *Proc, r Result) {
			if r.IsChild() {
				children++
				childSelf = self.Self()
				if r.Code() != 0 {
					t.Errorf("child Code() = %d, want 0", r.Code())
				}
				return
			}
			parents++
			handle = r.Handle
			if r.Code() <= 0 {
				t.Errorf("parent Code() = %d, want > 0", r.Code())
			}
		}
		body(p, p.Fork(body))
	})

	if parents != 1 || children != 1 {
		t.Fatalf("completions: parent %d, child %d, want 1 each", parents, children)
	}
	if childSelf != handle {
		t.Errorf("child Self() = %s, parent got handle %s", childSelf, handle)
	}
	if childSelf == root {
		t.Error("child reports the parent's handle")
	}
}

func TestForkNested(t *testing.T) {
	k := testutil.NewKernel(t, kern.Config{})
	var rootSaw, childSaw, grandchildSaw byte

	testutil.Run(t, k, func(ctx abi.Context) {
		p := Bind(ctx)
		mapPage(t, ctx, textBase, rw, 1)

		r := p.Fork(func(child *Proc, _ Result) {
			c := child.Context()
			writeByte(t, c, textBase, 2)
			r := child.Fork(func(gc *Proc, _ Result) {
				writeByte(t, gc.Context(), textBase, 3)
				grandchildSaw = readByte(t, gc.Context(), textBase)
			})
			if r.Err != nil {
				t.Errorf("nested Fork: %v", r.Err)
				return
			}
			c.Yield()
			childSaw = readByte(t, c, textBase)
		})
		if r.Err != nil {
			t.Errorf("Fork: %v", r.Err)
			return
		}
		ctx.Yield()
		ctx.Yield()
		rootSaw = readByte(t, ctx, textBase)
	})

	if rootSaw != 1 || childSaw != 2 || grandchildSaw != 3 {
		t.Errorf("reads = %d/%d/%d, want 1/2/3", rootSaw, childSaw, grandchildSaw)
	}
	if n := k.FramesInUse(); n != 0 {
		t.Errorf("FramesInUse after exit = %d, want 0", n)
	}
}

func TestForkEvents(t *testing.T) {
	bus := events.NewBus(nil)
	counts := map[events.EventType]int{}
	bus.Subscribe(func(e events.Event) { counts[e.Type]++ },
		events.ForkStarted, events.ForkCompleted, events.PageReplicated, events.FaultResolved)

	k := testutil.NewKernel(t, kern.Config{Bus: bus})
	testutil.Run(t, k, func(ctx abi.Context) {
		p := Bind(ctx, WithBus(bus))
		mapPage(t, ctx, textBase, rw, 1)
		mapPage(t, ctx, textBase+k.Layout().PageSize, vm.Present|vm.User, 2)

		p.Fork(func(child *Proc, _ Result) {
			writeByte(t, child.Context(), textBase, 9)
		})
	})

	want := map[events.EventType]int{
		events.ForkStarted:    1,
		events.ForkCompleted:  1,
		events.PageReplicated: 2,
		events.FaultResolved:  1,
	}
	for typ, n := range want {
		if counts[typ] != n {
			t.Errorf("%s events = %d, want %d", typ, counts[typ], n)
		}
	}
}

func TestForkExoforkFailure(t *testing.T) {
	k := testutil.NewKernel(t, kern.Config{MaxEnvs: 1})
	var r Result

	testutil.Run(t, k, func(ctx abi.Context) {
		p := Bind(ctx)
		r = p.Fork(func(*Proc, Result) { t.Error("child ran") })
	})

	if !errors.Is(r.Err, abi.ErrNoFreeEnv) {
		t.Fatalf("Fork err = %v, want ErrNoFreeEnv", r.Err)
	}
	if r.Code() != -int(abi.ENoFreeEnv) {
		t.Errorf("Code() = %d, want %d", r.Code(), -int(abi.ENoFreeEnv))
	}
	if r.IsChild() || r.IsParent() {
		t.Error("failed result reports a side")
	}
}

// failChildMapAt fails the mapping of va into any environment other than
// the caller.
func failChildMapAt(va uintptr) kern.Injector {
	return func(c kern.Call) error {
		if c.Op == kern.OpPageMap && c.Target != c.Caller && c.VA == va {
			return abi.ErrNoMem
		}
		return nil
	}
}

func TestForkFailureMidway(t *testing.T) {
	const pages, failAt = 5, 2

	tests := []struct {
		name     string
		rollback RollbackPolicy
	}{
		{"destroy", RollbackDestroy},
		{"leak", RollbackLeak},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := events.NewBus(nil)
			rolledBack := 0
			bus.Subscribe(func(events.Event) { rolledBack++ }, events.ForkRolledBack)

			k := testutil.NewKernel(t, kern.Config{})
			ps := k.Layout().PageSize
			k.SetInjector(failChildMapAt(textBase + failAt*ps))

			var r Result
			root := testutil.Run(t, k, func(ctx abi.Context) {
				p := Bind(ctx, WithRollback(tt.rollback), WithBus(bus))
				for i := range pages {
					mapPage(t, ctx, textBase+uintptr(i)*ps, rw, byte(10+i))
				}

				r = p.Fork(func(*Proc, Result) { t.Error("partial child ran") })

				for i := range pages {
					va := textBase + uintptr(i)*ps
					if got := readByte(t, ctx, va); got != byte(10+i) {
						t.Errorf("page %d reads %d, want %d", i, got, 10+i)
					}
					writeByte(t, ctx, va, byte(20+i))
					if got := readByte(t, ctx, va); got != byte(20+i) {
						t.Errorf("page %d reads %d after write, want %d", i, got, 20+i)
					}
				}
			})

			if !errors.Is(r.Err, abi.ErrNoMem) {
				t.Fatalf("Fork err = %v, want ErrNoMem", r.Err)
			}
			if r.Code() != -int(abi.ENoMem) {
				t.Errorf("Code() = %d, want %d", r.Code(), -int(abi.ENoMem))
			}

			left := k.Envs()
			switch tt.rollback {
			case RollbackDestroy:
				if len(left) != 0 {
					t.Errorf("envs left = %v, want none", left)
				}
				if rolledBack != 1 {
					t.Errorf("rollback events = %d, want 1", rolledBack)
				}
				if n := k.FramesInUse(); n != 0 {
					t.Errorf("FramesInUse = %d, want 0", n)
				}
			case RollbackLeak:
				if len(left) != 1 || left[0] == root {
					t.Fatalf("envs left = %v, want the partial child", left)
				}
				if got := k.Status(left[0]); got != abi.NotRunnable {
					t.Errorf("partial child status = %s, want NOT_RUNNABLE", got)
				}
				ms, _ := k.Mappings(left[0])
				if len(ms) != failAt {
					t.Errorf("partial child has %d pages, want %d", len(ms), failAt)
				}
				if rolledBack != 0 {
					t.Errorf("rollback events = %d, want 0", rolledBack)
				}
			}
		})
	}
}

func TestForkExceptionStackFailure(t *testing.T) {
	k := testutil.NewKernel(t, kern.Config{})
	xs := k.Layout().ExceptionStackPage()
	k.SetInjector(func(c kern.Call) error {
		if c.Op == kern.OpPageAlloc && c.Target != c.Caller && c.VA == xs {
			return abi.ErrNoMem
		}
		return nil
	})

	var r Result
	testutil.Run(t, k, func(ctx abi.Context) {
		p := Bind(ctx)
		mapPage(t, ctx, textBase, rw, 1)
		r = p.Fork(nil)
	})

	if !errors.Is(r.Err, abi.ErrNoMem) {
		t.Fatalf("Fork err = %v, want ErrNoMem", r.Err)
	}
	if len(k.Envs()) != 0 {
		t.Errorf("envs left = %v, want none", k.Envs())
	}
}
