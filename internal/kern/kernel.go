// Package kern is an in-process exokernel: it owns environments, physical
// frames, and two-level page tables, and exposes them to user code only
// through the abi capability interface.
package kern

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/vm"
)

// Op names a syscall for fault injection.
type Op string

const (
	OpExofork    Op = "exofork"
	OpPageAlloc  Op = "page_alloc"
	OpPageMap    Op = "page_map"
	OpPageUnmap  Op = "page_unmap"
	OpSetUpcall  Op = "env_set_pgfault_upcall"
	OpSetStatus  Op = "env_set_status"
	OpEnvDestroy Op = "env_destroy"
)

// Call describes one syscall as seen by an Injector.
type Call struct {
	Op     Op
	Caller abi.EnvID
	Target abi.EnvID // destination environment, resolved
	VA     uintptr   // destination address, when the call has one
}

// Injector may fail a syscall before the kernel executes it.
type Injector func(c Call) error

// Config configures a Kernel.
type Config struct {
	Layout        vm.Layout
	MaxEnvs       int // 0 means unlimited
	MaxFrames     int // 0 means unlimited
	MaxFaultDepth int // nested faults allowed on the exception stack
	Logger        *slog.Logger
	Bus           *events.Bus
	Injector      Injector
}

type env struct {
	id         abi.EnvID
	parent     abi.EnvID
	sm         statusMachine
	pgdir      *pgdir
	entry      abi.Entry
	upcall     abi.Upcall
	faultDepth int

	started bool
	killed  bool
	wake    chan bool
}

// Kernel owns every environment and frame. It is safe for concurrent use,
// although Run dispatches environments one at a time.
type Kernel struct {
	mu       sync.Mutex
	layout   vm.Layout
	cfg      Config
	pool     *framePool
	envs     map[abi.EnvID]*env
	order    []abi.EnvID
	next     int
	current  *env
	park     chan struct{}
	nextID   abi.EnvID
	logger   *slog.Logger
	bus      *events.Bus
	injector Injector
}

// New creates a kernel with an empty environment table.
func New(cfg Config) (*Kernel, error) {
	if errs := cfg.Layout.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid layout: %w", errors.Join(errs...))
	}
	if cfg.MaxFaultDepth <= 0 {
		cfg.MaxFaultDepth = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Kernel{
		layout:   cfg.Layout,
		cfg:      cfg,
		pool:     newFramePool(cfg.Layout.PageSize, cfg.MaxFrames),
		envs:     make(map[abi.EnvID]*env),
		park:     make(chan struct{}),
		nextID:   0x1000,
		logger:   logger,
		bus:      cfg.Bus,
		injector: cfg.Injector,
	}, nil
}

// Layout returns the address space layout shared by every environment.
func (k *Kernel) Layout() vm.Layout { return k.layout }

// SetInjector replaces the fault injector.
func (k *Kernel) SetInjector(inj Injector) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.injector = inj
}

// Spawn creates a runnable root environment that starts in entry.
func (k *Kernel) Spawn(entry abi.Entry) (abi.EnvID, error) {
	if entry == nil {
		return 0, abi.ErrInval
	}
	k.mu.Lock()
	e, err := k.allocEnvLocked(0, entry)
	if err == nil {
		err = e.sm.Transition(abi.Runnable)
	}
	k.mu.Unlock()
	if err != nil {
		return 0, err
	}
	k.publish(events.EnvCreated, e.id, nil)
	k.publish(events.EnvRunnable, e.id, nil)
	return e.id, nil
}

func (k *Kernel) allocEnvLocked(parent abi.EnvID, entry abi.Entry) (*env, error) {
	if k.cfg.MaxEnvs > 0 && len(k.envs) >= k.cfg.MaxEnvs {
		return nil, abi.ErrNoFreeEnv
	}
	id := k.nextID
	k.nextID++
	e := &env{
		id:     id,
		parent: parent,
		pgdir:  newPgdir(k.layout, k.pool),
		entry:  entry,
	}
	if err := e.sm.Transition(abi.NotRunnable); err != nil {
		return nil, err
	}
	k.envs[id] = e
	k.order = append(k.order, id)
	k.logger.Debug("env created", "env", id.String(), "parent", parent.String())
	return e, nil
}

// Run dispatches runnable environments round-robin until none remain or ctx
// is done. Exactly one environment executes at a time: the scheduler hands
// it the CPU and waits until it yields or exits. An environment whose entry
// returns exits and is destroyed.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := k.pickRunnable()
		if e == nil {
			return nil
		}
		k.dispatch(e)
	}
}

func (k *Kernel) pickRunnable() *env {
	k.mu.Lock()
	defer k.mu.Unlock()
	for range len(k.order) {
		if k.next >= len(k.order) {
			k.next = 0
		}
		id := k.order[k.next]
		k.next++
		e, ok := k.envs[id]
		if !ok || e.sm.Status() != abi.Runnable {
			continue
		}
		if err := e.sm.Transition(abi.Running); err != nil {
			continue
		}
		return e
	}
	return nil
}

func (k *Kernel) dispatch(e *env) {
	k.mu.Lock()
	k.current = e
	start := !e.started
	if start {
		e.started = true
		e.wake = make(chan bool)
		go k.runEnv(e, e.entry)
		e.entry = nil
	}
	k.mu.Unlock()

	e.wake <- true
	<-k.park

	k.mu.Lock()
	k.current = nil
	k.mu.Unlock()
}

// runEnv is the goroutine behind one environment.
func (k *Kernel) runEnv(e *env, entry abi.Entry) {
	if !<-e.wake {
		return
	}
	defer func() {
		if e.killed {
			return
		}
		if r := recover(); r != nil {
			k.logger.Error("env panicked", "env", e.id.String(), "panic", r)
		}
		k.mu.Lock()
		exited := e.sm.Alive()
		if exited {
			k.destroyLocked(e)
		}
		k.mu.Unlock()
		if exited {
			k.logger.Debug("env exited", "env", e.id.String())
			k.publish(events.EnvDestroyed, e.id, map[string]string{"reason": "exit"})
		}
		k.park <- struct{}{}
	}()
	entry(&envContext{k: k, id: e.id})
}

// yield parks the running environment until the scheduler picks it again.
// An environment destroyed while parked never resumes.
func (k *Kernel) yield(id abi.EnvID) {
	k.mu.Lock()
	e, ok := k.envs[id]
	if !ok || e != k.current {
		k.mu.Unlock()
		return
	}
	_ = e.sm.Transition(abi.Runnable)
	k.mu.Unlock()

	k.park <- struct{}{}
	if !<-e.wake {
		e.killed = true
		runtime.Goexit()
	}
}

// Close destroys every remaining environment, releasing parked goroutines.
// It must not be called while Run is executing.
func (k *Kernel) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, e := range k.envs {
		k.destroyLocked(e)
	}
}

// destroyLocked releases the environment's address space and slot.
func (k *Kernel) destroyLocked(e *env) {
	_ = e.sm.Transition(abi.Dying)
	e.pgdir.free()
	e.upcall = nil
	e.entry = nil
	_ = e.sm.Transition(abi.Free)
	if e.started && e != k.current {
		close(e.wake)
	}
	delete(k.envs, e.id)
	for i, id := range k.order {
		if id == e.id {
			k.order = append(k.order[:i], k.order[i+1:]...)
			if k.next > i {
				k.next--
			}
			break
		}
	}
}

// kill destroys id for a fatal reason and reports it.
func (k *Kernel) kill(id abi.EnvID, reason string, err error) {
	k.mu.Lock()
	e, ok := k.envs[id]
	if ok && e.sm.Alive() {
		k.destroyLocked(e)
	} else {
		ok = false
	}
	k.mu.Unlock()
	if !ok {
		return
	}
	data := map[string]string{"reason": reason}
	if err != nil {
		k.logger.Error("env destroyed", "env", id.String(), "reason", reason, "error", err)
		data["error"] = err.Error()
	} else {
		k.logger.Info("env destroyed", "env", id.String(), "reason", reason)
	}
	k.publish(events.EnvDestroyed, id, data)
}

func (k *Kernel) publish(t events.EventType, id abi.EnvID, data map[string]string) {
	if k.bus == nil {
		return
	}
	if data == nil {
		data = map[string]string{}
	}
	data["env"] = id.String()
	k.bus.Publish(events.Event{Type: t, Data: data})
}

// Status returns the status of id; unknown handles read as Free.
func (k *Kernel) Status(id abi.EnvID) abi.Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.envs[id]; ok {
		return e.sm.Status()
	}
	return abi.Free
}

// Envs returns the handles of every live environment in creation order.
func (k *Kernel) Envs() []abi.EnvID {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]abi.EnvID, 0, len(k.envs))
	for id := range k.envs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FramesInUse counts allocated frames, page tables included.
func (k *Kernel) FramesInUse() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pool.inUse
}

// Mapping is a host-side view of one page-table entry.
type Mapping struct {
	VA    uintptr
	Perm  vm.Perm
	Frame uint64
}

// Mappings lists id's present pages in address order.
func (k *Kernel) Mappings(id abi.EnvID) ([]Mapping, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.envs[id]
	if !ok {
		return nil, abi.ErrBadEnv
	}
	ms := e.pgdir.mappings()
	out := make([]Mapping, len(ms))
	for i, m := range ms {
		out[i] = Mapping{VA: m.va, Perm: m.perm, Frame: m.f.id}
	}
	return out, nil
}

// Lookup returns the permissions of id's mapping at va.
func (k *Kernel) Lookup(id abi.EnvID, va uintptr) (vm.Perm, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.envs[id]
	if !ok {
		return 0, false
	}
	p := e.pgdir.lookup(k.layout.RoundDown(va))
	if p == nil {
		return 0, false
	}
	return p.perm, true
}
