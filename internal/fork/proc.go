package fork

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/vm"
)

// Handler resolves one page fault in the environment behind ctx.
type Handler func(ctx abi.Context, tf abi.UTrapframe) error

// RollbackPolicy decides what happens to a half-built child when a fork
// fails after the child was created.
type RollbackPolicy int

const (
	// RollbackDestroy destroys the partial child, releasing its frames.
	RollbackDestroy RollbackPolicy = iota
	// RollbackLeak leaves the partial child not runnable and untouched.
	RollbackLeak
)

func (r RollbackPolicy) String() string {
	if r == RollbackLeak {
		return "leak"
	}
	return "destroy"
}

// ParseRollback maps a config value to a policy.
func ParseRollback(s string) (RollbackPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "destroy":
		return RollbackDestroy, nil
	case "leak":
		return RollbackLeak, nil
	default:
		return 0, fmt.Errorf("rollback must be destroy or leak, got %q", s)
	}
}

// Option configures a Proc.
type Option func(*Proc)

// WithLogger sets the logger used for fork and fault reporting.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proc) { p.logger = l }
}

// WithBus publishes fork and fault events on bus.
func WithBus(bus *events.Bus) Option {
	return func(p *Proc) { p.bus = bus }
}

// WithRollback sets the mid-fork failure policy.
func WithRollback(r RollbackPolicy) Option {
	return func(p *Proc) { p.rollback = r }
}

// Proc is one thread of control's view of itself: its own handle, the
// capability context it runs in, and its page fault handler. A Proc belongs
// to exactly one environment; a forked child gets its own.
type Proc struct {
	ctx       abi.Context
	self      abi.EnvID
	layout    vm.Layout
	handler   Handler
	installed bool

	logger   *slog.Logger
	bus      *events.Bus
	rollback RollbackPolicy
}

// Bind creates the Proc for the environment running in ctx.
func Bind(ctx abi.Context, opts ...Option) *Proc {
	p := &Proc{}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p.bind(ctx)
	return p
}

// bind attaches p to ctx and resolves its own handle from the kernel. A
// Proc copied from the parent carries the parent's handle until this runs.
func (p *Proc) bind(ctx abi.Context) {
	p.ctx = ctx
	p.self = ctx.GetEnvID()
	p.layout = ctx.Layout()
}

// inherit returns the copy of p a new child starts from.
func (p *Proc) inherit() *Proc {
	c := *p
	c.ctx = nil
	return &c
}

// Self returns the handle of the environment p runs in.
func (p *Proc) Self() abi.EnvID { return p.self }

// Context returns the capability context p runs in.
func (p *Proc) Context() abi.Context { return p.ctx }

// Layout returns the address space layout.
func (p *Proc) Layout() vm.Layout { return p.layout }

// Logger returns p's logger annotated with its handle.
func (p *Proc) Logger() *slog.Logger { return p.logger.With("env", p.self.String()) }

// Load reads from p's address space.
func (p *Proc) Load(va uintptr, buf []byte) error { return p.ctx.Load(va, buf) }

// Store writes to p's address space, faulting as needed.
func (p *Proc) Store(va uintptr, buf []byte) error { return p.ctx.Store(va, buf) }

// SetPgfaultHandler makes h the page fault handler. The first call also maps
// the exception stack, if it is not mapped already, and registers the
// upcall with the kernel; later calls only swap the handler.
func (p *Proc) SetPgfaultHandler(h Handler) error {
	if !p.installed {
		xs := p.layout.ExceptionStackPage()
		if !p.ctx.PTE(xs).IsPresent() {
			if err := p.ctx.PageAlloc(0, xs, vm.Present|vm.User|vm.Writable); err != nil {
				return fmt.Errorf("allocate exception stack: %w", err)
			}
		}
		if err := p.ctx.EnvSetPgfaultUpcall(0, p.upcall); err != nil {
			return fmt.Errorf("set pgfault upcall: %w", err)
		}
		p.installed = true
	}
	p.handler = h
	return nil
}

// upcall is the entry point registered with the kernel. It runs on the
// exception stack of the faulting environment.
func (p *Proc) upcall(ctx abi.Context, tf abi.UTrapframe) error {
	if p.handler == nil {
		return &FatalError{Env: ctx.GetEnvID(), VA: tf.FaultVA, Cause: tf.Err, Err: fmt.Errorf("no page fault handler")}
	}
	return p.handler(ctx, tf)
}

func (p *Proc) publish(t events.EventType, data map[string]string) {
	if p.bus == nil {
		return
	}
	if _, ok := data["env"]; !ok {
		data["env"] = p.self.String()
	}
	p.bus.Publish(events.Event{Type: t, Data: data})
}
