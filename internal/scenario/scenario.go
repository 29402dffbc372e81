// Package scenario runs canned fork workloads against a fresh simulated
// kernel and checks the observable outcome of each.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/fork"
	"github.com/kahiteam/cowfork/internal/inspect"
	"github.com/kahiteam/cowfork/internal/kern"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/vm"
)

// Env is what every scenario runs with.
type Env struct {
	Config *config.Config
	Logger *slog.Logger
	Bus    *events.Bus

	// Out receives address-space tables; nil disables them.
	Out   io.Writer
	Color bool

	// AfterRun, if set, sees the kernel once every environment has exited
	// and before it is closed.
	AfterRun func(name string, k *kern.Kernel)
}

// Scenario is one named workload.
type Scenario struct {
	Name    string
	Summary string
	run     func(ctx context.Context, e *Env, k *kern.Kernel) error
}

// Outcome is the result of one scenario run.
type Outcome struct {
	Name     string
	Err      error
	Duration time.Duration
}

var registry = map[string]Scenario{}

func register(s Scenario) { registry[s.Name] = s }

// All returns every scenario sorted by name.
func All() []Scenario {
	out := make([]Scenario, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the scenario called name.
func Lookup(name string) (Scenario, bool) {
	s, ok := registry[name]
	return s, ok
}

// KernelConfig builds the kernel configuration described by cfg.
func KernelConfig(cfg *config.Config, logger *slog.Logger, bus *events.Bus) kern.Config {
	return kern.Config{
		Layout:        cfg.Layout.VM(),
		MaxEnvs:       cfg.Kernel.MaxEnvs,
		MaxFrames:     cfg.Kernel.MaxFrames,
		MaxFaultDepth: cfg.Kernel.MaxFaultDepth,
		Logger:        logger,
		Bus:           bus,
	}
}

// Run executes s on a kernel of its own.
func (s Scenario) Run(ctx context.Context, e *Env) Outcome {
	start := time.Now()
	err := s.exec(ctx, e)
	return Outcome{Name: s.Name, Err: err, Duration: time.Since(start)}
}

func (s Scenario) exec(ctx context.Context, e *Env) error {
	if e.Logger == nil {
		e.Logger = logging.Discard()
	}
	if e.Bus == nil {
		e.Bus = events.NewBus(e.Logger)
	}
	logger := logging.WithFields(e.Logger, "scenario", s.Name)

	k, err := kern.New(KernelConfig(e.Config, logger, e.Bus))
	if err != nil {
		return err
	}
	defer k.Close()

	logger.Info("scenario started")
	if err := s.run(ctx, e, k); err != nil {
		logger.Error("scenario failed", "error", err)
		return err
	}
	if e.AfterRun != nil {
		e.AfterRun(s.Name, k)
	}
	if len(k.Envs()) == 0 {
		if n := k.FramesInUse(); n != 0 {
			return fmt.Errorf("%d frames still in use after every environment exited", n)
		}
	}
	logger.Info("scenario passed")
	return nil
}

// RunAll runs each named scenario, or all of them when names is empty.
func RunAll(ctx context.Context, e *Env, names ...string) ([]Outcome, error) {
	var list []Scenario
	if len(names) == 0 {
		list = All()
	}
	for _, n := range names {
		s, ok := Lookup(n)
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q", n)
		}
		list = append(list, s)
	}
	out := make([]Outcome, 0, len(list))
	for _, s := range list {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, s.Run(ctx, e))
	}
	return out, nil
}

// checks collects failures from code running inside environments. The
// kernel runs one environment at a time, so no locking is needed.
type checks struct {
	errs []error
}

func (c *checks) ok(err error, what string) bool {
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("%s: %w", what, err))
		return false
	}
	return true
}

func (c *checks) failf(format string, args ...any) {
	c.errs = append(c.errs, fmt.Errorf(format, args...))
}

func (c *checks) expectByte(ctx abi.Context, va uintptr, want byte, who string) {
	buf := make([]byte, 1)
	if !c.ok(ctx.Load(va, buf), fmt.Sprintf("%s load %#x", who, va)) {
		return
	}
	if buf[0] != want {
		c.failf("%s sees %d at %#x, want %d", who, buf[0], va, want)
	}
}

func (c *checks) snapshot(ctx abi.Context) inspect.Snapshot {
	s, err := inspect.Take(ctx)
	c.ok(err, "snapshot")
	return s
}

func (c *checks) err() error { return errors.Join(c.errs...) }

// bind creates the root Proc with the configured rollback policy.
func (e *Env) bind(ctx abi.Context) (*fork.Proc, error) {
	rb, err := fork.ParseRollback(e.Config.Fork.Rollback)
	if err != nil {
		return nil, err
	}
	return fork.Bind(ctx, fork.WithLogger(e.Logger), fork.WithBus(e.Bus), fork.WithRollback(rb)), nil
}

// spawn runs root as the only initial environment until everything exits.
func spawn(ctx context.Context, k *kern.Kernel, root abi.Entry) error {
	if _, err := k.Spawn(root); err != nil {
		return err
	}
	return k.Run(ctx)
}

func (e *Env) table(title string, snaps ...inspect.Snapshot) {
	if e.Out == nil {
		return
	}
	fmt.Fprintf(e.Out, "\n%s\n", title)
	if err := inspect.WriteTable(e.Out, e.Color, snaps...); err != nil {
		e.Logger.Warn("cannot write table", "error", err)
	}
}

// mapPage allocates a writable page at va holding val and narrows it to
// perm when perm is not writable.
func mapPage(ctx abi.Context, va uintptr, perm vm.Perm, val byte) error {
	alloc := vm.Present | vm.User | vm.Writable | perm&vm.Shared
	if err := ctx.PageAlloc(0, va, alloc); err != nil {
		return err
	}
	if err := ctx.Store(va, []byte{val}); err != nil {
		return err
	}
	if perm != alloc {
		return ctx.PageMap(0, va, 0, va, perm)
	}
	return nil
}
