package fork

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/vm"
)

// HandleCOWFault gives the faulting environment its own writable copy of a
// copy-on-write page. A fault that is not a write, or that hits a page
// without the COW bit, is a bookkeeping bug and comes back as a FatalError,
// as does any failure while copying.
func HandleCOWFault(ctx abi.Context, tf abi.UTrapframe) error {
	fatal := func(err error) error {
		return &FatalError{Env: ctx.GetEnvID(), VA: tf.FaultVA, Cause: tf.Err, Err: err}
	}
	if !tf.Err.IsWrite() {
		return fatal(ErrNotWrite)
	}
	if !ctx.PTE(tf.FaultVA).IsCOW() {
		return fatal(ErrNotCOW)
	}
	if err := privatize(ctx, ctx.Layout().RoundDown(tf.FaultVA)); err != nil {
		return fatal(err)
	}
	return nil
}

// privatize replaces the mapping at the page-aligned va with a private
// writable copy of its contents, staged through the scratch page. The
// scratch page is not reentrant: one privatization at a time per
// environment.
func privatize(ctx abi.Context, va uintptr) error {
	self := ctx.GetEnvID()
	l := ctx.Layout()
	tmp := l.PageFaultTemp
	rw := vm.Present | vm.User | vm.Writable

	if err := ctx.PageAlloc(self, tmp, rw); err != nil {
		return fmt.Errorf("allocate scratch page: %w", err)
	}
	buf := make([]byte, l.PageSize)
	if err := ctx.Load(va, buf); err != nil {
		return fmt.Errorf("read %#x: %w", va, err)
	}
	if err := ctx.Store(tmp, buf); err != nil {
		return fmt.Errorf("write scratch page: %w", err)
	}
	if err := ctx.PageMap(self, tmp, self, va, rw); err != nil {
		return fmt.Errorf("move copy to %#x: %w", va, err)
	}
	if err := ctx.PageUnmap(self, tmp); err != nil {
		return fmt.Errorf("unmap scratch page: %w", err)
	}
	return nil
}

// cowFault is the handler Fork installs: HandleCOWFault plus reporting.
func (p *Proc) cowFault(ctx abi.Context, tf abi.UTrapframe) error {
	err := HandleCOWFault(ctx, tf)
	data := map[string]string{
		"env": ctx.GetEnvID().String(),
		"va":  fmt.Sprintf("%#x", tf.FaultVA),
	}
	if err != nil {
		p.logger.Error("unrecoverable page fault", "env", ctx.GetEnvID().String(), "error", err)
		data["error"] = err.Error()
		p.publish(events.FaultFatal, data)
		return err
	}
	p.logger.Debug("copy-on-write fault resolved", "env", ctx.GetEnvID().String(),
		"va", fmt.Sprintf("%#x", tf.FaultVA))
	p.publish(events.FaultResolved, data)
	return nil
}
