package kern

import (
	"encoding/binary"
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/vm"
)

// utfSize is the encoded size of an abi.UTrapframe on the exception stack.
const utfSize = 16

// Load copies len(buf) bytes at va into buf.
func (c *envContext) Load(va uintptr, buf []byte) error {
	return c.access(va, buf, false)
}

// Store copies buf to va. Writes to read-only or copy-on-write pages fault
// into the environment's upcall and are retried once it returns.
func (c *envContext) Store(va uintptr, buf []byte) error {
	return c.access(va, buf, true)
}

func (c *envContext) access(va uintptr, buf []byte, write bool) error {
	l := c.k.layout
	for len(buf) > 0 {
		off := va & (l.PageSize - 1)
		n := min(uintptr(len(buf)), l.PageSize-off)
		if err := c.accessPage(va, buf[:n], write); err != nil {
			return err
		}
		va += n
		buf = buf[n:]
	}
	return nil
}

// accessPage handles one access that does not cross a page boundary.
func (c *envContext) accessPage(va uintptr, chunk []byte, write bool) error {
	k := c.k
	for attempt := 0; ; attempt++ {
		k.mu.Lock()
		e, ok := k.envs[c.id]
		if !ok || !e.sm.Alive() {
			k.mu.Unlock()
			return fmt.Errorf("access %#x: %w", va, abi.ErrBadEnv)
		}
		cause := abi.FaultUser
		if write {
			cause |= abi.FaultWrite
		}
		var p *pte
		if va < k.layout.UserTop {
			p = e.pgdir.lookup(k.layout.RoundDown(va))
		}
		if p != nil && p.perm.IsUser() && (!write || p.perm.IsWritable()) {
			off := va & (k.layout.PageSize - 1)
			if write {
				copy(p.f.data[off:], chunk)
			} else {
				copy(chunk, p.f.data[off:])
			}
			k.mu.Unlock()
			return nil
		}
		if p != nil {
			cause |= abi.FaultPresent
		}
		k.mu.Unlock()

		if attempt >= k.cfg.MaxFaultDepth {
			k.kill(c.id, "fault loop", fmt.Errorf("%#x still faulting after %d attempts", va, attempt))
			return fmt.Errorf("access %#x: %w", va, abi.ErrFault)
		}
		if err := c.k.deliverFault(c, va, cause); err != nil {
			return err
		}
	}
}

// deliverFault pushes a trapframe on the exception stack and runs the
// upcall. The environment is destroyed when it has no upcall, when its
// exception stack is unusable, when faults nest too deeply, or when the
// upcall reports a fatal error.
func (k *Kernel) deliverFault(c *envContext, va uintptr, cause abi.FaultCause) error {
	tf := abi.UTrapframe{FaultVA: va, Err: cause}

	k.mu.Lock()
	e, ok := k.envs[c.id]
	if !ok || !e.sm.Alive() {
		k.mu.Unlock()
		return fmt.Errorf("fault %#x: %w", va, abi.ErrBadEnv)
	}
	upcall := e.upcall
	var reason string
	switch {
	case upcall == nil:
		reason = "unhandled page fault"
	case e.faultDepth >= k.cfg.MaxFaultDepth:
		reason = "exception stack overflow"
	default:
		if err := k.pushTrapframeLocked(e, tf); err != nil {
			reason = err.Error()
		}
	}
	if reason == "" {
		e.faultDepth++
	}
	k.mu.Unlock()

	if reason != "" {
		k.kill(c.id, reason, fmt.Errorf("%s at %#x", cause, va))
		return fmt.Errorf("fault %#x: %s: %w", va, reason, abi.ErrFault)
	}

	k.publish(events.PageFault, c.id, map[string]string{
		"va":    fmt.Sprintf("%#x", va),
		"cause": cause.String(),
	})

	err := upcall(c, tf)

	k.mu.Lock()
	e.faultDepth--
	k.mu.Unlock()

	if err != nil {
		k.kill(c.id, "fatal page fault", err)
		return fmt.Errorf("fault %#x: %w", va, abi.ErrFault)
	}
	return nil
}

// pushTrapframeLocked writes tf onto the exception stack the way the
// hardware trap path would. The stack page must be a plain writable user
// page: a copy-on-write exception stack would fault recursively.
func (k *Kernel) pushTrapframeLocked(e *env, tf abi.UTrapframe) error {
	l := k.layout
	xs := e.pgdir.lookup(l.ExceptionStackPage())
	if xs == nil || !xs.perm.Has(vm.User|vm.Writable) || xs.perm.IsCOW() {
		return fmt.Errorf("exception stack not mapped writable")
	}
	top := l.PageSize - uintptr(e.faultDepth+1)*utfSize
	if top >= l.PageSize {
		return fmt.Errorf("exception stack overflow")
	}
	frame := xs.f.data[top : top+utfSize]
	binary.LittleEndian.PutUint64(frame[0:8], uint64(tf.FaultVA))
	binary.LittleEndian.PutUint32(frame[8:12], uint32(tf.Err))
	binary.LittleEndian.PutUint32(frame[12:16], uint32(e.faultDepth))
	return nil
}
