package kern

import "github.com/kahiteam/cowfork/internal/abi"

// frame is one physical page. refs counts page-table entries pointing at it;
// a frame backing a page table itself holds a single reference.
type frame struct {
	id   uint64
	data []byte
	refs int
}

// framePool hands out zeroed frames up to an optional limit.
type framePool struct {
	size   uintptr
	max    int
	inUse  int
	nextID uint64
}

func newFramePool(size uintptr, max int) *framePool {
	return &framePool{size: size, max: max}
}

func (p *framePool) alloc() (*frame, error) {
	if p.max > 0 && p.inUse >= p.max {
		return nil, abi.ErrNoMem
	}
	p.inUse++
	p.nextID++
	return &frame{id: p.nextID, data: make([]byte, p.size)}, nil
}

func (p *framePool) incref(f *frame) { f.refs++ }

// discard returns a frame that never gained a reference.
func (p *framePool) discard(f *frame) {
	if f.refs == 0 {
		p.inUse--
		f.data = nil
	}
}

// decref drops one reference and returns the frame to the pool once unused.
func (p *framePool) decref(f *frame) {
	f.refs--
	if f.refs == 0 {
		p.inUse--
		f.data = nil
	}
}
