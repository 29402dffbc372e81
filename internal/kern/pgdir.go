package kern

import (
	"sort"

	"github.com/kahiteam/cowfork/internal/vm"
)

// pte is a leaf page-table entry.
type pte struct {
	f    *frame
	perm vm.Perm
}

func (e *pte) present() bool { return e != nil && e.f != nil && e.perm.IsPresent() }

// pageTable is the second level; it lives in a frame of its own so that
// growing an address space can run out of memory.
type pageTable struct {
	backing *frame
	entries []pte
}

// pgdir is an environment's two-level page table.
type pgdir struct {
	layout vm.Layout
	pool   *framePool
	tables map[uintptr]*pageTable
}

func newPgdir(layout vm.Layout, pool *framePool) *pgdir {
	return &pgdir{layout: layout, pool: pool, tables: make(map[uintptr]*pageTable)}
}

// walk returns the entry for va, creating the page table when create is set.
// It returns a nil entry, and no error, when the table is absent and create
// is false.
func (d *pgdir) walk(va uintptr, create bool) (*pte, error) {
	pdx := d.layout.PDX(va)
	pt, ok := d.tables[pdx]
	if !ok {
		if !create {
			return nil, nil
		}
		f, err := d.pool.alloc()
		if err != nil {
			return nil, err
		}
		d.pool.incref(f)
		pt = &pageTable{backing: f, entries: make([]pte, d.layout.TableEntries)}
		d.tables[pdx] = pt
	}
	return &pt.entries[d.layout.PTX(va)], nil
}

// lookup returns the present entry for va, or nil.
func (d *pgdir) lookup(va uintptr) *pte {
	e, _ := d.walk(va, false)
	if !e.present() {
		return nil
	}
	return e
}

// insert maps f at va with perm, replacing any previous mapping. The new
// reference is taken before the old one is dropped so re-inserting the same
// frame is safe.
func (d *pgdir) insert(va uintptr, f *frame, perm vm.Perm) error {
	e, err := d.walk(va, true)
	if err != nil {
		return err
	}
	d.pool.incref(f)
	if e.f != nil {
		d.pool.decref(e.f)
	}
	e.f = f
	e.perm = perm | vm.Present
	return nil
}

func (d *pgdir) remove(va uintptr) {
	e, _ := d.walk(va, false)
	if e == nil || e.f == nil {
		return
	}
	d.pool.decref(e.f)
	*e = pte{}
}

// pdePerm reports the directory-level bits for va.
func (d *pgdir) pdePerm(va uintptr) vm.Perm {
	if _, ok := d.tables[d.layout.PDX(va)]; ok {
		return vm.Present | vm.User | vm.Writable
	}
	return 0
}

// mapping is one present leaf entry, for host-side inspection.
type mapping struct {
	va   uintptr
	perm vm.Perm
	f    *frame
}

func (d *pgdir) mappings() []mapping {
	var out []mapping
	for pdx, pt := range d.tables {
		for i := range pt.entries {
			e := &pt.entries[i]
			if !e.present() {
				continue
			}
			va := pdx*d.layout.TableSpan() + uintptr(i)*d.layout.PageSize
			out = append(out, mapping{va: va, perm: e.perm, f: e.f})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].va < out[j].va })
	return out
}

// free drops every mapping and every page table.
func (d *pgdir) free() {
	for pdx, pt := range d.tables {
		for i := range pt.entries {
			if f := pt.entries[i].f; f != nil {
				d.pool.decref(f)
			}
		}
		d.pool.decref(pt.backing)
		delete(d.tables, pdx)
	}
}
