package vm

import (
	"fmt"
	"math/bits"
)

// Layout describes the user portion of a two-level virtual address space.
//
//	UserTop            top of user memory, nothing at or above it is replicated
//	ExceptionStackTop  top of the one-page exception stack
//	UserStackTop       top of the normal user stack (grows down)
//	PageFaultTemp      scratch page used while resolving a fault
type Layout struct {
	PageSize          uintptr
	TableEntries      uintptr
	UserTop           uintptr
	ExceptionStackTop uintptr
	UserStackTop      uintptr
	PageFaultTemp     uintptr
}

// DefaultLayout mirrors a 32-bit x86 user address space with 4 KiB pages.
func DefaultLayout() Layout {
	const (
		pageSize = 4096
		entries  = 1024
		ptSize   = pageSize * entries
		userTop  = 0xeec00000
	)
	return Layout{
		PageSize:          pageSize,
		TableEntries:      entries,
		UserTop:           userTop,
		ExceptionStackTop: userTop,
		UserStackTop:      userTop - 2*pageSize,
		PageFaultTemp:     2*ptSize - pageSize,
	}
}

// TableSpan is the number of bytes mapped by one page table.
func (l Layout) TableSpan() uintptr { return l.PageSize * l.TableEntries }

// PageNum returns the linear page number of va.
func (l Layout) PageNum(va uintptr) uintptr { return va / l.PageSize }

// PDX returns the page directory index of va.
func (l Layout) PDX(va uintptr) uintptr { return va / l.TableSpan() }

// PTX returns the page table index of va.
func (l Layout) PTX(va uintptr) uintptr { return (va / l.PageSize) % l.TableEntries }

// PageAddr returns the virtual address of page number pn.
func (l Layout) PageAddr(pn uintptr) uintptr { return pn * l.PageSize }

// RoundDown aligns va down to its page boundary.
func (l Layout) RoundDown(va uintptr) uintptr { return va &^ (l.PageSize - 1) }

// Aligned reports whether va is page aligned.
func (l Layout) Aligned(va uintptr) bool { return va&(l.PageSize-1) == 0 }

// ExceptionStackPage is the address of the single exception stack page.
func (l Layout) ExceptionStackPage() uintptr { return l.ExceptionStackTop - l.PageSize }

// UserStackPage is the address of the topmost normal stack page.
func (l Layout) UserStackPage() uintptr { return l.UserStackTop - l.PageSize }

// Validate returns every inconsistency in the layout.
func (l Layout) Validate() []error {
	var errs []error
	if l.PageSize < 16 || bits.OnesCount64(uint64(l.PageSize)) != 1 {
		errs = append(errs, fmt.Errorf("page_size must be a power of two >= 16, got %d", l.PageSize))
		return errs
	}
	if l.TableEntries == 0 || bits.OnesCount64(uint64(l.TableEntries)) != 1 {
		errs = append(errs, fmt.Errorf("page_table_entries must be a power of two, got %d", l.TableEntries))
		return errs
	}
	check := func(name string, va uintptr) {
		if !l.Aligned(va) {
			errs = append(errs, fmt.Errorf("%s %#x is not page aligned", name, va))
		}
	}
	check("user_top", l.UserTop)
	check("exception_stack_top", l.ExceptionStackTop)
	check("user_stack_top", l.UserStackTop)
	check("page_fault_temp", l.PageFaultTemp)

	if l.UserTop == 0 {
		errs = append(errs, fmt.Errorf("user_top must be non-zero"))
	}
	if l.ExceptionStackTop < l.PageSize || l.ExceptionStackTop > l.UserTop {
		errs = append(errs, fmt.Errorf("exception_stack_top %#x must be within (0, user_top]", l.ExceptionStackTop))
	}
	if l.UserStackTop < l.PageSize || l.UserStackTop > l.UserTop {
		errs = append(errs, fmt.Errorf("user_stack_top %#x must be within (0, user_top]", l.UserStackTop))
	}
	if l.PageFaultTemp >= l.UserTop {
		errs = append(errs, fmt.Errorf("page_fault_temp %#x must be below user_top", l.PageFaultTemp))
	}
	xs := l.ExceptionStackPage()
	if l.PageFaultTemp == xs {
		errs = append(errs, fmt.Errorf("page_fault_temp overlaps the exception stack"))
	}
	if l.UserStackPage() == xs {
		errs = append(errs, fmt.Errorf("user stack overlaps the exception stack"))
	}
	return errs
}
