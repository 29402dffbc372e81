// Package vm defines page permissions and the virtual address layout shared
// by the kernel simulation and the fork library.
package vm

import "strings"

// Perm is the permission set attached to a page mapping.
type Perm uint32

const (
	Present  Perm = 1 << iota // P: mapping is valid
	Writable                  // W: writes allowed
	User                      // U: accessible from user mode
	COW                       // copy-on-write, pending privatization
	Shared                    // explicitly shared across duplicates
)

// SyscallMask holds every bit a user environment may pass to the mapping
// syscalls.
const SyscallMask = Present | Writable | User | COW | Shared

var permNames = []struct {
	bit  Perm
	name string
}{
	{Present, "P"},
	{User, "U"},
	{Writable, "W"},
	{COW, "COW"},
	{Shared, "SHARE"},
}

// Has reports whether every bit in q is set.
func (p Perm) Has(q Perm) bool { return p&q == q }

// HasAny reports whether at least one bit in q is set.
func (p Perm) HasAny(q Perm) bool { return p&q != 0 }

func (p Perm) IsPresent() bool  { return p.Has(Present) }
func (p Perm) IsUser() bool     { return p.Has(User) }
func (p Perm) IsWritable() bool { return p.Has(Writable) }
func (p Perm) IsCOW() bool      { return p.Has(COW) }
func (p Perm) IsShared() bool   { return p.Has(Shared) }

// Settled reports whether the mapping obeys the COW/W exclusion.
func (p Perm) Settled() bool { return !(p.IsCOW() && p.IsWritable()) }

// String renders the set as "P|U|W", or "-" when empty.
func (p Perm) String() string {
	if p == 0 {
		return "-"
	}
	var parts []string
	for _, n := range permNames {
		if p.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if rest := p &^ SyscallMask; rest != 0 {
		parts = append(parts, "?")
	}
	return strings.Join(parts, "|")
}
