// Package inspect captures an environment's address space as seen from
// user mode and renders or compares the result.
package inspect

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"golang.org/x/crypto/blake2b"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/vm"
)

// Page is one present mapping and a digest of its contents.
type Page struct {
	VA     uintptr
	Perm   vm.Perm
	Digest [blake2b.Size256]byte
}

// Snapshot is the set of present pages of one environment, ordered by VA.
type Snapshot struct {
	Env   abi.EnvID
	Pages []Page
}

// Take walks the caller's page tables below UserTop and hashes every
// present page. Tables that are absent are skipped whole.
func Take(ctx abi.Context) (Snapshot, error) {
	l := ctx.Layout()
	span := l.TableSpan()
	snap := Snapshot{Env: ctx.GetEnvID()}
	buf := make([]byte, l.PageSize)

	for va := uintptr(0); va < l.UserTop; {
		if !ctx.PDE(va).IsPresent() {
			va = (va/span + 1) * span
			continue
		}
		if perm := ctx.PTE(va); perm.IsPresent() {
			if err := ctx.Load(va, buf); err != nil {
				return Snapshot{}, fmt.Errorf("read page %#x: %w", va, err)
			}
			snap.Pages = append(snap.Pages, Page{VA: va, Perm: perm, Digest: blake2b.Sum256(buf)})
		}
		va += l.PageSize
	}
	return snap, nil
}

// Lookup returns the page mapped at va, if any.
func (s Snapshot) Lookup(va uintptr) (Page, bool) {
	i := sort.Search(len(s.Pages), func(i int) bool { return s.Pages[i].VA >= va })
	if i < len(s.Pages) && s.Pages[i].VA == va {
		return s.Pages[i], true
	}
	return Page{}, false
}

// Change classifies a Delta.
type Change int

const (
	Added   Change = iota // present only in the second snapshot
	Removed               // present only in the first snapshot
	PermChanged
	ContentChanged
)

var changeNames = [...]string{"added", "removed", "perm", "content"}

func (c Change) String() string {
	if c >= 0 && int(c) < len(changeNames) {
		return changeNames[c]
	}
	return "unknown"
}

// Delta is one difference between two snapshots. A page whose permission
// and contents both differ yields two deltas.
type Delta struct {
	VA     uintptr
	Change Change
	From   vm.Perm
	To     vm.Perm
}

func (d Delta) String() string {
	switch d.Change {
	case Added:
		return fmt.Sprintf("%#x added %s", d.VA, d.To)
	case Removed:
		return fmt.Sprintf("%#x removed %s", d.VA, d.From)
	case PermChanged:
		return fmt.Sprintf("%#x perm %s -> %s", d.VA, d.From, d.To)
	default:
		return fmt.Sprintf("%#x content", d.VA)
	}
}

// Diff lists the differences from a to b in VA order.
func Diff(a, b Snapshot) []Delta {
	var out []Delta
	i, j := 0, 0
	for i < len(a.Pages) || j < len(b.Pages) {
		switch {
		case j == len(b.Pages) || (i < len(a.Pages) && a.Pages[i].VA < b.Pages[j].VA):
			p := a.Pages[i]
			out = append(out, Delta{VA: p.VA, Change: Removed, From: p.Perm})
			i++
		case i == len(a.Pages) || b.Pages[j].VA < a.Pages[i].VA:
			p := b.Pages[j]
			out = append(out, Delta{VA: p.VA, Change: Added, To: p.Perm})
			j++
		default:
			pa, pb := a.Pages[i], b.Pages[j]
			if pa.Perm != pb.Perm {
				out = append(out, Delta{VA: pa.VA, Change: PermChanged, From: pa.Perm, To: pb.Perm})
			}
			if pa.Digest != pb.Digest {
				out = append(out, Delta{VA: pa.VA, Change: ContentChanged, From: pa.Perm, To: pb.Perm})
			}
			i++
			j++
		}
	}
	return out
}

// WriteTable renders snapshots side by side, one row per VA present in any
// of them. The digest column shows the first four bytes of each hash.
func WriteTable(w io.Writer, color bool, snaps ...Snapshot) error {
	vas := map[uintptr]struct{}{}
	for _, s := range snaps {
		for _, p := range s.Pages {
			vas[p.VA] = struct{}{}
		}
	}
	order := make([]uintptr, 0, len(vas))
	for va := range vas {
		order = append(order, va)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := []string{"VA"}
	for _, s := range snaps {
		header = append(header, "ENV "+s.Env.String(), "DIGEST")
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, va := range order {
		row := []string{fmt.Sprintf("%#x", va)}
		for _, s := range snaps {
			p, ok := s.Lookup(va)
			if !ok {
				row = append(row, "-", "-")
				continue
			}
			row = append(row, colorPerm(p.Perm, color), fmt.Sprintf("%x", p.Digest[:4]))
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func colorPerm(p vm.Perm, color bool) string {
	s := p.String()
	if !color {
		return s
	}
	switch {
	case p.IsShared():
		return "\033[36m" + s + "\033[0m"
	case p.IsCOW():
		return "\033[33m" + s + "\033[0m"
	case p.IsWritable():
		return "\033[32m" + s + "\033[0m"
	default:
		return s
	}
}
