// Package extent implements the Extent type of spec §3 and the
// ordered, merge-on-insert extent list required by §4.3's extents()
// contract and tested by §8 invariant 6 (ascending, non-overlapping,
// gap-free, no two adjacent entries share flags).
//
// The list is backed by github.com/google/btree (a direct dependency
// declared by the teacher's go.mod) rather than a plain sorted slice:
// backends build their extent list by reporting sub-ranges as they
// probe them (SEEK_DATA/SEEK_HOLE, NBD BlockStatus chunks, ...), which
// arrive in ascending order but not always as a single batch, and a
// B-tree keeps repeated ReplaceOrInsert calls during that probe cheap
// without a full re-sort at the end.
package extent

import (
	"fmt"

	"github.com/google/btree"
)

// Extent is a contiguous byte range with uniform content/allocation
// properties, per spec §3.
type Extent struct {
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
	Zero   bool   `json:"zero"`
	Hole   bool   `json:"hole,omitempty"`
	// Dirty is present only when the extent was produced for the
	// "dirty" context (§4.3); nil in the "zero" context.
	Dirty *bool `json:"dirty,omitempty"`
}

// End returns the exclusive end offset of e.
func (e Extent) End() uint64 {
	return e.Start + e.Length
}

// sameFlags reports whether two extents carry identical zero/hole/dirty
// flags and are therefore mergeable when adjacent (§3: "Two adjacent
// extents with identical flags MUST be merged by the producer").
func sameFlags(a, b Extent) bool {
	if a.Zero != b.Zero || a.Hole != b.Hole {
		return false
	}
	if (a.Dirty == nil) != (b.Dirty == nil) {
		return false
	}
	if a.Dirty != nil && *a.Dirty != *b.Dirty {
		return false
	}
	return true
}

type item struct {
	Extent
}

func (i item) Less(than btree.Item) bool {
	return i.Start < than.(item).Start
}

// List is an ascending, gap-tolerant, auto-merging collection of
// extents. The zero value is not usable; use NewList.
type List struct {
	tree *btree.BTree
}

// NewList returns an empty extent list.
func NewList() *List {
	return &List{tree: btree.New(32)}
}

// Add inserts e into the list, merging it with an existing extent
// immediately before or after it if their flags match and they are
// contiguous. Add assumes the caller reports extents made of
// disjoint, no more than adjacently-touching ranges (true of every
// backend's probing loop); it does not handle arbitrary overlap.
func (l *List) Add(e Extent) {
	if e.Length == 0 {
		return
	}

	var prevKey *item
	l.tree.DescendLessOrEqual(item{Extent{Start: e.Start}}, func(i btree.Item) bool {
		it := i.(item)
		if it.End() <= e.Start {
			prevKey = &it
		}
		return false // only need the closest one
	})
	if prevKey != nil && prevKey.End() == e.Start && sameFlags(prevKey.Extent, e) {
		l.tree.Delete(*prevKey)
		e.Start = prevKey.Start
		e.Length += prevKey.Length
	}

	var nextKey *item
	l.tree.AscendGreaterOrEqual(item{Extent{Start: e.End()}}, func(i btree.Item) bool {
		it := i.(item)
		nextKey = &it
		return false
	})
	if nextKey != nil && nextKey.Start == e.End() && sameFlags(nextKey.Extent, e) {
		l.tree.Delete(*nextKey)
		e.Length += nextKey.Length
	}

	l.tree.ReplaceOrInsert(item{e})
}

// Ascend calls fn for every extent in ascending order of Start,
// stopping early if fn returns false.
func (l *List) Ascend(fn func(Extent) bool) {
	l.tree.Ascend(func(i btree.Item) bool {
		return fn(i.(item).Extent)
	})
}

// Slice returns every extent in ascending order.
func (l *List) Slice() []Extent {
	out := make([]Extent, 0, l.tree.Len())
	l.Ascend(func(e Extent) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Len returns the number of (already-merged) extents in the list.
func (l *List) Len() int {
	return l.tree.Len()
}

// ValidateCoverage checks the §8 invariant 6 properties against size:
// ascending (guaranteed by construction), non-overlapping, gap-free
// over [0, size), and no two adjacent entries sharing flags. It is
// used by backend tests, not by the request path.
func ValidateCoverage(extents []Extent, size uint64) error {
	var want uint64
	for i, e := range extents {
		if e.Start != want {
			return errGapOrOverlapAt(i, want, e.Start)
		}
		if i > 0 && sameFlags(extents[i-1], e) {
			return errUnmergedAt(i)
		}
		want = e.End()
	}
	if want != size {
		return errShortCoverage(want, size)
	}
	return nil
}

func errGapOrOverlapAt(index int, want, got uint64) error {
	return fmt.Errorf("extent: gap or overlap at index %d: expected start %d, got %d", index, want, got)
}

func errUnmergedAt(index int) error {
	return fmt.Errorf("extent: adjacent extents at index %d and %d share flags but were not merged", index-1, index)
}

func errShortCoverage(covered, size uint64) error {
	return fmt.Errorf("extent: coverage ends at %d, expected %d", covered, size)
}
