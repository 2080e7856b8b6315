// Package batch plans multi-file reads: entries sorted by data offset are
// greedily merged into groups whose internal gaps stay under a budget, so a
// group costs one contiguous read instead of one per file.
package batch

import (
	"sort"

	"github.com/datavision/easystore/pkg/des/format"
)

// Item pairs an index entry with its position in the caller's request, used
// as the stable tie-break for equal offsets.
type Item struct {
	Entry *format.IndexEntry
	Order int
}

// Group is one contiguous read: [Start, Start+Length) covers every item in
// Items including the gaps between them.
type Group struct {
	Start  uint64
	Length uint64
	Items  []Item
}

// Plan merges items into read groups under the gap budget. Items are sorted
// by data offset (stable by request order); a new group starts whenever the
// next entry begins more than maxGap bytes after the previous entry ends.
//
// Increasing maxGap can only reduce, never increase, the number of groups.
func Plan(items []Item, maxGap uint64) []Group {
	if len(items) == 0 {
		return nil
	}
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Entry.DataOffset != b.Entry.DataOffset {
			return a.Entry.DataOffset < b.Entry.DataOffset
		}
		return a.Order < b.Order
	})

	var groups []Group
	cur := Group{
		Start:  sorted[0].Entry.DataOffset,
		Length: sorted[0].Entry.DataLength,
		Items:  []Item{sorted[0]},
	}
	for _, it := range sorted[1:] {
		end := cur.Start + cur.Length
		if it.Entry.DataOffset >= end && it.Entry.DataOffset-end <= maxGap {
			cur.Length = it.Entry.DataOffset + it.Entry.DataLength - cur.Start
			cur.Items = append(cur.Items, it)
			continue
		}
		if it.Entry.DataOffset < end {
			// Overlapping or contained range, extend if needed.
			if it.Entry.DataOffset+it.Entry.DataLength > end {
				cur.Length = it.Entry.DataOffset + it.Entry.DataLength - cur.Start
			}
			cur.Items = append(cur.Items, it)
			continue
		}
		groups = append(groups, cur)
		cur = Group{
			Start:  it.Entry.DataOffset,
			Length: it.Entry.DataLength,
			Items:  []Item{it},
		}
	}
	return append(groups, cur)
}

// Slice cuts one item's bytes out of its group buffer.
func (g *Group) Slice(buf []byte, it Item) []byte {
	off := it.Entry.DataOffset - g.Start
	out := make([]byte, it.Entry.DataLength)
	copy(out, buf[off:off+it.Entry.DataLength])
	return out
}
