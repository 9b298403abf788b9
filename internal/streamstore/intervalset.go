package streamstore

import "sort"

// byteRange is a half-open [Start, End) range of byte offsets.
type byteRange struct {
	Start, End uint64
}

func (r byteRange) contains(offset uint64) bool {
	return offset >= r.Start && offset < r.End
}

// intervalSet is an ordered, non-overlapping set of byte ranges. Two
// ranges that touch or overlap are merged on insert. Ported from the
// condvar-guarded IntervalSet usage in psst-core/src/stream_storage.rs
// (the `iset` crate there); Go has no equivalent off-the-shelf ordered
// interval set in the retrieval pack, so this is a small stdlib-only
// sorted-slice implementation.
type intervalSet struct {
	ranges []byteRange // kept sorted, non-overlapping, non-adjacent
}

// insert adds [start, end) to the set, merging with any overlapping or
// adjacent existing ranges.
func (s *intervalSet) insert(start, end uint64) {
	if end <= start {
		return
	}
	lo := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End >= start })
	hi := lo
	for hi < len(s.ranges) && s.ranges[hi].Start <= end {
		hi++
	}
	if lo < hi {
		if s.ranges[lo].Start < start {
			start = s.ranges[lo].Start
		}
		if s.ranges[hi-1].End > end {
			end = s.ranges[hi-1].End
		}
	}
	newRanges := make([]byteRange, 0, len(s.ranges)-(hi-lo)+1)
	newRanges = append(newRanges, s.ranges[:lo]...)
	newRanges = append(newRanges, byteRange{start, end})
	newRanges = append(newRanges, s.ranges[hi:]...)
	s.ranges = newRanges
}

// overlapping returns the single range overlapping offset, if any.
func (s *intervalSet) overlapping(offset uint64) (byteRange, bool) {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End > offset })
	if i < len(s.ranges) && s.ranges[i].Start <= offset {
		return s.ranges[i], true
	}
	return byteRange{}, false
}

// iterOverlap returns all ranges intersecting [start, end).
func (s *intervalSet) iterOverlap(start, end uint64) []byteRange {
	var out []byteRange
	for _, r := range s.ranges {
		if r.End <= start {
			continue
		}
		if r.Start >= end {
			break
		}
		out = append(out, r)
	}
	return out
}

// gaps returns the sub-ranges of [start, end) not covered by the set,
// ported from interval_difference in stream_storage.rs.
func (s *intervalSet) gaps(start, end uint64) []byteRange {
	var acc []byteRange
	cursor := start
	for _, r := range s.iterOverlap(start, end) {
		if !(cursor >= r.Start && cursor < r.End) {
			acc = append(acc, byteRange{cursor, r.Start})
		}
		cursor = r.End
	}
	if cursor >= start && cursor < end {
		acc = append(acc, byteRange{cursor, end})
	}
	return acc
}

// covers reports whether [start, end) is entirely within the set.
func (s *intervalSet) covers(start, end uint64) bool {
	return len(s.gaps(start, end)) == 0
}
