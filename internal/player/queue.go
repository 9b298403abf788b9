package player

import (
	"math/rand/v2"

	"github.com/psst-go/corestream/pkg/coretypes"
)

// Queue holds the ordered playback list and the current position
// within it, advancing according to a QueueBehavior (spec.md §4.8).
//
// No queue.rs/item.rs source survived in the retrieval pack; the field
// layout here is inferred from player/mod.rs's call sites (fill,
// skip_to_next, skip_to_following, get_following, clear) plus spec.md
// §3/§8's explicit behavior table - see DESIGN.md.
type Queue struct {
	items    []coretypes.ItemId
	index    int
	behavior coretypes.QueueBehavior

	unplayed    []int // remaining shuffle bag for QueueRandom, indices into items
	pendingNext int   // cached random pick for the next advance; -1 if none cached
}

// NewQueue returns an empty queue ready to use; the zero Queue value is
// NOT valid (pendingNext must start at -1, not 0).
func NewQueue() *Queue {
	return &Queue{pendingNext: -1}
}

// Fill replaces the queue and starts at startPos.
func (q *Queue) Fill(items []coretypes.ItemId, startPos int) {
	q.items = items
	q.index = startPos
	q.unplayed = nil
	q.pendingNext = -1
}

// Clear empties the queue entirely.
func (q *Queue) Clear() {
	q.items = nil
	q.index = 0
	q.unplayed = nil
	q.pendingNext = -1
}

// SetBehavior changes how SkipToNext/SkipToFollowing advance.
func (q *Queue) SetBehavior(b coretypes.QueueBehavior) {
	q.behavior = b
	q.unplayed = nil
	q.pendingNext = -1
}

// Current returns the item at the current position, if any.
func (q *Queue) Current() (coretypes.ItemId, bool) {
	if q.index < 0 || q.index >= len(q.items) {
		return coretypes.ItemId{}, false
	}
	return q.items[q.index], true
}

// SkipToNext advances to the item GetFollowing reports, so it follows
// the queue behavior (under LoopTrack it stays on the current item).
// Used by the Next command and by the load-failure skip.
func (q *Queue) SkipToNext() (coretypes.ItemId, bool) {
	next, ok := q.peekFollowing()
	if !ok {
		return next, false
	}
	nextIdx := q.indexOf(next)
	if q.behavior == coretypes.QueueRandom {
		q.consumeRandomPick(nextIdx)
	}
	q.index = nextIdx
	return next, true
}

// SkipToFollowing is the same advance as SkipToNext, used on natural
// end-of-track (spec.md §4.8's "Advance queue via skip_to_following").
func (q *Queue) SkipToFollowing() (coretypes.ItemId, bool) {
	return q.SkipToNext()
}

// GetFollowing returns the would-be-next item without mutating state,
// for the 30s-remaining preload trigger (spec.md §4.8).
func (q *Queue) GetFollowing() (coretypes.ItemId, bool) {
	return q.peekFollowing()
}

// SkipToPrevious moves one position back (Previous command, spec.md
// §4.8: only called when position < 3s).
func (q *Queue) SkipToPrevious() (coretypes.ItemId, bool) {
	if len(q.items) == 0 {
		return coretypes.ItemId{}, false
	}
	switch q.behavior {
	case coretypes.QueueLoopAll:
		q.index = (q.index - 1 + len(q.items)) % len(q.items)
	default:
		if q.index == 0 {
			return coretypes.ItemId{}, false
		}
		q.index--
	}
	return q.Current()
}

func (q *Queue) indexOf(item coretypes.ItemId) int {
	for i, it := range q.items {
		if it == item {
			return i
		}
	}
	return q.index
}

func (q *Queue) peekFollowing() (coretypes.ItemId, bool) {
	n := len(q.items)
	if n == 0 {
		return coretypes.ItemId{}, false
	}
	switch q.behavior {
	case coretypes.QueueLoopTrack:
		return q.items[q.index], true
	case coretypes.QueueLoopAll:
		return q.items[(q.index+1)%n], true
	case coretypes.QueueRandom:
		return q.peekRandom()
	default: // QueueSequential
		if q.index+1 >= n {
			return coretypes.ItemId{}, false
		}
		return q.items[q.index+1], true
	}
}

// peekRandom samples uniformly from the remaining-unplayed-in-cycle
// set without consuming the pick, caching it so repeated peeks (e.g.
// GetFollowing called more than once before the next advance) return
// the same item - the Open Question decision recorded in DESIGN.md.
func (q *Queue) peekRandom() (coretypes.ItemId, bool) {
	n := len(q.items)
	if n == 0 {
		return coretypes.ItemId{}, false
	}
	if q.pendingNext >= 0 {
		return q.items[q.pendingNext], true
	}
	if len(q.unplayed) == 0 {
		q.unplayed = make([]int, 0, n)
		for i := 0; i < n; i++ {
			if i != q.index {
				q.unplayed = append(q.unplayed, i)
			}
		}
		if len(q.unplayed) == 0 {
			// single-item queue: only choice is to repeat it
			q.pendingNext = q.index
			return q.items[q.index], true
		}
	}
	pick := q.unplayed[rand.IntN(len(q.unplayed))]
	q.pendingNext = pick
	return q.items[pick], true
}

// consumeRandomPick removes idx from the shuffle bag once SkipToNext
// actually advances onto it, and clears the cached peek.
func (q *Queue) consumeRandomPick(idx int) {
	for i, v := range q.unplayed {
		if v == idx {
			q.unplayed = append(q.unplayed[:i], q.unplayed[i+1:]...)
			break
		}
	}
	q.pendingNext = -1
}
