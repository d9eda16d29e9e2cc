package pool

import (
	"container/heap"
	"time"
)

// selectionTuple is the ordering key from §4.1: oldest last_used_at first,
// then highest quota_snapshot.remaining, then lowest consecutive_failures.
type selectionTuple struct {
	tokenID             string
	lastUsedAt          time.Time
	remaining           int
	consecutiveFailures int
}

// less implements the §4.1 ordering: (a) oldest last_used_at first,
// (b) highest remaining as tie-break, (c) lowest consecutive_failures as
// final tie-break.
func (t selectionTuple) less(o selectionTuple) bool {
	if !t.lastUsedAt.Equal(o.lastUsedAt) {
		return t.lastUsedAt.Before(o.lastUsedAt)
	}
	if t.remaining != o.remaining {
		return t.remaining > o.remaining
	}
	if t.consecutiveFailures != o.consecutiveFailures {
		return t.consecutiveFailures < o.consecutiveFailures
	}
	return t.tokenID < o.tokenID
}

// selectionHeap is a container/heap.Interface over selectionTuple, giving
// acquire() O(log N) selection as required by §4.1.
type selectionHeap []selectionTuple

func (h selectionHeap) Len() int            { return len(h) }
func (h selectionHeap) Less(i, j int) bool  { return h[i].less(h[j]) }
func (h selectionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *selectionHeap) Push(x any)         { *h = append(*h, x.(selectionTuple)) }
func (h *selectionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// bestRemaining returns the single best quota remaining value across a
// record's quota snapshot, used only as the selection tie-break (§4.1b).
// An absent snapshot sorts as if remaining were 0 — selection still
// proceeds per §3's "quota_snapshot is advisory" invariant.
func bestRemaining(r *TokenRecord) int {
	best := 0
	for _, w := range r.QuotaSnapshot {
		if w.Remaining > best {
			best = w.Remaining
		}
	}
	return best
}

// selectBest picks the single best candidate from candidates (already
// filtered for class/selectability/cool-off) using a heap keyed on the
// §4.1 ordering tuple. Returns "", false if candidates is empty.
func selectBest(candidates map[string]*TokenRecord) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	h := make(selectionHeap, 0, len(candidates))
	for id, r := range candidates {
		h = append(h, selectionTuple{
			tokenID:             id,
			lastUsedAt:          r.LastUsedAt,
			remaining:           bestRemaining(r),
			consecutiveFailures: r.ConsecutiveFailures,
		})
	}
	heap.Init(&h)
	best := heap.Pop(&h).(selectionTuple)
	return best.tokenID, true
}
