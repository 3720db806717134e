package scheduler

import (
	"container/heap"
	"time"
)

type (
	// pending is the next fire of one flow
	pending struct {
		flowID string
		at     time.Time
		index  int
	}

	// fireHeap orders pending fires by time with at most one entry per
	// flow id
	fireHeap struct {
		items []*pending
		byID  map[string]*pending
	}
)

func newFireHeap() *fireHeap {
	return &fireHeap{byID: map[string]*pending{}}
}

// Upsert schedules flowID at the given time, replacing any existing entry
func (h *fireHeap) Upsert(flowID string, at time.Time) {
	if p, ok := h.byID[flowID]; ok {
		p.at = at
		heap.Fix(h, p.index)
		return
	}
	heap.Push(h, &pending{flowID: flowID, at: at})
}

// Remove drops the entry for flowID, if any
func (h *fireHeap) Remove(flowID string) {
	if p, ok := h.byID[flowID]; ok {
		heap.Remove(h, p.index)
	}
}

// Peek returns the earliest entry without removing it
func (h *fireHeap) Peek() *pending {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// PopDue removes and returns the earliest entry if it is due at now
func (h *fireHeap) PopDue(now time.Time) *pending {
	p := h.Peek()
	if p == nil || p.at.After(now) {
		return nil
	}
	return heap.Pop(h).(*pending)
}

// At returns the pending fire time of flowID
func (h *fireHeap) At(flowID string) (time.Time, bool) {
	p, ok := h.byID[flowID]
	if !ok {
		return time.Time{}, false
	}
	return p.at, true
}

func (h *fireHeap) Len() int { return len(h.items) }

func (h *fireHeap) Less(i, j int) bool {
	return h.items[i].at.Before(h.items[j].at)
}

func (h *fireHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *fireHeap) Push(x any) {
	p := x.(*pending)
	p.index = len(h.items)
	h.items = append(h.items, p)
	h.byID[p.flowID] = p
}

func (h *fireHeap) Pop() any {
	old := h.items
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	p.index = -1
	delete(h.byID, p.flowID)
	return p
}
