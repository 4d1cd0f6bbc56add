// Package timer implements a binary min-heap of per-connection idle
// timers, keyed by connection identifier, with an auxiliary id->index map
// for O(log n) reschedule and removal.
package timer

import (
	"container/heap"
	"time"
)

// Callback is invoked once, with no arguments and no return value, when a
// timer node's deadline is reached or it is explicitly fired via DoWork.
// All failure handling happens inside the callback itself.
type Callback func()

type node struct {
	id      int
	expires time.Time
	cb      Callback
	index   int // current position in the heap slice; -1 when removed
}

// innerHeap implements container/heap.Interface ordered by expires
// ascending; ties may resolve in either order.
type innerHeap []*node

func (h innerHeap) Len() int            { return len(h) }
func (h innerHeap) Less(i, j int) bool  { return h[i].expires.Before(h[j].expires) }
func (h innerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *innerHeap) Push(x interface{}) {
	n := x.(*node)
	n.index = len(*h)
	*h = append(*h, n)
}
func (h *innerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Heap is a min-heap of timer nodes keyed by connection id. It is not
// safe for concurrent use; in this system it is touched only by the
// reactor goroutine (see internal/server).
type Heap struct {
	h   innerHeap
	ref map[int]*node
	now func() time.Time
}

// New creates an empty timer heap.
func New() *Heap {
	return &Heap{ref: make(map[int]*node), now: time.Now}
}

// Add registers timeout (in milliseconds) for id, firing cb when it
// expires. If id is already present, its deadline and callback are
// updated in place instead of inserting a duplicate node.
func (t *Heap) Add(id int, timeoutMS int, cb Callback) {
	expires := t.now().Add(time.Duration(timeoutMS) * time.Millisecond)
	if n, ok := t.ref[id]; ok {
		n.expires = expires
		n.cb = cb
		heap.Fix(&t.h, n.index)
		return
	}
	n := &node{id: id, expires: expires, cb: cb}
	t.ref[id] = n
	heap.Push(&t.h, n)
}

// Adjust extends id's deadline to now+timeoutMS. No-op if id is unknown.
func (t *Heap) Adjust(id int, timeoutMS int) {
	n, ok := t.ref[id]
	if !ok {
		return
	}
	n.expires = t.now().Add(time.Duration(timeoutMS) * time.Millisecond)
	heap.Fix(&t.h, n.index)
}

// DoWork fires id's callback immediately (if present) and removes it.
func (t *Heap) DoWork(id int) {
	n, ok := t.ref[id]
	if !ok {
		return
	}
	cb := n.cb
	t.remove(n)
	cb()
}

// Tick fires and removes every node whose deadline is <= now.
func (t *Heap) Tick() {
	now := t.now()
	for t.h.Len() > 0 {
		n := t.h[0]
		if n.expires.After(now) {
			break
		}
		cb := n.cb
		t.remove(n)
		cb()
	}
}

// NextTickMS calls Tick to clear anything already expired, then returns
// the number of milliseconds until the new root expires, or -1 if the
// heap is empty (meaning: no deadline, block indefinitely).
func (t *Heap) NextTickMS() int {
	t.Tick()
	if t.h.Len() == 0 {
		return -1
	}
	d := t.h[0].expires.Sub(t.now())
	ms := int(d / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	return ms
}

// Remove drops id from the heap without firing its callback. The server
// does not call it: a connection closed for another reason keeps its node
// until the callback fires and finds the fd gone.
func (t *Heap) Remove(id int) {
	if n, ok := t.ref[id]; ok {
		t.remove(n)
	}
}

// Len reports the number of scheduled timers.
func (t *Heap) Len() int { return t.h.Len() }

func (t *Heap) remove(n *node) {
	delete(t.ref, n.id)
	if n.index >= 0 {
		heap.Remove(&t.h, n.index)
	}
}
