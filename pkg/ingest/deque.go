package ingest

import (
	"sync"

	"github.com/evetactical/gatewatch/pkg/models"
)

// pending is one queued enrichment unit. Attempts counts transient fetch
// failures so a ref that keeps failing eventually gets shed.
type pending struct {
	ref      models.KillRef
	attempts int
}

// deque is the bounded buffer between the source listener and the fetcher
// pool. One producer appends to the back, workers take from the front, and
// a worker that hits a transient failure returns its entry to the front so
// the retry keeps its place in line. When full, the oldest pending entry is
// shed: recent kills matter more than a backlog that enrichment cannot keep
// up with.
type deque struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	entries  []pending
	capacity int
	closed   bool
}

func newDeque(capacity int) *deque {
	if capacity < 1 {
		capacity = 1
	}
	d := &deque{capacity: capacity}
	d.notEmpty = sync.NewCond(&d.mu)
	return d
}

// PushBack enqueues a fresh ref. It reports whether an older entry was shed
// to make room, and whether the push was accepted at all (pushes after
// Close are refused).
func (d *deque) PushBack(ref models.KillRef) (shed bool, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, false
	}
	if len(d.entries) >= d.capacity {
		d.entries = d.entries[1:]
		shed = true
	}
	d.entries = append(d.entries, pending{ref: ref})
	d.notEmpty.Signal()
	return shed, true
}

// PushFront returns a failed entry to the head of the queue. Requeues are
// accepted even over capacity and after Close, so a retry is never shed by
// its own failure; the overshoot is bounded by the worker count.
func (d *deque) PushFront(e pending) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append([]pending{e}, d.entries...)
	d.notEmpty.Signal()
}

// PopFront blocks until an entry is available, or until the queue is closed
// and fully drained, which is the only case where ok is false.
func (d *deque) PopFront() (e pending, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.entries) == 0 && !d.closed {
		d.notEmpty.Wait()
	}
	if len(d.entries) == 0 {
		return pending{}, false
	}
	e = d.entries[0]
	d.entries = d.entries[1:]
	return e, true
}

// Len returns the current backlog.
func (d *deque) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Close stops intake. Workers drain what is left, then PopFront reports
// done.
func (d *deque) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.notEmpty.Broadcast()
}
