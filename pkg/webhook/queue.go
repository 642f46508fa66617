package webhook

import (
	"sync"

	"github.com/evetactical/gatewatch/pkg/models"
)

// alertQueue is a bounded FIFO for one profile. Overflow evicts the oldest
// alert; tactical alerts age badly, so the freshest information wins.
// One worker consumes each queue, which keeps delivery FIFO per profile.
type alertQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*models.Alert
	limit  int
	closed bool
}

func newAlertQueue(limit int) *alertQueue {
	if limit < 1 {
		limit = 1
	}
	q := &alertQueue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends an alert. When the queue is full the oldest entry is evicted
// and returned so the caller can record the drop. ok is false once the
// queue is closed.
func (q *alertQueue) push(alert *models.Alert) (evicted *models.Alert, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}
	if len(q.items) >= q.limit {
		evicted = q.items[0]
		q.items = q.items[1:]
	}
	q.items = append(q.items, alert)
	q.cond.Signal()
	return evicted, true
}

// pop blocks until an alert is available or the queue is closed and drained.
func (q *alertQueue) pop() (*models.Alert, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	alert := q.items[0]
	q.items = q.items[1:]
	return alert, true
}

// drain empties the queue without closing it, returning the removed alerts.
func (q *alertQueue) drain() []*models.Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *alertQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close stops accepting pushes and wakes the worker to drain what remains.
func (q *alertQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
