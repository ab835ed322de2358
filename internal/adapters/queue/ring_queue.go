package queue

import (
	"sync"

	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

// RingQueue is a bounded FIFO of WAL-backed readings. Enqueue never
// blocks; the caller's policy decides what a full queue means.
type RingQueue struct {
	mu    sync.Mutex
	buf   []ports.QueuedReading
	head  int
	count int
}

var _ ports.ReadingQueue = (*RingQueue)(nil)

func NewRingQueue(capacity int) *RingQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingQueue{buf: make([]ports.QueuedReading, capacity)}
}

func (q *RingQueue) Enqueue(id ports.WALEntryID, r *domain.Reading) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.buf) {
		return false
	}
	q.buf[(q.head+q.count)%len(q.buf)] = ports.QueuedReading{ID: id, Reading: r}
	q.count++
	return true
}

// DequeueBatch removes up to max readings in arrival order. max <= 0
// takes everything.
func (q *RingQueue) DequeueBatch(max int) []ports.QueuedReading {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	if max <= 0 || max > q.count {
		max = q.count
	}
	out := make([]ports.QueuedReading, max)
	for i := range out {
		slot := (q.head + i) % len(q.buf)
		out[i] = q.buf[slot]
		q.buf[slot] = ports.QueuedReading{}
	}
	q.head = (q.head + max) % len(q.buf)
	q.count -= max
	return out
}

func (q *RingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *RingQueue) Cap() int { return len(q.buf) }
