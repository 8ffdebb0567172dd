package config

// DefaultQueueSize bounds how many deltas may wait for the apply loop.
const DefaultQueueSize = 8

// Queue hands configuration deltas from request handlers to the single
// apply loop. Each delta is consumed exactly once.
type Queue struct {
	ch chan Document
}

// NewQueue creates a queue holding at most size pending deltas.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Document, size)}
}

// Push enqueues a copy of delta. It never blocks; false means the queue is full.
func (q *Queue) Push(delta Document) bool {
	select {
	case q.ch <- delta.Clone():
		return true
	default:
		return false
	}
}

// C delivers deltas to the apply loop.
func (q *Queue) C() <-chan Document {
	return q.ch
}

// Drain removes and returns every delta currently queued.
func (q *Queue) Drain() []Document {
	var out []Document
	for {
		select {
		case d := <-q.ch:
			out = append(out, d)
		default:
			return out
		}
	}
}

// Len reports the number of pending deltas.
func (q *Queue) Len() int {
	return len(q.ch)
}
