package processor

import "sync"

// queue is an unbounded FIFO of knowledge objects. The signal channel
// (buffered, size 1) lets a worker wait for work alongside ctx.Done().
type queue struct {
	mu     sync.Mutex
	items  []*KnowledgeObject
	closed bool
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{
		items:  make([]*KnowledgeObject, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// push appends kobj. It returns false once the queue is closed.
func (q *queue) push(kobj *KnowledgeObject) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, kobj)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop removes the front item without blocking.
func (q *queue) pop() (*KnowledgeObject, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	kobj := q.items[0]
	q.items[0] = nil
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return kobj, true
}

func (q *queue) wait() <-chan struct{} { return q.signal }

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
