package processor

import (
	"container/heap"
	"sync"
)

// taskHeap orders by priority first, then enqueue sequence for FIFO within a
// priority.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// queue is a bounded priority queue. Capacity is enforced synchronously at
// push time, so producers are never blocked. The notify channel carries one
// token per queued task so consumers can wait without polling and still
// observe shutdown via select.
type queue struct {
	mu     sync.Mutex
	heap   taskHeap
	seq    uint64
	cap    int
	notify chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{
		cap:    capacity,
		notify: make(chan struct{}, capacity),
	}
}

// push adds t or returns ErrQueueFull. Never blocks.
func (q *queue) push(t *task) error {
	q.mu.Lock()
	if len(q.heap) >= q.cap {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.seq++
	t.seq = q.seq
	heap.Push(&q.heap, t)
	q.mu.Unlock()

	q.notify <- struct{}{}
	return nil
}

// pop removes the highest-priority, oldest task. Returns nil when the heap
// is empty (a stale notify token after a drain).
func (q *queue) pop() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*task)
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// drain removes and returns every queued task, used during forced shutdown.
func (q *queue) drain() []*task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*task, 0, len(q.heap))
	for len(q.heap) > 0 {
		out = append(out, heap.Pop(&q.heap).(*task))
	}
	return out
}
