package engine

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

type queuedTask struct {
	task Task
	opt  TaskOptions

	seq        uint64
	runAt      time.Time
	enqueuedAt time.Time
	attempts   int
	lastErr    error
	done       bool
}

// delayHeap orders by (runAt, seq).
type delayHeap []*queuedTask

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].runAt.Equal(h[j].runAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].runAt.Before(h[j].runAt)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(*queuedTask)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// taskQueue holds delayed tasks in a heap and eligible tasks in a FIFO.
//
// Tasks promoted in the same pass enter the FIFO in insertion order (seq),
// so eligibility decides when a task may run and insertion decides the order.
type taskQueue struct {
	mu      sync.Mutex
	delayed delayHeap
	ready   []*queuedTask
	seq     uint64
	changed chan struct{}
	now     func() time.Time
}

func newTaskQueue(now func() time.Time) *taskQueue {
	return &taskQueue{changed: make(chan struct{}), now: now}
}

func (q *taskQueue) len() (delayed, ready int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed), len(q.ready)
}

func (q *taskQueue) push(qt *queuedTask) {
	q.mu.Lock()
	q.seq++
	qt.seq = q.seq
	heap.Push(&q.delayed, qt)
	q.signalLocked()
	q.mu.Unlock()
}

func (q *taskQueue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *taskQueue) promoteLocked(now time.Time) {
	start := len(q.ready)
	for len(q.delayed) > 0 && !q.delayed[0].runAt.After(now) {
		q.ready = append(q.ready, heap.Pop(&q.delayed).(*queuedTask))
	}
	batch := q.ready[start:]
	sort.Slice(batch, func(i, j int) bool { return batch[i].seq < batch[j].seq })
}

// next blocks until a task is eligible, ctx ends or stop closes.
func (q *taskQueue) next(ctx context.Context, stop <-chan struct{}) (*queuedTask, bool) {
	for {
		q.mu.Lock()
		now := q.now()
		q.promoteLocked(now)
		if len(q.ready) > 0 {
			qt := q.ready[0]
			q.ready[0] = nil
			q.ready = q.ready[1:]
			q.mu.Unlock()
			return qt, true
		}
		var wait <-chan time.Time
		var timer *time.Timer
		if len(q.delayed) > 0 {
			timer = time.NewTimer(q.delayed[0].runAt.Sub(now))
			wait = timer.C
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, false
		case <-stop:
			stopTimer(timer)
			return nil, false
		case <-changed:
			stopTimer(timer)
		case <-wait:
		}
	}
}

// drain removes everything still queued.
func (q *taskQueue) drain() []*queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]*queuedTask(nil), q.ready...)
	sort.Slice(q.delayed, func(i, j int) bool { return q.delayed[i].seq < q.delayed[j].seq })
	out = append(out, q.delayed...)
	q.ready = nil
	q.delayed = nil
	return out
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
