package watch

import (
	"container/heap"
	"sync"
	"time"
)

// watcherWithTime is a watcher queued for expiry.
type watcherWithTime struct {
	w *Watcher
	// Unix nanos deadline
	time int64
	// seq orders watchers with equal deadlines by insertion.
	seq   uint64
	index int
}

// watcherQueue is a min-heap of watchers by deadline.
type watcherQueue []*watcherWithTime

func (pq watcherQueue) Len() int {
	return len(pq)
}

func (pq watcherQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq watcherQueue) Less(i, j int) bool {
	if pq[i].time != pq[j].time {
		return pq[i].time < pq[j].time
	}
	return pq[i].seq < pq[j].seq
}

func (pq *watcherQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*watcherWithTime)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *watcherQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}

// expirationQueue holds every live watcher once, earliest deadline first.
type expirationQueue struct {
	mu    sync.Mutex
	m     map[*Watcher]*watcherWithTime
	queue watcherQueue
	seq   uint64
}

func newExpirationQueue() *expirationQueue {
	return &expirationQueue{
		m:     make(map[*Watcher]*watcherWithTime),
		queue: make(watcherQueue, 0),
	}
}

// push queues w by its deadline. It returns false if w is already queued.
func (eq *expirationQueue) push(w *Watcher) bool {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	if _, ok := eq.m[w]; ok {
		return false
	}
	eq.seq++
	item := &watcherWithTime{w: w, time: w.Deadline().UnixNano(), seq: eq.seq}
	heap.Push(&eq.queue, item)
	eq.m[w] = item
	return true
}

// remove drops w from the queue. Removing an absent watcher is a no-op.
func (eq *expirationQueue) remove(w *Watcher) bool {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	item, ok := eq.m[w]
	if !ok {
		return false
	}
	heap.Remove(&eq.queue, item.index)
	delete(eq.m, w)
	return true
}

// popDue removes and returns the watchers whose deadline is not after now.
func (eq *expirationQueue) popDue(now time.Time) []*Watcher {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	var ws []*Watcher
	limit := now.UnixNano()
	for len(eq.queue) > 0 && eq.queue[0].time <= limit {
		item := heap.Pop(&eq.queue).(*watcherWithTime)
		delete(eq.m, item.w)
		ws = append(ws, item.w)
	}
	return ws
}

// next returns the earliest queued deadline.
func (eq *expirationQueue) next() (time.Time, bool) {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	if len(eq.queue) == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, eq.queue[0].time), true
}

func (eq *expirationQueue) contains(w *Watcher) bool {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	_, ok := eq.m[w]
	return ok
}

func (eq *expirationQueue) len() int {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	return len(eq.m)
}
