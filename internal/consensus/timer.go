package consensus

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// TimerTag identifies a scheduled timeout by (height, round) so the Driver
// can recognize and discard timeouts left over from abandoned rounds (see
// the Driver's main loop).
type TimerTag struct {
	Height uint64
	Round  uint32
}

type timerItem struct {
	deadline time.Time
	tag      TimerTag
	index    int
}

type timerHeapImpl []*timerItem

func (h timerHeapImpl) Len() int            { return len(h) }
func (h timerHeapImpl) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeapImpl) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeapImpl) Push(x interface{}) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *timerHeapImpl) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// TimerQueue is a deadline-ordered min-heap of pending timeouts. There is
// no cancellation API: stale entries are filtered by the Driver when they
// fire, by comparing the tag's (height, round) against current state.
type TimerQueue struct {
	mu   sync.Mutex
	h    timerHeapImpl
	wake chan struct{}
}

// NewTimerQueue creates an empty timer queue.
func NewTimerQueue() *TimerQueue {
	return &TimerQueue{wake: make(chan struct{}, 1)}
}

// Schedule adds a timeout for tag at the given deadline.
func (q *TimerQueue) Schedule(deadline time.Time, tag TimerTag) {
	q.mu.Lock()
	heap.Push(&q.h, &timerItem{deadline: deadline, tag: tag})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drives the queue until ctx is cancelled, sending each tag to out as
// its deadline expires. This is the blocking poll() half of the Timer
// Queue contract; the Event Loop treats out as one of its event sources.
func (q *TimerQueue) Run(ctx context.Context, out chan<- TimerTag) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		wait := time.Hour
		if len(q.h) > 0 {
			wait = time.Until(q.h[0].deadline)
			if wait < 0 {
				wait = 0
			}
		}
		q.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			continue
		case <-timer.C:
			q.drainExpired(ctx, out)
		}
	}
}

func (q *TimerQueue) drainExpired(ctx context.Context, out chan<- TimerTag) {
	for {
		q.mu.Lock()
		if len(q.h) == 0 || q.h[0].deadline.After(time.Now()) {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.h).(*timerItem)
		q.mu.Unlock()

		select {
		case out <- item.tag:
		case <-ctx.Done():
			return
		}
	}
}
