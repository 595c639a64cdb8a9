// Package sched provides the cooperative scheduling layer used by the
// client stack: a single-goroutine loop with a runnable queue and timer
// heap, a sharded worker pool for blocking work, and cancellation
// watchers that deliver their actions back onto the loop.
//
// Socket readiness itself is multiplexed by the Go runtime poller; the
// loop owns everything above that level, so all bookkeeping callbacks
// (pool reaping, DNS completions, cancellation actions) run on one
// goroutine without further locking.
package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Loop is a single-goroutine cooperative scheduler. Tasks submitted from
// any goroutine run sequentially on the loop goroutine; timers fire on
// it as well. The zero value is not usable; use NewLoop.
type Loop struct {
	tasks chan func()
	wake  chan struct{}
	quit  chan struct{}

	mu     sync.Mutex
	timers timerHeap
	seq    uint64

	pool    *Pool
	closing sync.Once
	done    sync.WaitGroup
}

// NewLoop starts a loop and its worker pool. workers and queueBuffer
// size the pool used by Offload; values below 1 are clamped.
func NewLoop(workers, queueBuffer int) *Loop {
	l := &Loop{
		tasks: make(chan func(), 128),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		pool:  NewPool(workers, queueBuffer),
	}
	l.done.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.done.Done()
	for {
		var (
			tm     *time.Timer
			timerC <-chan time.Time
		)
		if d, ok := l.nextDelay(); ok {
			tm = time.NewTimer(d)
			timerC = tm.C
		}
		select {
		case f := <-l.tasks:
			f()
		case <-timerC:
			l.fireDue()
		case <-l.wake:
		case <-l.quit:
			if tm != nil {
				tm.Stop()
			}
			return
		}
		if tm != nil {
			tm.Stop()
		}
	}
}

// Submit queues f to run on the loop goroutine. Tasks submitted after
// Close are dropped.
func (l *Loop) Submit(f func()) {
	if f == nil {
		return
	}
	select {
	case l.tasks <- f:
	case <-l.quit:
	}
}

// AfterFunc schedules fn to run on the loop goroutine after d. The
// returned Timer can be stopped before it fires.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, at: time.Now().Add(d), fn: fn}
	l.mu.Lock()
	l.seq++
	t.seq = l.seq
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.poke()
	return t
}

// Offload runs work on the worker pool, sharded by key, then queues
// done (if non-nil) back onto the loop goroutine.
func (l *Loop) Offload(key string, work func(), done func()) {
	if work == nil {
		return
	}
	l.pool.Submit(key, func() {
		work()
		if done != nil {
			l.Submit(done)
		}
	})
}

// WatchCancel arranges for fn to run on the loop goroutine when ctx is
// cancelled. The returned stop func releases the watcher; it is safe to
// call more than once.
func (l *Loop) WatchCancel(ctx context.Context, fn func()) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.Submit(fn)
		case <-stopCh:
		case <-l.quit:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stopCh) }) }
}

// Close stops the loop and its worker pool. Pending timers are dropped;
// queued tasks may not run. Close is idempotent.
func (l *Loop) Close() {
	l.closing.Do(func() {
		close(l.quit)
		l.pool.Stop()
	})
	l.done.Wait()
}

func (l *Loop) poke() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) nextDelay() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return 0, false
	}
	d := time.Until(l.timers[0].at)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (l *Loop) fireDue() {
	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].at.After(now) {
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(*Timer)
		l.mu.Unlock()
		t.fn()
	}
}

// Timer is a pending scheduled callback on a Loop.
type Timer struct {
	loop *Loop
	at   time.Time
	fn   func()
	seq  uint64
	idx  int
}

// Stop removes the timer before it fires. It reports whether the timer
// was still pending.
func (t *Timer) Stop() bool {
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.idx < 0 {
		return false
	}
	heap.Remove(&l.timers, t.idx)
	return true
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.idx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.idx = -1
	*h = old[:n-1]
	return t
}
