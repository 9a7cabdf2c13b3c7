// Package sched is the virtual-time timer queue behind the board engine.
//
// Nothing in here touches the wall clock: callers move time forward with
// Advance and every timer whose deadline has been reached fires in
// (deadline, insertion) order. Timers scheduled while Advance is running fire
// in the same call if their deadline falls inside the advanced window.
package sched

import (
	"container/heap"
	"time"
)

type TimerID uint64

type timer struct {
	id  TimerID
	at  time.Duration
	seq uint64
	fn  func()
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*timer)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler is not safe for concurrent use; it belongs to one engine loop.
type Scheduler struct {
	now       time.Duration
	seq       uint64
	q         timerHeap
	cancelled map[TimerID]struct{}
}

func New() *Scheduler {
	return &Scheduler{cancelled: map[TimerID]struct{}{}}
}

// Now is the virtual time elapsed since the scheduler was created.
func (s *Scheduler) Now() time.Duration { return s.now }

// After runs fn once d has elapsed. Negative delays are treated as zero.
func (s *Scheduler) After(d time.Duration, fn func()) TimerID {
	if d < 0 {
		d = 0
	}
	s.seq++
	t := &timer{id: TimerID(s.seq), at: s.now + d, seq: s.seq, fn: fn}
	heap.Push(&s.q, t)
	return t.id
}

// Cancel drops a pending timer. It reports whether the timer was still pending.
func (s *Scheduler) Cancel(id TimerID) bool {
	for _, t := range s.q {
		if t.id == id {
			if _, gone := s.cancelled[id]; gone {
				return false
			}
			s.cancelled[id] = struct{}{}
			return true
		}
	}
	return false
}

// Pending counts timers that have not fired or been cancelled.
func (s *Scheduler) Pending() int { return len(s.q) - len(s.cancelled) }

// NextAt reports the deadline of the earliest live timer.
func (s *Scheduler) NextAt() (time.Duration, bool) {
	s.dropCancelledHead()
	if len(s.q) == 0 {
		return 0, false
	}
	return s.q[0].at, true
}

// Advance moves virtual time forward by d, firing due timers. It returns the
// number of timers fired.
func (s *Scheduler) Advance(d time.Duration) int {
	if d < 0 {
		d = 0
	}
	end := s.now + d
	fired := 0
	for {
		s.dropCancelledHead()
		if len(s.q) == 0 || s.q[0].at > end {
			break
		}
		t := heap.Pop(&s.q).(*timer)
		if t.at > s.now {
			s.now = t.at
		}
		t.fn()
		fired++
	}
	s.now = end
	return fired
}

// RunUntilIdle fires timers until none remain or limit virtual time has
// passed. It is meant for tests that want a pass to settle completely.
func (s *Scheduler) RunUntilIdle(limit time.Duration) int {
	deadline := s.now + limit
	fired := 0
	for {
		at, ok := s.NextAt()
		if !ok || at > deadline {
			break
		}
		fired += s.Advance(at - s.now)
	}
	return fired
}

func (s *Scheduler) dropCancelledHead() {
	for len(s.q) > 0 {
		if _, gone := s.cancelled[s.q[0].id]; !gone {
			return
		}
		t := heap.Pop(&s.q).(*timer)
		delete(s.cancelled, t.id)
	}
}
