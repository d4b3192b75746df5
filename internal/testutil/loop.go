package testutil

import (
	"sort"
	"time"

	"example.com/asynchttp/internal/eventloop"
)

// ManualLoop is a deterministic eventloop.Scheduler for tests. Nothing runs
// until RunPending or Advance is called, and timers use a fake clock.
type ManualLoop struct {
	tasks  []func()
	timers []*manualTimer
	now    time.Duration
	seq    int
}

var _ eventloop.Scheduler = (*ManualLoop)(nil)

// NewManualLoop returns an empty loop at fake time zero.
func NewManualLoop() *ManualLoop {
	return &ManualLoop{}
}

// Post implements eventloop.Scheduler.
func (l *ManualLoop) Post(fn func()) {
	l.tasks = append(l.tasks, fn)
}

// AfterFunc implements eventloop.Scheduler.
func (l *ManualLoop) AfterFunc(d time.Duration, fn func()) eventloop.Timer {
	l.seq++
	t := &manualTimer{at: l.now + d, seq: l.seq, fn: fn}
	l.timers = append(l.timers, t)
	return t
}

// Pending returns the number of queued tasks.
func (l *ManualLoop) Pending() int {
	return len(l.tasks)
}

// ActiveTimers returns the number of timers that have neither fired nor been stopped.
func (l *ManualLoop) ActiveTimers() int {
	n := 0
	for _, t := range l.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// RunPending runs queued tasks, including ones they post, until the queue is empty.
func (l *ManualLoop) RunPending() {
	for len(l.tasks) > 0 {
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		fn()
	}
}

// RunOne runs a single queued task and reports whether there was one.
func (l *ManualLoop) RunOne() bool {
	if len(l.tasks) == 0 {
		return false
	}
	fn := l.tasks[0]
	l.tasks = l.tasks[1:]
	fn()
	return true
}

// Advance moves the fake clock forward by d, firing due timers in deadline
// order and draining the task queue after each.
func (l *ManualLoop) Advance(d time.Duration) {
	l.RunPending()
	target := l.now + d
	for {
		due := l.nextDue(target)
		if due == nil {
			break
		}
		l.now = due.at
		due.done = true
		due.fn()
		l.RunPending()
	}
	l.now = target
}

func (l *ManualLoop) nextDue(limit time.Duration) *manualTimer {
	var live []*manualTimer
	for _, t := range l.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	l.timers = live
	sort.Slice(live, func(i, j int) bool {
		if live[i].at != live[j].at {
			return live[i].at < live[j].at
		}
		return live[i].seq < live[j].seq
	})
	if len(live) == 0 || live[0].at > limit {
		return nil
	}
	return live[0]
}

type manualTimer struct {
	at   time.Duration
	seq  int
	fn   func()
	done bool
}

func (t *manualTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	return true
}
