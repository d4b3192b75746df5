// Package eventloop provides the single-goroutine scheduler the client runs on.
// All client state is owned by the loop goroutine; other goroutines hand work
// over with Post.
package eventloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"example.com/asynchttp/internal/logger"
)

// Scheduler queues work for the loop goroutine.
type Scheduler interface {
	// Post queues fn to run on the loop after everything already queued.
	// It is safe to call from any goroutine.
	Post(fn func())
	// AfterFunc runs fn on the loop once d has elapsed, unless the returned
	// Timer is stopped first.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable one-shot callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer (false if it already fired or was stopped).
	Stop() bool
}

// Loop is a Scheduler backed by a goroutine running Run.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	stopped bool
	log     *logger.Logger
}

// New creates a loop. Call Run to start processing tasks.
func New(lg *logger.Logger) *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		log:  lg,
	}
}

// Post implements Scheduler.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc implements Scheduler.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.fired.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

// Stop makes Run return after the task currently executing. Tasks still
// queued are discarded.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes queued tasks until Stop is called or ctx is done.
// It returns nil after Stop and ctx.Err() on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.mu.Lock()
		if l.stopped {
			l.tasks = nil
			l.mu.Unlock()
			return nil
		}
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.runTask(fn)
			if l.isStopped() {
				break
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if l.log != nil {
				l.log.Error("Panic in event loop task", logger.LogFields{"panic": fmt.Sprint(r)})
			}
			panic(r)
		}
	}()
	fn()
}

type loopTimer struct {
	timer *time.Timer
	fired atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.timer.Stop()
	return t.fired.CompareAndSwap(false, true)
}
