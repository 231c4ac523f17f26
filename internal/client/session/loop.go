package session

import (
	"sync"
	"time"
)

// Loop is the client's single logical thread. UI calls, network callbacks
// and timer expirations are posted to it and run one at a time, so session
// state needs no locks.
type Loop struct {
	tasks    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewLoop creates a loop with room for buffer queued tasks.
func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Loop{
		tasks: make(chan func(), buffer),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run executes posted tasks until Stop is called. Call it from exactly one
// goroutine.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.quit:
			return
		}
	}
}

// Post queues fn. It reports false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Dispatch is Post without the result, for callers that take a plain
// func(func()).
func (l *Loop) Dispatch(fn func()) { l.Post(fn) }

// Call runs fn on the loop and waits for it. It must not be called from the
// loop itself.
func (l *Loop) Call(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// Stop ends Run after the task in progress, if any, returns.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

// Wait blocks until Run has returned.
func (l *Loop) Wait() { <-l.done }

// Scheduler runs fn after d. The returned function cancels the timer.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// ClockScheduler is a Scheduler on the wall clock. fn runs on its own
// goroutine; callers post back to the loop.
type ClockScheduler struct{}

func (ClockScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}
