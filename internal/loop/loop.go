// Package loop provides the single-threaded cooperative event loop
// relaymesh's concurrency model relies on: socket readiness, timers, and
// user-initiated calls are all serialized onto one goroutine so that no
// handler ever runs concurrently with another.
//
// The dispatch shape — a pooled event struct carrying a closure, pushed
// through a buffered channel and drained by exactly one goroutine — mirrors
// go-elect's Arbiter. go-elect's own Dispatch depends on an external
// generic scheduler package whose source isn't available here, so rather
// than import an API we can't see, relaymesh keeps the same shape as a
// small local package.
package loop

import (
	"fmt"
	"sync"

	"relaymesh/internal/rlog"
)

type event struct {
	f func()
}

// Loop serializes closures onto a single worker goroutine.
type Loop struct {
	name    string
	eventch chan *event
	eventpl sync.Pool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New starts a Loop with the given dispatch queue depth.
func New(name string, queueDepth int) *Loop {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	l := &Loop{
		name:    name,
		eventch: make(chan *event, queueDepth),
		done:    make(chan struct{}),
	}
	l.eventpl.New = func() any { return &event{} }
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case evt := <-l.eventch:
			l.handle(evt)
		case <-l.done:
			// drain whatever is already queued, then exit
			for {
				select {
				case evt := <-l.eventch:
					l.handle(evt)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) handle(evt *event) {
	defer l.eventpl.Put(evt)
	defer func() {
		if rec := recover(); rec != nil {
			rlog.Logf("%s: loop callback recovered from panic: %v", l.name, rec)
		}
	}()
	evt.f()
}

// Dispatch enqueues f to run on the loop goroutine. Safe to call from any
// goroutine, including the loop goroutine itself (f then runs after the
// current callback returns). Returns an error if the queue is full, since
// a loop callback must never block its caller.
func (l *Loop) Dispatch(f func()) error {
	evtAny := l.eventpl.Get()
	evt, ok := evtAny.(*event)
	if !ok {
		return fmt.Errorf("%s: event pool returned unexpected type", l.name)
	}
	evt.f = f
	select {
	case l.eventch <- evt:
		return nil
	default:
		l.eventpl.Put(evt)
		return fmt.Errorf("%s: dispatch queue full", l.name)
	}
}

// Shutdown stops accepting new work after draining the current queue, and
// waits for the loop goroutine to exit. Timer callbacks scheduled via
// time.AfterFunc/Ticker by the owner must be cancelled by the owner before
// calling Shutdown so they cannot dispatch into a closed loop.
func (l *Loop) Shutdown() {
	close(l.done)
	l.wg.Wait()
}
