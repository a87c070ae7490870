// Package queue provides an unbounded FIFO that delivers to a single
// consumer channel without ever blocking the producer.
package queue

import (
	"context"
	"sync"
)

// Feed holds pending events in a slice and pumps them into C() from a
// dedicated goroutine. The producer side (Push, Finish) never blocks, so a
// slow consumer cannot stall whoever is publishing.
//
// The channel returned by C is closed after the event passed to Finish has
// been received, or as soon as the context given to NewFeed is done.
type Feed[T any] struct {
	mu     sync.Mutex
	events []T
	final  bool
	signal chan struct{} // buffered, size 1; coalesces wakeups
	out    chan T
	done   chan struct{}
}

func NewFeed[T any](ctx context.Context) *Feed[T] {
	f := &Feed[T]{
		events: make([]T, 0, 8),
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go f.pump(ctx)
	return f
}

// C returns the consumer channel.
func (f *Feed[T]) C() <-chan T {
	return f.out
}

// Done is closed once the pump goroutine has exited.
func (f *Feed[T]) Done() <-chan struct{} {
	return f.done
}

// Closed reports whether the feed has stopped delivering.
func (f *Feed[T]) Closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Push enqueues e. It returns false if the feed has already been finished.
func (f *Feed[T]) Push(e T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.final {
		return false
	}
	f.events = append(f.events, e)
	f.wake()
	return true
}

// Finish enqueues e as the last event of the feed.
func (f *Feed[T]) Finish(e T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.final {
		return
	}
	f.events = append(f.events, e)
	f.final = true
	f.wake()
}

// Len returns the number of events not yet handed to the consumer.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *Feed[T]) wake() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// next pops the front event. last reports that no more events will follow.
func (f *Feed[T]) next() (e T, ok bool, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return e, false, f.final
	}
	e = f.events[0]
	var zero T
	f.events[0] = zero // release references held by the backing array
	if len(f.events) == 1 {
		f.events = f.events[:0]
	} else {
		f.events = f.events[1:]
	}
	return e, true, f.final && len(f.events) == 0
}

func (f *Feed[T]) pump(ctx context.Context) {
	defer close(f.done)
	defer close(f.out)
	for {
		e, ok, last := f.next()
		if !ok {
			if last {
				return
			}
			select {
			case <-ctx.Done():
				f.stop()
				return
			case <-f.signal:
			}
			continue
		}
		select {
		case <-ctx.Done():
			f.stop()
			return
		case f.out <- e:
		}
		if last {
			return
		}
	}
}

func (f *Feed[T]) stop() {
	f.mu.Lock()
	f.final = true
	f.events = nil
	f.mu.Unlock()
}
