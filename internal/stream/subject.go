// Package stream provides hot multicast sequences.
//
// A Subject fans every published value out to all of its subscribers. Each
// subscriber gets its own unbounded queue and pump goroutine, so a slow
// reader never blocks Publish or other readers. A current-value subject
// additionally replays the latest value to every new subscriber.
package stream

import (
	"context"
	"sync"
)

type Subject[T any] struct {
	mu      sync.Mutex
	subs    map[uint64]*subscriber[T]
	nextID  uint64
	replay  bool
	last    T
	hasLast bool
	closed  bool
}

// NewSubject returns a passthrough subject: subscribers only see values
// published after they subscribed.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: make(map[uint64]*subscriber[T])}
}

// NewCurrentValueSubject returns a subject that retains the latest value
// and replays it on subscribe.
func NewCurrentValueSubject[T any](initial T) *Subject[T] {
	return &Subject[T]{
		subs:    make(map[uint64]*subscriber[T]),
		replay:  true,
		last:    initial,
		hasLast: true,
	}
}

// Publish delivers v to every subscriber. It never blocks. Publishing on a
// closed subject is a no-op.
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.replay {
		s.last = v
		s.hasLast = true
	}
	for _, sub := range s.subs {
		sub.push(v)
	}
}

// Value returns the retained value of a current-value subject.
func (s *Subject[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// Subscribe registers a new subscriber. The returned channel is closed when
// ctx is done or after the subject is closed and pending values have been
// delivered.
func (s *Subject[T]) Subscribe(ctx context.Context) <-chan T {
	sub := newSubscriber[T]()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.out)
		return sub.out
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	if s.replay && s.hasLast {
		sub.push(s.last)
	}
	s.mu.Unlock()

	go func() {
		sub.pump(ctx)
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	return sub.out
}

// Close ends every subscription. Further publishes are dropped.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for _, sub := range s.subs {
		sub.finish()
	}
}

type subscriber[T any] struct {
	out chan T

	mu       sync.Mutex
	queue    []T
	finished bool
	wake     chan struct{}
}

func newSubscriber[T any]() *subscriber[T] {
	return &subscriber[T]{
		out:  make(chan T),
		wake: make(chan struct{}, 1),
	}
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber[T]) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) pump(ctx context.Context) {
	defer close(s.out)

	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		finished := s.finished
		s.mu.Unlock()

		for _, v := range pending {
			select {
			case s.out <- v:
			case <-ctx.Done():
				return
			}
		}

		if len(pending) > 0 {
			continue
		}
		if finished {
			return
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return
		}
	}
}
