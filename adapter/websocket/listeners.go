package websocket

import (
	"sync"
)

// listenerSet is a copy-on-write registry. Dispatch iterates a snapshot, so a
// listener may remove itself (or others) while being called.
type listenerSet[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []listenerEntry[T]
}

type listenerEntry[T any] struct {
	id uint64
	fn func(T)
}

// add registers fn and returns its removal func. Calling remove twice is safe.
func (s *listenerSet[T]) add(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID

	next := make([]listenerEntry[T], 0, len(s.listeners)+1)
	next = append(next, s.listeners...)
	s.listeners = append(next, listenerEntry[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *listenerSet[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]listenerEntry[T], 0, len(s.listeners))
	for _, l := range s.listeners {
		if l.id != id {
			next = append(next, l)
		}
	}
	s.listeners = next
}

func (s *listenerSet[T]) snapshot() []listenerEntry[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners
}

// emit calls every listener registered at the time of the call
func (s *listenerSet[T]) emit(v T) {
	for _, l := range s.snapshot() {
		l.fn(v)
	}
}

func (s *listenerSet[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
