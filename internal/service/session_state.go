package service

import (
	"context"
	"encoding/json"
	"sync"
)

// syncState is the bookkeeping shared by conversation and comment sessions:
// the store lock, change observers, channel subscriptions and in-flight
// writes.
type syncState struct {
	mu           sync.Mutex
	observers    map[int]func()
	nextObserver int
	unsubscribe  []func()
	closed       bool

	inflight sync.WaitGroup
}

// OnChange registers fn to run after every committed mutation. The returned
// func removes it.
func (s *syncState) OnChange(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.observers == nil {
		s.observers = make(map[int]func())
	}
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// Settle waits for every in-flight write to resolve.
func (s *syncState) Settle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mutate runs fn under the store lock and notifies observers when it reports
// a change. A closed store rejects every mutation.
func (s *syncState) mutate(fn func() bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	changed := fn()
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return changed
}

func (s *syncState) notify() {
	s.mu.Lock()
	observers := make([]func(), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}

func (s *syncState) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// markClosed flips the store to closed and hands back the subscriptions to
// release. It reports false if the store was already closed.
func (s *syncState) markClosed(release func()) ([]func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.observers = nil
	if release != nil {
		release()
	}
	return unsubscribe, true
}

func (s *syncState) subscribe(channel EventChannel, events []string, handle func(event string, payload json.RawMessage)) {
	for _, event := range events {
		name := event
		unsubscribe := channel.Subscribe(name, func(payload json.RawMessage) {
			handle(name, payload)
		})
		s.mu.Lock()
		s.unsubscribe = append(s.unsubscribe, unsubscribe)
		s.mu.Unlock()
	}
}
