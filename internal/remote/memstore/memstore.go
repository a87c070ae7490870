// Package memstore is an in-process remote.Store. It backs local runs
// without infrastructure and the test suites, and can inject write, read
// and subscription failures.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"dhtsync/internal/queue"
	"dhtsync/internal/remote"
)

type Store struct {
	mu      sync.Mutex
	values  map[string]string
	entries map[string]map[string]map[string]string

	valueSubs  map[string][]*queue.Feed[remote.ValueEvent]
	latestSubs map[string][]*queue.Feed[remote.EntryEvent]

	setErr error
	getErr error
	delay  time.Duration

	paused bool
	held   []func()
	closed bool
}

var _ remote.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		values:     make(map[string]string),
		entries:    make(map[string]map[string]map[string]string),
		valueSubs:  make(map[string][]*queue.Feed[remote.ValueEvent]),
		latestSubs: make(map[string][]*queue.Feed[remote.EntryEvent]),
	}
}

func (s *Store) SubscribeValue(ctx context.Context, path string) (<-chan remote.ValueEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, remote.ErrClosed
	}
	f := queue.NewFeed[remote.ValueEvent](ctx)
	v, ok := s.values[path]
	f.Push(remote.ValueEvent{Value: v, Present: ok})
	s.valueSubs[path] = append(pruneClosed(s.valueSubs[path]), f)
	return f.C(), nil
}

func (s *Store) SubscribeLatest(ctx context.Context, path string) (<-chan remote.EntryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, remote.ErrClosed
	}
	f := queue.NewFeed[remote.EntryEvent](ctx)
	if e, ok := s.latestLocked(path); ok {
		f.Push(remote.EntryEvent{Entry: e})
	}
	s.latestSubs[path] = append(pruneClosed(s.latestSubs[path]), f)
	return f.C(), nil
}

func (s *Store) Set(ctx context.Context, path string, value string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return remote.ErrClosed
	}
	if s.setErr != nil {
		return s.setErr
	}
	s.values[path] = value
	subs := slices.Clone(s.valueSubs[path])
	s.notifyLocked(func() {
		for _, f := range subs {
			f.Push(remote.ValueEvent{Value: value, Present: true})
		}
	})
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", remote.ErrClosed
	}
	if s.getErr != nil {
		return "", s.getErr
	}
	v, ok := s.values[path]
	if !ok {
		return "", remote.ErrNotFound
	}
	return v, nil
}

func (s *Store) Append(ctx context.Context, path string, e remote.Entry) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return remote.ErrClosed
	}
	if s.setErr != nil {
		return s.setErr
	}
	children, ok := s.entries[path]
	if !ok {
		children = make(map[string]map[string]string)
		s.entries[path] = children
	}
	children[e.Key] = maps.Clone(e.Fields)

	latest, _ := s.latestLocked(path)
	if latest.Key != e.Key {
		// An older key was written; the latest entry is unchanged.
		return nil
	}
	subs := slices.Clone(s.latestSubs[path])
	s.notifyLocked(func() {
		for _, f := range subs {
			f.Push(remote.EntryEvent{Entry: latest})
		}
	})
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.valueSubs {
		for _, f := range subs {
			f.Finish(remote.ValueEvent{Err: remote.ErrClosed})
		}
	}
	for _, subs := range s.latestSubs {
		for _, f := range subs {
			f.Finish(remote.EntryEvent{Err: remote.ErrClosed})
		}
	}
	return nil
}

// FailWrites makes every subsequent Set and Append return err. A nil err
// restores normal behaviour.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	s.setErr = err
	s.mu.Unlock()
}

// FailReads makes every subsequent Get return err.
func (s *Store) FailReads(err error) {
	s.mu.Lock()
	s.getErr = err
	s.mu.Unlock()
}

// SetLatency delays every read and write by d, or until the caller's
// context is done.
func (s *Store) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Break terminates every subscription on path with err.
func (s *Store) Break(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.valueSubs[path] {
		f.Finish(remote.ValueEvent{Err: err})
	}
	delete(s.valueSubs, path)
	for _, f := range s.latestSubs[path] {
		f.Finish(remote.EntryEvent{Err: err})
	}
	delete(s.latestSubs, path)
}

// Pause holds change notifications until Resume. Writes still land.
func (s *Store) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume delivers held notifications in write order.
func (s *Store) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	for _, fn := range s.held {
		fn()
	}
	s.held = nil
}

func (s *Store) notifyLocked(fn func()) {
	if s.paused {
		s.held = append(s.held, fn)
		return
	}
	fn()
}

func (s *Store) latestLocked(path string) (remote.Entry, bool) {
	children := s.entries[path]
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	k, ok := remote.MaxKey(keys)
	if !ok {
		return remote.Entry{}, false
	}
	return remote.Entry{Key: k, Fields: maps.Clone(children[k])}, true
}

func (s *Store) wait(ctx context.Context) error {
	s.mu.Lock()
	d := s.delay
	s.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func pruneClosed[T any](subs []*queue.Feed[T]) []*queue.Feed[T] {
	out := subs[:0]
	for _, f := range subs {
		if !f.Closed() {
			out = append(out, f)
		}
	}
	return out
}
