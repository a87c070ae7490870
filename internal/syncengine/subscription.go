package syncengine

import (
	"context"
	"errors"

	"dhtsync/internal/queue"
	"dhtsync/internal/telemetry"
)

// ErrSubscriptionClosed is returned by Next once the subscription has been
// closed or its context cancelled.
var ErrSubscriptionClosed = errors.New("syncengine: subscription closed")

// Subscription is a stream of mirror snapshots. The first snapshot is the
// state at the time of subscribing; every later one reflects an applied
// change. A snapshot with a non-nil Err is the last one delivered.
type Subscription struct {
	feed   *queue.Feed[telemetry.Snapshot]
	cancel context.CancelFunc
}

// Subscribe opens a snapshot stream. It ends when ctx is done, when Close is
// called, or after a terminal error snapshot.
func (e *Engine) Subscribe(ctx context.Context) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		feed:   queue.NewFeed[telemetry.Snapshot](ctx),
		cancel: cancel,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cur := *e.state.Load()
	if e.failure != nil {
		sub.feed.Push(telemetry.Snapshot{State: cur})
		sub.feed.Finish(telemetry.Snapshot{State: cur, Err: e.failure})
		return sub
	}
	sub.feed.Push(telemetry.Snapshot{State: cur})
	e.subs[sub] = struct{}{}
	return sub
}

// Updates returns the snapshot channel. It is closed when the stream ends.
func (s *Subscription) Updates() <-chan telemetry.Snapshot {
	return s.feed.C()
}

// Next waits for the next snapshot. It returns the snapshot's Err for the
// terminal snapshot and ErrSubscriptionClosed once the stream has ended.
func (s *Subscription) Next(ctx context.Context) (telemetry.Snapshot, error) {
	select {
	case <-ctx.Done():
		return telemetry.Snapshot{}, ctx.Err()
	case snap, ok := <-s.feed.C():
		if !ok {
			return telemetry.Snapshot{}, ErrSubscriptionClosed
		}
		return snap, snap.Err
	}
}

// Close ends the stream. Safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
}
