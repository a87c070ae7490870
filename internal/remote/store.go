// Package remote defines the boundary to the remote key/value store that
// holds sensor samples and device configuration.
package remote

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when nothing is stored at the path.
var ErrNotFound = errors.New("remote: value not found")

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("remote: store closed")

// Entry is one keyed child of a collection path, e.g. a sample stored
// under DHT_Data/<unix seconds>.
type Entry struct {
	Key    string            `json:"key"`
	Fields map[string]string `json:"fields"`
}

// EntryEvent is delivered by SubscribeLatest. Err is set on the final event
// of a failed subscription.
type EntryEvent struct {
	Entry Entry
	Err   error
}

// ValueEvent is delivered by SubscribeValue. Present is false when the value
// was deleted or has never been written. Err is set on the final event of a
// failed subscription.
type ValueEvent struct {
	Value   string
	Present bool
	Err     error
}

// Store is a remote key/value store reachable over persistent subscriptions.
//
// Subscription channels stay open until ctx is cancelled or the subscription
// fails; on failure exactly one event carrying Err is sent before the
// channel is closed.
type Store interface {
	// SubscribeLatest streams the entry with the greatest key under path,
	// re-delivering whenever that entry changes. Keys are ordered by
	// CompareKeys.
	SubscribeLatest(ctx context.Context, path string) (<-chan EntryEvent, error)
	// SubscribeValue streams the scalar stored at path.
	SubscribeValue(ctx context.Context, path string) (<-chan ValueEvent, error)
	// Set writes a scalar at path.
	Set(ctx context.Context, path string, value string) error
	// Get reads the scalar at path.
	Get(ctx context.Context, path string) (string, error)
	// Append writes an entry under a collection path.
	Append(ctx context.Context, path string, e Entry) error
	Close() error
}
