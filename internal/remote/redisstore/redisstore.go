// Package redisstore implements remote.Store on Redis (or Valkey).
//
// Layout for a scalar path P: string key P, change notifications on
// channel "value:P". For a collection path P: sorted set "P:index" holding
// the entry keys, one hash "P/<key>" per entry, and notifications carrying
// the appended key on channel "entries:P".
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/redis/go-redis/v9"

	"dhtsync/internal/queue"
	"dhtsync/internal/remote"
)

type Store struct {
	rdb    *redis.Client
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

var _ remote.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr string, db int, logger *slog.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewFromClient(rdb, logger), nil
}

// NewFromClient wraps an existing client. The store takes ownership of it.
func NewFromClient(rdb *redis.Client, logger *slog.Logger) *Store {
	return &Store{
		rdb:    rdb,
		logger: logger,
		closed: make(chan struct{}),
	}
}

func valueChannel(path string) string   { return "value:" + path }
func entriesChannel(path string) string { return "entries:" + path }
func indexKey(path string) string       { return path + ":index" }
func entryKey(path, key string) string  { return path + "/" + key }

// score maps an entry key onto the sorted set so that ZREVRANGE matches
// remote.CompareKeys: integer keys by value, every other key after them.
// Members with equal scores are ordered lexicographically by Redis.
func score(key string) float64 {
	if v, ok := remote.NumericKey(key); ok {
		return float64(v)
	}
	return math.Inf(1)
}

func (s *Store) Set(ctx context.Context, path string, value string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, path, value, 0)
	pipe.Publish(ctx, valueChannel(path), value)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set %s: %w", path, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (string, error) {
	v, err := s.rdb.Get(ctx, path).Result()
	if errors.Is(err, redis.Nil) {
		return "", remote.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", path, err)
	}
	return v, nil
}

func (s *Store) Append(ctx context.Context, path string, e remote.Entry) error {
	if e.Key == "" {
		return fmt.Errorf("empty entry key")
	}
	fields := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}

	pipe := s.rdb.TxPipeline()
	if len(fields) > 0 {
		pipe.HSet(ctx, entryKey(path, e.Key), fields)
	}
	pipe.ZAdd(ctx, indexKey(path), redis.Z{Score: score(e.Key), Member: e.Key})
	pipe.Publish(ctx, entriesChannel(path), e.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append %s/%s: %w", path, e.Key, err)
	}
	return nil
}

// latest reads the entry with the greatest key under path.
func (s *Store) latest(ctx context.Context, path string) (remote.Entry, bool, error) {
	keys, err := s.rdb.ZRevRange(ctx, indexKey(path), 0, 0).Result()
	if err != nil {
		return remote.Entry{}, false, fmt.Errorf("redis zrevrange %s: %w", indexKey(path), err)
	}
	if len(keys) == 0 {
		return remote.Entry{}, false, nil
	}
	fields, err := s.rdb.HGetAll(ctx, entryKey(path, keys[0])).Result()
	if err != nil {
		return remote.Entry{}, false, fmt.Errorf("redis hgetall %s: %w", entryKey(path, keys[0]), err)
	}
	return remote.Entry{Key: keys[0], Fields: fields}, true, nil
}

func (s *Store) SubscribeValue(ctx context.Context, path string) (<-chan remote.ValueEvent, error) {
	ps, err := s.subscribe(ctx, valueChannel(path))
	if err != nil {
		return nil, err
	}

	// Subscribed before reading, so no change between the read and the
	// first notification is lost.
	f := queue.NewFeed[remote.ValueEvent](ctx)
	v, err := s.Get(ctx, path)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		f.Push(remote.ValueEvent{})
	case err != nil:
		_ = ps.Close()
		f.Finish(remote.ValueEvent{Err: err})
		return f.C(), nil
	default:
		f.Push(remote.ValueEvent{Value: v, Present: true})
	}

	s.watch(ctx, ps, func(msg *redis.Message) bool {
		return f.Push(remote.ValueEvent{Value: msg.Payload, Present: true})
	}, func(err error) {
		f.Finish(remote.ValueEvent{Err: err})
	})
	return f.C(), nil
}

func (s *Store) SubscribeLatest(ctx context.Context, path string) (<-chan remote.EntryEvent, error) {
	ps, err := s.subscribe(ctx, entriesChannel(path))
	if err != nil {
		return nil, err
	}

	f := queue.NewFeed[remote.EntryEvent](ctx)
	e, ok, err := s.latest(ctx, path)
	if err != nil {
		_ = ps.Close()
		f.Finish(remote.EntryEvent{Err: err})
		return f.C(), nil
	}
	if ok {
		f.Push(remote.EntryEvent{Entry: e})
	}

	s.watch(ctx, ps, func(msg *redis.Message) bool {
		e, ok, err := s.latest(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			f.Finish(remote.EntryEvent{Err: err})
			return false
		}
		// Only an append that became the latest entry is delivered.
		if !ok || e.Key != msg.Payload {
			return true
		}
		return f.Push(remote.EntryEvent{Entry: e})
	}, func(err error) {
		f.Finish(remote.EntryEvent{Err: err})
	})
	return f.C(), nil
}

func (s *Store) subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	select {
	case <-s.closed:
		return nil, remote.ErrClosed
	default:
	}
	ps := s.rdb.Subscribe(ctx, channel)
	// Wait for the subscription confirmation.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	s.logger.Debug("subscribed to redis channel", "channel", channel)
	return ps, nil
}

// watch forwards messages of ps to handle until handle returns false, ctx is
// done or the store is closed. fail is called with the terminal error when
// the subscription ends for any reason other than ctx.
func (s *Store) watch(ctx context.Context, ps *redis.PubSub, handle func(*redis.Message) bool, fail func(error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.closed:
				fail(remote.ErrClosed)
				return
			case msg, ok := <-msgs:
				if !ok {
					if ctx.Err() == nil {
						fail(remote.ErrClosed)
					}
					return
				}
				if !handle(msg) {
					return
				}
			}
		}
	}()
}

// Close ends every subscription with remote.ErrClosed and closes the client.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
		err = s.rdb.Close()
	})
	return err
}
