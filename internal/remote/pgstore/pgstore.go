// Package pgstore implements remote.Store on PostgreSQL. Changes are
// announced with NOTIFY in the writing transaction and delivered to
// subscribers over a dedicated LISTEN connection each.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dhtsync/internal/queue"
	"dhtsync/internal/remote"
)

const (
	valuesChannel  = "dhtsync_values"
	entriesChannel = "dhtsync_entries"
)

const schema = `
CREATE TABLE IF NOT EXISTS dhtsync_values (
	path       TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dhtsync_entries (
	path       TEXT NOT NULL,
	key        TEXT NOT NULL,
	num_key    BIGINT,
	fields     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (path, key)
);

CREATE INDEX IF NOT EXISTS dhtsync_entries_latest
	ON dhtsync_entries (path, (num_key IS NULL), num_key, key COLLATE "C");
`

// Orders like remote.CompareKeys, greatest first.
const latestQuery = `
SELECT key, fields
FROM dhtsync_entries
WHERE path = $1
ORDER BY num_key IS NULL DESC, num_key DESC, key COLLATE "C" DESC
LIMIT 1`

type notification struct {
	Path  string `json:"path"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

func decodeNotification(payload string) (notification, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return notification{}, err
	}
	if n.Path == "" {
		return notification{}, errors.New("notification without path")
	}
	return n, nil
}

// valueEvent returns the event n carries for a value subscription on path.
func (n notification) valueEvent(path string) (remote.ValueEvent, bool) {
	if n.Path != path || n.Key != "" {
		return remote.ValueEvent{}, false
	}
	return remote.ValueEvent{Value: n.Value, Present: true}, true
}

// numKey is the num_key column for key: NULL for keys that are not
// integers, so latestQuery ranks them above every numeric key.
func numKey(key string) *int64 {
	if v, ok := remote.NumericKey(key); ok {
		return &v
	}
	return nil
}

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	ctx    context.Context // cancelled by Close
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ remote.Store = (*Store)(nil)

// New connects to url, verifies the connection and creates the tables if
// needed.
func New(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	return &Store{pool: pool, logger: logger, ctx: sctx, cancel: cancel}, nil
}

func (s *Store) Set(ctx context.Context, path string, value string) error {
	payload, err := json.Marshal(notification{Path: path, Value: value})
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO dhtsync_values (path, value) VALUES ($1, $2)
			ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			path, value); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, valuesChannel, string(payload))
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres set %s: %w", path, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM dhtsync_values WHERE path = $1`, path).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", remote.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres get %s: %w", path, err)
	}
	return v, nil
}

func (s *Store) Append(ctx context.Context, path string, e remote.Entry) error {
	if e.Key == "" {
		return fmt.Errorf("empty entry key")
	}
	fields := e.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	payload, err := json.Marshal(notification{Path: path, Key: e.Key})
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO dhtsync_entries (path, key, num_key, fields) VALUES ($1, $2, $3, $4)
			ON CONFLICT (path, key) DO UPDATE SET fields = EXCLUDED.fields`,
			path, e.Key, numKey(e.Key), fields); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, entriesChannel, string(payload))
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres append %s/%s: %w", path, e.Key, err)
	}
	return nil
}

func (s *Store) latest(ctx context.Context, path string) (remote.Entry, bool, error) {
	var e remote.Entry
	err := s.pool.QueryRow(ctx, latestQuery, path).Scan(&e.Key, &e.Fields)
	if errors.Is(err, pgx.ErrNoRows) {
		return remote.Entry{}, false, nil
	}
	if err != nil {
		return remote.Entry{}, false, fmt.Errorf("postgres latest %s: %w", path, err)
	}
	return e, true, nil
}

func (s *Store) SubscribeValue(ctx context.Context, path string) (<-chan remote.ValueEvent, error) {
	conn, err := s.listen(ctx, valuesChannel)
	if err != nil {
		return nil, err
	}

	f := queue.NewFeed[remote.ValueEvent](ctx)
	v, err := s.Get(ctx, path)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		f.Push(remote.ValueEvent{})
	case err != nil:
		discard(conn)
		f.Finish(remote.ValueEvent{Err: err})
		return f.C(), nil
	default:
		f.Push(remote.ValueEvent{Value: v, Present: true})
	}

	s.watch(ctx, conn, func(n notification) bool {
		ev, ok := n.valueEvent(path)
		if !ok {
			return true
		}
		return f.Push(ev)
	}, func(err error) {
		f.Finish(remote.ValueEvent{Err: err})
	})
	return f.C(), nil
}

func (s *Store) SubscribeLatest(ctx context.Context, path string) (<-chan remote.EntryEvent, error) {
	conn, err := s.listen(ctx, entriesChannel)
	if err != nil {
		return nil, err
	}

	f := queue.NewFeed[remote.EntryEvent](ctx)
	e, ok, err := s.latest(ctx, path)
	if err != nil {
		discard(conn)
		f.Finish(remote.EntryEvent{Err: err})
		return f.C(), nil
	}
	if ok {
		f.Push(remote.EntryEvent{Entry: e})
	}

	s.watch(ctx, conn, func(n notification) bool {
		if n.Path != path {
			return true
		}
		e, ok, err := s.latest(ctx, path)
		if err != nil {
			if ctx.Err() == nil {
				f.Finish(remote.EntryEvent{Err: err})
			}
			return false
		}
		if !ok || e.Key != n.Key {
			return true
		}
		return f.Push(remote.EntryEvent{Entry: e})
	}, func(err error) {
		f.Finish(remote.EntryEvent{Err: err})
	})
	return f.C(), nil
}

func (s *Store) listen(ctx context.Context, channel string) (*pgxpool.Conn, error) {
	if s.ctx.Err() != nil {
		return nil, remote.ErrClosed
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres listen %s: %w", channel, err)
	}
	return conn, nil
}

// watch delivers notifications received on conn to handle until handle
// returns false, ctx is done or the store is closed.
func (s *Store) watch(ctx context.Context, conn *pgxpool.Conn, handle func(notification) bool, fail func(error)) {
	wctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		defer cancel()
		defer discard(conn)

		for {
			n, err := conn.Conn().WaitForNotification(wctx)
			if err != nil {
				switch {
				case s.ctx.Err() != nil:
					fail(remote.ErrClosed)
				case ctx.Err() != nil:
				default:
					fail(fmt.Errorf("postgres wait for notification: %w", err))
				}
				return
			}
			msg, err := decodeNotification(n.Payload)
			if err != nil {
				s.logger.Warn("invalid notification payload", "channel", n.Channel, "error", err)
				continue
			}
			if !handle(msg) {
				return
			}
		}
	}()
}

// discard removes a listening connection from the pool and closes it, so
// no pooled connection keeps receiving notifications.
func discard(conn *pgxpool.Conn) {
	c := conn.Hijack()
	_ = c.Close(context.Background())
}

// Close ends every subscription with remote.ErrClosed and closes the pool.
func (s *Store) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.pool.Close()
	})
	return nil
}
