// Package syncengine keeps a local mirror of the latest sensor sample and the
// device configuration held in a remote store, and mediates configuration
// writes against that store.
//
// All mutations of the mirror go through ApplySampleEvent and
// ApplyConfigEvent, which are serialized. Readers get immutable snapshots
// through CurrentState or a Subscription.
package syncengine

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dhtsync/internal/remote"
	"dhtsync/internal/telemetry"
)

// Paths locates the mirrored values in the remote store.
type Paths struct {
	Samples   string
	Threshold string
	Mode      string
}

func DefaultPaths() Paths {
	return Paths{
		Samples:   "DHT_Data",
		Threshold: "Config/threshold",
		Mode:      "Config/mode",
	}
}

// ConfirmPolicy decides when a local configuration write becomes visible in
// the mirror.
type ConfirmPolicy string

const (
	// ConfirmEcho applies a written value only once the store echoes it back
	// through the subscription.
	ConfirmEcho ConfirmPolicy = "echo"
	// ConfirmAck applies a written value as soon as the store acknowledges
	// the write.
	ConfirmAck ConfirmPolicy = "ack"
	// ConfirmOptimistic applies a value before it is sent and rolls it back
	// if the write fails and nothing newer has been applied meanwhile.
	ConfirmOptimistic ConfirmPolicy = "optimistic"
)

func ParseConfirmPolicy(s string) (ConfirmPolicy, error) {
	switch ConfirmPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case ConfirmEcho:
		return ConfirmEcho, nil
	case ConfirmAck:
		return ConfirmAck, nil
	case ConfirmOptimistic:
		return ConfirmOptimistic, nil
	default:
		return ConfirmEcho, fmt.Errorf("invalid confirm policy %q (allowed: echo, ack, optimistic)", s)
	}
}

const defaultWriteTimeout = 10 * time.Second

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithPaths(p Paths) Option {
	return func(e *Engine) { e.paths = p }
}

// WithWriteTimeout bounds every remote write. Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Engine) { e.writeTimeout = d }
}

func WithConfirmPolicy(p ConfirmPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock replaces time.Now for LastSyncedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	store        remote.Store
	paths        Paths
	logger       *slog.Logger
	writeTimeout time.Duration
	policy       ConfirmPolicy
	now          func() time.Time

	state atomic.Pointer[telemetry.MirrorState]

	// mu serializes every mutation of the mirror together with the fan-out
	// to subscribers, so each subscriber sees snapshots in apply order.
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	failure error
}

func New(store remote.Store, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		paths:        DefaultPaths(),
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
		policy:       ConfirmEcho,
		now:          time.Now,
		subs:         make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.state.Store(&telemetry.MirrorState{})
	return e
}

// CurrentState returns the latest mirror snapshot. It never blocks.
func (e *Engine) CurrentState() telemetry.MirrorState {
	return *e.state.Load()
}

// Err returns the last terminal subscription error, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

func (e *Engine) Paths() Paths {
	return e.paths
}

// ApplySampleEvent folds one sample event into the mirror. Malformed keys
// are logged and dropped. Samples keyed older than the mirrored one are
// ignored; a nil reading keeps the previously mirrored value for that
// reading.
func (e *Engine) ApplySampleEvent(key string, temperature, humidity *float32) {
	observedAt, err := telemetry.ParseSampleKey(key)
	if err != nil {
		e.logger.Warn("sample event skipped", "key", key, "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.state.Load()
	prev := cur.LatestSample
	if prev != nil && observedAt < prev.ObservedAt {
		e.logger.Debug("stale sample ignored",
			"observed_at", observedAt,
			"mirrored_at", prev.ObservedAt,
		)
		return
	}

	sample := &telemetry.Sample{
		ObservedAt:  observedAt,
		Temperature: copyReading(temperature),
		Humidity:    copyReading(humidity),
	}
	if prev != nil {
		if sample.Temperature == nil {
			sample.Temperature = prev.Temperature
		}
		if sample.Humidity == nil {
			sample.Humidity = prev.Humidity
		}
	}

	next := *cur
	next.LatestSample = sample
	e.commitLocked(&next)
}

// ApplyConfigEvent overwrites one configuration field with a value delivered
// by the store. Values that do not parse are logged and dropped.
func (e *Engine) ApplyConfigEvent(field telemetry.Field, raw string) {
	switch field {
	case telemetry.FieldThreshold:
		v, err := telemetry.ParseThreshold(raw)
		if err != nil {
			e.logger.Warn("config event skipped", "field", field, "error", err)
			return
		}
		e.applyConfig(func(c *telemetry.Config) { c.Threshold = telemetry.Float32(v) })
	case telemetry.FieldMode:
		m, err := telemetry.ParseMode(raw)
		if err != nil {
			e.logger.Warn("config event skipped", "field", field,
				"error", &telemetry.ParseError{Field: string(field), Input: raw, Err: err})
			return
		}
		e.applyConfig(func(c *telemetry.Config) { c.Mode = m })
	default:
		e.logger.Warn("config event for unknown field", "field", field)
	}
}

func (e *Engine) applyConfig(set func(*telemetry.Config)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := *e.state.Load()
	set(&next.Config)
	e.commitLocked(&next)
}

// commitLocked publishes next as the current state and fans it out. e.mu
// must be held.
func (e *Engine) commitLocked(next *telemetry.MirrorState) {
	next.LastSyncedAt = e.now()
	e.state.Store(next)
	snap := telemetry.Snapshot{State: *next}
	for sub := range e.subs {
		if !sub.feed.Push(snap) {
			delete(e.subs, sub)
		}
	}
}

// fail records a terminal feed error and ends every open subscription with
// it.
func (e *Engine) fail(feed string, err error) {
	serr := &telemetry.SubscriptionError{Feed: feed, Err: err}
	e.logger.Error("subscription failed", "feed", feed, "error", err)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.failure = serr
	snap := telemetry.Snapshot{State: *e.state.Load(), Err: serr}
	for sub := range e.subs {
		sub.feed.Finish(snap)
		delete(e.subs, sub)
	}
}

func copyReading(v *float32) *float32 {
	if v == nil {
		return nil
	}
	return telemetry.Float32(*v)
}
