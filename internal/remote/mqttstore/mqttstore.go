// Package mqttstore implements remote.Store on top of an MQTT broker.
//
// Scalars are retained messages published on the topic equal to their path.
// Collection entries are retained JSON objects published on <path>/<key>.
// The store keeps a cache of everything it has seen on subscribed topics
// and fans changes out to local subscribers.
package mqttstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"dhtsync/internal/config"
	"dhtsync/internal/queue"
	"dhtsync/internal/remote"
)

const (
	qos = byte(1)

	// retainedWait bounds how long a fresh subscription waits for the
	// broker to deliver a retained message before the value counts as
	// absent.
	retainedWait = 500 * time.Millisecond
)

var errStopped = errors.New("mqtt store stopped")

// subscription tracks one topic filter on the broker. Messages on the
// filter are routed as soon as it is registered, before the broker
// acknowledges it.
type subscription struct {
	ready chan struct{}
	err   error
}

type Store struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once

	// state guards everything below.
	state      sync.Mutex
	filters    map[string]*subscription
	values     map[string]string
	entries    map[string]map[string]map[string]string
	valueSubs  map[string][]*queue.Feed[remote.ValueEvent]
	latestSubs map[string][]*queue.Feed[remote.EntryEvent]
	waiters    map[string][]chan struct{}
}

var _ remote.Store = (*Store)(nil)

func New(cfg config.Config, logger *slog.Logger) (*Store, error) {
	s := &Store{
		cfg:        cfg,
		logger:     logger,
		stopCh:     make(chan struct{}),
		filters:    make(map[string]*subscription),
		values:     make(map[string]string),
		entries:    make(map[string]map[string]map[string]string),
		valueSubs:  make(map[string][]*queue.Feed[remote.ValueEvent]),
		latestSubs: make(map[string][]*queue.Feed[remote.EntryEvent]),
		waiters:    make(map[string][]chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)

	// Session settings
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		s.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		// A clean session forgets subscriptions across reconnects.
		go s.resubscribe()
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s, nil
}

// Connect establishes the connection to the broker. It waits for the
// initial connection and respects ctx and Close.
func (s *Store) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return errStopped
	default:
	}

	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()
	if err := s.await(ctx, token); err != nil {
		if !errors.Is(err, errStopped) && ctx.Err() == nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		s.client.Disconnect(0)
		return err
	}
	return nil
}

func (s *Store) SubscribeValue(ctx context.Context, path string) (<-chan remote.ValueEvent, error) {
	if _, err := s.ensureSubscribed(ctx, path); err != nil {
		return nil, err
	}

	// Messages handled before the feed is registered are in the cache.
	f := queue.NewFeed[remote.ValueEvent](ctx)
	s.state.Lock()
	defer s.state.Unlock()
	if v, ok := s.values[path]; ok {
		f.Push(remote.ValueEvent{Value: v, Present: true})
	}
	s.valueSubs[path] = append(pruneClosed(s.valueSubs[path]), f)
	return f.C(), nil
}

func (s *Store) SubscribeLatest(ctx context.Context, path string) (<-chan remote.EntryEvent, error) {
	if _, err := s.ensureSubscribed(ctx, path+"/+"); err != nil {
		return nil, err
	}

	f := queue.NewFeed[remote.EntryEvent](ctx)
	s.state.Lock()
	defer s.state.Unlock()
	if e, ok := s.latestLocked(path); ok {
		f.Push(remote.EntryEvent{Entry: e})
	}
	s.latestSubs[path] = append(pruneClosed(s.latestSubs[path]), f)
	return f.C(), nil
}

// Set publishes value as the retained message of path.
func (s *Store) Set(ctx context.Context, path string, value string) error {
	if err := s.publish(ctx, path, []byte(value)); err != nil {
		return err
	}
	// Write through so a following Get sees the value before the broker
	// echoes it. Subscribers are only notified by the echo.
	s.state.Lock()
	s.values[path] = value
	s.state.Unlock()
	return nil
}

// Get returns the retained value of path. On the first read of a path it
// waits briefly for the broker to deliver the retained message.
func (s *Store) Get(ctx context.Context, path string) (string, error) {
	fresh, err := s.ensureSubscribed(ctx, path)
	if err != nil {
		return "", err
	}

	s.state.Lock()
	if v, ok := s.values[path]; ok {
		s.state.Unlock()
		return v, nil
	}
	if !fresh {
		s.state.Unlock()
		return "", remote.ErrNotFound
	}
	ch := make(chan struct{})
	s.waiters[path] = append(s.waiters[path], ch)
	s.state.Unlock()

	t := time.NewTimer(retainedWait)
	defer t.Stop()
	select {
	case <-ch:
	case <-t.C:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	s.state.Lock()
	defer s.state.Unlock()
	if v, ok := s.values[path]; ok {
		return v, nil
	}
	return "", remote.ErrNotFound
}

// Append publishes e as a retained JSON object on <path>/<key>.
func (s *Store) Append(ctx context.Context, path string, e remote.Entry) error {
	if e.Key == "" || strings.ContainsAny(e.Key, "/+#") {
		return fmt.Errorf("invalid entry key %q", e.Key)
	}
	payload, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return s.publish(ctx, path+"/"+e.Key, payload)
}

// IsConnected returns whether the client is connected.
func (s *Store) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Close ends every subscription and disconnects. Idempotent.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.state.Lock()
	for path, subs := range s.valueSubs {
		for _, f := range subs {
			f.Finish(remote.ValueEvent{Err: remote.ErrClosed})
		}
		delete(s.valueSubs, path)
	}
	for path, subs := range s.latestSubs {
		for _, f := range subs {
			f.Finish(remote.EntryEvent{Err: remote.ErrClosed})
		}
		delete(s.latestSubs, path)
	}
	filters := make([]string, 0, len(s.filters))
	for f := range s.filters {
		filters = append(filters, f)
	}
	s.state.Unlock()

	if s.client != nil && s.IsConnected() && len(filters) > 0 {
		token := s.client.Unsubscribe(filters...)
		token.WaitTimeout(2 * time.Second)
	}

	// Disconnect without holding locks; paho quiesces in-flight work.
	if s.client != nil {
		s.client.Disconnect(250)
	}

	s.setConnected(false)
	s.logger.Info("mqtt store closed")
	return nil
}

func (s *Store) publish(ctx context.Context, topic string, payload []byte) error {
	if !s.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	token := s.client.Publish(topic, qos, true, payload)
	if err := s.await(ctx, token); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	s.logger.Debug("published", "topic", topic, "size", len(payload))
	return nil
}

// ensureSubscribed subscribes to filter on the broker unless that was done
// before. fresh reports whether this call did it.
func (s *Store) ensureSubscribed(ctx context.Context, filter string) (fresh bool, err error) {
	s.state.Lock()
	if sub, ok := s.filters[filter]; ok {
		s.state.Unlock()
		select {
		case <-sub.ready:
			return false, sub.err
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	sub := &subscription{ready: make(chan struct{})}
	s.filters[filter] = sub
	s.state.Unlock()

	defer close(sub.ready)
	if !s.IsConnected() {
		sub.err = fmt.Errorf("mqtt client not connected")
	} else if err := s.await(ctx, s.client.Subscribe(filter, qos, s.handleMessage)); err != nil {
		sub.err = fmt.Errorf("subscribe to %s: %w", filter, err)
	}
	if sub.err != nil {
		s.state.Lock()
		delete(s.filters, filter)
		s.state.Unlock()
		return false, sub.err
	}

	s.logger.Info("subscribed to mqtt topic", "topic", filter, "qos", qos)
	return true, nil
}

func (s *Store) resubscribe() {
	s.state.Lock()
	filters := make(map[string]byte, len(s.filters))
	for f := range s.filters {
		filters[f] = qos
	}
	s.state.Unlock()
	if len(filters) == 0 {
		return
	}

	token := s.client.SubscribeMultiple(filters, s.handleMessage)
	if !token.WaitTimeout(5 * time.Second) {
		s.logger.Error("resubscribe timeout", "topics", len(filters))
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error("resubscribe failed", "error", err)
	}
}

// await waits for token in a ctx/stop-aware loop.
func (s *Store) await(ctx context.Context, token mqtt.Token) error {
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			return token.Error()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return errStopped
		default:
		}
	}
}

func (s *Store) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	topic, payload := msg.Topic(), msg.Payload()
	s.logger.Debug("received mqtt message", "topic", topic, "size", len(payload), "retained", msg.Retained())

	s.state.Lock()
	defer s.state.Unlock()

	if _, ok := s.filters[topic]; ok {
		s.applyValueLocked(topic, payload)
	}
	if i := strings.LastIndexByte(topic, '/'); i > 0 {
		parent, key := topic[:i], topic[i+1:]
		if _, ok := s.filters[parent+"/+"]; ok {
			s.applyEntryLocked(parent, key, payload)
		}
	}
}

func (s *Store) applyValueLocked(path string, payload []byte) {
	ev := remote.ValueEvent{Value: string(payload), Present: len(payload) > 0}
	if ev.Present {
		s.values[path] = ev.Value
	} else {
		delete(s.values, path)
	}
	for _, ch := range s.waiters[path] {
		close(ch)
	}
	delete(s.waiters, path)

	for _, f := range s.valueSubs[path] {
		f.Push(ev)
	}
}

func (s *Store) applyEntryLocked(path, key string, payload []byte) {
	children, ok := s.entries[path]
	if !ok {
		children = make(map[string]map[string]string)
		s.entries[path] = children
	}
	if len(payload) == 0 {
		// Cleared retained message.
		delete(children, key)
		return
	}
	fields, err := decodeFields(payload)
	if err != nil {
		s.logger.Warn("failed to parse entry payload",
			"path", path,
			"key", key,
			"error", err,
			"payload", string(payload),
		)
		return
	}
	children[key] = fields

	latest, ok := s.latestLocked(path)
	if !ok || latest.Key != key {
		return
	}
	for _, f := range s.latestSubs[path] {
		f.Push(remote.EntryEvent{Entry: latest})
	}
}

func (s *Store) latestLocked(path string) (remote.Entry, bool) {
	children := s.entries[path]
	k, ok := remote.MaxKey(slices.Collect(maps.Keys(children)))
	if !ok {
		return remote.Entry{}, false
	}
	return remote.Entry{Key: k, Fields: maps.Clone(children[k])}, true
}

func (s *Store) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// decodeFields accepts a flat JSON object whose values are strings or
// numbers, e.g. {"temperature":22.5,"humidity":"55"}.
func decodeFields(payload []byte) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			fields[k] = str
			continue
		}
		var num json.Number
		if err := json.Unmarshal(v, &num); err != nil {
			return nil, fmt.Errorf("field %s: not a string or number", k)
		}
		fields[k] = num.String()
	}
	return fields, nil
}

func pruneClosed[T any](subs []*queue.Feed[T]) []*queue.Feed[T] {
	return slices.DeleteFunc(subs, func(f *queue.Feed[T]) bool { return f.Closed() })
}
