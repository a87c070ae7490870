// Package simulator writes synthetic DHT samples to a store the way the
// sensor firmware does: one entry per reading, keyed by unix seconds.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"dhtsync/internal/remote"
)

type Appender interface {
	Append(ctx context.Context, path string, e remote.Entry) error
}

type Simulator struct {
	store    Appender
	path     string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	rng      *rand.Rand

	lastKey     int64
	temperature float64
	humidity    float64
}

func New(store Appender, path string, interval time.Duration, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	seed := uint64(time.Now().UnixNano())
	return &Simulator{
		store:       store,
		path:        path,
		interval:    interval,
		logger:      logger,
		now:         time.Now,
		rng:         rand.New(rand.NewPCG(seed, seed>>1)),
		temperature: 22,
		humidity:    45,
	}
}

// Run appends a sample immediately and then once per interval until ctx is
// done or a write fails.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("simulator started", "path", s.path, "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Step(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step appends one sample and returns it.
func (s *Simulator) Step(ctx context.Context) (remote.Entry, error) {
	key := s.now().Unix()
	if key <= s.lastKey {
		key = s.lastKey + 1
	}

	// Random walk, clamped to what a DHT22 reports.
	s.temperature = clamp(s.temperature+s.rng.NormFloat64()*0.3, -40, 80)
	s.humidity = clamp(s.humidity+s.rng.NormFloat64()*1.0, 0, 100)

	e := remote.Entry{
		Key: strconv.FormatInt(key, 10),
		Fields: map[string]string{
			"temperature": strconv.FormatFloat(s.temperature, 'f', 1, 32),
			"humidity":    strconv.FormatFloat(s.humidity, 'f', 1, 32),
		},
	}
	if err := s.store.Append(ctx, s.path, e); err != nil {
		return remote.Entry{}, fmt.Errorf("append sample %s: %w", e.Key, err)
	}
	s.lastKey = key
	s.logger.Debug("sample written", "key", e.Key, "temperature", e.Fields["temperature"], "humidity", e.Fields["humidity"])
	return e, nil
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
