package syncengine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"dhtsync/internal/remote"
	"dhtsync/internal/telemetry"
)

const (
	feedSamples   = "samples"
	feedThreshold = "threshold"
	feedMode      = "mode"
)

// Run subscribes to the sample, threshold and mode paths and applies their
// events until ctx is done. A failing feed is reported to subscribers and
// stops; the remaining feeds keep running. The store is not re-subscribed.
func (e *Engine) Run(ctx context.Context) error {
	samples, err := e.store.SubscribeLatest(ctx, e.paths.Samples)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", e.paths.Samples, err)
	}
	threshold, err := e.store.SubscribeValue(ctx, e.paths.Threshold)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", e.paths.Threshold, err)
	}
	mode, err := e.store.SubscribeValue(ctx, e.paths.Mode)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", e.paths.Mode, err)
	}

	e.logger.Info("sync engine started",
		"samples_path", e.paths.Samples,
		"threshold_path", e.paths.Threshold,
		"mode_path", e.paths.Mode,
		"confirm_policy", e.policy,
	)

	var g errgroup.Group
	g.Go(func() error {
		e.consumeSamples(ctx, samples)
		return nil
	})
	g.Go(func() error {
		e.consumeValues(ctx, feedThreshold, telemetry.FieldThreshold, threshold)
		return nil
	})
	g.Go(func() error {
		e.consumeValues(ctx, feedMode, telemetry.FieldMode, mode)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return e.Err()
}

func (e *Engine) consumeSamples(ctx context.Context, ch <-chan remote.EntryEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					e.fail(feedSamples, remote.ErrClosed)
				}
				return
			}
			if ev.Err != nil {
				e.fail(feedSamples, ev.Err)
				return
			}
			e.applyEntry(ev.Entry)
		}
	}
}

func (e *Engine) consumeValues(ctx context.Context, feed string, field telemetry.Field, ch <-chan remote.ValueEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					e.fail(feed, remote.ErrClosed)
				}
				return
			}
			if ev.Err != nil {
				e.fail(feed, ev.Err)
				return
			}
			if !ev.Present {
				e.logger.Debug("config value absent", "field", field)
				continue
			}
			e.ApplyConfigEvent(field, ev.Value)
		}
	}
}

// applyEntry decodes the readings of a sample entry. A missing or malformed
// reading is passed on as nil.
func (e *Engine) applyEntry(entry remote.Entry) {
	e.ApplySampleEvent(entry.Key,
		e.reading(entry, "temperature"),
		e.reading(entry, "humidity"),
	)
}

func (e *Engine) reading(entry remote.Entry, field string) *float32 {
	raw, ok := entry.Fields[field]
	if !ok {
		return nil
	}
	v, err := telemetry.ParseReading(field, raw)
	if err != nil {
		e.logger.Warn("sample reading skipped", "key", entry.Key, "error", err)
		return nil
	}
	return &v
}
