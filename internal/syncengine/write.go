package syncengine

import (
	"context"
	"errors"
	"fmt"

	"dhtsync/internal/telemetry"
)

// WriteThreshold stores a new alert threshold remotely. Under the default
// ConfirmEcho policy the mirror keeps its current value until the store
// echoes the write back.
func (e *Engine) WriteThreshold(ctx context.Context, v float32) error {
	return e.write(ctx, telemetry.FieldThreshold, e.paths.Threshold, telemetry.FormatThreshold(v),
		func(c *telemetry.Config) { c.Threshold = telemetry.Float32(v) })
}

// WriteMode stores a new operating mode remotely.
func (e *Engine) WriteMode(ctx context.Context, m telemetry.Mode) error {
	if !m.Valid() {
		return &telemetry.WriteError{
			Kind:  telemetry.ErrRejected,
			Field: telemetry.FieldMode,
			Err:   fmt.Errorf("invalid mode %q", m),
		}
	}
	return e.write(ctx, telemetry.FieldMode, e.paths.Mode, string(m),
		func(c *telemetry.Config) { c.Mode = m })
}

// WriteThresholdAsync runs WriteThreshold in the background. The returned
// channel receives exactly one result.
func (e *Engine) WriteThresholdAsync(ctx context.Context, v float32) <-chan error {
	return async(func() error { return e.WriteThreshold(ctx, v) })
}

// WriteModeAsync runs WriteMode in the background.
func (e *Engine) WriteModeAsync(ctx context.Context, m telemetry.Mode) <-chan error {
	return async(func() error { return e.WriteMode(ctx, m) })
}

func (e *Engine) write(ctx context.Context, field telemetry.Field, path, raw string, set func(*telemetry.Config)) error {
	if e.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.writeTimeout)
		defer cancel()
	}

	var rollback func()
	if e.policy == ConfirmOptimistic {
		rollback = e.applyOptimistic(field, set)
	}

	if err := e.store.Set(ctx, path, raw); err != nil {
		if rollback != nil {
			rollback()
		}
		werr := classifyWriteError(ctx, field, err)
		e.logger.Warn("config write failed", "field", field, "value", raw, "error", werr)
		return werr
	}

	if e.policy == ConfirmAck {
		e.applyConfig(set)
	}
	e.logger.Debug("config write acknowledged", "field", field, "value", raw)
	return nil
}

// applyOptimistic applies set immediately and returns a function that
// restores the previous value of field, unless another value has been
// applied to it since.
func (e *Engine) applyOptimistic(field telemetry.Field, set func(*telemetry.Config)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.state.Load()
	before := cur.Config
	next := *cur
	set(&next.Config)
	after := next.Config
	e.commitLocked(&next)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		cur := e.state.Load()
		if !sameField(cur.Config, after, field) {
			return
		}
		next := *cur
		copyField(&next.Config, before, field)
		e.commitLocked(&next)
	}
}

func classifyWriteError(ctx context.Context, field telemetry.Field, err error) error {
	kind := telemetry.ErrRejected
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = telemetry.ErrTimeout
	}
	return &telemetry.WriteError{Kind: kind, Field: field, Err: err}
}

func sameField(a, b telemetry.Config, field telemetry.Field) bool {
	switch field {
	case telemetry.FieldThreshold:
		if a.Threshold == nil || b.Threshold == nil {
			return a.Threshold == b.Threshold
		}
		return *a.Threshold == *b.Threshold
	case telemetry.FieldMode:
		return a.Mode == b.Mode
	}
	return false
}

func copyField(dst *telemetry.Config, src telemetry.Config, field telemetry.Field) {
	switch field {
	case telemetry.FieldThreshold:
		dst.Threshold = src.Threshold
	case telemetry.FieldMode:
		dst.Mode = src.Mode
	}
}

func async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- fn()
		close(ch)
	}()
	return ch
}
