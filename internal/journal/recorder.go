package journal

import (
	"context"
	"fmt"
	"log/slog"

	"dhtsync/internal/telemetry"
)

// Snapshots is a stream of mirror snapshots, e.g. a
// *syncengine.Subscription.
type Snapshots interface {
	Next(ctx context.Context) (telemetry.Snapshot, error)
}

// Recorder writes every new or corrected sample and every configuration
// change it observes on a snapshot stream to the repository.
type Recorder struct {
	repo   Repository
	logger *slog.Logger

	lastSample *telemetry.Sample
	lastConfig map[telemetry.Field]string
}

func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:       repo,
		logger:     logger,
		lastConfig: make(map[telemetry.Field]string),
	}
}

// Run records snapshots until ctx is done or the stream fails. Repository
// errors are logged and do not stop the recorder.
func (r *Recorder) Run(ctx context.Context, snaps Snapshots) error {
	r.seed(ctx)
	for {
		snap, err := snaps.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("journal feed: %w", err)
		}
		r.record(ctx, snap.State)
	}
}

// seed loads the last stored config values so a restart does not record
// them again.
func (r *Recorder) seed(ctx context.Context) {
	for _, field := range []telemetry.Field{telemetry.FieldThreshold, telemetry.FieldMode} {
		changes, err := r.repo.ConfigHistory(ctx, field, 1)
		if err != nil {
			r.logger.Warn("journal seed failed", "field", field, "error", err)
			continue
		}
		if len(changes) == 1 {
			r.lastConfig[field] = changes[0].Value
		}
	}
}

func (r *Recorder) record(ctx context.Context, st telemetry.MirrorState) {
	if s := st.LatestSample; s != nil && !sameSample(r.lastSample, s) {
		if err := r.repo.RecordSample(ctx, *s, st.LastSyncedAt); err != nil {
			r.logger.Error("journal sample failed", "observed_at", s.ObservedAt, "error", err)
		} else {
			cp := *s
			r.lastSample = &cp
		}
	}

	if th := st.Config.Threshold; th != nil {
		r.recordConfig(ctx, telemetry.FieldThreshold, telemetry.FormatThreshold(*th), st)
	}
	if st.Config.Mode != "" {
		r.recordConfig(ctx, telemetry.FieldMode, string(st.Config.Mode), st)
	}
}

func (r *Recorder) recordConfig(ctx context.Context, field telemetry.Field, value string, st telemetry.MirrorState) {
	if last, ok := r.lastConfig[field]; ok && last == value {
		return
	}
	if err := r.repo.RecordConfig(ctx, field, value, st.LastSyncedAt); err != nil {
		r.logger.Error("journal config failed", "field", field, "error", err)
		return
	}
	r.lastConfig[field] = value
	r.logger.Debug("config change recorded", "field", field, "value", value)
}

func sameSample(a, b *telemetry.Sample) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ObservedAt == b.ObservedAt &&
		sameReading(a.Temperature, b.Temperature) &&
		sameReading(a.Humidity, b.Humidity)
}

func sameReading(a, b *float32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
