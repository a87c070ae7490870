// Package journal keeps a local SQLite history of the samples and
// configuration values the sync engine has mirrored.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"dhtsync/internal/telemetry"
)

//go:embed sql/insert-sample.sql
var insertSampleSQL string

//go:embed sql/insert-config.sql
var insertConfigSQL string

//go:embed sql/latest-samples.sql
var latestSamplesSQL string

//go:embed sql/config-history.sql
var configHistorySQL string

//go:embed sql/all-config-history.sql
var allConfigHistorySQL string

// SampleRecord is a mirrored sample as stored in the journal.
type SampleRecord struct {
	ObservedAt  int64     `json:"observed_at"`
	Temperature *float32  `json:"temperature"`
	Humidity    *float32  `json:"humidity"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// ConfigChange is one applied value of a configuration field.
type ConfigChange struct {
	Field     telemetry.Field `json:"field"`
	Value     string          `json:"value"`
	ChangedAt time.Time       `json:"changed_at"`
}

type Repository interface {
	// RecordSample stores s, replacing the readings of a sample stored under
	// the same key.
	RecordSample(ctx context.Context, s telemetry.Sample, at time.Time) error
	RecordConfig(ctx context.Context, field telemetry.Field, value string, at time.Time) error
	// LatestSamples returns up to limit samples, newest key first.
	LatestSamples(ctx context.Context, limit int) ([]SampleRecord, error)
	// ConfigHistory returns up to limit changes, newest first. An empty field
	// selects every field.
	ConfigHistory(ctx context.Context, field telemetry.Field, limit int) ([]ConfigChange, error)
}

type repositoryImpl struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) RecordSample(ctx context.Context, s telemetry.Sample, at time.Time) error {
	_, err := r.db.ExecContext(ctx, insertSampleSQL,
		s.ObservedAt,
		nullable(s.Temperature),
		nullable(s.Humidity),
		at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert sample %d: %w", s.ObservedAt, err)
	}
	return nil
}

func (r *repositoryImpl) RecordConfig(ctx context.Context, field telemetry.Field, value string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, insertConfigSQL, string(field), value, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert config change %s: %w", field, err)
	}
	return nil
}

func (r *repositoryImpl) LatestSamples(ctx context.Context, limit int) ([]SampleRecord, error) {
	rows, err := r.db.QueryContext(ctx, latestSamplesSQL, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close samples rows", "error", err)
		}
	}()

	out := []SampleRecord{}
	for rows.Next() {
		var (
			rec         SampleRecord
			temperature sql.NullFloat64
			humidity    sql.NullFloat64
			ts          string
		)
		if err := rows.Scan(&rec.ObservedAt, &temperature, &humidity, &ts); err != nil {
			return nil, err
		}
		rec.Temperature = fromNull(temperature)
		rec.Humidity = fromNull(humidity)
		if rec.RecordedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) ConfigHistory(ctx context.Context, field telemetry.Field, limit int) ([]ConfigChange, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if field == "" {
		rows, err = r.db.QueryContext(ctx, allConfigHistorySQL, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, configHistorySQL, string(field), limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close config history rows", "error", err)
		}
	}()

	out := []ConfigChange{}
	for rows.Next() {
		var (
			c  ConfigChange
			ts string
		)
		if err := rows.Scan(&c.Field, &c.Value, &ts); err != nil {
			return nil, err
		}
		if c.ChangedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func parseTime(ts string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	return t, nil
}

func nullable(v *float32) any {
	if v == nil {
		return nil
	}
	return float64(*v)
}

func fromNull(v sql.NullFloat64) *float32 {
	if !v.Valid {
		return nil
	}
	return telemetry.Float32(float32(v.Float64))
}
