package telemetry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Sample is one DHT reading. ObservedAt is the unix-seconds key the sensor
// pipeline stored it under. A nil reading means the event did not carry a
// usable value for it.
type Sample struct {
	ObservedAt  int64    `json:"observedAt"`
	Temperature *float32 `json:"temperature,omitempty"`
	Humidity    *float32 `json:"humidity,omitempty"`
}

// Time returns ObservedAt as a time.Time in UTC.
func (s Sample) Time() time.Time {
	return time.Unix(s.ObservedAt, 0).UTC()
}

type Mode string

const (
	ModeNormal Mode = "normal"
	ModeAlert  Mode = "alert"
)

// ParseMode accepts the store's string encoding of a mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.TrimSpace(s)) {
	case ModeNormal:
		return ModeNormal, nil
	case ModeAlert:
		return ModeAlert, nil
	default:
		return "", fmt.Errorf("invalid mode %q (allowed: normal, alert)", s)
	}
}

func (m Mode) Valid() bool {
	return m == ModeNormal || m == ModeAlert
}

// Field names a configuration value mirrored from the store.
type Field string

const (
	FieldThreshold Field = "threshold"
	FieldMode      Field = "mode"
)

func ParseField(s string) (Field, error) {
	switch Field(strings.TrimSpace(s)) {
	case FieldThreshold:
		return FieldThreshold, nil
	case FieldMode:
		return FieldMode, nil
	default:
		return "", fmt.Errorf("invalid field %q (allowed: threshold, mode)", s)
	}
}

// Config is the remotely configured device behaviour.
type Config struct {
	Threshold *float32 `json:"threshold,omitempty"`
	Mode      Mode     `json:"mode,omitempty"`
}

// MirrorState is the locally known view of the remote store. Values handed
// out by the engine are snapshots and must not be modified.
type MirrorState struct {
	LatestSample *Sample   `json:"latestSample,omitempty"`
	Config       Config    `json:"config"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// Snapshot is one element of a state subscription. A non-nil Err marks the
// terminal element of the stream.
type Snapshot struct {
	State MirrorState
	Err   error
}

// FormatThreshold encodes a threshold the way it is stored remotely.
func FormatThreshold(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', -1, 32)
}

var errNotFinite = errors.New("value is not finite")

// ParseThreshold decodes a stored threshold. NaN and infinities are
// rejected.
func ParseThreshold(s string) (float32, error) {
	return parseFinite(string(FieldThreshold), s)
}

// ParseSampleKey decodes a sample key into unix seconds. Keys must be
// non-negative base-10 integers.
func ParseSampleKey(key string) (int64, error) {
	v, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, &ParseError{Field: "key", Input: key, Err: err}
	}
	if v < 0 {
		return 0, &ParseError{Field: "key", Input: key, Err: fmt.Errorf("negative key")}
	}
	return v, nil
}

// ParseReading decodes a single sample reading (temperature or humidity).
func ParseReading(field, s string) (float32, error) {
	return parseFinite(field, s)
}

func parseFinite(field, s string) (float32, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
	if err != nil {
		return 0, &ParseError{Field: field, Input: s, Err: err}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &ParseError{Field: field, Input: s, Err: errNotFinite}
	}
	return float32(v), nil
}

// Float32 returns a pointer to v.
func Float32(v float32) *float32 {
	return &v
}
