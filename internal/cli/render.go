package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"dhtsync/internal/telemetry"
)

const (
	outputText = "text"
	outputJSON = "json"
)

func parseOutput(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case outputText:
		return outputText, nil
	case outputJSON:
		return outputJSON, nil
	default:
		return "", fmt.Errorf("invalid output %q (allowed: text, json)", s)
	}
}

// renderState prints a mirror state as an aligned block.
func renderState(w io.Writer, st telemetry.MirrorState) error {
	sample, temperature, humidity := "-", "-", "-"
	if s := st.LatestSample; s != nil {
		sample = fmt.Sprintf("%d (%s)", s.ObservedAt, s.Time().Format(time.RFC3339))
		temperature = reading(s.Temperature, " °C")
		humidity = reading(s.Humidity, " %")
	}
	synced := "never"
	if !st.LastSyncedAt.IsZero() {
		synced = st.LastSyncedAt.UTC().Format(time.RFC3339)
	}

	rows := [][2]string{
		{"sample", sample},
		{"temperature", temperature},
		{"humidity", humidity},
		{"threshold", threshold(st.Config)},
		{"mode", mode(st.Config)},
		{"synced", synced},
	}
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%-13s%s\n", r[0], r[1]); err != nil {
			return err
		}
	}
	return nil
}

// renderLine prints a mirror state on one line, for streaming output.
func renderLine(w io.Writer, st telemetry.MirrorState) error {
	sample := "-"
	t, h := "-", "-"
	if s := st.LatestSample; s != nil {
		sample = strconv.FormatInt(s.ObservedAt, 10)
		t = reading(s.Temperature, "")
		h = reading(s.Humidity, "")
	}
	_, err := fmt.Fprintf(w, "sample=%s temperature=%s humidity=%s threshold=%s mode=%s\n",
		sample, t, h, threshold(st.Config), mode(st.Config))
	return err
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reading(v *float32, unit string) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(float64(*v), 'f', -1, 32) + unit
}

func threshold(c telemetry.Config) string {
	if c.Threshold == nil {
		return "-"
	}
	return telemetry.FormatThreshold(*c.Threshold)
}

func mode(c telemetry.Config) string {
	if c.Mode == "" {
		return "-"
	}
	return string(c.Mode)
}
