package telemetry

import (
	"errors"
	"testing"
	"time"
)

func TestParseThreshold(t *testing.T) {
	tests := []struct {
		in      string
		want    float32
		wantErr bool
	}{
		{in: "25", want: 25},
		{in: " 27.5 ", want: 27.5},
		{in: "-3", want: -3},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
		{in: "NaN", wantErr: true},
		{in: "Inf", wantErr: true},
		{in: "+Inf", wantErr: true},
		{in: "-inf", wantErr: true},
		{in: "1e40", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseThreshold(tt.in)
		if tt.wantErr {
			var perr *ParseError
			if !errors.As(err, &perr) || perr.Field != "threshold" || perr.Input != tt.in {
				t.Errorf("ParseThreshold(%q) err = %v; want ParseError", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseThreshold(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestParseReading_RejectsNonFinite(t *testing.T) {
	if got, err := ParseReading("humidity", "48.5"); err != nil || got != 48.5 {
		t.Fatalf("ParseReading(48.5) = %v, %v", got, err)
	}
	for _, in := range []string{"NaN", "inf", "-Inf"} {
		_, err := ParseReading("temperature", in)
		var perr *ParseError
		if !errors.As(err, &perr) || perr.Field != "temperature" {
			t.Errorf("ParseReading(%q) err = %v; want ParseError", in, err)
		}
	}
}

func TestFormatThreshold(t *testing.T) {
	for in, want := range map[float32]string{25: "25", 27.5: "27.5", 0.1: "0.1", -2.25: "-2.25"} {
		if got := FormatThreshold(in); got != want {
			t.Errorf("FormatThreshold(%v) = %q; want %q", in, got, want)
		}
	}
}

func TestParseSampleKey(t *testing.T) {
	if v, err := ParseSampleKey("1700000000"); err != nil || v != 1700000000 {
		t.Errorf("ParseSampleKey = %d, %v", v, err)
	}
	for _, in := range []string{"abc", "-5", "", "1.5"} {
		var perr *ParseError
		if _, err := ParseSampleKey(in); !errors.As(err, &perr) {
			t.Errorf("ParseSampleKey(%q) err = %v; want ParseError", in, err)
		}
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"normal": ModeNormal, " alert ": ModeAlert} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("ALERT"); err == nil {
		t.Error("ParseMode(ALERT): want error")
	}
	if Mode("").Valid() {
		t.Error("empty mode is valid")
	}
}

func TestParseField(t *testing.T) {
	if f, err := ParseField("mode"); err != nil || f != FieldMode {
		t.Errorf("ParseField(mode) = %q, %v", f, err)
	}
	if _, err := ParseField("colour"); err == nil {
		t.Error("ParseField(colour): want error")
	}
}

func TestWriteError(t *testing.T) {
	cause := errors.New("permission denied")
	err := error(&WriteError{Kind: ErrRejected, Field: FieldMode, Err: cause})

	if !errors.Is(err, ErrRejected) {
		t.Error("errors.Is(ErrRejected) = false")
	}
	if errors.Is(err, ErrBusy) || errors.Is(err, ErrTimeout) {
		t.Error("matched the wrong kind")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not unwrapped")
	}
	if got, want := err.Error(), "mode: write rejected: permission denied"; got != want {
		t.Errorf("Error() = %q; want %q", got, want)
	}
	busy := &WriteError{Kind: ErrBusy, Field: FieldThreshold}
	if got, want := busy.Error(), "threshold: adjustment in progress"; got != want {
		t.Errorf("Error() = %q; want %q", got, want)
	}
}

func TestSubscriptionError(t *testing.T) {
	cause := errors.New("connection reset")
	err := &SubscriptionError{Feed: "samples", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("cause not unwrapped")
	}
	if got, want := err.Error(), "subscription samples failed: connection reset"; got != want {
		t.Errorf("Error() = %q; want %q", got, want)
	}
}

func TestSampleTime(t *testing.T) {
	s := Sample{ObservedAt: 1700000000}
	if got, want := s.Time(), time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Time() = %v; want %v", got, want)
	}
}
