package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"dhtsync/internal/telemetry"
	"dhtsync/internal/utils"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxBodyBytes = 1 << 16
)

type thresholdRequest struct {
	Value *float64 `json:"value"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type adjustRequest struct {
	Delta *float64 `json:"delta"`
}

type configResponse struct {
	Field telemetry.Field `json:"field"`
	Value string          `json:"value"`
}

type adjustResponse struct {
	Value float32 `json:"value"`
}

type streamError struct {
	Error string `json:"error"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

// toFloat32 rejects values that do not fit a float32 threshold.
func toFloat32(name string, v *float64) (float32, error) {
	if v == nil {
		return 0, fmt.Errorf("missing '%s'", name)
	}
	f := float32(*v)
	if math.IsInf(float64(f), 0) || math.IsNaN(float64(f)) {
		return 0, fmt.Errorf("'%s' out of range", name)
	}
	return f, nil
}

func parseLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("invalid 'limit' (expected integer)")
	}
	if n <= 0 {
		return 0, errors.New("'limit' must be > 0")
	}
	if n > maxLimit {
		return 0, fmt.Errorf("'limit' must be <= %d", maxLimit)
	}
	return n, nil
}

// writeFailure maps write and adjust errors to HTTP statuses.
func writeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		slog.Debug(op+": client went away", "error", err)
		return
	case errors.Is(err, telemetry.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, telemetry.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, telemetry.ErrRejected):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		slog.Error(op+" failed", "status", status, "error", err)
	} else {
		slog.Warn(op+" failed", "status", status, "error", err)
	}
	utils.WriteError(w, status, err.Error())
}
