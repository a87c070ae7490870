package controller

import (
	"log/slog"
	"net/http"
	"time"

	"dhtsync/internal/telemetry"
	"dhtsync/internal/utils"
)

func (c *mirrorControllerImpl) handleState(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, c.mirror.CurrentState())
}

// handleStateStream sends the current state, then every applied change, as
// server-sent events. A failed store feed ends the stream with an error
// event.
func (c *mirrorControllerImpl) handleStateStream(w http.ResponseWriter, r *http.Request) {
	sub := c.mirror.Subscribe(r.Context())
	defer sub.Close()

	stream, err := utils.NewEventStream(w)
	if err != nil {
		slog.Error("state stream: streaming unsupported", "error", err)
		return
	}

	keepAlive := time.NewTicker(c.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if err := stream.Comment("keep-alive"); err != nil {
				slog.Debug("state stream: write failed", "error", err)
				return
			}
		case snap, ok := <-sub.Updates():
			if !ok {
				return
			}
			if snap.Err != nil {
				if err := stream.Send("error", streamError{Error: snap.Err.Error()}); err != nil {
					slog.Debug("state stream: write failed", "error", err)
				}
				return
			}
			if err := stream.Send("state", snap.State); err != nil {
				slog.Debug("state stream: write failed", "error", err)
				return
			}
		}
	}
}

func (c *mirrorControllerImpl) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := decodeBody(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := toFloat32("value", req.Value)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := c.mirror.WriteThreshold(r.Context(), v); err != nil {
		writeFailure(w, r, "set threshold", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, configResponse{Field: telemetry.FieldThreshold, Value: telemetry.FormatThreshold(v)})
}

func (c *mirrorControllerImpl) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeBody(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := telemetry.ParseMode(req.Mode)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := c.mirror.WriteMode(r.Context(), mode); err != nil {
		writeFailure(w, r, "set mode", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, configResponse{Field: telemetry.FieldMode, Value: string(mode)})
}

func (c *mirrorControllerImpl) handleAdjustThreshold(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeBody(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	delta, err := toFloat32("delta", req.Delta)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	v, err := c.adjuster.Adjust(r.Context(), delta)
	if err != nil {
		writeFailure(w, r, "adjust threshold", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, adjustResponse{Value: v})
}

func (c *mirrorControllerImpl) handleSampleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	samples, err := c.journal.LatestSamples(r.Context(), limit)
	if err != nil {
		slog.Error("sample history failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load samples")
		return
	}
	utils.WriteJSON(w, http.StatusOK, samples)
}

func (c *mirrorControllerImpl) handleConfigHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var field telemetry.Field
	if s := r.URL.Query().Get("field"); s != "" {
		if field, err = telemetry.ParseField(s); err != nil {
			utils.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	changes, err := c.journal.ConfigHistory(r.Context(), field, limit)
	if err != nil {
		slog.Error("config history failed", "field", field, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load config history")
		return
	}
	utils.WriteJSON(w, http.StatusOK, changes)
}
