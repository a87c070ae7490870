package controller

import (
	"context"
	"net/http"
	"time"

	"dhtsync/internal/journal"
	"dhtsync/internal/syncengine"
	"dhtsync/internal/telemetry"
)

// Mirror is the part of the sync engine the API serves.
type Mirror interface {
	CurrentState() telemetry.MirrorState
	Subscribe(ctx context.Context) *syncengine.Subscription
	WriteThreshold(ctx context.Context, v float32) error
	WriteMode(ctx context.Context, m telemetry.Mode) error
}

type Adjuster interface {
	Adjust(ctx context.Context, delta float32) (float32, error)
}

type MirrorController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type mirrorControllerImpl struct {
	mirror    Mirror
	adjuster  Adjuster
	journal   journal.Repository
	keepAlive time.Duration
}

func NewMirrorController(mirror Mirror, adjuster Adjuster, journal journal.Repository) MirrorController {
	return &mirrorControllerImpl{
		mirror:    mirror,
		adjuster:  adjuster,
		journal:   journal,
		keepAlive: 15 * time.Second,
	}
}

func (c *mirrorControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/state", c.handleState)
	mux.HandleFunc("GET /api/v1/state/stream", c.handleStateStream)
	mux.HandleFunc("PUT /api/v1/config/threshold", c.handleSetThreshold)
	mux.HandleFunc("PUT /api/v1/config/mode", c.handleSetMode)
	mux.HandleFunc("POST /api/v1/config/threshold/adjust", c.handleAdjustThreshold)
	mux.HandleFunc("GET /api/v1/history/samples", c.handleSampleHistory)
	mux.HandleFunc("GET /api/v1/history/config", c.handleConfigHistory)
}
