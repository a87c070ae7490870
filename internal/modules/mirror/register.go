package mirror

import (
	"net/http"

	"dhtsync/internal/journal"
	"dhtsync/internal/modules/mirror/controller"
)

func RegisterFeature(mux *http.ServeMux, mirror controller.Mirror, adjuster controller.Adjuster, journal journal.Repository) {
	mirrorController := controller.NewMirrorController(mirror, adjuster, journal)
	mirrorController.RegisterRoutes(mux)
}
