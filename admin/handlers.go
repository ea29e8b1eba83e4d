// Package admin serves the operator HTTP API: coordinator status, ledger
// statistics, handoff progress and cluster membership.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/maxpert/mvccoord/cluster"
	"github.com/maxpert/mvccoord/coordinator"
	"github.com/maxpert/mvccoord/ledger"
	"github.com/maxpert/mvccoord/tracker"
	"github.com/rs/zerolog/log"
)

// Coordinator is the service surface the admin API reads. *coordinator.Service
// implements it.
type Coordinator interface {
	tracker.Coordinators
	Status() coordinator.Status
	LedgerStats() (ledger.Stats, bool)
	Handoff() (coordinator.HandoffStatus, bool)
	TopologyVersion() uint64
}

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	service    Coordinator
	cluster    *cluster.ClusterManager
	allowRemap bool
	secret     string
}

// NewAdminHandlers creates the handlers. An empty secret disables
// authentication.
func NewAdminHandlers(service Coordinator, cm *cluster.ClusterManager, allowRemap bool, secret string) *AdminHandlers {
	return &AdminHandlers{
		service:    service,
		cluster:    cm,
		allowRemap: allowRemap,
		secret:     secret,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
