package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/maxpert/mvccoord/tracker"
)

const snapshotTimeout = 5 * time.Second

// handleStatus handles GET /admin/coordinator
func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.service.Status())
}

// handleLedger handles GET /admin/coordinator/ledger
func (h *AdminHandlers) handleLedger(w http.ResponseWriter, r *http.Request) {
	stats, ok := h.service.LedgerStats()
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "local node is not the mvcc coordinator")
		return
	}
	writeJSONResponse(w, stats)
}

// handleHandoff handles GET /admin/coordinator/handoff
func (h *AdminHandlers) handleHandoff(w http.ResponseWriter, r *http.Request) {
	st, ok := h.service.Handoff()
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "local node is not the mvcc coordinator")
		return
	}
	writeJSONResponse(w, st)
}

type snapshotResponse struct {
	Coordinator mvcc.Coordinator `json:"coordinator"`
	Snapshot    mvcc.Snapshot    `json:"snapshot"`
	Elapsed     string           `json:"elapsed"`
}

// handleSnapshot handles GET /admin/mvcc/snapshot. It acquires a query snapshot
// through a tracker and releases it before answering.
func (h *AdminHandlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()

	start := time.Now()
	tr := tracker.New(h.service, h.allowRemap)
	snap, err := tr.RequestVersion(ctx, h.service.TopologyVersion())
	if err != nil {
		writeErrorResponse(w, snapshotErrorStatus(err), err.Error())
		return
	}
	crd, _ := tr.Coordinator()
	tr.OnQueryDone()

	writeJSONResponse(w, snapshotResponse{
		Coordinator: crd,
		Snapshot:    snap,
		Elapsed:     time.Since(start).String(),
	})
}

func snapshotErrorStatus(err error) int {
	switch {
	case errors.Is(err, protocol.ErrCoordinatorNotAssigned),
		errors.Is(err, protocol.ErrCoordinatorChanged),
		errors.Is(err, protocol.ErrCoordinatorLeft):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
