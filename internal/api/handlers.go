package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/marketing-sync/internal/types"
	"github.com/marketing-sync/internal/worker"
)

// triggerSyncRequest is the optional body of a trigger-sync call.
type triggerSyncRequest struct {
	Force bool `json:"force"`
}

// processRequest is the body of a manual drain call.
type processRequest struct {
	MaxJobs int `json:"maxJobs"`
}

// handleTriggerSync enqueues a recent sync plus the chunked historical
// backfill for a brand's platform connection. Always responds 200; failure
// detail lives in the body.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	brandID := vars["brandId"]
	platform := types.Platform(vars["platform"])

	if !platform.Valid() {
		respondResultError(w, &types.ServiceError{
			Code:    "invalid_platform",
			Message: "platform must be one of: ads, commerce",
		})
		return
	}

	var req triggerSyncRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := parseJSONBody(r, &req); err != nil {
			respondResultError(w, &types.ServiceError{
				Code:    "invalid_request",
				Message: "invalid request body",
			})
			return
		}
	}

	result, err := s.syncService.TriggerSync(r.Context(), brandID, platform, req.Force)
	if err != nil {
		respondResultError(w, err)
		return
	}

	respondResult(w, result)
}

// handleSyncStatus returns the connection's coarse sync status and its ETL
// ledger rows for UI polling.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	brandID := vars["brandId"]
	platform := types.Platform(vars["platform"])

	if !platform.Valid() {
		respondError(w, http.StatusBadRequest, &types.ServiceError{
			Code:    "invalid_platform",
			Message: "platform must be one of: ads, commerce",
		})
		return
	}

	status, err := s.syncService.SyncStatus(r.Context(), brandID, platform)
	if err != nil {
		if svcErr := serviceErrorOf(err); svcErr.Code == "connection_not_found" {
			respondError(w, http.StatusNotFound, svcErr)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// handleProcess synchronously dequeues and processes up to maxJobs jobs for
// environments without a standing background worker. Always responds 200
// with per-job outcomes; callers inspect each outcome for failure.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := parseJSONBody(r, &req); err != nil {
			respondResultError(w, &types.ServiceError{
				Code:    "invalid_request",
				Message: "invalid request body",
			})
			return
		}
	}

	outcomes := s.drainer.Drain(r.Context(), req.MaxJobs)
	if outcomes == nil {
		outcomes = []worker.Outcome{}
	}

	respondResult(w, map[string]interface{}{
		"processed": len(outcomes),
		"jobs":      outcomes,
	})
}

// handleRevokeConnection revokes a connection and drops its waiting jobs.
func (s *Server) handleRevokeConnection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	connectionID := vars["id"]

	dropped, err := s.syncService.RevokeConnection(r.Context(), connectionID)
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}

	respondResult(w, map[string]interface{}{
		"connectionId": connectionID,
		"droppedJobs":  dropped,
	})
}
