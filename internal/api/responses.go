package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marketing-sync/internal/types"
)

// Result is the envelope every orchestrator endpoint responds with. Sync
// trigger and drain endpoints return 200 even when work inside them failed;
// callers inspect Success and Error in the body, not the status code.
type Result struct {
	Success bool                `json:"success"`
	Data    interface{}         `json:"data,omitempty"`
	Warning string              `json:"warning,omitempty"`
	Error   *types.ServiceError `json:"error,omitempty"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data) //nolint:errcheck // response already committed
	}
}

// respondResult sends a success Result with a 200 status.
func respondResult(w http.ResponseWriter, data interface{}) {
	respondJSON(w, http.StatusOK, Result{Success: true, Data: data})
}

// respondResultError embeds a failure in a 200 response body, per the
// documented body-carries-failure contract of the sync endpoints.
func respondResultError(w http.ResponseWriter, err error) {
	respondJSON(w, http.StatusOK, Result{Success: false, Error: serviceErrorOf(err)})
}

// respondError sends an error response with a real HTTP status code. Used by
// read endpoints where a status code is the natural signal.
func respondError(w http.ResponseWriter, statusCode int, err error) {
	respondJSON(w, statusCode, Result{Success: false, Error: serviceErrorOf(err)})
}

// serviceErrorOf normalizes any error into a ServiceError body.
func serviceErrorOf(err error) *types.ServiceError {
	var svcErr *types.ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return &types.ServiceError{Code: "internal_error", Message: err.Error()}
}

// parseJSONBody parses a JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
