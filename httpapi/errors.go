package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/approvalflow/orchestrator/core"
)

// writeJSON renders v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps the core error taxonomy onto HTTP statuses: 404 for
// missing ids, 400 for validation/state-machine/expiry/double-response
// failures, 500 otherwise. Signature and token failures are written as
// 403 at their call sites before reaching here.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case core.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Kind: "not_found"})
	case core.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "validation"})
	case core.IsInvalidStateTransition(err):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "invalid_state_transition"})
	case core.IsExpired(err):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "expired"})
	case core.IsAlreadyProcessed(err):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "already_processed"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// writeForbidden is the 403 path for signature/token failures. The body
// deliberately carries no detail an attacker could use.
func writeForbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Kind: "forbidden"})
}
