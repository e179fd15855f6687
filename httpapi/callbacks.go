package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/approvalflow/orchestrator/approval"
	"github.com/approvalflow/orchestrator/core"
)

// CallbackRequest is the POST /callbacks/{token} body.
type CallbackRequest struct {
	Decision     string          `json:"decision" validate:"required,oneof=approve reject"`
	ResponseData json.RawMessage `json:"response_data"`
}

// handleCallback authenticates the signed callback token and records the
// decision. A token that fails HMAC verification is a 403 with no
// detail; everything after verification follows the core error mapping.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	approvalID, ok := s.deps.Signer.Verify(token)
	if !ok {
		writeForbidden(w)
		return
	}

	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &core.ValidationError{Field: "body", Message: "malformed JSON"})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, &core.ValidationError{Field: "body", Message: err.Error()})
		return
	}

	appr, err := s.deps.Approvals.Respond(r.Context(), approvalID, approval.Decision(req.Decision), req.ResponseData)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Metrics.ApprovalDecisions.WithLabelValues(req.Decision).Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approval_id":  appr.ID,
		"workflow_id":  appr.WorkflowID,
		"status":       string(appr.Status),
		"responded_at": appr.RespondedAt,
	})
}
