package httpapi

import (
	"io"
	"net/http"
	"net/url"

	"github.com/approvalflow/orchestrator/chatadapter"
	"github.com/approvalflow/orchestrator/core"
)

// maxInteractiveBody bounds the inbound webhook body.
const maxInteractiveBody = 1 << 20

// handleSlackInteractive ingests the chat-platform interactive webhook.
// The signature is verified against the RAW body before any parsing,
// and verification fails closed when no signing secret is configured.
func (s *Server) handleSlackInteractive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInteractiveBody))
	if err != nil {
		writeError(w, &core.ValidationError{Field: "body", Message: "cannot read body"})
		return
	}

	if err := s.deps.Verifier.Verify(
		r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature"),
		body,
	); err != nil {
		s.deps.Logger.Warn("inbound webhook rejected", map[string]interface{}{"error": err.Error()})
		writeForbidden(w)
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		writeError(w, &core.ValidationError{Field: "body", Message: "malformed form body"})
		return
	}
	interaction, err := chatadapter.ParseInteraction([]byte(form.Get("payload")))
	if err != nil {
		writeError(w, err)
		return
	}

	// The embedded callback token is authenticated independently of the
	// platform signature: it binds the click to one specific approval.
	approvalID, ok := s.deps.Signer.Verify(interaction.CallbackToken)
	if !ok {
		writeForbidden(w)
		return
	}

	ctx := r.Context()
	switch interaction.Kind {
	case chatadapter.KindButton:
		appr, err := s.deps.Approvals.Get(ctx, approvalID)
		if err != nil {
			writeError(w, err)
			return
		}
		// Schemas with input fields need a modal before the decision can
		// complete; button-only schemas complete immediately.
		if chatadapter.RequiresModal(appr.UISchema) {
			if s.deps.Notifier == nil || interaction.TriggerID == "" {
				writeError(w, &core.ValidationError{Field: "trigger_id", Message: "schema requires input fields"})
				return
			}
			if err := s.deps.Notifier.OpenDecisionModal(ctx, interaction.TriggerID, interaction.CallbackToken, interaction.Decision, appr.UISchema); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"opened": "modal"})
			return
		}
		if _, err := s.deps.Approvals.Respond(ctx, approvalID, interaction.Decision, nil); err != nil {
			writeError(w, err)
			return
		}

	case chatadapter.KindModalSubmit:
		if _, err := s.deps.Approvals.Respond(ctx, approvalID, interaction.Decision, interaction.ResponseData); err != nil {
			writeError(w, err)
			return
		}

	default:
		writeError(w, &core.ValidationError{Field: "type", Message: "unsupported interaction"})
		return
	}

	s.deps.Metrics.ApprovalDecisions.WithLabelValues(string(interaction.Decision)).Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
