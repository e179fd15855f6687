package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/model"
)

type dlqResponse struct {
	ID                int64           `json:"id"`
	OriginalEventType string          `json:"original_event_type"`
	EventData         json.RawMessage `json:"event_data"`
	ErrorMessage      string          `json:"error_message"`
	RetryCount        int             `json:"retry_count"`
	WorkflowID        *string         `json:"workflow_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

func toDLQResponse(e *model.DeadLetterEntry) dlqResponse {
	return dlqResponse{
		ID:                e.ID,
		OriginalEventType: e.OriginalEventType,
		EventData:         e.EventData,
		ErrorMessage:      e.ErrorMessage,
		RetryCount:        e.RetryCount,
		WorkflowID:        e.WorkflowID,
		CreatedAt:         e.CreatedAt,
	}
}

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.deps.Store.ListDLQ(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]dlqResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toDLQResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

// retryDLQEntry re-drives one entry: workflow snapshots go back through
// the engine's retry path, event spills are republished on the bus. The
// entry is deleted only after the re-drive succeeds.
func (s *Server) retryDLQEntry(r *http.Request, e *model.DeadLetterEntry) error {
	if e.WorkflowID != nil && e.OriginalEventType == model.EventWorkflowFailed {
		if _, err := s.deps.Engine.RetryWorkflow(r.Context(), *e.WorkflowID); err != nil {
			return err
		}
	} else {
		if err := s.deps.Bus.Publish(e.OriginalEventType, e.EventData); err != nil {
			return err
		}
	}
	return s.deps.Store.DeleteDLQ(r.Context(), e.ID)
}

func (s *Server) retryDLQ(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, &core.ValidationError{Field: "id", Message: "must be an integer"})
		return
	}
	entry, err := s.deps.Store.GetDLQ(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.retryDLQEntry(r, entry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": id})
}

// retryAllDLQ re-drives entries oldest-first, stopping at the first hard
// failure and reporting the partial count.
func (s *Server) retryAllDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Store.ListDLQ(r.Context(), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	retried := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if err := s.retryDLQEntry(r, entries[i]); err != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"retried":   retried,
				"failed_id": entries[i].ID,
				"error":     err.Error(),
			})
			return
		}
		retried++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": retried})
}

func (s *Server) deleteDLQ(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, &core.ValidationError{Field: "id", Message: "must be an integer"})
		return
	}
	if _, err := s.deps.Store.GetDLQ(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.DeleteDLQ(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

func (s *Server) clearDLQ(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ClearDLQ(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}
