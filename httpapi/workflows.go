package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/engine"
	"github.com/approvalflow/orchestrator/model"
)

// StepRequest is one step in a workflow-creation request.
type StepRequest struct {
	Type        string          `json:"type" validate:"required,oneof=task approval"`
	TaskHandler string          `json:"task_handler"`
	TaskInput   json.RawMessage `json:"task_input"`
}

// CreateWorkflowRequest is the POST /workflows body.
type CreateWorkflowRequest struct {
	WorkflowType           string          `json:"workflow_type" validate:"required,max=128"`
	Context                json.RawMessage `json:"context"`
	Steps                  []StepRequest   `json:"steps" validate:"omitempty,dive"`
	ApprovalSchema         json.RawMessage `json:"approval_schema"`
	ApprovalTimeoutSeconds int             `json:"approval_timeout_seconds" validate:"gte=0"`
}

type workflowResponse struct {
	ID             string          `json:"id"`
	WorkflowType   string          `json:"workflow_type"`
	State          string          `json:"state"`
	Context        json.RawMessage `json:"context"`
	Version        int             `json:"version"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	RollbackCount  int             `json:"rollback_count"`
	MaxRollbacks   int             `json:"max_rollbacks"`
	PreviousState  string          `json:"previous_state,omitempty"`
	RollbackReason string          `json:"rollback_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toWorkflowResponse(wf *model.Workflow) workflowResponse {
	return workflowResponse{
		ID:             wf.ID,
		WorkflowType:   wf.WorkflowType,
		State:          string(wf.State),
		Context:        wf.Context,
		Version:        wf.Version,
		RetryCount:     wf.RetryCount,
		MaxRetries:     wf.MaxRetries,
		RollbackCount:  wf.RollbackCount,
		MaxRollbacks:   wf.MaxRollbacks,
		PreviousState:  string(wf.PreviousState),
		RollbackReason: wf.RollbackReason,
		CreatedAt:      wf.CreatedAt,
		UpdatedAt:      wf.UpdatedAt,
	}
}

// createWorkflow handles POST /workflows with optional Idempotency-Key
// replay: a repeated key within the window returns the stored prior
// response verbatim and creates nothing.
func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		rec, err := s.deps.Store.GetIdempotencyKey(ctx, idemKey)
		if err != nil {
			writeError(w, err)
			return
		}
		if rec != nil && time.Now().UTC().Before(rec.ExpiresAt) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotency-Replay", "true")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(rec.Response)
			return
		}
	}

	var req CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &core.ValidationError{Field: "body", Message: "malformed JSON"})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, &core.ValidationError{Field: "body", Message: err.Error()})
		return
	}

	steps := make([]engine.StepSpec, 0, len(req.Steps))
	for _, sr := range req.Steps {
		steps = append(steps, engine.StepSpec{
			Type:        model.StepType(sr.Type),
			TaskHandler: sr.TaskHandler,
			TaskInput:   sr.TaskInput,
		})
	}
	if len(steps) == 0 && req.ApprovalSchema == nil {
		if tmpl, ok := s.deps.Templates[req.WorkflowType]; ok {
			expanded, err := tmpl.StepSpecs()
			if err != nil {
				writeError(w, &core.ValidationError{Field: "workflow_type", Message: err.Error()})
				return
			}
			steps = expanded
		}
	}

	timeout := s.deps.DefaultApprovalTimeout
	if req.ApprovalTimeoutSeconds > 0 {
		timeout = time.Duration(req.ApprovalTimeoutSeconds) * time.Second
	}

	wf, err := s.deps.Engine.CreateWorkflow(ctx, engine.CreateRequest{
		WorkflowType:    req.WorkflowType,
		Context:         req.Context,
		Steps:           steps,
		ApprovalSchema:  req.ApprovalSchema,
		ApprovalTimeout: timeout,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// Single-step path: the workflow itself awaits one approval.
	if len(steps) == 0 && req.ApprovalSchema != nil {
		if _, err := s.deps.Engine.TransitionTo(ctx, wf.ID, model.WorkflowRunning, "awaiting approval"); err != nil {
			writeError(w, err)
			return
		}
		if _, err := s.deps.Approvals.Request(ctx, wf.ID, req.ApprovalSchema, timeout); err != nil {
			writeError(w, err)
			return
		}
		if wf, err = s.deps.Engine.TransitionTo(ctx, wf.ID, model.WorkflowWaitingApproval, "approval pending"); err != nil {
			writeError(w, err)
			return
		}
	}

	s.deps.Metrics.WorkflowsCreated.Inc()

	resp := toWorkflowResponse(wf)
	body, err := json.Marshal(resp)
	if err != nil {
		writeError(w, err)
		return
	}
	if idemKey != "" {
		now := time.Now().UTC()
		rec := &model.IdempotencyKey{
			Key:        idemKey,
			ResponseID: wf.ID,
			Response:   body,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.deps.IdempotencyKeyExpiry),
		}
		if err := s.deps.Store.PutIdempotencyKey(ctx, rec); err != nil {
			s.deps.Logger.Error("failed to store idempotency key", map[string]interface{}{
				"key": idemKey, "error": err.Error(),
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(wf))
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	state := model.WorkflowState(r.URL.Query().Get("state"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	wfs, err := s.deps.Store.ListWorkflows(r.Context(), state, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]workflowResponse, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, toWorkflowResponse(wf))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": out})
}

func (s *Server) listWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetWorkflow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.deps.Store.ListEvents(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	type eventResponse struct {
		EventType      string          `json:"event_type"`
		EventData      json.RawMessage `json:"event_data"`
		OccurredAt     time.Time       `json:"occurred_at"`
		SequenceNumber int             `json:"sequence_number"`
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{
			EventType:      ev.EventType,
			EventData:      ev.EventData,
			OccurredAt:     ev.OccurredAt,
			SequenceNumber: ev.SequenceNumber,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

func (s *Server) listWorkflowSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetWorkflow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	steps, err := s.deps.Store.ListSteps(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	type stepResponse struct {
		ID          string          `json:"id"`
		StepOrder   int             `json:"step_order"`
		Type        string          `json:"type"`
		Status      string          `json:"status"`
		TaskHandler string          `json:"task_handler,omitempty"`
		TaskInput   json.RawMessage `json:"task_input"`
		TaskOutput  json.RawMessage `json:"task_output,omitempty"`
		ApprovalID  *string         `json:"approval_id,omitempty"`
		StartedAt   *time.Time      `json:"started_at,omitempty"`
		CompletedAt *time.Time      `json:"completed_at,omitempty"`
	}
	out := make([]stepResponse, 0, len(steps))
	for _, st := range steps {
		out = append(out, stepResponse{
			ID:          st.ID,
			StepOrder:   st.StepOrder,
			Type:        string(st.Type),
			Status:      string(st.Status),
			TaskHandler: st.TaskHandler,
			TaskInput:   st.TaskInput,
			TaskOutput:  st.TaskOutput,
			ApprovalID:  st.ApprovalID,
			StartedAt:   st.StartedAt,
			CompletedAt: st.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"steps": out})
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Engine.MarkFailed(r.Context(), id, "Cancelled by user", false); err != nil {
		writeError(w, err)
		return
	}
	wf, err := s.deps.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(wf))
}

func (s *Server) retryWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	retried, err := s.deps.Engine.RetryWorkflow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	wf, err := s.deps.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"retried":  retried,
		"workflow": toWorkflowResponse(wf),
	})
}

func (s *Server) rollbackWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	target := model.WorkflowState(r.URL.Query().Get("target_state"))
	reason := r.URL.Query().Get("reason")
	if target == "" {
		writeError(w, &core.ValidationError{Field: "target_state", Message: "required"})
		return
	}
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "api"
	}
	wf, err := s.deps.Engine.RollbackWorkflow(r.Context(), id, target, reason, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(wf))
}

func (s *Server) rollbackApproval(w http.ResponseWriter, r *http.Request) {
	appr, err := s.deps.Approvals.Rollback(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approval_id": appr.ID,
		"workflow_id": appr.WorkflowID,
		"status":      string(appr.Status),
	})
}
