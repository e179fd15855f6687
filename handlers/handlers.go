// Package handlers wires cross-component transitions over the event
// bus: the engine observes approval.received and drives the step
// advance, approval.retry re-creates single-step approvals, and the
// chat adapter mirrors lifecycle events into the channel. This is the
// only path from a recorded approval decision to workflow progress.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/approvalflow/orchestrator/approval"
	"github.com/approvalflow/orchestrator/chatadapter"
	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/engine"
	"github.com/approvalflow/orchestrator/eventbus"
	"github.com/approvalflow/orchestrator/model"
	"github.com/approvalflow/orchestrator/store"
)

// Deps carries the collaborators the handlers need. Notifier is nil when
// the chat adapter is not configured; chat handlers then no-op.
type Deps struct {
	Store     store.Store
	Engine    *engine.Engine
	Approvals *approval.Service
	Notifier  *chatadapter.Notifier
	Logger    core.Logger

	// DefaultApprovalTimeout applies when approval.retry re-creates a
	// single-step approval.
	DefaultApprovalTimeout time.Duration
}

// Register subscribes every cross-component handler on the bus. Called
// once at startup, before the bus starts consuming.
func Register(bus *eventbus.Bus, d Deps) {
	if d.Logger == nil {
		d.Logger = core.NoOpLogger{}
	}
	if d.DefaultApprovalTimeout <= 0 {
		d.DefaultApprovalTimeout = 1 * time.Hour
	}

	bus.Subscribe(model.EventApprovalReceived, d.onApprovalReceived)
	bus.Subscribe(model.EventApprovalRetry, d.onApprovalRetry)

	if d.Notifier != nil {
		bus.Subscribe(model.EventApprovalRequested, d.onApprovalRequested)
		bus.Subscribe(model.EventApprovalReceived, d.onApprovalDecidedChat)
		bus.Subscribe(model.EventApprovalTimeout, d.onApprovalClosedChat("timed out"))
		bus.Subscribe(model.EventApprovalCancelled, d.onApprovalClosedChat("cancelled"))
	}
}

type approvalReceivedPayload struct {
	ApprovalID   string            `json:"approval_id"`
	WorkflowID   string            `json:"workflow_id"`
	Decision     approval.Decision `json:"decision"`
	ResponseData json.RawMessage   `json:"response_data"`
}

// onApprovalReceived advances the workflow once a decision is recorded.
// Multi-step workflows route through the engine's step handling; a
// workflow with no owning step is the legacy single-step path and moves
// directly.
func (d Deps) onApprovalReceived(ctx context.Context, payload json.RawMessage) error {
	var p approvalReceivedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return &core.EventHandlerError{EventType: model.EventApprovalReceived, Err: err}
	}

	status := model.ApprovalApproved
	if p.Decision == approval.DecisionReject {
		status = model.ApprovalRejected
	}

	_, err := d.Store.GetStepByApproval(ctx, p.ApprovalID)
	if err == nil {
		if herr := d.Engine.HandleApprovalResponse(ctx, p.ApprovalID, status, p.ResponseData); herr != nil {
			return &core.EventHandlerError{EventType: model.EventApprovalReceived, Err: herr}
		}
		return nil
	}
	if !core.IsNotFound(err) {
		return &core.EventHandlerError{EventType: model.EventApprovalReceived, Err: err}
	}

	// Single-step path: the workflow itself was the approval.
	if status == model.ApprovalApproved {
		if _, terr := d.Engine.TransitionTo(ctx, p.WorkflowID, model.WorkflowApproved, "approval granted"); terr != nil {
			return &core.EventHandlerError{EventType: model.EventApprovalReceived, Err: terr}
		}
		if _, terr := d.Engine.TransitionTo(ctx, p.WorkflowID, model.WorkflowCompleted, "approval granted"); terr != nil {
			return &core.EventHandlerError{EventType: model.EventApprovalReceived, Err: terr}
		}
		return nil
	}
	if _, terr := d.Engine.TransitionTo(ctx, p.WorkflowID, model.WorkflowRejected, "approval rejected"); terr != nil {
		return &core.EventHandlerError{EventType: model.EventApprovalReceived, Err: terr}
	}
	return nil
}

type approvalRetryPayload struct {
	WorkflowID string `json:"workflow_id"`
	RetryCount int    `json:"retry_count"`
}

// onApprovalRetry re-creates a single-step workflow's approval from the
// schema stashed in its context, then parks the workflow back in
// WAITING_APPROVAL.
func (d Deps) onApprovalRetry(ctx context.Context, payload json.RawMessage) error {
	var p approvalRetryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return &core.EventHandlerError{EventType: model.EventApprovalRetry, Err: err}
	}

	wf, err := d.Store.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return &core.EventHandlerError{EventType: model.EventApprovalRetry, Err: err}
	}
	schema, ok := engine.ApprovalSchemaFromContext(wf.Context)
	if !ok {
		d.Logger.Warn("approval.retry without stashed schema, cannot re-create", map[string]interface{}{
			"workflow_id": p.WorkflowID,
		})
		return nil
	}

	if _, err := d.Approvals.Request(ctx, p.WorkflowID, schema, d.DefaultApprovalTimeout); err != nil {
		return &core.EventHandlerError{EventType: model.EventApprovalRetry, Err: err}
	}
	if _, err := d.Engine.TransitionTo(ctx, p.WorkflowID, model.WorkflowWaitingApproval, "approval re-created after retry"); err != nil {
		return &core.EventHandlerError{EventType: model.EventApprovalRetry, Err: err}
	}
	return nil
}

type approvalRequestedPayload struct {
	ApprovalID    string          `json:"approval_id"`
	WorkflowID    string          `json:"workflow_id"`
	UISchema      json.RawMessage `json:"ui_schema"`
	ExpiresAt     int64           `json:"expires_at"`
	CallbackToken string          `json:"callback_token"`
}

// onApprovalRequested mirrors the request into the chat channel and
// records the message ref so the decision can update it later. Chat
// degradation (open circuit) is absorbed: a missing chat message never
// fails the approval.
func (d Deps) onApprovalRequested(ctx context.Context, payload json.RawMessage) error {
	var p approvalRequestedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return &core.EventHandlerError{EventType: model.EventApprovalRequested, Err: err}
	}

	ref, err := d.Notifier.SendApprovalRequest(ctx, chatadapter.ApprovalNotification{
		ApprovalID:    p.ApprovalID,
		WorkflowID:    p.WorkflowID,
		CallbackToken: p.CallbackToken,
		UISchema:      p.UISchema,
		ExpiresAt:     time.Unix(p.ExpiresAt, 0).UTC(),
	})
	if core.IsCircuitOpen(err) {
		d.Logger.Warn("chat unavailable, approval posted without notification", map[string]interface{}{
			"approval_id": p.ApprovalID,
		})
		return nil
	}
	if err != nil {
		return &core.EventHandlerError{EventType: model.EventApprovalRequested, Err: err}
	}
	if err := d.Store.SetApprovalExternalRef(ctx, p.ApprovalID, ref); err != nil {
		return &core.EventHandlerError{EventType: model.EventApprovalRequested, Err: err}
	}
	return nil
}

// onApprovalDecidedChat replaces the chat message with the decision.
func (d Deps) onApprovalDecidedChat(ctx context.Context, payload json.RawMessage) error {
	var p approvalReceivedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return &core.EventHandlerError{EventType: model.EventApprovalReceived, Err: err}
	}
	status := "approved"
	if p.Decision == approval.DecisionReject {
		status = "rejected"
	}
	return d.updateChatMessage(ctx, p.ApprovalID, status)
}

// onApprovalClosedChat handles timeout/cancel updates.
func (d Deps) onApprovalClosedChat(status string) eventbus.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p struct {
			ApprovalID string `json:"approval_id"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return &core.EventHandlerError{EventType: model.EventApprovalTimeout, Err: err}
		}
		return d.updateChatMessage(ctx, p.ApprovalID, status)
	}
}

func (d Deps) updateChatMessage(ctx context.Context, approvalID, status string) error {
	appr, err := d.Store.GetApproval(ctx, approvalID)
	if err != nil {
		if core.IsNotFound(err) {
			return nil
		}
		return err
	}
	if appr.ExternalMessageRef == nil {
		return nil
	}
	err = d.Notifier.UpdateApprovalStatus(ctx, *appr.ExternalMessageRef, appr.UISchema, status)
	if core.IsCircuitOpen(err) {
		return nil
	}
	return err
}
