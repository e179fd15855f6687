// Package approval implements the approval lifecycle: creation with
// signed callback tokens, response validation and commit under a row
// lock with expiry checked before status, timeout marking, and rollback
// of rejected approvals.
package approval

import (
	"context"
	"encoding/json"
	"time"

	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/model"
	"github.com/approvalflow/orchestrator/store"
)

// Publisher is the slice of the event bus the service needs.
type Publisher interface {
	Publish(eventType string, payload json.RawMessage) error
}

// WorkflowTransitioner is the slice of the engine the service needs for
// approval rollback, accepted as an interface to keep the packages
// decoupled.
type WorkflowTransitioner interface {
	TransitionTo(ctx context.Context, workflowID string, newState model.WorkflowState, reason string) (*model.Workflow, error)
}

// Service is the approval lifecycle service.
type Service struct {
	store   store.Store
	bus     Publisher
	tokenFn store.CallbackTokenFunc
	engine  WorkflowTransitioner

	defaultTimeout time.Duration
	logger         core.Logger
	clock          core.Clock
}

// Option configures a Service during construction.
type Option func(*Service)

// WithLogger injects a logger; the default discards.
func WithLogger(l core.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock injects a clock for deterministic expiry tests.
func WithClock(c core.Clock) Option { return func(s *Service) { s.clock = c } }

// WithDefaultTimeout overrides the default expiry window for approvals
// requested without an explicit timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// New constructs a Service. tokenFn mints callback tokens inside the
// approval insert; engine is used only by Rollback to move the owning
// workflow.
func New(st store.Store, bus Publisher, tokenFn store.CallbackTokenFunc, engine WorkflowTransitioner, opts ...Option) *Service {
	s := &Service{
		store:          st,
		bus:            bus,
		tokenFn:        tokenFn,
		engine:         engine,
		defaultTimeout: 1 * time.Hour,
		logger:         core.NoOpLogger{},
		clock:          core.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request creates a PENDING approval for workflowID with a freshly
// minted callback token, records approval.requested on the workflow's
// event log, and publishes it. Used on the single-step path; approval
// steps create their rows through the engine's row-locked path instead.
func (s *Service) Request(ctx context.Context, workflowID string, uiSchema json.RawMessage, timeout time.Duration) (*model.Approval, error) {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	appr, err := s.store.CreateApproval(ctx, workflowID, uiSchema, timeout, s.tokenFn)
	if err != nil {
		return nil, err
	}

	data := marshal(map[string]interface{}{
		"approval_id": appr.ID,
		"expires_at":  appr.ExpiresAt.Unix(),
	})
	if _, err := s.store.AppendEvent(ctx, workflowID, model.EventApprovalRequested, data); err != nil {
		return nil, err
	}
	s.publish(model.EventApprovalRequested, map[string]interface{}{
		"approval_id":    appr.ID,
		"workflow_id":    workflowID,
		"ui_schema":      appr.UISchema,
		"expires_at":     appr.ExpiresAt.Unix(),
		"callback_token": appr.CallbackToken,
	})
	s.logger.Info("approval requested", map[string]interface{}{
		"approval_id": appr.ID, "workflow_id": workflowID, "expires_at": appr.ExpiresAt,
	})
	return appr, nil
}

// Decision is an inbound approve/reject verb.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// status maps the verb to the approval status it commits.
func (d Decision) status() (model.ApprovalStatus, error) {
	switch d {
	case DecisionApprove:
		return model.ApprovalApproved, nil
	case DecisionReject:
		return model.ApprovalRejected, nil
	default:
		return "", &core.ValidationError{Field: "decision", Message: `must be "approve" or "reject"`}
	}
}

// Respond validates and commits a human decision. The store locks the
// row and checks expiry before status, so a click after the deadline
// fails Expired rather than AlreadyProcessed regardless of sweeper
// timing. On success approval.received is recorded and published; the
// engine observes that event and drives the step advance — there is no
// other call path.
func (s *Service) Respond(ctx context.Context, approvalID string, decision Decision, responseData json.RawMessage) (*model.Approval, error) {
	status, err := decision.status()
	if err != nil {
		return nil, err
	}

	appr, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	// Validation failures are client errors and must not mutate state;
	// ui_schema is immutable after creation so reading it unlocked is safe.
	if err := ValidateResponse(appr.UISchema, responseData); err != nil {
		return nil, err
	}

	if responseData == nil {
		responseData = json.RawMessage(`{}`)
	}
	appr, err = s.store.RespondToApproval(ctx, approvalID, status, responseData, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}

	data := marshal(map[string]interface{}{
		"approval_id": appr.ID,
		"decision":    decision,
	})
	if _, err := s.store.AppendEvent(ctx, appr.WorkflowID, model.EventApprovalReceived, data); err != nil {
		return nil, err
	}
	s.publish(model.EventApprovalReceived, map[string]interface{}{
		"approval_id":   appr.ID,
		"workflow_id":   appr.WorkflowID,
		"decision":      decision,
		"response_data": appr.ResponseData,
	})
	s.logger.Info("approval response recorded", map[string]interface{}{
		"approval_id": appr.ID, "workflow_id": appr.WorkflowID, "decision": string(decision),
	})
	return appr, nil
}

// MarkTimeout transitions a PENDING approval to TIMEOUT under the same
// locking discipline as Respond. It reports marked=false without error
// when the row already left PENDING, the race with a user response.
func (s *Service) MarkTimeout(ctx context.Context, approvalID string) (marked bool, err error) {
	appr, err := s.store.MarkApprovalTimeout(ctx, approvalID, s.clock.Now().UTC())
	if err != nil {
		return false, err
	}
	if appr == nil {
		return false, nil
	}

	data := marshal(map[string]interface{}{"approval_id": appr.ID})
	if _, err := s.store.AppendEvent(ctx, appr.WorkflowID, model.EventApprovalTimeout, data); err != nil {
		return true, err
	}
	s.publish(model.EventApprovalTimeout, map[string]interface{}{
		"approval_id": appr.ID,
		"workflow_id": appr.WorkflowID,
	})
	s.logger.Info("approval timed out", map[string]interface{}{
		"approval_id": appr.ID, "workflow_id": appr.WorkflowID,
	})
	return true, nil
}

// Rollback re-opens a REJECTED, unexpired approval: status back to
// PENDING with its response cleared, the linked step back to running
// with its output cleared, and the workflow back on its approval-waiting
// path (RUNNING for multi-step, WAITING_APPROVAL for single-step).
func (s *Service) Rollback(ctx context.Context, approvalID string) (*model.Approval, error) {
	appr, err := s.store.RollbackApproval(ctx, approvalID, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}

	step, err := s.store.GetStepByApproval(ctx, approvalID)
	multiStep := err == nil
	if err != nil && !core.IsNotFound(err) {
		return nil, err
	}
	if multiStep {
		if err := s.store.ReopenStep(ctx, step.ID); err != nil {
			return nil, err
		}
	}

	if s.engine != nil {
		if _, err := s.engine.TransitionTo(ctx, appr.WorkflowID, model.WorkflowRunning, "approval rolled back"); err != nil {
			return nil, err
		}
		if !multiStep {
			if _, err := s.engine.TransitionTo(ctx, appr.WorkflowID, model.WorkflowWaitingApproval, "approval re-opened"); err != nil {
				return nil, err
			}
		}
	}

	s.logger.Info("approval rolled back to pending", map[string]interface{}{
		"approval_id": appr.ID, "workflow_id": appr.WorkflowID, "multi_step": multiStep,
	})
	return appr, nil
}

// Get returns one approval by id.
func (s *Service) Get(ctx context.Context, approvalID string) (*model.Approval, error) {
	return s.store.GetApproval(ctx, approvalID)
}

func (s *Service) publish(eventType string, payload map[string]interface{}) {
	b, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal event payload", map[string]interface{}{
			"event_type": eventType, "error": err.Error(),
		})
		return
	}
	if err := s.bus.Publish(eventType, b); err != nil {
		s.logger.Warn("event publish failed", map[string]interface{}{
			"event_type": eventType, "error": err.Error(),
		})
	}
}

func marshal(v map[string]interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
