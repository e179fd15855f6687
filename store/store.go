// Package store defines the persistence contract for workflows, steps,
// approvals, events, idempotency keys and the dead-letter queue, with
// the row-level locking and optimistic-concurrency discipline the
// engine depends on, plus a PostgreSQL implementation.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/approvalflow/orchestrator/model"
)

// CallbackTokenFunc mints a signed callback token for a freshly created
// approval id. It lives in the security package; store takes it as a
// parameter so the two packages stay decoupled.
type CallbackTokenFunc func(approvalID string) (token string, err error)

// Store is the full persistence surface the engine, approval service,
// and timeout manager depend on. The only implementation shipped is
// Postgres; tests substitute an in-memory fake (see enginetest/fakes
// used across the engine/approval/timeoutmgr test files).
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *model.Workflow, steps []*model.WorkflowStep) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	ListWorkflows(ctx context.Context, state model.WorkflowState, limit int) ([]*model.Workflow, error)

	// UpdateWorkflowState performs the engine's conditional update: SET
	// state/version/updated_at WHERE id=? AND version=expectedVersion,
	// appending the given event in the same transaction. wf must already carry every field to persist
	// (retry_count, rollback bookkeeping, etc); on success wf.Version and
	// wf.UpdatedAt are updated in place.
	UpdateWorkflowState(ctx context.Context, wf *model.Workflow, expectedVersion int, eventType string, eventData json.RawMessage) error

	// Steps
	ListSteps(ctx context.Context, workflowID string) ([]*model.WorkflowStep, error)
	GetStep(ctx context.Context, stepID string) (*model.WorkflowStep, error)
	GetStepByApproval(ctx context.Context, approvalID string) (*model.WorkflowStep, error)
	NextPendingStep(ctx context.Context, workflowID string) (*model.WorkflowStep, error)
	MarkStepRunning(ctx context.Context, stepID string) error
	CompleteStep(ctx context.Context, stepID string, output json.RawMessage) error
	FailStep(ctx context.Context, stepID string, output json.RawMessage) error
	ResetStepsFrom(ctx context.Context, workflowID string, fromOrder int) error
	FailRunningSteps(ctx context.Context, workflowID string) ([]*model.WorkflowStep, error)

	// LockStepForApproval takes a row lock on the step and either
	// returns its already-linked approval (created=false, the
	// idempotency guard against concurrent executors) or inserts a new
	// one and links it, minting the token via genToken inside the same
	// transaction.
	LockStepForApproval(ctx context.Context, stepID string, uiSchema json.RawMessage, timeout time.Duration, genToken CallbackTokenFunc) (appr *model.Approval, created bool, err error)

	// ReopenStep puts a previously decided step back in running with its
	// output cleared, used when a rejected approval is rolled back.
	ReopenStep(ctx context.Context, stepID string) error

	// Approvals
	GetApproval(ctx context.Context, id string) (*model.Approval, error)

	// CreateApproval inserts a standalone PENDING approval (the
	// single-step path, where no WorkflowStep owns it), minting the
	// callback token via genToken inside the insert transaction.
	CreateApproval(ctx context.Context, workflowID string, uiSchema json.RawMessage, timeout time.Duration, genToken CallbackTokenFunc) (*model.Approval, error)

	// SetApprovalExternalRef records the chat-platform message id once the
	// adapter has posted the approval request.
	SetApprovalExternalRef(ctx context.Context, approvalID, ref string) error

	// RespondToApproval locks the approval row, checks expiry (before
	// status, so a late click reads as expired rather than already
	// processed), checks status == PENDING, then commits the decision.
	// Returns *core.ExpiredError / *core.AlreadyProcessedError.
	RespondToApproval(ctx context.Context, id string, decision model.ApprovalStatus, responseData json.RawMessage, now time.Time) (*model.Approval, error)

	// MarkApprovalTimeout locks the row and transitions PENDING->TIMEOUT.
	// Returns (nil, nil) if the row already left PENDING (race with a
	// user response), so the loser of that race is a silent no-op.
	MarkApprovalTimeout(ctx context.Context, id string, now time.Time) (*model.Approval, error)

	// RollbackApproval resets a REJECTED, unexpired approval back to
	// PENDING, clearing its response.
	RollbackApproval(ctx context.Context, id string, now time.Time) (*model.Approval, error)

	CancelPendingApprovalsForWorkflow(ctx context.Context, workflowID string) ([]*model.Approval, error)
	ListExpiredPendingApprovals(ctx context.Context, now time.Time, limit int) ([]*model.Approval, error)

	// Events
	AppendEvent(ctx context.Context, workflowID, eventType string, data json.RawMessage) (*model.WorkflowEvent, error)
	ListEvents(ctx context.Context, workflowID string) ([]*model.WorkflowEvent, error)

	// Idempotency
	GetIdempotencyKey(ctx context.Context, key string) (*model.IdempotencyKey, error)
	PutIdempotencyKey(ctx context.Context, rec *model.IdempotencyKey) error

	// Dead-letter queue
	AppendDLQ(ctx context.Context, entry *model.DeadLetterEntry) error
	ListDLQ(ctx context.Context, limit int) ([]*model.DeadLetterEntry, error)
	GetDLQ(ctx context.Context, id int64) (*model.DeadLetterEntry, error)
	DeleteDLQ(ctx context.Context, id int64) error
	ClearDLQ(ctx context.Context) error

	Close() error
}
