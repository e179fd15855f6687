// Package model defines the orchestrator's persisted entities:
// Workflow, WorkflowStep, Approval, WorkflowEvent, IdempotencyKey, and
// DeadLetterQueue rows. These are plain data structures; behavior lives
// in engine, approval, eventbus and store.
package model

import (
	"encoding/json"
	"time"
)

// WorkflowState is one of the states in the workflow legal-transition
// graph.
type WorkflowState string

const (
	WorkflowCreated          WorkflowState = "CREATED"
	WorkflowRunning          WorkflowState = "RUNNING"
	WorkflowWaitingApproval  WorkflowState = "WAITING_APPROVAL"
	WorkflowApproved         WorkflowState = "APPROVED"
	WorkflowCompleted        WorkflowState = "COMPLETED"
	WorkflowFailed           WorkflowState = "FAILED"
	WorkflowRejected         WorkflowState = "REJECTED"
	WorkflowTimeout          WorkflowState = "TIMEOUT"
)

// Terminal reports whether the state has no further automatic
// transitions (it can still move via explicit retry/rollback APIs,
// which is why this is not simply "no legal transitions").
func (s WorkflowState) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowRejected, WorkflowTimeout:
		return true
	default:
		return false
	}
}

// Workflow is the top-level orchestration unit: a state machine with
// attached ordered steps and an append-only event log.
type Workflow struct {
	ID             string
	WorkflowType   string
	State          WorkflowState
	Context        json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int
	RetryCount     int
	MaxRetries     int
	RollbackCount  int
	MaxRollbacks   int
	PreviousState  WorkflowState
	RollbackReason string
}

// StepType distinguishes automated task steps from human approval steps.
type StepType string

const (
	StepTypeTask     StepType = "task"
	StepTypeApproval StepType = "approval"
)

// StepStatus is the per-step lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// WorkflowStep is one entry in a workflow's ordered execution list.
type WorkflowStep struct {
	ID          string
	WorkflowID  string
	StepOrder   int
	Type        StepType
	Status      StepStatus
	TaskHandler string
	TaskInput   json.RawMessage
	TaskOutput  json.RawMessage
	ApprovalID  *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ApprovalStatus is the lifecycle state of a human decision record.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalTimeout   ApprovalStatus = "TIMEOUT"
	ApprovalCancelled ApprovalStatus = "CANCELLED"
)

// Terminal reports whether the approval no longer accepts a response.
func (s ApprovalStatus) Terminal() bool { return s != ApprovalPending }

// Approval represents a required human decision: a UI schema, a
// deadline, and a signed callback token.
type Approval struct {
	ID                string
	WorkflowID        string
	Status            ApprovalStatus
	UISchema          json.RawMessage
	ResponseData      json.RawMessage
	RequestedAt       time.Time
	RespondedAt       *time.Time
	ExpiresAt         time.Time
	CallbackToken     string
	ExternalMessageRef *string
}

// WorkflowEvent is an append-only entry in a workflow's event log.
type WorkflowEvent struct {
	ID             int64
	WorkflowID     string
	EventType      string
	EventData      json.RawMessage
	OccurredAt     time.Time
	SequenceNumber int
}

// IdempotencyKey records the response returned for a caller-supplied
// deduplication key so a repeated request within the window replays it.
type IdempotencyKey struct {
	Key         string
	ResponseID  string
	Response    json.RawMessage
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// DeadLetterEntry is an operator-drained record of an event or workflow
// that exhausted its retry budget.
type DeadLetterEntry struct {
	ID               int64
	OriginalEventType string
	EventData        json.RawMessage
	ErrorMessage      string
	RetryCount        int
	WorkflowID        *string
	CreatedAt         time.Time
}

// Event taxonomy, stable on the wire.
const (
	EventWorkflowStarted     = "workflow.started"
	EventWorkflowStateChanged = "workflow.state_changed"
	EventWorkflowCompleted   = "workflow.completed"
	EventWorkflowFailed      = "workflow.failed"
	EventWorkflowRolledBack  = "workflow.rolled_back"
	EventApprovalRequested   = "approval.requested"
	EventApprovalReceived    = "approval.received"
	EventApprovalTimeout     = "approval.timeout"
	EventApprovalRetry       = "approval.retry"
	EventApprovalCancelled   = "approval.cancelled"
	EventStepCompleted       = "step.completed"
)
