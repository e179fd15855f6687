// Package engine implements the workflow state machine and step
// executor: legal transitions under optimistic concurrency, ordered
// step execution with task-handler dispatch, compensating rollback on
// rejection, and retry with exponential backoff advisories.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/model"
	"github.com/approvalflow/orchestrator/resilience"
	"github.com/approvalflow/orchestrator/store"
)

// Publisher is the slice of the event bus the engine needs. Events are
// published after the owning transaction commits, so handlers observing
// an event can re-read the committed row.
type Publisher interface {
	Publish(eventType string, payload json.RawMessage) error
}

// Config carries the engine's tunables. Zero values fall back to the
// documented defaults.
type Config struct {
	DefaultApprovalTimeout time.Duration
	Retry                  resilience.RetryConfig
	MaxRetries             int
	MaxRollbacks           int
}

// DefaultEngineConfig returns the documented defaults: 1h approval
// timeout, 3 retries, 3 rollbacks, 1s/x2/60s backoff.
func DefaultEngineConfig() Config {
	return Config{
		DefaultApprovalTimeout: 1 * time.Hour,
		Retry:                  resilience.DefaultRetryConfig(),
		MaxRetries:             3,
		MaxRollbacks:           3,
	}
}

// Engine drives workflows through their state machine. All writes to a
// workflow row go through the store's version-checked update; the engine
// retries a bounded number of times on conflict before surfacing it.
type Engine struct {
	store   store.Store
	bus     Publisher
	reg     *Registry
	tokenFn store.CallbackTokenFunc

	cfg    Config
	logger core.Logger
	tel    core.Telemetry
	clock  core.Clock
}

// Option configures an Engine during construction.
type Option func(*Engine)

// WithLogger injects a logger; the default discards.
func WithLogger(l core.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithTelemetry injects a tracer; the default is NoOp.
func WithTelemetry(t core.Telemetry) Option { return func(e *Engine) { e.tel = t } }

// WithClock injects a clock for deterministic tests.
func WithClock(c core.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithConfig overrides the engine tunables.
func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }

// New constructs an Engine. tokenFn mints callback tokens for approvals
// created by approval steps; it is called inside the store's insert
// transaction.
func New(st store.Store, bus Publisher, reg *Registry, tokenFn store.CallbackTokenFunc, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		bus:     bus,
		reg:     reg,
		tokenFn: tokenFn,
		cfg:     DefaultEngineConfig(),
		logger:  core.NoOpLogger{},
		tel:     core.NoOpTelemetry{},
		clock:   core.SystemClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxRetries <= 0 {
		e.cfg.MaxRetries = DefaultEngineConfig().MaxRetries
	}
	if e.cfg.MaxRollbacks <= 0 {
		e.cfg.MaxRollbacks = DefaultEngineConfig().MaxRollbacks
	}
	if e.cfg.DefaultApprovalTimeout <= 0 {
		e.cfg.DefaultApprovalTimeout = DefaultEngineConfig().DefaultApprovalTimeout
	}
	if e.cfg.Retry.InitialBackoff <= 0 {
		e.cfg.Retry = resilience.DefaultRetryConfig()
	}
	return e
}

// StepSpec describes one step at workflow-creation time.
type StepSpec struct {
	Type        model.StepType
	TaskHandler string
	TaskInput   json.RawMessage
}

// CreateRequest carries everything needed to create a workflow. For the
// single-step path (no Steps), ApprovalSchema is stashed in the context
// under _approval_schema so a later retry can re-create the approval.
type CreateRequest struct {
	WorkflowType    string
	Context         json.RawMessage
	Steps           []StepSpec
	ApprovalSchema  json.RawMessage
	ApprovalTimeout time.Duration
}

// contextApprovalSchemaKey is where the single-step approval schema
// lives inside the workflow context.
const contextApprovalSchemaKey = "_approval_schema"

// CreateWorkflow persists a new workflow in CREATED, records
// workflow.started, and, when steps exist, moves it to RUNNING and
// starts executing.
func (e *Engine) CreateWorkflow(ctx context.Context, req CreateRequest) (*model.Workflow, error) {
	ctx, span := e.tel.StartSpan(ctx, "engine.create_workflow")
	defer span.End()

	wfCtx := req.Context
	if wfCtx == nil {
		wfCtx = json.RawMessage(`{}`)
	}
	if len(req.Steps) == 0 && req.ApprovalSchema != nil {
		merged, err := stashApprovalSchema(wfCtx, req.ApprovalSchema)
		if err != nil {
			return nil, &core.ValidationError{Field: "context", Message: err.Error()}
		}
		wfCtx = merged
	}

	now := e.clock.Now().UTC()
	wf := &model.Workflow{
		ID:           uuid.NewString(),
		WorkflowType: req.WorkflowType,
		State:        model.WorkflowCreated,
		Context:      wfCtx,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
		MaxRetries:   e.cfg.MaxRetries,
		MaxRollbacks: e.cfg.MaxRollbacks,
	}

	steps := make([]*model.WorkflowStep, 0, len(req.Steps))
	for i, s := range req.Steps {
		input := s.TaskInput
		if input == nil {
			input = json.RawMessage(`{}`)
		}
		steps = append(steps, &model.WorkflowStep{
			ID:          uuid.NewString(),
			WorkflowID:  wf.ID,
			StepOrder:   i,
			Type:        s.Type,
			Status:      model.StepPending,
			TaskHandler: s.TaskHandler,
			TaskInput:   input,
		})
	}

	if err := e.store.CreateWorkflow(ctx, wf, steps); err != nil {
		span.SetError(err)
		return nil, err
	}

	startedData := mustJSON(map[string]interface{}{
		"workflow_type": req.WorkflowType,
		"step_count":    len(steps),
	})
	if _, err := e.store.AppendEvent(ctx, wf.ID, model.EventWorkflowStarted, startedData); err != nil {
		span.SetError(err)
		return nil, err
	}
	e.publish(model.EventWorkflowStarted, map[string]interface{}{
		"workflow_id":   wf.ID,
		"workflow_type": req.WorkflowType,
		"step_count":    len(steps),
	})
	e.logger.Info("workflow created", map[string]interface{}{
		"workflow_id": wf.ID, "workflow_type": req.WorkflowType, "steps": len(steps),
	})

	if len(steps) == 0 {
		return wf, nil
	}

	wf, err := e.TransitionTo(ctx, wf.ID, model.WorkflowRunning, "steps queued")
	if err != nil {
		return nil, err
	}
	if err := e.ExecuteNextStep(ctx, wf.ID); err != nil {
		return nil, err
	}
	return e.store.GetWorkflow(ctx, wf.ID)
}

// transitionAttempts bounds the re-read loop on optimistic conflicts.
const transitionAttempts = 3

// TransitionTo moves the workflow to newState under the optimistic
// version check: load, check legality, conditional update, append
// workflow.state_changed in the same transaction, publish after commit.
// Version conflicts are re-read and retried a bounded number of times.
func (e *Engine) TransitionTo(ctx context.Context, workflowID string, newState model.WorkflowState, reason string) (*model.Workflow, error) {
	ctx, span := e.tel.StartSpan(ctx, "engine.transition")
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		wf, err := e.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			span.SetError(err)
			return nil, err
		}
		if err := checkTransition(wf.ID, wf.State, newState); err != nil {
			span.SetError(err)
			return nil, err
		}

		from := wf.State
		wf.State = newState
		data := mustJSON(map[string]interface{}{
			"from":    from,
			"to":      newState,
			"reason":  reason,
			"version": wf.Version + 1,
		})
		err = e.store.UpdateWorkflowState(ctx, wf, wf.Version, model.EventWorkflowStateChanged, data)
		if core.IsConcurrentModification(err) {
			lastErr = err
			continue
		}
		if err != nil {
			span.SetError(err)
			return nil, err
		}

		span.AddEvent("workflow.state_changed", map[string]interface{}{
			"from": string(from), "to": string(newState),
		})
		e.publish(model.EventWorkflowStateChanged, map[string]interface{}{
			"workflow_id": wf.ID,
			"from":        from,
			"to":          newState,
			"reason":      reason,
			"version":     wf.Version,
		})
		e.logger.Info("workflow transitioned", map[string]interface{}{
			"workflow_id": wf.ID, "from": string(from), "to": string(newState), "reason": reason,
		})
		return wf, nil
	}
	span.SetError(lastErr)
	return nil, lastErr
}

// ExecuteNextStep runs pending steps in order until it either suspends
// on an approval step, fails on a task error, or completes the workflow
// when no pending step remains.
func (e *Engine) ExecuteNextStep(ctx context.Context, workflowID string) error {
	ctx, span := e.tel.StartSpan(ctx, "engine.execute_next_step")
	defer span.End()

	for {
		step, err := e.store.NextPendingStep(ctx, workflowID)
		if err != nil {
			span.SetError(err)
			return err
		}
		if step == nil {
			// No pending steps completes the workflow, unless a step is
			// still running (suspended on an approval, or a concurrent
			// driver) or failed.
			steps, err := e.store.ListSteps(ctx, workflowID)
			if err != nil {
				span.SetError(err)
				return err
			}
			for _, s := range steps {
				if s.Status == model.StepRunning || s.Status == model.StepFailed {
					return nil
				}
			}
			return e.completeWorkflow(ctx, workflowID)
		}

		if err := e.store.MarkStepRunning(ctx, step.ID); err != nil {
			span.SetError(err)
			return err
		}

		if step.Type == model.StepTypeApproval {
			return e.createStepApproval(ctx, step)
		}

		cont, err := e.runTaskStep(ctx, step)
		if err != nil {
			span.SetError(err)
			return err
		}
		if !cont {
			return nil
		}
	}
}

// runTaskStep dispatches one task step. It returns cont=false when the
// workflow has been marked FAILED and execution must stop.
func (e *Engine) runTaskStep(ctx context.Context, step *model.WorkflowStep) (cont bool, err error) {
	handler, ok := e.reg.Handler(step.TaskHandler)
	if !ok {
		// Soft-skip unknown handlers for forward compatibility.
		output := mustJSON(map[string]interface{}{"status": "skipped", "reason": "handler_not_found"})
		e.logger.Warn("task handler not registered, skipping step", map[string]interface{}{
			"workflow_id": step.WorkflowID, "step_order": step.StepOrder, "handler": step.TaskHandler,
		})
		return true, e.finishTaskStep(ctx, step, output)
	}

	output, herr := invokeHandler(ctx, handler, step.TaskInput)
	if herr != nil {
		failOutput := mustJSON(map[string]interface{}{"error": herr.Error()})
		if err := e.store.FailStep(ctx, step.ID, failOutput); err != nil {
			return false, err
		}
		hErr := &core.HandlerError{StepID: step.ID, Handler: step.TaskHandler, Err: herr}
		e.logger.Error("task handler failed", map[string]interface{}{
			"workflow_id": step.WorkflowID, "step_order": step.StepOrder,
			"handler": step.TaskHandler, "error": herr.Error(),
		})
		return false, e.MarkFailed(ctx, step.WorkflowID, hErr.Error(), false)
	}
	if output == nil {
		output = json.RawMessage(`{}`)
	}
	return true, e.finishTaskStep(ctx, step, output)
}

func (e *Engine) finishTaskStep(ctx context.Context, step *model.WorkflowStep, output json.RawMessage) error {
	if err := e.store.CompleteStep(ctx, step.ID, output); err != nil {
		return err
	}
	data := mustJSON(map[string]interface{}{
		"step_id":    step.ID,
		"step_order": step.StepOrder,
		"handler":    step.TaskHandler,
	})
	if _, err := e.store.AppendEvent(ctx, step.WorkflowID, model.EventStepCompleted, data); err != nil {
		return err
	}
	e.publish(model.EventStepCompleted, map[string]interface{}{
		"workflow_id": step.WorkflowID,
		"step_id":     step.ID,
		"step_order":  step.StepOrder,
		"handler":     step.TaskHandler,
	})
	return nil
}

// invokeHandler runs a task handler, converting a panic into an error so
// one bad handler cannot take down the executor.
func invokeHandler(ctx context.Context, h TaskHandler, input json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, input)
}

// createStepApproval creates the approval row backing an approval step,
// guarded by the row lock and the approval_id idempotency check in the
// store. The workflow stays in RUNNING; the approval row itself carries
// the suspension.
func (e *Engine) createStepApproval(ctx context.Context, step *model.WorkflowStep) error {
	timeout := e.cfg.DefaultApprovalTimeout
	if secs := timeoutFromInput(step.TaskInput); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	appr, created, err := e.store.LockStepForApproval(ctx, step.ID, step.TaskInput, timeout, e.tokenFn)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	data := mustJSON(map[string]interface{}{
		"approval_id": appr.ID,
		"step_id":     step.ID,
		"step_order":  step.StepOrder,
		"expires_at":  appr.ExpiresAt.Unix(),
	})
	if _, err := e.store.AppendEvent(ctx, step.WorkflowID, model.EventApprovalRequested, data); err != nil {
		return err
	}
	e.publish(model.EventApprovalRequested, map[string]interface{}{
		"approval_id":    appr.ID,
		"workflow_id":    step.WorkflowID,
		"step_id":        step.ID,
		"ui_schema":      appr.UISchema,
		"expires_at":     appr.ExpiresAt.Unix(),
		"callback_token": appr.CallbackToken,
	})
	e.logger.Info("approval created for step", map[string]interface{}{
		"workflow_id": step.WorkflowID, "step_order": step.StepOrder, "approval_id": appr.ID,
	})
	return nil
}

// HandleApprovalResponse resumes a suspended multi-step workflow after
// its approval was decided: approve completes the step and continues,
// reject fails the step, compensates completed task steps in reverse
// order, and moves the workflow to REJECTED.
func (e *Engine) HandleApprovalResponse(ctx context.Context, approvalID string, decision model.ApprovalStatus, responseData json.RawMessage) error {
	ctx, span := e.tel.StartSpan(ctx, "engine.handle_approval_response")
	defer span.End()

	step, err := e.store.GetStepByApproval(ctx, approvalID)
	if err != nil {
		span.SetError(err)
		return err
	}

	if responseData == nil {
		responseData = json.RawMessage(`{}`)
	}

	if decision == model.ApprovalApproved {
		if err := e.finishTaskStep(ctx, step, responseData); err != nil {
			span.SetError(err)
			return err
		}
		return e.ExecuteNextStep(ctx, step.WorkflowID)
	}

	if err := e.store.FailStep(ctx, step.ID, responseData); err != nil {
		span.SetError(err)
		return err
	}
	e.compensate(ctx, step)
	_, err = e.TransitionTo(ctx, step.WorkflowID, model.WorkflowRejected, "approval rejected")
	if err != nil {
		span.SetError(err)
	}
	return err
}

// compensate walks completed task steps strictly below rejectedStep in
// descending order and invokes their rollback handlers with the recorded
// output. Compensation is best-effort: missing handlers are skipped and
// handler errors are logged without aborting the walk.
func (e *Engine) compensate(ctx context.Context, rejectedStep *model.WorkflowStep) {
	steps, err := e.store.ListSteps(ctx, rejectedStep.WorkflowID)
	if err != nil {
		e.logger.Error("compensation aborted, cannot list steps", map[string]interface{}{
			"workflow_id": rejectedStep.WorkflowID, "error": err.Error(),
		})
		return
	}

	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.StepOrder >= rejectedStep.StepOrder {
			continue
		}
		if s.Type != model.StepTypeTask || s.Status != model.StepCompleted {
			continue
		}
		rb, ok := e.reg.Rollback(s.TaskHandler)
		if !ok {
			e.logger.Warn("no rollback handler registered, skipping compensation", map[string]interface{}{
				"workflow_id": s.WorkflowID, "step_order": s.StepOrder, "handler": s.TaskHandler,
			})
			continue
		}
		if err := invokeRollback(ctx, rb, s.TaskOutput); err != nil {
			e.logger.Error("rollback handler failed", map[string]interface{}{
				"workflow_id": s.WorkflowID, "step_order": s.StepOrder,
				"handler": s.TaskHandler, "error": err.Error(),
			})
			continue
		}
		e.logger.Info("step compensated", map[string]interface{}{
			"workflow_id": s.WorkflowID, "step_order": s.StepOrder, "handler": s.TaskHandler,
		})
	}
}

func invokeRollback(ctx context.Context, h RollbackHandler, output json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, output)
}

// RetryWorkflow re-runs a TIMEOUT or FAILED workflow from its failure
// point. It reports retried=false when the workflow is not retryable:
// wrong state, or retry budget exhausted (in which case the workflow is
// terminally failed and a DLQ row is written).
func (e *Engine) RetryWorkflow(ctx context.Context, workflowID string) (retried bool, err error) {
	ctx, span := e.tel.StartSpan(ctx, "engine.retry_workflow")
	defer span.End()

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		span.SetError(err)
		return false, err
	}
	if wf.State != model.WorkflowTimeout && wf.State != model.WorkflowFailed {
		return false, nil
	}
	if wf.RetryCount >= wf.MaxRetries {
		if err := e.MarkFailed(ctx, workflowID, core.ErrMaxRetriesExceeded.Error(), true); err != nil {
			span.SetError(err)
			return false, err
		}
		return false, nil
	}
	if err := checkTransition(wf.ID, wf.State, model.WorkflowRunning); err != nil {
		span.SetError(err)
		return false, err
	}

	// Backoff is advisory: recorded in the event payload, never slept on.
	backoff := e.cfg.Retry.BackoffForAttempt(wf.RetryCount + 1)

	cancelled, err := e.store.CancelPendingApprovalsForWorkflow(ctx, workflowID)
	if err != nil {
		span.SetError(err)
		return false, err
	}
	e.emitApprovalCancellations(ctx, workflowID, cancelled, "superseded by retry")

	from := wf.State
	wf.RetryCount++
	wf.State = model.WorkflowRunning
	data := mustJSON(map[string]interface{}{
		"from":        from,
		"to":          model.WorkflowRunning,
		"reason":      "retry",
		"retry_count": wf.RetryCount,
		"backoff_ms":  backoff.Milliseconds(),
	})
	if err := e.store.UpdateWorkflowState(ctx, wf, wf.Version, model.EventWorkflowStateChanged, data); err != nil {
		span.SetError(err)
		return false, err
	}
	e.publish(model.EventWorkflowStateChanged, map[string]interface{}{
		"workflow_id": wf.ID,
		"from":        from,
		"to":          model.WorkflowRunning,
		"reason":      "retry",
		"retry_count": wf.RetryCount,
	})
	e.logger.Info("workflow retrying", map[string]interface{}{
		"workflow_id": wf.ID, "retry_count": wf.RetryCount, "backoff_ms": backoff.Milliseconds(),
	})

	steps, err := e.store.ListSteps(ctx, workflowID)
	if err != nil {
		span.SetError(err)
		return false, err
	}
	if len(steps) == 0 {
		// Single-step path: the approval.retry handler re-creates the
		// approval from the schema stashed in the workflow context.
		e.publish(model.EventApprovalRetry, map[string]interface{}{
			"workflow_id": wf.ID,
			"retry_count": wf.RetryCount,
		})
		return true, nil
	}

	resumeFrom := -1
	for _, s := range steps {
		if s.Status == model.StepFailed || s.Status == model.StepRunning {
			resumeFrom = s.StepOrder
			break
		}
	}
	if resumeFrom >= 0 {
		if err := e.store.ResetStepsFrom(ctx, workflowID, resumeFrom); err != nil {
			span.SetError(err)
			return false, err
		}
	}
	if err := e.ExecuteNextStep(ctx, workflowID); err != nil {
		span.SetError(err)
		return false, err
	}
	return true, nil
}

// MarkFailed cancels pending approvals, fails any running steps so a
// later retry can find the failure point, transitions the workflow to
// FAILED, and optionally writes a DLQ snapshot when the failure is
// terminal.
func (e *Engine) MarkFailed(ctx context.Context, workflowID, errMsg string, moveToDLQ bool) error {
	ctx, span := e.tel.StartSpan(ctx, "engine.mark_failed")
	defer span.End()

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		span.SetError(err)
		return err
	}

	cancelled, err := e.store.CancelPendingApprovalsForWorkflow(ctx, workflowID)
	if err != nil {
		span.SetError(err)
		return err
	}
	e.emitApprovalCancellations(ctx, workflowID, cancelled, "workflow failed")

	if _, err := e.store.FailRunningSteps(ctx, workflowID); err != nil {
		span.SetError(err)
		return err
	}

	if wf.State != model.WorkflowFailed {
		if err := checkTransition(wf.ID, wf.State, model.WorkflowFailed); err != nil {
			span.SetError(err)
			return err
		}
		from := wf.State
		wf.State = model.WorkflowFailed
		data := mustJSON(map[string]interface{}{
			"from":  from,
			"error": errMsg,
		})
		if err := e.store.UpdateWorkflowState(ctx, wf, wf.Version, model.EventWorkflowFailed, data); err != nil {
			span.SetError(err)
			return err
		}
		e.publish(model.EventWorkflowFailed, map[string]interface{}{
			"workflow_id": wf.ID,
			"error":       errMsg,
		})
		e.logger.Warn("workflow failed", map[string]interface{}{
			"workflow_id": wf.ID, "error": errMsg, "dlq": moveToDLQ,
		})
	}

	if !moveToDLQ {
		return nil
	}
	snapshot := mustJSON(map[string]interface{}{
		"workflow_id":   wf.ID,
		"workflow_type": wf.WorkflowType,
		"retry_count":   wf.RetryCount,
		"context":       wf.Context,
	})
	id := wf.ID
	entry := &model.DeadLetterEntry{
		OriginalEventType: model.EventWorkflowFailed,
		EventData:         snapshot,
		ErrorMessage:      errMsg,
		RetryCount:        wf.RetryCount,
		WorkflowID:        &id,
	}
	if err := e.store.AppendDLQ(ctx, entry); err != nil {
		span.SetError(err)
		return err
	}
	return nil
}

// RollbackWorkflow is the explicit rollback API: a human-initiated move
// to targetState, bounded by max_rollbacks, with a full audit payload on
// the workflow.rolled_back event.
func (e *Engine) RollbackWorkflow(ctx context.Context, workflowID string, targetState model.WorkflowState, reason, actor string) (*model.Workflow, error) {
	ctx, span := e.tel.StartSpan(ctx, "engine.rollback_workflow")
	defer span.End()

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if err := checkTransition(wf.ID, wf.State, targetState); err != nil {
		span.SetError(err)
		return nil, err
	}
	if wf.RollbackCount >= wf.MaxRollbacks {
		err := &core.ValidationError{Field: "rollback_count", Message: fmt.Sprintf("rollback limit %d reached", wf.MaxRollbacks)}
		span.SetError(err)
		return nil, err
	}

	from := wf.State
	wf.PreviousState = from
	wf.RollbackReason = reason
	wf.RollbackCount++
	wf.State = targetState
	data := mustJSON(map[string]interface{}{
		"from":           from,
		"to":             targetState,
		"reason":         reason,
		"actor":          actor,
		"rollback_count": wf.RollbackCount,
	})
	if err := e.store.UpdateWorkflowState(ctx, wf, wf.Version, model.EventWorkflowRolledBack, data); err != nil {
		span.SetError(err)
		return nil, err
	}
	e.publish(model.EventWorkflowRolledBack, map[string]interface{}{
		"workflow_id":    wf.ID,
		"from":           from,
		"to":             targetState,
		"reason":         reason,
		"actor":          actor,
		"rollback_count": wf.RollbackCount,
	})
	e.logger.Info("workflow rolled back", map[string]interface{}{
		"workflow_id": wf.ID, "from": string(from), "to": string(targetState), "actor": actor,
	})
	return wf, nil
}

// completeWorkflow finishes a workflow whose steps are all done.
func (e *Engine) completeWorkflow(ctx context.Context, workflowID string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.State == model.WorkflowCompleted {
		return nil
	}
	if _, err := e.TransitionTo(ctx, workflowID, model.WorkflowCompleted, "all steps completed"); err != nil {
		return err
	}
	if _, err := e.store.AppendEvent(ctx, workflowID, model.EventWorkflowCompleted, json.RawMessage(`{}`)); err != nil {
		return err
	}
	e.publish(model.EventWorkflowCompleted, map[string]interface{}{
		"workflow_id": workflowID,
	})
	e.logger.Info("workflow completed", map[string]interface{}{"workflow_id": workflowID})
	return nil
}

func (e *Engine) emitApprovalCancellations(ctx context.Context, workflowID string, cancelled []*model.Approval, reason string) {
	for _, a := range cancelled {
		data := mustJSON(map[string]interface{}{"approval_id": a.ID, "reason": reason})
		if _, err := e.store.AppendEvent(ctx, workflowID, model.EventApprovalCancelled, data); err != nil {
			e.logger.Error("failed to append approval.cancelled event", map[string]interface{}{
				"workflow_id": workflowID, "approval_id": a.ID, "error": err.Error(),
			})
		}
		e.publish(model.EventApprovalCancelled, map[string]interface{}{
			"approval_id": a.ID,
			"workflow_id": workflowID,
			"reason":      reason,
		})
	}
}

// publish serializes payload and hands it to the bus. State is already
// committed by the time publish runs, so a full queue is logged rather
// than surfaced: the durable record is the source of truth.
func (e *Engine) publish(eventType string, payload map[string]interface{}) {
	b, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal event payload", map[string]interface{}{
			"event_type": eventType, "error": err.Error(),
		})
		return
	}
	if err := e.bus.Publish(eventType, b); err != nil {
		e.logger.Warn("event publish failed", map[string]interface{}{
			"event_type": eventType, "error": err.Error(),
		})
	}
}

// stashApprovalSchema merges the single-step approval schema into the
// workflow context under _approval_schema.
func stashApprovalSchema(wfCtx, schema json.RawMessage) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(wfCtx, &m); err != nil {
		return nil, fmt.Errorf("context must be a JSON object: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage)
	}
	m[contextApprovalSchemaKey] = schema
	return json.Marshal(m)
}

// ApprovalSchemaFromContext extracts the stashed single-step approval
// schema, if any. Used by the approval.retry handler.
func ApprovalSchemaFromContext(wfCtx json.RawMessage) (json.RawMessage, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(wfCtx, &m); err != nil {
		return nil, false
	}
	schema, ok := m[contextApprovalSchemaKey]
	return schema, ok
}

// timeoutFromInput reads an optional per-step timeout_seconds out of an
// approval step's task_input.
func timeoutFromInput(input json.RawMessage) int64 {
	var probe struct {
		TimeoutSeconds int64 `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &probe); err != nil {
		return 0
	}
	return probe.TimeoutSeconds
}

func mustJSON(v map[string]interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
