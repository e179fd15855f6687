package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/enginetest"
	"github.com/approvalflow/orchestrator/model"
)

func testToken(id string) (string, error) { return id + ":random16:deadbeefdeadbeef", nil }

func newTestEngine(t *testing.T) (*Engine, *enginetest.FakeStore, *enginetest.CapturingBus, *Registry) {
	t.Helper()
	st := enginetest.NewFakeStore()
	bus := &enginetest.CapturingBus{}
	reg := NewRegistry()
	eng := New(st, bus, reg, testToken)
	return eng, st, bus, reg
}

func pendingApprovalFor(t *testing.T, st *enginetest.FakeStore, workflowID string) *model.Approval {
	t.Helper()
	for _, a := range st.Approvals {
		if a.WorkflowID == workflowID && a.Status == model.ApprovalPending {
			return a
		}
	}
	t.Fatalf("no pending approval for workflow %s", workflowID)
	return nil
}

func TestCreateWorkflow_HappyMultiStep(t *testing.T) {
	eng, st, bus, reg := newTestEngine(t)
	ctx := context.Background()

	reg.Register("T1", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":1}`), nil
	})
	t2Calls := 0
	reg.Register("T2", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		t2Calls++
		return json.RawMessage(`{"done":true}`), nil
	})

	wf, err := eng.CreateWorkflow(ctx, CreateRequest{
		WorkflowType: "deploy_review",
		Steps: []StepSpec{
			{Type: model.StepTypeTask, TaskHandler: "T1"},
			{Type: model.StepTypeApproval, TaskInput: json.RawMessage(`{"title":"Review"}`)},
			{Type: model.StepTypeTask, TaskHandler: "T2"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, model.WorkflowRunning, wf.State)
	require.Equal(t, 0, t2Calls, "T2 must not run before the approval is decided")

	steps, err := st.ListSteps(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, model.StepCompleted, steps[0].Status)
	assert.JSONEq(t, `{"ok":1}`, string(steps[0].TaskOutput))
	assert.Equal(t, model.StepRunning, steps[1].Status)
	require.NotNil(t, steps[1].ApprovalID)

	appr := pendingApprovalFor(t, st, wf.ID)
	require.Equal(t, *steps[1].ApprovalID, appr.ID)
	assert.True(t, appr.ExpiresAt.After(appr.RequestedAt))
	assert.NotEmpty(t, appr.CallbackToken)

	err = eng.HandleApprovalResponse(ctx, appr.ID, model.ApprovalApproved, json.RawMessage(`{"reviewer_name":"alice"}`))
	require.NoError(t, err)
	require.Equal(t, 1, t2Calls)

	wf, err = st.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, wf.State)

	steps, _ = st.ListSteps(ctx, wf.ID)
	assert.Equal(t, model.StepCompleted, steps[1].Status)
	assert.JSONEq(t, `{"reviewer_name":"alice"}`, string(steps[1].TaskOutput))
	assert.Equal(t, model.StepCompleted, steps[2].Status)

	types := st.EventTypes(wf.ID)
	assert.Subset(t, types, []string{
		model.EventWorkflowStarted,
		model.EventWorkflowStateChanged,
		model.EventStepCompleted,
		model.EventApprovalRequested,
		model.EventWorkflowCompleted,
	})
	assert.Contains(t, bus.Types(), model.EventApprovalRequested)
	assert.Contains(t, bus.Types(), model.EventWorkflowCompleted)
}

func TestCreateWorkflow_NoSteps_StaysCreated(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)

	wf, err := eng.CreateWorkflow(context.Background(), CreateRequest{
		WorkflowType:   "simple_approval",
		ApprovalSchema: json.RawMessage(`{"title":"Go?"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCreated, wf.State)

	stored, err := st.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	schema, ok := ApprovalSchemaFromContext(stored.Context)
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"Go?"}`, string(schema))
}

func TestExecuteNextStep_HandlerNotFound_SoftSkips(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf, err := eng.CreateWorkflow(ctx, CreateRequest{
		WorkflowType: "w",
		Steps:        []StepSpec{{Type: model.StepTypeTask, TaskHandler: "missing"}},
	})
	require.NoError(t, err)

	wf, err = st.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, wf.State)

	steps, _ := st.ListSteps(ctx, wf.ID)
	require.Len(t, steps, 1)
	assert.Equal(t, model.StepCompleted, steps[0].Status)
	assert.JSONEq(t, `{"status":"skipped","reason":"handler_not_found"}`, string(steps[0].TaskOutput))
}

func TestExecuteNextStep_HandlerError_FailsWorkflow(t *testing.T) {
	eng, st, _, reg := newTestEngine(t)
	ctx := context.Background()

	reg.Register("boom", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("exploded")
	})

	wf, err := eng.CreateWorkflow(ctx, CreateRequest{
		WorkflowType: "w",
		Steps:        []StepSpec{{Type: model.StepTypeTask, TaskHandler: "boom"}},
	})
	require.NoError(t, err)

	wf, err = st.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, wf.State)

	steps, _ := st.ListSteps(ctx, wf.ID)
	assert.Equal(t, model.StepFailed, steps[0].Status)
	assert.Contains(t, string(steps[0].TaskOutput), "exploded")
}

func TestHandleApprovalResponse_RejectCompensatesInReverseOrder(t *testing.T) {
	eng, st, _, reg := newTestEngine(t)
	ctx := context.Background()

	ok := json.RawMessage(`{"ok":true}`)
	reg.Register("provision", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) { return ok, nil })
	reg.Register("deploy", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"release":"r42"}`), nil
	})

	var compensated []string
	var deployOutput json.RawMessage
	reg.RegisterRollback("provision", func(_ context.Context, _ json.RawMessage) error {
		compensated = append(compensated, "provision")
		return nil
	})
	reg.RegisterRollback("deploy", func(_ context.Context, output json.RawMessage) error {
		compensated = append(compensated, "deploy")
		deployOutput = output
		return nil
	})

	wf, err := eng.CreateWorkflow(ctx, CreateRequest{
		WorkflowType: "w",
		Steps: []StepSpec{
			{Type: model.StepTypeTask, TaskHandler: "provision"},
			{Type: model.StepTypeTask, TaskHandler: "deploy"},
			{Type: model.StepTypeApproval},
		},
	})
	require.NoError(t, err)

	appr := pendingApprovalFor(t, st, wf.ID)
	err = eng.HandleApprovalResponse(ctx, appr.ID, model.ApprovalRejected, json.RawMessage(`{"comments":"nope"}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"deploy", "provision"}, compensated)
	assert.JSONEq(t, `{"release":"r42"}`, string(deployOutput))

	wf, _ = st.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, model.WorkflowRejected, wf.State)

	steps, _ := st.ListSteps(ctx, wf.ID)
	assert.Equal(t, model.StepFailed, steps[2].Status)
}

func TestHandleApprovalResponse_MissingRollbackHandlerIsSkipped(t *testing.T) {
	eng, st, _, reg := newTestEngine(t)
	ctx := context.Background()

	reg.Register("deploy", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	wf, err := eng.CreateWorkflow(ctx, CreateRequest{
		WorkflowType: "w",
		Steps: []StepSpec{
			{Type: model.StepTypeTask, TaskHandler: "deploy"},
			{Type: model.StepTypeApproval},
		},
	})
	require.NoError(t, err)

	appr := pendingApprovalFor(t, st, wf.ID)
	require.NoError(t, eng.HandleApprovalResponse(ctx, appr.ID, model.ApprovalRejected, nil))

	wf, _ = st.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, model.WorkflowRejected, wf.State)
}

func TestRetryWorkflow_ResumesFromFailedStep(t *testing.T) {
	eng, st, _, reg := newTestEngine(t)
	ctx := context.Background()

	firstCalls := 0
	reg.Register("first", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		firstCalls++
		return json.RawMessage(`{}`), nil
	})
	flakyFails := true
	reg.Register("flaky", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if flakyFails {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`{"ok":1}`), nil
	})

	wf, err := eng.CreateWorkflow(ctx, CreateRequest{
		WorkflowType: "w",
		Steps: []StepSpec{
			{Type: model.StepTypeTask, TaskHandler: "first"},
			{Type: model.StepTypeTask, TaskHandler: "flaky"},
		},
	})
	require.NoError(t, err)

	wf, _ = st.GetWorkflow(ctx, wf.ID)
	require.Equal(t, model.WorkflowFailed, wf.State)
	require.Equal(t, 1, firstCalls)

	flakyFails = false
	retried, err := eng.RetryWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.True(t, retried)

	// Steps before the failure point are not re-executed.
	assert.Equal(t, 1, firstCalls)

	wf, _ = st.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, model.WorkflowCompleted, wf.State)
	assert.Equal(t, 1, wf.RetryCount)
}

func TestRetryWorkflow_WrongStateIsNoOp(t *testing.T) {
	eng, st, _, reg := newTestEngine(t)
	ctx := context.Background()

	reg.Register("t", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	wf, err := eng.CreateWorkflow(ctx, CreateRequest{
		WorkflowType: "w",
		Steps:        []StepSpec{{Type: model.StepTypeTask, TaskHandler: "t"}},
	})
	require.NoError(t, err)

	retried, err := eng.RetryWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.False(t, retried)

	wf, _ = st.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, model.WorkflowCompleted, wf.State)
}

func TestRetryWorkflow_ExhaustedBudgetGoesToDLQ(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf, err := eng.CreateWorkflow(ctx, CreateRequest{WorkflowType: "w"})
	require.NoError(t, err)
	st.Workflows[wf.ID].State = model.WorkflowTimeout
	st.Workflows[wf.ID].RetryCount = 3

	retried, err := eng.RetryWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.False(t, retried)

	wf, _ = st.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, model.WorkflowFailed, wf.State)

	require.Len(t, st.DLQ, 1)
	entry := st.DLQ[0]
	require.NotNil(t, entry.WorkflowID)
	assert.Equal(t, wf.ID, *entry.WorkflowID)
	assert.Equal(t, 3, entry.RetryCount)
	assert.Contains(t, string(entry.EventData), wf.ID)
}

func TestRetryWorkflow_SingleStepPublishesApprovalRetry(t *testing.T) {
	eng, st, bus, _ := newTestEngine(t)
	ctx := context.Background()

	wf, err := eng.CreateWorkflow(ctx, CreateRequest{
		WorkflowType:   "w",
		ApprovalSchema: json.RawMessage(`{"title":"go?"}`),
	})
	require.NoError(t, err)
	st.Workflows[wf.ID].State = model.WorkflowTimeout

	retried, err := eng.RetryWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.True(t, retried)
	assert.Contains(t, bus.Types(), model.EventApprovalRetry)
}

func TestTransitionTo_IllegalMoveRejected(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf, err := eng.CreateWorkflow(ctx, CreateRequest{WorkflowType: "w"})
	require.NoError(t, err)

	_, err = eng.TransitionTo(ctx, wf.ID, model.WorkflowCompleted, "nope")
	require.Error(t, err)
	assert.True(t, core.IsInvalidStateTransition(err))
}

func TestTransitionTo_VersionStrictlyIncreases(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf, err := eng.CreateWorkflow(ctx, CreateRequest{WorkflowType: "w"})
	require.NoError(t, err)
	v1 := wf.Version

	wf, err = eng.TransitionTo(ctx, wf.ID, model.WorkflowRunning, "go")
	require.NoError(t, err)
	assert.Equal(t, v1+1, wf.Version)

	wf, err = eng.TransitionTo(ctx, wf.ID, model.WorkflowCompleted, "done")
	require.NoError(t, err)
	assert.Equal(t, v1+2, wf.Version)

	stored, _ := st.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, v1+2, stored.Version)
}

func TestMarkFailed_PreservesTerminalInvariants(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf, err := eng.CreateWorkflow(ctx, CreateRequest{
		WorkflowType: "w",
		Steps:        []StepSpec{{Type: model.StepTypeApproval}},
	})
	require.NoError(t, err)

	require.NoError(t, eng.MarkFailed(ctx, wf.ID, "Cancelled by user", false))

	wf, _ = st.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, model.WorkflowFailed, wf.State)

	for _, a := range st.Approvals {
		if a.WorkflowID == wf.ID {
			assert.NotEqual(t, model.ApprovalPending, a.Status)
			require.NotNil(t, a.RespondedAt)
		}
	}
	steps, _ := st.ListSteps(ctx, wf.ID)
	for _, s := range steps {
		assert.NotEqual(t, model.StepRunning, s.Status)
	}
}

func TestRollbackWorkflow_AuditAndLimit(t *testing.T) {
	eng, st, bus, _ := newTestEngine(t)
	ctx := context.Background()

	wf, err := eng.CreateWorkflow(ctx, CreateRequest{WorkflowType: "w"})
	require.NoError(t, err)
	st.Workflows[wf.ID].State = model.WorkflowRejected

	wf, err = eng.RollbackWorkflow(ctx, wf.ID, model.WorkflowRunning, "operator requested", "alice")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowRunning, wf.State)
	assert.Equal(t, model.WorkflowRejected, wf.PreviousState)
	assert.Equal(t, "operator requested", wf.RollbackReason)
	assert.Equal(t, 1, wf.RollbackCount)
	assert.Contains(t, bus.Types(), model.EventWorkflowRolledBack)

	st.Workflows[wf.ID].State = model.WorkflowRejected
	st.Workflows[wf.ID].RollbackCount = 3
	_, err = eng.RollbackWorkflow(ctx, wf.ID, model.WorkflowRunning, "again", "alice")
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestRollbackWorkflow_IllegalTarget(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf, err := eng.CreateWorkflow(ctx, CreateRequest{WorkflowType: "w"})
	require.NoError(t, err)

	_, err = eng.RollbackWorkflow(ctx, wf.ID, model.WorkflowApproved, "r", "a")
	require.Error(t, err)
	assert.True(t, core.IsInvalidStateTransition(err))
}

func TestCreateStepApproval_IdempotencyGuard(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf, err := eng.CreateWorkflow(ctx, CreateRequest{
		WorkflowType: "w",
		Steps:        []StepSpec{{Type: model.StepTypeApproval}},
	})
	require.NoError(t, err)

	// A concurrent driver re-entering the executor must not create a
	// second approval for the same step, nor complete the workflow
	// while it is suspended.
	require.NoError(t, eng.ExecuteNextStep(ctx, wf.ID))

	count := 0
	for _, a := range st.Approvals {
		if a.WorkflowID == wf.ID {
			count++
		}
	}
	assert.Equal(t, 1, count)

	stored, _ := st.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, model.WorkflowRunning, stored.State)
}
