package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/approvalflow/orchestrator/approval"
	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/engine"
	"github.com/approvalflow/orchestrator/enginetest"
	"github.com/approvalflow/orchestrator/eventbus"
	"github.com/approvalflow/orchestrator/model"
)

func testToken(id string) (string, error) { return id + ":random16:deadbeefdeadbeef", nil }

func newDeps(t *testing.T) (Deps, *enginetest.FakeStore, *enginetest.CapturingBus, *engine.Registry) {
	t.Helper()
	st := enginetest.NewFakeStore()
	bus := &enginetest.CapturingBus{}
	reg := engine.NewRegistry()
	eng := engine.New(st, bus, reg, testToken)
	svc := approval.New(st, bus, testToken, eng)
	return Deps{
		Store:                  st,
		Engine:                 eng,
		Approvals:              svc,
		Logger:                 core.NoOpLogger{},
		DefaultApprovalTimeout: time.Hour,
	}, st, bus, reg
}

func receivedPayload(approvalID, workflowID string, d approval.Decision, data string) json.RawMessage {
	b, _ := json.Marshal(map[string]interface{}{
		"approval_id":   approvalID,
		"workflow_id":   workflowID,
		"decision":      d,
		"response_data": json.RawMessage(data),
	})
	return b
}

func TestOnApprovalReceived_MultiStepAdvances(t *testing.T) {
	d, st, _, reg := newDeps(t)
	ctx := context.Background()

	reg.Register("finalize", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	wf, err := d.Engine.CreateWorkflow(ctx, engine.CreateRequest{
		WorkflowType: "w",
		Steps: []engine.StepSpec{
			{Type: model.StepTypeApproval},
			{Type: model.StepTypeTask, TaskHandler: "finalize"},
		},
	})
	require.NoError(t, err)

	var apprID string
	for id, a := range st.Approvals {
		if a.WorkflowID == wf.ID {
			apprID = id
		}
	}
	require.NotEmpty(t, apprID)

	err = d.onApprovalReceived(ctx, receivedPayload(apprID, wf.ID, approval.DecisionApprove, `{"ok":1}`))
	require.NoError(t, err)

	wf, _ = st.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, model.WorkflowCompleted, wf.State)
}

func TestOnApprovalReceived_SingleStepApprove(t *testing.T) {
	d, st, _, _ := newDeps(t)
	ctx := context.Background()

	wf, err := d.Engine.CreateWorkflow(ctx, engine.CreateRequest{WorkflowType: "w"})
	require.NoError(t, err)
	st.Workflows[wf.ID].State = model.WorkflowWaitingApproval

	err = d.onApprovalReceived(ctx, receivedPayload("no-step-approval", wf.ID, approval.DecisionApprove, `{}`))
	require.NoError(t, err)

	wf, _ = st.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, model.WorkflowCompleted, wf.State)
}

func TestOnApprovalReceived_SingleStepReject(t *testing.T) {
	d, st, _, _ := newDeps(t)
	ctx := context.Background()

	wf, err := d.Engine.CreateWorkflow(ctx, engine.CreateRequest{WorkflowType: "w"})
	require.NoError(t, err)
	st.Workflows[wf.ID].State = model.WorkflowWaitingApproval

	err = d.onApprovalReceived(ctx, receivedPayload("no-step-approval", wf.ID, approval.DecisionReject, `{}`))
	require.NoError(t, err)

	wf, _ = st.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, model.WorkflowRejected, wf.State)
}

func TestOnApprovalRetry_RecreatesFromStashedSchema(t *testing.T) {
	d, st, bus, _ := newDeps(t)
	ctx := context.Background()

	wf, err := d.Engine.CreateWorkflow(ctx, engine.CreateRequest{
		WorkflowType:   "w",
		ApprovalSchema: json.RawMessage(`{"title":"again?"}`),
	})
	require.NoError(t, err)
	st.Workflows[wf.ID].State = model.WorkflowRunning

	payload, _ := json.Marshal(map[string]interface{}{"workflow_id": wf.ID, "retry_count": 1})
	require.NoError(t, d.onApprovalRetry(ctx, payload))

	found := false
	for _, a := range st.Approvals {
		if a.WorkflowID == wf.ID && a.Status == model.ApprovalPending {
			found = true
			assert.JSONEq(t, `{"title":"again?"}`, string(a.UISchema))
		}
	}
	assert.True(t, found, "a fresh approval must exist")

	wf, _ = st.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, model.WorkflowWaitingApproval, wf.State)
	assert.Contains(t, bus.Types(), model.EventApprovalRequested)
}

func TestOnApprovalRetry_NoStashedSchemaIsNoOp(t *testing.T) {
	d, st, _, _ := newDeps(t)
	ctx := context.Background()

	wf, err := d.Engine.CreateWorkflow(ctx, engine.CreateRequest{WorkflowType: "w"})
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]interface{}{"workflow_id": wf.ID})
	require.NoError(t, d.onApprovalRetry(ctx, payload))

	for _, a := range st.Approvals {
		assert.NotEqual(t, wf.ID, a.WorkflowID)
	}
}

func TestRegister_SubscribesCoreHandlers(t *testing.T) {
	d, _, _, _ := newDeps(t)
	bus := eventbus.New(eventbus.DefaultConfig(), nil)
	Register(bus, d)

	stats := bus.Stats()
	assert.GreaterOrEqual(t, stats.EventTypes, 2)
	assert.GreaterOrEqual(t, stats.TotalHandlers, 2)
}
