package timeoutmgr

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/approvalflow/orchestrator/approval"
	"github.com/approvalflow/orchestrator/engine"
	"github.com/approvalflow/orchestrator/enginetest"
	"github.com/approvalflow/orchestrator/model"
)

func testToken(id string) (string, error) { return id + ":random16:deadbeefdeadbeef", nil }

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store  *enginetest.FakeStore
	bus    *enginetest.CapturingBus
	engine *engine.Engine
	svc    *approval.Service
	mgr    *Manager
	clock  *fixedClock
	reg    *engine.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st := enginetest.NewFakeStore()
	st.Now = clock.Now
	bus := &enginetest.CapturingBus{}
	reg := engine.NewRegistry()
	eng := engine.New(st, bus, reg, testToken, engine.WithClock(clock))
	svc := approval.New(st, bus, testToken, eng, approval.WithClock(clock))
	mgr := New(st, svc, eng, time.Second, WithClock(clock))
	return &fixture{store: st, bus: bus, engine: eng, svc: svc, mgr: mgr, clock: clock, reg: reg}
}

func pendingApproval(t *testing.T, st *enginetest.FakeStore, workflowID string) *model.Approval {
	t.Helper()
	for _, a := range st.Approvals {
		if a.WorkflowID == workflowID && a.Status == model.ApprovalPending {
			return a
		}
	}
	t.Fatalf("no pending approval for workflow %s", workflowID)
	return nil
}

func TestSweep_TimeoutThenRetryThenSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf, err := f.engine.CreateWorkflow(ctx, engine.CreateRequest{
		WorkflowType: "w",
		Steps: []engine.StepSpec{
			{Type: model.StepTypeApproval, TaskInput: json.RawMessage(`{"timeout_seconds":1}`)},
		},
	})
	require.NoError(t, err)
	first := pendingApproval(t, f.store, wf.ID)

	f.clock.Advance(2 * time.Second)
	swept, err := f.mgr.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	// The expired approval moved to TIMEOUT, the workflow retried, and a
	// fresh approval was created for the reset step.
	stale, _ := f.store.GetApproval(ctx, first.ID)
	assert.Equal(t, model.ApprovalTimeout, stale.Status)

	wf, _ = f.store.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, model.WorkflowRunning, wf.State)
	assert.Equal(t, 1, wf.RetryCount)

	second := pendingApproval(t, f.store, wf.ID)
	require.NotEqual(t, first.ID, second.ID)

	require.NoError(t, f.engine.HandleApprovalResponse(ctx, second.ID, model.ApprovalApproved, json.RawMessage(`{"ok":1}`)))
	wf, _ = f.store.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, model.WorkflowCompleted, wf.State)
}

func TestSweep_MaxRetriesExhaustedWritesDLQ(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf, err := f.engine.CreateWorkflow(ctx, engine.CreateRequest{
		WorkflowType: "w",
		Steps: []engine.StepSpec{
			{Type: model.StepTypeApproval, TaskInput: json.RawMessage(`{"timeout_seconds":1}`)},
		},
	})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		f.clock.Advance(2 * time.Second)
		_, err := f.mgr.SweepOnce(ctx)
		require.NoError(t, err)
		wf, _ = f.store.GetWorkflow(ctx, wf.ID)
		if wf.State == model.WorkflowFailed {
			break
		}
	}

	assert.Equal(t, model.WorkflowFailed, wf.State)
	assert.Equal(t, 3, wf.RetryCount)

	require.NotEmpty(t, f.store.DLQ)
	entry := f.store.DLQ[len(f.store.DLQ)-1]
	require.NotNil(t, entry.WorkflowID)
	assert.Equal(t, wf.ID, *entry.WorkflowID)
	assert.Equal(t, 3, entry.RetryCount)
	assert.Contains(t, string(entry.EventData), `"retry_count":3`)
}

func TestSweep_ResponseRaceIsSilent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf, err := f.engine.CreateWorkflow(ctx, engine.CreateRequest{
		WorkflowType: "w",
		Steps: []engine.StepSpec{
			{Type: model.StepTypeApproval, TaskInput: json.RawMessage(`{"timeout_seconds":1}`)},
		},
	})
	require.NoError(t, err)
	appr := pendingApproval(t, f.store, wf.ID)

	// A user response landed after expiry but before the sweep ran: the
	// approval already left PENDING, so the sweeper neither lists it,
	// times it out, nor retries its workflow.
	f.clock.Advance(2 * time.Second)
	expired, err := f.store.ListExpiredPendingApprovals(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	f.store.Approvals[appr.ID].Status = model.ApprovalApproved
	now := f.clock.Now()
	f.store.Approvals[appr.ID].RespondedAt = &now

	swept, err := f.mgr.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	wf, _ = f.store.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, model.WorkflowRunning, wf.State, "a decided approval must not time the workflow out")
	assert.Zero(t, wf.RetryCount)
}

func TestSweep_ErrorOnOneApprovalDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf1, err := f.engine.CreateWorkflow(ctx, engine.CreateRequest{
		WorkflowType: "w",
		Steps: []engine.StepSpec{
			{Type: model.StepTypeApproval, TaskInput: json.RawMessage(`{"timeout_seconds":1}`)},
		},
	})
	require.NoError(t, err)
	wf2, err := f.engine.CreateWorkflow(ctx, engine.CreateRequest{
		WorkflowType: "w",
		Steps: []engine.StepSpec{
			{Type: model.StepTypeApproval, TaskInput: json.RawMessage(`{"timeout_seconds":1}`)},
		},
	})
	require.NoError(t, err)

	// Corrupt one workflow so its sweep errors.
	delete(f.store.Workflows, wf1.ID)

	f.clock.Advance(2 * time.Second)
	swept, err := f.mgr.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, _ := f.store.GetWorkflow(ctx, wf2.ID)
	assert.Equal(t, 1, got.RetryCount)
}
