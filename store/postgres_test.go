package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/model"
)

var ctx = context.Background()

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, nil), mock
}

func TestUpdateWorkflowState_ConcurrentModification(t *testing.T) {
	p, mock := newMockStore(t)
	wf := &model.Workflow{ID: "wf-1", State: model.WorkflowRunning}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE workflows").
		WithArgs(wf.State, 2, sqlmock.AnyArg(), wf.RetryCount, wf.RollbackCount, wf.PreviousState, wf.RollbackReason, wf.ID, 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := p.UpdateWorkflowState(ctx, wf, 1, model.EventWorkflowStateChanged, nil)
	require.Error(t, err)
	var cme *core.ConcurrentModificationError
	require.ErrorAs(t, err, &cme)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateWorkflowState_Success(t *testing.T) {
	p, mock := newMockStore(t)
	wf := &model.Workflow{ID: "wf-1", State: model.WorkflowRunning}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE workflows").
		WithArgs(wf.State, 2, sqlmock.AnyArg(), wf.RetryCount, wf.RollbackCount, wf.PreviousState, wf.RollbackReason, wf.ID, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM workflows").
		WithArgs(wf.ID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(wf.ID))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(wf.ID).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO workflow_events").
		WithArgs(wf.ID, model.EventWorkflowStateChanged, sqlmock.AnyArg(), sqlmock.AnyArg(), 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	err := p.UpdateWorkflowState(ctx, wf, 1, model.EventWorkflowStateChanged, nil)
	require.NoError(t, err)
	require.Equal(t, 2, wf.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRespondToApproval_ExpiredTakesPriorityOverStatus(t *testing.T) {
	p, mock := newMockStore(t)
	now := time.Now().UTC()
	requested := now.Add(-2 * time.Hour)
	expired := now.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM approval_requests").
		WithArgs("appr-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workflow_id", "status", "ui_schema", "response_data", "requested_at", "responded_at",
			"expires_at", "callback_token", "external_message_ref",
		}).AddRow("appr-1", "wf-1", model.ApprovalApproved, []byte(`{}`), nil, requested, nil, expired, "tok", nil))
	mock.ExpectRollback()

	_, err := p.RespondToApproval(ctx, "appr-1", model.ApprovalApproved, json.RawMessage(`{}`), now)
	require.Error(t, err)
	var expErr *core.ExpiredError
	require.ErrorAs(t, err, &expErr, "expiry must be checked before status, even for an already-processed approval")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRespondToApproval_AlreadyProcessed(t *testing.T) {
	p, mock := newMockStore(t)
	now := time.Now().UTC()
	requested := now.Add(-time.Minute)
	expires := now.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM approval_requests").
		WithArgs("appr-2").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workflow_id", "status", "ui_schema", "response_data", "requested_at", "responded_at",
			"expires_at", "callback_token", "external_message_ref",
		}).AddRow("appr-2", "wf-1", model.ApprovalRejected, []byte(`{}`), nil, requested, nil, expires, "tok", nil))
	mock.ExpectRollback()

	_, err := p.RespondToApproval(ctx, "appr-2", model.ApprovalApproved, json.RawMessage(`{}`), now)
	require.Error(t, err)
	var apErr *core.AlreadyProcessedError
	require.ErrorAs(t, err, &apErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockStepForApproval_IdempotentOnExistingLink(t *testing.T) {
	p, mock := newMockStore(t)
	approvalID := "appr-existing"

	mock.ExpectBegin()
	mock.ExpectQuery("FROM workflow_steps").
		WithArgs("step-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workflow_id", "step_order", "type", "status", "task_handler", "task_input", "task_output",
			"approval_id", "started_at", "completed_at",
		}).AddRow("step-1", "wf-1", 1, model.StepTypeApproval, model.StepRunning, "", []byte(`{}`), nil, approvalID, nil, nil))
	mock.ExpectQuery("FROM approval_requests").
		WithArgs(approvalID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workflow_id", "status", "ui_schema", "response_data", "requested_at", "responded_at",
			"expires_at", "callback_token", "external_message_ref",
		}).AddRow(approvalID, "wf-1", model.ApprovalPending, []byte(`{}`), nil, time.Now(), nil, time.Now().Add(time.Hour), "tok", nil))
	mock.ExpectCommit()

	calls := 0
	appr, created, err := p.LockStepForApproval(ctx, "step-1", json.RawMessage(`{}`), time.Hour, func(string) (string, error) {
		calls++
		return "unused", nil
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, approvalID, appr.ID)
	require.Equal(t, 0, calls, "genToken must not be called when an approval is already linked")
	require.NoError(t, mock.ExpectationsWereMet())
}
