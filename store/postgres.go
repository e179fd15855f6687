package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/model"
)

// Postgres implements Store against a relational database reachable via
// database/sql, using SELECT ... FOR UPDATE for the approval and step
// row locks and a conditional UPDATE ... WHERE version=? for workflow
// optimistic concurrency.
type Postgres struct {
	db     *sql.DB
	logger core.Logger
}

// Open connects to dsn, configures the pool, and runs migrations.
func Open(dsn string, logger core.Logger) (*Postgres, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	p := &Postgres{db: db, logger: logger}
	if err := p.migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return p, nil
}

// NewWithDB wraps an already-opened *sql.DB (or a sqlmock-backed one in
// tests) without running migrations or pinging.
func NewWithDB(db *sql.DB, logger core.Logger) *Postgres {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Postgres{db: db, logger: logger}
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) migrate() error {
	if _, err := p.db.Exec(createMigrationsTable); err != nil {
		return err
	}
	for _, m := range migrations() {
		var applied bool
		err := p.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, m.version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("migration %d check: %w", m.version, err)
		}
		if applied {
			continue
		}
		if _, err := p.db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := p.db.Exec(`INSERT INTO schema_migrations (version, name) VALUES ($1,$2)`, m.version, m.name); err != nil {
			return fmt.Errorf("migration %d record: %w", m.version, err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------
// Workflows
// -----------------------------------------------------------------------

func (p *Postgres) CreateWorkflow(ctx context.Context, wf *model.Workflow, steps []*model.WorkflowStep) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ctxv := wf.Context
	if ctxv == nil {
		ctxv = json.RawMessage(`{}`)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, workflow_type, state, context, created_at, updated_at, version,
			retry_count, max_retries, rollback_count, max_rollbacks, previous_state, rollback_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		wf.ID, wf.WorkflowType, wf.State, ctxv, wf.CreatedAt, wf.UpdatedAt, wf.Version,
		wf.RetryCount, wf.MaxRetries, wf.RollbackCount, wf.MaxRollbacks, wf.PreviousState, wf.RollbackReason)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	for _, s := range steps {
		input := s.TaskInput
		if input == nil {
			input = json.RawMessage(`{}`)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (id, workflow_id, step_order, type, status, task_handler, task_input)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			s.ID, s.WorkflowID, s.StepOrder, s.Type, s.Status, s.TaskHandler, input)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", s.StepOrder, err)
		}
	}

	return tx.Commit()
}

func (p *Postgres) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, workflow_type, state, context, created_at, updated_at, version,
			retry_count, max_retries, rollback_count, max_rollbacks, previous_state, rollback_reason
		FROM workflows WHERE id=$1`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "workflow", ID: id}
	}
	return wf, err
}

func (p *Postgres) ListWorkflows(ctx context.Context, state model.WorkflowState, limit int) ([]*model.Workflow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if state != "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, workflow_type, state, context, created_at, updated_at, version,
				retry_count, max_retries, rollback_count, max_rollbacks, previous_state, rollback_reason
			FROM workflows WHERE state=$1 ORDER BY created_at DESC LIMIT $2`, state, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, workflow_type, state, context, created_at, updated_at, version,
				retry_count, max_retries, rollback_count, max_rollbacks, previous_state, rollback_reason
			FROM workflows ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateWorkflowState(ctx context.Context, wf *model.Workflow, expectedVersion int, eventType string, eventData json.RawMessage) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE workflows SET state=$1, version=$2, updated_at=$3,
			retry_count=$4, rollback_count=$5, previous_state=$6, rollback_reason=$7
		WHERE id=$8 AND version=$9`,
		wf.State, expectedVersion+1, now, wf.RetryCount, wf.RollbackCount, wf.PreviousState, wf.RollbackReason,
		wf.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &core.ConcurrentModificationError{WorkflowID: wf.ID, ExpectedVersion: expectedVersion}
	}

	if _, err := appendEventTx(ctx, tx, wf.ID, eventType, eventData); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	wf.Version = expectedVersion + 1
	wf.UpdatedAt = now
	return nil
}

func scanWorkflow(row interface{ Scan(...interface{}) error }) (*model.Workflow, error) {
	var wf model.Workflow
	var ctxRaw []byte
	if err := row.Scan(&wf.ID, &wf.WorkflowType, &wf.State, &ctxRaw, &wf.CreatedAt, &wf.UpdatedAt, &wf.Version,
		&wf.RetryCount, &wf.MaxRetries, &wf.RollbackCount, &wf.MaxRollbacks, &wf.PreviousState, &wf.RollbackReason); err != nil {
		return nil, err
	}
	wf.Context = json.RawMessage(ctxRaw)
	return &wf, nil
}

// -----------------------------------------------------------------------
// Steps
// -----------------------------------------------------------------------

const stepColumns = `id, workflow_id, step_order, type, status, task_handler, task_input, task_output, approval_id, started_at, completed_at`

func scanStep(row interface{ Scan(...interface{}) error }) (*model.WorkflowStep, error) {
	var s model.WorkflowStep
	var input, output []byte
	var approvalID sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.WorkflowID, &s.StepOrder, &s.Type, &s.Status, &s.TaskHandler,
		&input, &output, &approvalID, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	s.TaskInput = json.RawMessage(input)
	if output != nil {
		s.TaskOutput = json.RawMessage(output)
	}
	if approvalID.Valid {
		v := approvalID.String
		s.ApprovalID = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		s.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	return &s, nil
}

func (p *Postgres) ListSteps(ctx context.Context, workflowID string) ([]*model.WorkflowStep, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE workflow_id=$1 ORDER BY step_order`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.WorkflowStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetStep(ctx context.Context, stepID string) (*model.WorkflowStep, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE id=$1`, stepID)
	s, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "step", ID: stepID}
	}
	return s, err
}

func (p *Postgres) GetStepByApproval(ctx context.Context, approvalID string) (*model.WorkflowStep, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE approval_id=$1`, approvalID)
	s, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "step", ID: approvalID}
	}
	return s, err
}

func (p *Postgres) NextPendingStep(ctx context.Context, workflowID string) (*model.WorkflowStep, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM workflow_steps
		WHERE workflow_id=$1 AND status=$2
		ORDER BY step_order ASC LIMIT 1`, workflowID, model.StepPending)
	s, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (p *Postgres) MarkStepRunning(ctx context.Context, stepID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE workflow_steps SET status=$1, started_at=$2 WHERE id=$3`,
		model.StepRunning, time.Now().UTC(), stepID)
	return err
}

func (p *Postgres) CompleteStep(ctx context.Context, stepID string, output json.RawMessage) error {
	_, err := p.db.ExecContext(ctx, `UPDATE workflow_steps SET status=$1, task_output=$2, completed_at=$3 WHERE id=$4`,
		model.StepCompleted, output, time.Now().UTC(), stepID)
	return err
}

func (p *Postgres) FailStep(ctx context.Context, stepID string, output json.RawMessage) error {
	_, err := p.db.ExecContext(ctx, `UPDATE workflow_steps SET status=$1, task_output=$2, completed_at=$3 WHERE id=$4`,
		model.StepFailed, output, time.Now().UTC(), stepID)
	return err
}

func (p *Postgres) ResetStepsFrom(ctx context.Context, workflowID string, fromOrder int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE workflow_steps SET status=$1, task_output=NULL, approval_id=NULL, started_at=NULL, completed_at=NULL
		WHERE workflow_id=$2 AND step_order>=$3`, model.StepPending, workflowID, fromOrder)
	return err
}

func (p *Postgres) FailRunningSteps(ctx context.Context, workflowID string) ([]*model.WorkflowStep, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE workflow_id=$1 AND status=$2`,
		workflowID, model.StepRunning)
	if err != nil {
		return nil, err
	}
	var running []*model.WorkflowStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		running = append(running, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, s := range running {
		output, _ := json.Marshal(map[string]interface{}{"error": "interrupted", "interrupted": true})
		if err := p.FailStep(ctx, s.ID, output); err != nil {
			return nil, err
		}
	}
	return running, nil
}

func (p *Postgres) LockStepForApproval(ctx context.Context, stepID string, uiSchema json.RawMessage, timeout time.Duration, genToken CallbackTokenFunc) (*model.Approval, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE id=$1 FOR UPDATE`, stepID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, false, &core.NotFoundError{Kind: "step", ID: stepID}
	}
	if err != nil {
		return nil, false, err
	}

	if step.ApprovalID != nil {
		arow := tx.QueryRowContext(ctx, approvalSelectSQL+` WHERE id=$1`, *step.ApprovalID)
		appr, err := scanApproval(arow)
		if err != nil {
			return nil, false, err
		}
		return appr, false, tx.Commit()
	}

	approvalID := newID()
	now := time.Now().UTC()
	expiresAt := now.Add(timeout)
	token, err := genToken(approvalID)
	if err != nil {
		return nil, false, fmt.Errorf("mint callback token: %w", err)
	}
	schema := uiSchema
	if schema == nil {
		schema = json.RawMessage(`{}`)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO approval_requests (id, workflow_id, status, ui_schema, requested_at, expires_at, callback_token)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		approvalID, step.WorkflowID, model.ApprovalPending, schema, now, expiresAt, token)
	if err != nil {
		return nil, false, fmt.Errorf("insert approval: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workflow_steps SET approval_id=$1 WHERE id=$2`, approvalID, stepID); err != nil {
		return nil, false, fmt.Errorf("link approval to step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	return &model.Approval{
		ID: approvalID, WorkflowID: step.WorkflowID, Status: model.ApprovalPending,
		UISchema: schema, RequestedAt: now, ExpiresAt: expiresAt, CallbackToken: token,
	}, true, nil
}

func (p *Postgres) ReopenStep(ctx context.Context, stepID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE workflow_steps SET status=$1, task_output=NULL, completed_at=NULL WHERE id=$2`,
		model.StepRunning, stepID)
	return err
}

// -----------------------------------------------------------------------
// Approvals
// -----------------------------------------------------------------------

const approvalSelectSQL = `SELECT id, workflow_id, status, ui_schema, response_data, requested_at, responded_at,
	expires_at, callback_token, external_message_ref FROM approval_requests`

func scanApproval(row interface{ Scan(...interface{}) error }) (*model.Approval, error) {
	var a model.Approval
	var schema []byte
	var response []byte
	var respondedAt sql.NullTime
	var externalRef sql.NullString
	if err := row.Scan(&a.ID, &a.WorkflowID, &a.Status, &schema, &response, &a.RequestedAt, &respondedAt,
		&a.ExpiresAt, &a.CallbackToken, &externalRef); err != nil {
		return nil, err
	}
	a.UISchema = json.RawMessage(schema)
	if response != nil {
		a.ResponseData = json.RawMessage(response)
	}
	if respondedAt.Valid {
		t := respondedAt.Time
		a.RespondedAt = &t
	}
	if externalRef.Valid {
		v := externalRef.String
		a.ExternalMessageRef = &v
	}
	return &a, nil
}

func (p *Postgres) GetApproval(ctx context.Context, id string) (*model.Approval, error) {
	row := p.db.QueryRowContext(ctx, approvalSelectSQL+` WHERE id=$1`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "approval", ID: id}
	}
	return a, err
}

func (p *Postgres) CreateApproval(ctx context.Context, workflowID string, uiSchema json.RawMessage, timeout time.Duration, genToken CallbackTokenFunc) (*model.Approval, error) {
	approvalID := newID()
	now := time.Now().UTC()
	expiresAt := now.Add(timeout)
	token, err := genToken(approvalID)
	if err != nil {
		return nil, fmt.Errorf("mint callback token: %w", err)
	}
	schema := uiSchema
	if schema == nil {
		schema = json.RawMessage(`{}`)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, workflow_id, status, ui_schema, requested_at, expires_at, callback_token)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		approvalID, workflowID, model.ApprovalPending, schema, now, expiresAt, token)
	if err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}
	return &model.Approval{
		ID: approvalID, WorkflowID: workflowID, Status: model.ApprovalPending,
		UISchema: schema, RequestedAt: now, ExpiresAt: expiresAt, CallbackToken: token,
	}, nil
}

func (p *Postgres) SetApprovalExternalRef(ctx context.Context, approvalID, ref string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE approval_requests SET external_message_ref=$1 WHERE id=$2`, ref, approvalID)
	return err
}

// RespondToApproval locks the row, checks expiry, checks status, then
// commits the decision, in that order. Schema validation of
// response_data happens in the approval package before this is called,
// since ui_schema never changes after creation.
func (p *Postgres) RespondToApproval(ctx context.Context, id string, decision model.ApprovalStatus, responseData json.RawMessage, now time.Time) (*model.Approval, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, approvalSelectSQL+` WHERE id=$1 FOR UPDATE`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "approval", ID: id}
	}
	if err != nil {
		return nil, err
	}

	if now.After(a.ExpiresAt) {
		return nil, &core.ExpiredError{ApprovalID: id}
	}
	if a.Status != model.ApprovalPending {
		return nil, &core.AlreadyProcessedError{ApprovalID: id, Status: string(a.Status)}
	}

	_, err = tx.ExecContext(ctx, `UPDATE approval_requests SET status=$1, response_data=$2, responded_at=$3 WHERE id=$4`,
		decision, responseData, now, id)
	if err != nil {
		return nil, fmt.Errorf("update approval: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	a.Status = decision
	a.ResponseData = responseData
	a.RespondedAt = &now
	return a, nil
}

func (p *Postgres) MarkApprovalTimeout(ctx context.Context, id string, now time.Time) (*model.Approval, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, approvalSelectSQL+` WHERE id=$1 FOR UPDATE`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "approval", ID: id}
	}
	if err != nil {
		return nil, err
	}
	if a.Status != model.ApprovalPending {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `UPDATE approval_requests SET status=$1, responded_at=$2 WHERE id=$3`,
		model.ApprovalTimeout, now, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	a.Status = model.ApprovalTimeout
	a.RespondedAt = &now
	return a, nil
}

func (p *Postgres) RollbackApproval(ctx context.Context, id string, now time.Time) (*model.Approval, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, approvalSelectSQL+` WHERE id=$1 FOR UPDATE`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "approval", ID: id}
	}
	if err != nil {
		return nil, err
	}
	if a.Status != model.ApprovalRejected {
		return nil, &core.ValidationError{Field: "status", Message: "rollback only valid from REJECTED"}
	}
	if now.After(a.ExpiresAt) {
		return nil, &core.ExpiredError{ApprovalID: id}
	}

	_, err = tx.ExecContext(ctx, `UPDATE approval_requests SET status=$1, response_data=NULL, responded_at=NULL WHERE id=$2`,
		model.ApprovalPending, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	a.Status = model.ApprovalPending
	a.ResponseData = nil
	a.RespondedAt = nil
	return a, nil
}

func (p *Postgres) CancelPendingApprovalsForWorkflow(ctx context.Context, workflowID string) ([]*model.Approval, error) {
	now := time.Now().UTC()
	rows, err := p.db.QueryContext(ctx, approvalSelectSQL+` WHERE workflow_id=$1 AND status=$2 FOR UPDATE`,
		workflowID, model.ApprovalPending)
	if err != nil {
		return nil, err
	}
	var pending []*model.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		pending = append(pending, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range pending {
		if _, err := p.db.ExecContext(ctx, `UPDATE approval_requests SET status=$1, responded_at=$2 WHERE id=$3`,
			model.ApprovalCancelled, now, a.ID); err != nil {
			return nil, err
		}
		a.Status = model.ApprovalCancelled
		a.RespondedAt = &now
	}
	return pending, nil
}

func (p *Postgres) ListExpiredPendingApprovals(ctx context.Context, now time.Time, limit int) ([]*model.Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, approvalSelectSQL+` WHERE status=$1 AND expires_at<$2 LIMIT $3`,
		model.ApprovalPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------

func (p *Postgres) AppendEvent(ctx context.Context, workflowID, eventType string, data json.RawMessage) (*model.WorkflowEvent, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ev, err := appendEventTx(ctx, tx, workflowID, eventType, data)
	if err != nil {
		return nil, err
	}
	return ev, tx.Commit()
}

// appendEventTx allocates the next sequence_number for workflowID and
// inserts the event inside the caller's transaction, so the allocation
// and the write are atomic and sequence numbers stay gap-free.
func appendEventTx(ctx context.Context, tx *sql.Tx, workflowID, eventType string, data json.RawMessage) (*model.WorkflowEvent, error) {
	// Lock the workflow row first: MAX() is incompatible with FOR UPDATE,
	// so serialization against concurrent appenders for the same workflow
	// comes from this lock, not from locking the aggregate query itself.
	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM workflows WHERE id=$1 FOR UPDATE`, workflowID).Scan(&locked); err != nil {
		return nil, fmt.Errorf("lock workflow for event append: %w", err)
	}

	var nextSeq int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM workflow_events WHERE workflow_id=$1`,
		workflowID).Scan(&nextSeq)
	if err != nil {
		return nil, fmt.Errorf("allocate sequence: %w", err)
	}

	if data == nil {
		data = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO workflow_events (workflow_id, event_type, event_data, occurred_at, sequence_number)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		workflowID, eventType, data, now, nextSeq).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	return &model.WorkflowEvent{
		ID: id, WorkflowID: workflowID, EventType: eventType, EventData: data,
		OccurredAt: now, SequenceNumber: nextSeq,
	}, nil
}

func (p *Postgres) ListEvents(ctx context.Context, workflowID string) ([]*model.WorkflowEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, workflow_id, event_type, event_data, occurred_at, sequence_number
		FROM workflow_events WHERE workflow_id=$1 ORDER BY sequence_number`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.WorkflowEvent
	for rows.Next() {
		var ev model.WorkflowEvent
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.EventType, &data, &ev.OccurredAt, &ev.SequenceNumber); err != nil {
			return nil, err
		}
		ev.EventData = json.RawMessage(data)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------
// Idempotency keys
// -----------------------------------------------------------------------

func (p *Postgres) GetIdempotencyKey(ctx context.Context, key string) (*model.IdempotencyKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT key, response_id, response, created_at, expires_at FROM idempotency_keys WHERE key=$1`, key)
	var rec model.IdempotencyKey
	var response []byte
	if err := row.Scan(&rec.Key, &rec.ResponseID, &response, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.Response = json.RawMessage(response)
	return &rec, nil
}

func (p *Postgres) PutIdempotencyKey(ctx context.Context, rec *model.IdempotencyKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, response_id, response, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.ResponseID, rec.Response, rec.CreatedAt, rec.ExpiresAt)
	return err
}

// -----------------------------------------------------------------------
// Dead-letter queue
// -----------------------------------------------------------------------

func (p *Postgres) AppendDLQ(ctx context.Context, entry *model.DeadLetterEntry) error {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO dlq (original_event_type, event_data, error_message, retry_count, workflow_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		entry.OriginalEventType, entry.EventData, entry.ErrorMessage, entry.RetryCount, entry.WorkflowID, time.Now().UTC())
	return row.Scan(&entry.ID)
}

func (p *Postgres) ListDLQ(ctx context.Context, limit int) ([]*model.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, original_event_type, event_data, error_message, retry_count, workflow_id, created_at
		FROM dlq ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.DeadLetterEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanDLQ(row interface{ Scan(...interface{}) error }) (*model.DeadLetterEntry, error) {
	var e model.DeadLetterEntry
	var data []byte
	var workflowID sql.NullString
	if err := row.Scan(&e.ID, &e.OriginalEventType, &data, &e.ErrorMessage, &e.RetryCount, &workflowID, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.EventData = json.RawMessage(data)
	if workflowID.Valid {
		v := workflowID.String
		e.WorkflowID = &v
	}
	return &e, nil
}

func (p *Postgres) GetDLQ(ctx context.Context, id int64) (*model.DeadLetterEntry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, original_event_type, event_data, error_message, retry_count, workflow_id, created_at
		FROM dlq WHERE id=$1`, id)
	e, err := scanDLQ(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "dlq", ID: fmt.Sprintf("%d", id)}
	}
	return e, err
}

func (p *Postgres) DeleteDLQ(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM dlq WHERE id=$1`, id)
	return err
}

func (p *Postgres) ClearDLQ(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM dlq`)
	return err
}

var _ Store = (*Postgres)(nil)
