package store

// Schema for the orchestrator's tables and their required indexes.
// Migrations are applied in order by version, tracked in a
// schema_migrations table.
const (
	createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	createWorkflowsTable = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	workflow_type TEXT NOT NULL,
	state TEXT NOT NULL,
	context JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	version INTEGER NOT NULL DEFAULT 1,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	rollback_count INTEGER NOT NULL DEFAULT 0,
	max_rollbacks INTEGER NOT NULL DEFAULT 3,
	previous_state TEXT NOT NULL DEFAULT '',
	rollback_reason TEXT NOT NULL DEFAULT ''
)`

	createWorkflowsIndexes = `
CREATE INDEX IF NOT EXISTS idx_workflows_state ON workflows(state);
CREATE INDEX IF NOT EXISTS idx_workflows_created_at ON workflows(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_workflows_state_created_at ON workflows(state, created_at)`

	createWorkflowStepsTable = `
CREATE TABLE IF NOT EXISTS workflow_steps (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL REFERENCES workflows(id),
	step_order INTEGER NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	task_handler TEXT NOT NULL DEFAULT '',
	task_input JSONB NOT NULL DEFAULT '{}',
	task_output JSONB,
	approval_id TEXT,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	UNIQUE (workflow_id, step_order)
)`

	createWorkflowStepsIndexes = `
CREATE INDEX IF NOT EXISTS idx_workflow_steps_workflow_order ON workflow_steps(workflow_id, step_order);
CREATE INDEX IF NOT EXISTS idx_workflow_steps_status ON workflow_steps(status)`

	createApprovalsTable = `
CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL REFERENCES workflows(id),
	status TEXT NOT NULL,
	ui_schema JSONB NOT NULL DEFAULT '{}',
	response_data JSONB,
	requested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	responded_at TIMESTAMPTZ,
	expires_at TIMESTAMPTZ NOT NULL,
	callback_token TEXT NOT NULL,
	external_message_ref TEXT
)`

	createApprovalsIndexes = `
CREATE INDEX IF NOT EXISTS idx_approvals_status_expires ON approval_requests(status, expires_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_callback_token ON approval_requests(callback_token)`

	createWorkflowEventsTable = `
CREATE TABLE IF NOT EXISTS workflow_events (
	id BIGSERIAL PRIMARY KEY,
	workflow_id TEXT NOT NULL REFERENCES workflows(id),
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL DEFAULT '{}',
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	sequence_number INTEGER NOT NULL,
	UNIQUE (workflow_id, sequence_number)
)`

	createWorkflowEventsIndexes = `
CREATE INDEX IF NOT EXISTS idx_workflow_events_workflow_occurred ON workflow_events(workflow_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_workflow_events_workflow_sequence ON workflow_events(workflow_id, sequence_number)`

	createIdempotencyKeysTable = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	response_id TEXT NOT NULL,
	response JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
)`

	createDLQTable = `
CREATE TABLE IF NOT EXISTS dlq (
	id BIGSERIAL PRIMARY KEY,
	original_event_type TEXT NOT NULL,
	event_data JSONB NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	workflow_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	createDLQIndexes = `CREATE INDEX IF NOT EXISTS idx_dlq_created_at ON dlq(created_at)`
)

type migration struct {
	version int
	name    string
	sql     string
}

func migrations() []migration {
	return []migration{
		{1, "create_workflows_table", createWorkflowsTable},
		{2, "create_workflows_indexes", createWorkflowsIndexes},
		{3, "create_workflow_steps_table", createWorkflowStepsTable},
		{4, "create_workflow_steps_indexes", createWorkflowStepsIndexes},
		{5, "create_approvals_table", createApprovalsTable},
		{6, "create_approvals_indexes", createApprovalsIndexes},
		{7, "create_workflow_events_table", createWorkflowEventsTable},
		{8, "create_workflow_events_indexes", createWorkflowEventsIndexes},
		{9, "create_idempotency_keys_table", createIdempotencyKeysTable},
		{10, "create_dlq_table", createDLQTable},
		{11, "create_dlq_indexes", createDLQIndexes},
	}
}
