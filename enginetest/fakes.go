// Package enginetest provides the in-memory store.Store fake shared by
// the engine, approval, timeoutmgr, handlers and httpapi test files. It
// mirrors the Postgres implementation's semantics: optimistic version
// checks, expiry-before-status ordering, per-workflow event sequencing,
// and the approval-creation idempotency guard.
package enginetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/model"
	"github.com/approvalflow/orchestrator/store"
)

// FakeStore is a mutex-guarded in-memory store.Store.
type FakeStore struct {
	mu sync.Mutex

	Workflows map[string]*model.Workflow
	Steps     map[string]*model.WorkflowStep
	Approvals map[string]*model.Approval
	Events    map[string][]*model.WorkflowEvent
	IdemKeys  map[string]*model.IdempotencyKey
	DLQ       []*model.DeadLetterEntry

	nextDLQID int64

	// Now lets tests control expiry comparisons for rows created via the
	// fake; defaults to time.Now.
	Now func() time.Time
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		Workflows: make(map[string]*model.Workflow),
		Steps:     make(map[string]*model.WorkflowStep),
		Approvals: make(map[string]*model.Approval),
		Events:    make(map[string][]*model.WorkflowEvent),
		IdemKeys:  make(map[string]*model.IdempotencyKey),
		Now:       time.Now,
	}
}

func copyWorkflow(wf *model.Workflow) *model.Workflow {
	cp := *wf
	return &cp
}

func copyStep(s *model.WorkflowStep) *model.WorkflowStep {
	cp := *s
	if s.ApprovalID != nil {
		v := *s.ApprovalID
		cp.ApprovalID = &v
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func copyApproval(a *model.Approval) *model.Approval {
	cp := *a
	if a.RespondedAt != nil {
		t := *a.RespondedAt
		cp.RespondedAt = &t
	}
	if a.ExternalMessageRef != nil {
		v := *a.ExternalMessageRef
		cp.ExternalMessageRef = &v
	}
	return &cp
}

// ---------------------------------------------------------------- Workflows

func (f *FakeStore) CreateWorkflow(_ context.Context, wf *model.Workflow, steps []*model.WorkflowStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Workflows[wf.ID] = copyWorkflow(wf)
	for _, s := range steps {
		f.Steps[s.ID] = copyStep(s)
	}
	return nil
}

func (f *FakeStore) GetWorkflow(_ context.Context, id string) (*model.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.Workflows[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "workflow", ID: id}
	}
	return copyWorkflow(wf), nil
}

func (f *FakeStore) ListWorkflows(_ context.Context, state model.WorkflowState, limit int) ([]*model.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Workflow
	for _, wf := range f.Workflows {
		if state != "" && wf.State != state {
			continue
		}
		out = append(out, copyWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakeStore) UpdateWorkflowState(ctx context.Context, wf *model.Workflow, expectedVersion int, eventType string, eventData json.RawMessage) error {
	f.mu.Lock()
	current, ok := f.Workflows[wf.ID]
	if !ok {
		f.mu.Unlock()
		return &core.NotFoundError{Kind: "workflow", ID: wf.ID}
	}
	if current.Version != expectedVersion {
		f.mu.Unlock()
		return &core.ConcurrentModificationError{WorkflowID: wf.ID, ExpectedVersion: expectedVersion}
	}
	now := f.Now().UTC()
	stored := copyWorkflow(wf)
	stored.Version = expectedVersion + 1
	stored.UpdatedAt = now
	f.Workflows[wf.ID] = stored
	f.appendEventLocked(wf.ID, eventType, eventData)
	f.mu.Unlock()

	wf.Version = stored.Version
	wf.UpdatedAt = now
	return nil
}

// ------------------------------------------------------------------- Steps

func (f *FakeStore) ListSteps(_ context.Context, workflowID string) ([]*model.WorkflowStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stepsForLocked(workflowID), nil
}

func (f *FakeStore) stepsForLocked(workflowID string) []*model.WorkflowStep {
	var out []*model.WorkflowStep
	for _, s := range f.Steps {
		if s.WorkflowID == workflowID {
			out = append(out, copyStep(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out
}

func (f *FakeStore) GetStep(_ context.Context, stepID string) (*model.WorkflowStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Steps[stepID]
	if !ok {
		return nil, &core.NotFoundError{Kind: "step", ID: stepID}
	}
	return copyStep(s), nil
}

func (f *FakeStore) GetStepByApproval(_ context.Context, approvalID string) (*model.WorkflowStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.Steps {
		if s.ApprovalID != nil && *s.ApprovalID == approvalID {
			return copyStep(s), nil
		}
	}
	return nil, &core.NotFoundError{Kind: "step", ID: approvalID}
}

func (f *FakeStore) NextPendingStep(_ context.Context, workflowID string) (*model.WorkflowStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var next *model.WorkflowStep
	for _, s := range f.Steps {
		if s.WorkflowID != workflowID || s.Status != model.StepPending {
			continue
		}
		if next == nil || s.StepOrder < next.StepOrder {
			next = s
		}
	}
	if next == nil {
		return nil, nil
	}
	return copyStep(next), nil
}

func (f *FakeStore) MarkStepRunning(_ context.Context, stepID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Steps[stepID]
	if !ok {
		return &core.NotFoundError{Kind: "step", ID: stepID}
	}
	now := f.Now().UTC()
	s.Status = model.StepRunning
	s.StartedAt = &now
	return nil
}

func (f *FakeStore) CompleteStep(_ context.Context, stepID string, output json.RawMessage) error {
	return f.finishStep(stepID, model.StepCompleted, output)
}

func (f *FakeStore) FailStep(_ context.Context, stepID string, output json.RawMessage) error {
	return f.finishStep(stepID, model.StepFailed, output)
}

func (f *FakeStore) finishStep(stepID string, status model.StepStatus, output json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Steps[stepID]
	if !ok {
		return &core.NotFoundError{Kind: "step", ID: stepID}
	}
	now := f.Now().UTC()
	s.Status = status
	s.TaskOutput = output
	s.CompletedAt = &now
	return nil
}

func (f *FakeStore) ResetStepsFrom(_ context.Context, workflowID string, fromOrder int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.Steps {
		if s.WorkflowID != workflowID || s.StepOrder < fromOrder {
			continue
		}
		s.Status = model.StepPending
		s.TaskOutput = nil
		s.ApprovalID = nil
		s.StartedAt = nil
		s.CompletedAt = nil
	}
	return nil
}

func (f *FakeStore) FailRunningSteps(_ context.Context, workflowID string) ([]*model.WorkflowStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.WorkflowStep
	now := f.Now().UTC()
	output, _ := json.Marshal(map[string]interface{}{"error": "interrupted", "interrupted": true})
	for _, s := range f.Steps {
		if s.WorkflowID != workflowID || s.Status != model.StepRunning {
			continue
		}
		s.Status = model.StepFailed
		s.TaskOutput = output
		s.CompletedAt = &now
		out = append(out, copyStep(s))
	}
	return out, nil
}

func (f *FakeStore) ReopenStep(_ context.Context, stepID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Steps[stepID]
	if !ok {
		return &core.NotFoundError{Kind: "step", ID: stepID}
	}
	s.Status = model.StepRunning
	s.TaskOutput = nil
	s.CompletedAt = nil
	return nil
}

func (f *FakeStore) LockStepForApproval(_ context.Context, stepID string, uiSchema json.RawMessage, timeout time.Duration, genToken store.CallbackTokenFunc) (*model.Approval, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Steps[stepID]
	if !ok {
		return nil, false, &core.NotFoundError{Kind: "step", ID: stepID}
	}
	if s.ApprovalID != nil {
		a, ok := f.Approvals[*s.ApprovalID]
		if !ok {
			return nil, false, &core.NotFoundError{Kind: "approval", ID: *s.ApprovalID}
		}
		return copyApproval(a), false, nil
	}

	appr, err := f.insertApprovalLocked(s.WorkflowID, uiSchema, timeout, genToken)
	if err != nil {
		return nil, false, err
	}
	id := appr.ID
	s.ApprovalID = &id
	return copyApproval(appr), true, nil
}

// --------------------------------------------------------------- Approvals

func (f *FakeStore) insertApprovalLocked(workflowID string, uiSchema json.RawMessage, timeout time.Duration, genToken store.CallbackTokenFunc) (*model.Approval, error) {
	id := uuid.NewString()
	token, err := genToken(id)
	if err != nil {
		return nil, err
	}
	if uiSchema == nil {
		uiSchema = json.RawMessage(`{}`)
	}
	now := f.Now().UTC()
	appr := &model.Approval{
		ID:            id,
		WorkflowID:    workflowID,
		Status:        model.ApprovalPending,
		UISchema:      uiSchema,
		RequestedAt:   now,
		ExpiresAt:     now.Add(timeout),
		CallbackToken: token,
	}
	f.Approvals[id] = appr
	return appr, nil
}

func (f *FakeStore) CreateApproval(_ context.Context, workflowID string, uiSchema json.RawMessage, timeout time.Duration, genToken store.CallbackTokenFunc) (*model.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	appr, err := f.insertApprovalLocked(workflowID, uiSchema, timeout, genToken)
	if err != nil {
		return nil, err
	}
	return copyApproval(appr), nil
}

func (f *FakeStore) GetApproval(_ context.Context, id string) (*model.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.Approvals[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "approval", ID: id}
	}
	return copyApproval(a), nil
}

func (f *FakeStore) SetApprovalExternalRef(_ context.Context, approvalID, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.Approvals[approvalID]
	if !ok {
		return &core.NotFoundError{Kind: "approval", ID: approvalID}
	}
	a.ExternalMessageRef = &ref
	return nil
}

func (f *FakeStore) RespondToApproval(_ context.Context, id string, decision model.ApprovalStatus, responseData json.RawMessage, now time.Time) (*model.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.Approvals[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "approval", ID: id}
	}
	// Expiry before status, same as the Postgres implementation.
	if now.After(a.ExpiresAt) {
		return nil, &core.ExpiredError{ApprovalID: id}
	}
	if a.Status != model.ApprovalPending {
		return nil, &core.AlreadyProcessedError{ApprovalID: id, Status: string(a.Status)}
	}
	a.Status = decision
	a.ResponseData = responseData
	t := now
	a.RespondedAt = &t
	return copyApproval(a), nil
}

func (f *FakeStore) MarkApprovalTimeout(_ context.Context, id string, now time.Time) (*model.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.Approvals[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "approval", ID: id}
	}
	if a.Status != model.ApprovalPending {
		return nil, nil
	}
	a.Status = model.ApprovalTimeout
	t := now
	a.RespondedAt = &t
	return copyApproval(a), nil
}

func (f *FakeStore) RollbackApproval(_ context.Context, id string, now time.Time) (*model.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.Approvals[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "approval", ID: id}
	}
	if a.Status != model.ApprovalRejected {
		return nil, &core.ValidationError{Field: "status", Message: "rollback only valid from REJECTED"}
	}
	if now.After(a.ExpiresAt) {
		return nil, &core.ExpiredError{ApprovalID: id}
	}
	a.Status = model.ApprovalPending
	a.ResponseData = nil
	a.RespondedAt = nil
	return copyApproval(a), nil
}

func (f *FakeStore) CancelPendingApprovalsForWorkflow(_ context.Context, workflowID string) ([]*model.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.Now().UTC()
	var out []*model.Approval
	for _, a := range f.Approvals {
		if a.WorkflowID != workflowID || a.Status != model.ApprovalPending {
			continue
		}
		a.Status = model.ApprovalCancelled
		t := now
		a.RespondedAt = &t
		out = append(out, copyApproval(a))
	}
	return out, nil
}

func (f *FakeStore) ListExpiredPendingApprovals(_ context.Context, now time.Time, limit int) ([]*model.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Approval
	for _, a := range f.Approvals {
		if a.Status != model.ApprovalPending || !now.After(a.ExpiresAt) {
			continue
		}
		out = append(out, copyApproval(a))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ------------------------------------------------------------------ Events

func (f *FakeStore) appendEventLocked(workflowID, eventType string, data json.RawMessage) *model.WorkflowEvent {
	if data == nil {
		data = json.RawMessage(`{}`)
	}
	ev := &model.WorkflowEvent{
		ID:             int64(len(f.Events[workflowID]) + 1),
		WorkflowID:     workflowID,
		EventType:      eventType,
		EventData:      data,
		OccurredAt:     f.Now().UTC(),
		SequenceNumber: len(f.Events[workflowID]) + 1,
	}
	f.Events[workflowID] = append(f.Events[workflowID], ev)
	return ev
}

func (f *FakeStore) AppendEvent(_ context.Context, workflowID, eventType string, data json.RawMessage) (*model.WorkflowEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Workflows[workflowID]; !ok {
		return nil, &core.NotFoundError{Kind: "workflow", ID: workflowID}
	}
	ev := f.appendEventLocked(workflowID, eventType, data)
	cp := *ev
	return &cp, nil
}

func (f *FakeStore) ListEvents(_ context.Context, workflowID string) ([]*model.WorkflowEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.WorkflowEvent, 0, len(f.Events[workflowID]))
	for _, ev := range f.Events[workflowID] {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

// EventTypes returns the persisted event-type sequence for workflowID,
// a convenience for scenario assertions.
func (f *FakeStore) EventTypes(workflowID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Events[workflowID]))
	for _, ev := range f.Events[workflowID] {
		out = append(out, ev.EventType)
	}
	return out
}

// ------------------------------------------------------------- Idempotency

func (f *FakeStore) GetIdempotencyKey(_ context.Context, key string) (*model.IdempotencyKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.IdemKeys[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *FakeStore) PutIdempotencyKey(_ context.Context, rec *model.IdempotencyKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.IdemKeys[rec.Key]; ok {
		return nil
	}
	cp := *rec
	f.IdemKeys[rec.Key] = &cp
	return nil
}

// -------------------------------------------------------------------- DLQ

func (f *FakeStore) AppendDLQ(_ context.Context, entry *model.DeadLetterEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextDLQID++
	entry.ID = f.nextDLQID
	entry.CreatedAt = f.Now().UTC()
	cp := *entry
	f.DLQ = append(f.DLQ, &cp)
	return nil
}

func (f *FakeStore) ListDLQ(_ context.Context, limit int) ([]*model.DeadLetterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.DeadLetterEntry, 0, len(f.DLQ))
	for i := len(f.DLQ) - 1; i >= 0; i-- {
		cp := *f.DLQ[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *FakeStore) GetDLQ(_ context.Context, id int64) (*model.DeadLetterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.DLQ {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, &core.NotFoundError{Kind: "dlq", ID: "entry"}
}

func (f *FakeStore) DeleteDLQ(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.DLQ {
		if e.ID == id {
			f.DLQ = append(f.DLQ[:i], f.DLQ[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *FakeStore) ClearDLQ(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DLQ = nil
	return nil
}

func (f *FakeStore) Close() error { return nil }

var _ store.Store = (*FakeStore)(nil)

// CapturingBus records published events for assertions. It satisfies the
// Publisher interfaces of the engine and approval packages.
type CapturingBus struct {
	mu     sync.Mutex
	Events []PublishedEvent
}

// PublishedEvent is one captured publish call.
type PublishedEvent struct {
	EventType string
	Payload   json.RawMessage
}

// Publish records the event.
func (b *CapturingBus) Publish(eventType string, payload json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Events = append(b.Events, PublishedEvent{EventType: eventType, Payload: payload})
	return nil
}

// Types returns the published event types in order.
func (b *CapturingBus) Types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.Events))
	for _, ev := range b.Events {
		out = append(out, ev.EventType)
	}
	return out
}
