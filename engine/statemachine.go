package engine

import (
	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/model"
)

// legalTransitions is the workflow transition graph. Every state move the
// engine performs goes through CanTransition; there is no bypass path.
var legalTransitions = map[model.WorkflowState][]model.WorkflowState{
	model.WorkflowCreated: {model.WorkflowRunning, model.WorkflowFailed},
	model.WorkflowRunning: {
		model.WorkflowWaitingApproval, model.WorkflowCompleted,
		model.WorkflowFailed, model.WorkflowRejected, model.WorkflowTimeout,
	},
	model.WorkflowWaitingApproval: {
		model.WorkflowApproved, model.WorkflowRejected,
		model.WorkflowTimeout, model.WorkflowFailed,
	},
	model.WorkflowApproved:  {model.WorkflowCompleted, model.WorkflowFailed},
	model.WorkflowRejected:  {model.WorkflowRunning},
	model.WorkflowTimeout:   {model.WorkflowRunning, model.WorkflowFailed},
	model.WorkflowFailed:    {model.WorkflowRunning},
	model.WorkflowCompleted: {},
}

// CanTransition reports whether from -> to is a legal state move.
func CanTransition(from, to model.WorkflowState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition returns the typed error callers surface as a 400.
func checkTransition(workflowID string, from, to model.WorkflowState) error {
	if !CanTransition(from, to) {
		return &core.InvalidStateTransitionError{WorkflowID: workflowID, From: string(from), To: string(to)}
	}
	return nil
}
