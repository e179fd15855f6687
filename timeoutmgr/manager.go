// Package timeoutmgr runs the background approval-expiry sweeper: it
// periodically finds expired PENDING approvals, marks them TIMEOUT,
// moves their workflows to TIMEOUT, and drives the retry path, which on
// exhaustion terminally fails the workflow into the DLQ.
package timeoutmgr

import (
	"context"
	"time"

	"github.com/approvalflow/orchestrator/approval"
	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/engine"
	"github.com/approvalflow/orchestrator/model"
	"github.com/approvalflow/orchestrator/store"
)

// sweepBatchSize bounds how many expired approvals one sweep handles.
const sweepBatchSize = 100

// Manager is the timeout sweeper.
type Manager struct {
	store     store.Store
	approvals *approval.Service
	engine    *engine.Engine

	interval time.Duration
	logger   core.Logger
	clock    core.Clock

	stop chan struct{}
	done chan struct{}
}

// Option configures a Manager during construction.
type Option func(*Manager)

// WithLogger injects a logger; the default discards.
func WithLogger(l core.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock injects a clock for deterministic sweep tests.
func WithClock(c core.Clock) Option { return func(m *Manager) { m.clock = c } }

// New constructs a Manager sweeping every interval (default 10s).
func New(st store.Store, approvals *approval.Service, eng *engine.Engine, interval time.Duration, opts ...Option) *Manager {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m := &Manager{
		store:     st,
		approvals: approvals,
		engine:    eng,
		interval:  interval,
		logger:    core.NoOpLogger{},
		clock:     core.SystemClock{},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the sweep loop. Call Stop for a cooperative shutdown.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop signals the loop to exit after the in-flight sweep and waits for
// it.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepOnce(ctx); err != nil {
				m.logger.Error("timeout sweep failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// SweepOnce performs one sweep pass and returns how many listed expired
// approvals it handled without error; an approval that a user response
// moved out of PENDING before it could be marked TIMEOUT is counted but
// not timed out. Errors on one approval are logged and do not abort the
// sweep; only a failure to list expired rows is returned.
func (m *Manager) SweepOnce(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpiredPendingApprovals(ctx, m.clock.Now().UTC(), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, appr := range expired {
		if err := m.sweepOne(ctx, appr); err != nil {
			m.logger.Error("failed to process expired approval", map[string]interface{}{
				"approval_id": appr.ID, "workflow_id": appr.WorkflowID, "error": err.Error(),
			})
			continue
		}
		swept++
	}
	if swept > 0 {
		m.logger.Info("timeout sweep complete", map[string]interface{}{"timed_out": swept})
	}
	return swept, nil
}

func (m *Manager) sweepOne(ctx context.Context, appr *model.Approval) error {
	marked, err := m.approvals.MarkTimeout(ctx, appr.ID)
	if err != nil {
		return err
	}
	if !marked {
		// Lost the race to a user response; nothing to drive.
		return nil
	}

	wf, err := m.store.GetWorkflow(ctx, appr.WorkflowID)
	if err != nil {
		return err
	}
	if !wf.State.Terminal() {
		if _, err := m.engine.TransitionTo(ctx, wf.ID, model.WorkflowTimeout, "approval expired"); err != nil {
			// Another writer may have advanced the workflow between the
			// read and the update; the retry below still applies if it
			// landed in TIMEOUT or FAILED.
			if !core.IsInvalidStateTransition(err) && !core.IsConcurrentModification(err) {
				return err
			}
			m.logger.Warn("workflow moved before timeout transition", map[string]interface{}{
				"workflow_id": wf.ID, "error": err.Error(),
			})
		}
	}

	// RetryWorkflow is a no-op outside TIMEOUT/FAILED, and on an
	// exhausted budget terminally fails the workflow with a DLQ row.
	if _, err := m.engine.RetryWorkflow(ctx, wf.ID); err != nil {
		return err
	}
	return nil
}
