// Package chatadapter posts approval requests to a chat platform and
// parses the interactive callbacks coming back. Outbound calls are
// bounded by wall-clock timeouts and a circuit breaker; an open circuit
// degrades to a sentinel the caller can ignore without failing the
// workflow.
package chatadapter

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/approvalflow/orchestrator/approval"
	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/resilience"
)

// ErrCircuitOpen is the sentinel callers receive while the chat circuit
// is open. It aliases the shared breaker sentinel so core.IsCircuitOpen
// works on it.
var ErrCircuitOpen = core.ErrCircuitBreakerOpen

// slackAPI is the slice of *slack.Client the notifier uses, extracted so
// tests can substitute a fake.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	OpenViewContext(ctx context.Context, triggerID string, view slack.ModalViewRequest) (*slack.ViewResponse, error)
}

// callTimeout bounds every outbound chat call so a degraded platform
// cannot stall the caller.
const callTimeout = 10 * time.Second

// ApprovalNotification is what the notifier needs to render and post an
// approval request.
type ApprovalNotification struct {
	ApprovalID    string
	WorkflowID    string
	CallbackToken string
	UISchema      json.RawMessage
	ExpiresAt     time.Time
}

// Notifier posts and updates approval messages on a Slack channel.
type Notifier struct {
	client  slackAPI
	channel string
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	logger  core.Logger
	history History
}

// NotifierOption configures a Notifier during construction.
type NotifierOption func(*Notifier)

// WithNotifierLogger injects a logger; the default discards.
func WithNotifierLogger(l core.Logger) NotifierOption { return func(n *Notifier) { n.logger = l } }

// WithHistory injects a conversation-history sink.
func WithHistory(h History) NotifierOption { return func(n *Notifier) { n.history = h } }

// WithBreaker overrides the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) NotifierOption {
	return func(n *Notifier) { n.breaker = cb }
}

// WithRetry overrides the outbound retry policy.
func WithRetry(cfg resilience.RetryConfig) NotifierOption {
	return func(n *Notifier) { n.retry = cfg }
}

// NewNotifier builds a Notifier for the given bot token and channel.
func NewNotifier(botToken, channel string, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		client:  slack.New(botToken),
		channel: channel,
		breaker: resilience.NewCircuitBreaker("slack", resilience.DefaultCircuitBreakerConfig()),
		retry:   resilience.RetryConfig{InitialBackoff: 500 * time.Millisecond, Multiplier: 2.0, MaxBackoff: 5 * time.Second, MaxAttempts: 3},
		logger:  core.NoOpLogger{},
		history: NewMemoryHistory(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// newNotifierWithClient is the test seam.
func newNotifierWithClient(client slackAPI, channel string, opts ...NotifierOption) *Notifier {
	n := NewNotifier("", channel, opts...)
	n.client = client
	return n
}

// SendApprovalRequest posts the rendered approval message and returns
// the external message ref ("channel:timestamp"). An open circuit
// returns ErrCircuitOpen; callers treat that as a degraded notification,
// not a workflow failure.
func (n *Notifier) SendApprovalRequest(ctx context.Context, note ApprovalNotification) (string, error) {
	blocks, err := MessageBlocks(note.UISchema, note.CallbackToken)
	if err != nil {
		return "", err
	}

	var channel, ts string
	err = n.call(ctx, func(ctx context.Context) error {
		var perr error
		channel, ts, perr = n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionBlocks(blocks...))
		return perr
	})
	if err != nil {
		return "", err
	}

	ref := channel + ":" + ts
	n.recordHistory(ctx, note, ref)
	n.logger.Info("approval request posted", map[string]interface{}{
		"approval_id": note.ApprovalID, "workflow_id": note.WorkflowID, "message_ref": ref,
	})
	return ref, nil
}

// UpdateApprovalStatus replaces the approval message with its outcome.
// ref is the "channel:timestamp" returned by SendApprovalRequest.
func (n *Notifier) UpdateApprovalStatus(ctx context.Context, ref string, uiSchema json.RawMessage, status string) error {
	channel, ts, ok := splitRef(ref)
	if !ok {
		return &core.ValidationError{Field: "message_ref", Message: "malformed message ref"}
	}
	blocks, err := StatusBlocks(uiSchema, status)
	if err != nil {
		return err
	}
	return n.call(ctx, func(ctx context.Context) error {
		_, _, _, uerr := n.client.UpdateMessageContext(ctx, channel, ts, slack.MsgOptionBlocks(blocks...))
		return uerr
	})
}

// OpenDecisionModal opens the field-input modal for a button click whose
// schema requires free-text input before the decision completes.
func (n *Notifier) OpenDecisionModal(ctx context.Context, triggerID, token string, d approval.Decision, uiSchema json.RawMessage) error {
	view, err := ModalView(uiSchema, token, d)
	if err != nil {
		return err
	}
	return n.call(ctx, func(ctx context.Context) error {
		_, oerr := n.client.OpenViewContext(ctx, triggerID, view)
		return oerr
	})
}

// call runs fn through the breaker with a wall-clock timeout and bounded
// retries. Retries stay inside one breaker execution so a flapping API
// trips the breaker on sustained failure, not on each attempt.
func (n *Notifier) call(ctx context.Context, fn func(context.Context) error) error {
	err := n.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, n.retry, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, callTimeout)
			defer cancel()
			return fn(ctx)
		})
	})
	if core.IsCircuitOpen(err) {
		n.logger.Warn("chat circuit open, skipping outbound call", nil)
		return ErrCircuitOpen
	}
	if err != nil {
		return &core.UpstreamUnavailableError{System: "slack", Err: err}
	}
	return nil
}

func (n *Notifier) recordHistory(ctx context.Context, note ApprovalNotification, ref string) {
	if n.history == nil {
		return
	}
	err := n.history.Record(ctx, ref, Conversation{
		Channel:    n.channel,
		WorkflowID: note.WorkflowID,
		ApprovalID: note.ApprovalID,
		State:      "awaiting_decision",
	}, HistoryMessage{
		Role:      "assistant",
		Content:   "approval requested",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		n.logger.Warn("failed to record conversation history", map[string]interface{}{"error": err.Error()})
	}
}

func splitRef(ref string) (channel, ts string, ok bool) {
	idx := strings.Index(ref, ":")
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", false
	}
	return ref[:idx], ref[idx+1:], true
}
