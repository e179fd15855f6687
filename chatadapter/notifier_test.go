package chatadapter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/resilience"
)

type fakeSlack struct {
	postErr   error
	postCalls int
	updates   int
	views     int
}

func (f *fakeSlack) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.postCalls++
	if f.postErr != nil {
		return "", "", f.postErr
	}
	return channelID, "1717243800.000100", nil
}

func (f *fakeSlack) UpdateMessageContext(_ context.Context, channelID, ts string, _ ...slack.MsgOption) (string, string, string, error) {
	f.updates++
	return channelID, ts, "", nil
}

func (f *fakeSlack) OpenViewContext(_ context.Context, _ string, _ slack.ModalViewRequest) (*slack.ViewResponse, error) {
	f.views++
	return &slack.ViewResponse{}, nil
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{InitialBackoff: time.Millisecond, Multiplier: 1.0, MaxBackoff: time.Millisecond, MaxAttempts: 2}
}

func testNote() ApprovalNotification {
	return ApprovalNotification{
		ApprovalID:    "appr-1",
		WorkflowID:    "wf-1",
		CallbackToken: "appr-1:rand:sig",
		UISchema:      json.RawMessage(`{"title":"go?"}`),
		ExpiresAt:     time.Now().Add(time.Hour),
	}
}

func TestSendApprovalRequest_ReturnsMessageRef(t *testing.T) {
	api := &fakeSlack{}
	hist := NewMemoryHistory()
	n := newNotifierWithClient(api, "C123", WithRetry(fastRetry()), WithHistory(hist))

	ref, err := n.SendApprovalRequest(context.Background(), testNote())
	require.NoError(t, err)
	assert.Equal(t, "C123:1717243800.000100", ref)

	conv, ok := hist.Get(context.Background(), ref)
	require.True(t, ok)
	assert.Equal(t, "wf-1", conv.WorkflowID)
	assert.Equal(t, "appr-1", conv.ApprovalID)
	require.Len(t, conv.Messages, 1)
}

func TestSendApprovalRequest_RetriesBeforeFailing(t *testing.T) {
	api := &fakeSlack{postErr: errors.New("rate limited")}
	n := newNotifierWithClient(api, "C123", WithRetry(fastRetry()))

	_, err := n.SendApprovalRequest(context.Background(), testNote())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUpstreamUnavailable)
	assert.Equal(t, 2, api.postCalls)
}

func TestSendApprovalRequest_OpenCircuitShortCircuits(t *testing.T) {
	api := &fakeSlack{postErr: errors.New("down")}
	cb := resilience.NewCircuitBreaker("slack", resilience.CircuitBreakerConfig{
		FailureThreshold: 1,
		OpenDuration:     time.Minute,
	})
	n := newNotifierWithClient(api, "C123", WithRetry(fastRetry()), WithBreaker(cb))

	_, err := n.SendApprovalRequest(context.Background(), testNote())
	require.Error(t, err)

	calls := api.postCalls
	_, err = n.SendApprovalRequest(context.Background(), testNote())
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, core.IsCircuitOpen(err))
	assert.Equal(t, calls, api.postCalls, "open circuit must not reach the API")
}

func TestUpdateApprovalStatus(t *testing.T) {
	api := &fakeSlack{}
	n := newNotifierWithClient(api, "C123", WithRetry(fastRetry()))

	err := n.UpdateApprovalStatus(context.Background(), "C123:1717243800.000100", json.RawMessage(`{}`), "approved")
	require.NoError(t, err)
	assert.Equal(t, 1, api.updates)

	err = n.UpdateApprovalStatus(context.Background(), "noseparator", nil, "approved")
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestMemoryHistory_UpsertsAndAppends(t *testing.T) {
	h := NewMemoryHistory()
	ctx := context.Background()

	require.NoError(t, h.Record(ctx, "c1", Conversation{WorkflowID: "wf-1"},
		HistoryMessage{Role: "assistant", Content: "hello"}))
	require.NoError(t, h.Record(ctx, "c1", Conversation{State: "done"},
		HistoryMessage{Role: "user", Content: "approve"}))

	conv, ok := h.Get(ctx, "c1")
	require.True(t, ok)
	assert.Equal(t, "wf-1", conv.WorkflowID)
	assert.Equal(t, "done", conv.State)
	require.Len(t, conv.Messages, 2)

	_, ok = h.Get(ctx, "missing")
	assert.False(t, ok)
}
