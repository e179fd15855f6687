package chatadapter

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/approvalflow/orchestrator/approval"
	"github.com/approvalflow/orchestrator/core"
)

const token = "a1b2c3:random16:deadbeefdeadbeef"

func buttonPayload(value string) []byte {
	return []byte(fmt.Sprintf(`{
		"type": "block_actions",
		"trigger_id": "trg-1",
		"response_url": "https://hooks.example/r1",
		"channel": {"id": "C123"},
		"message": {"ts": "1717243800.000100"},
		"actions": [{"block_id": "approval_actions", "action_id": "approval_approve", "value": %q}]
	}`, value))
}

func TestParseInteraction_ButtonClick(t *testing.T) {
	in, err := ParseInteraction(buttonPayload(token + ":approve"))
	require.NoError(t, err)
	assert.Equal(t, KindButton, in.Kind)
	assert.Equal(t, token, in.CallbackToken)
	assert.Equal(t, approval.DecisionApprove, in.Decision)
	assert.Equal(t, "trg-1", in.TriggerID)
	assert.Equal(t, "C123:1717243800.000100", in.MessageRef)
}

func TestParseInteraction_RejectButton(t *testing.T) {
	in, err := ParseInteraction(buttonPayload(token + ":reject"))
	require.NoError(t, err)
	assert.Equal(t, approval.DecisionReject, in.Decision)
}

func TestParseInteraction_ModalSubmission(t *testing.T) {
	payload := []byte(fmt.Sprintf(`{
		"type": "view_submission",
		"view": {
			"callback_id": %q,
			"state": {
				"values": {
					"reviewer": {"reviewer": {"type": "plain_text_input", "value": "alice"}},
					"risk": {"risk": {"type": "static_select", "selected_option": {"value": "low"}}}
				}
			}
		}
	}`, token+":approve"))

	in, err := ParseInteraction(payload)
	require.NoError(t, err)
	assert.Equal(t, KindModalSubmit, in.Kind)
	assert.Equal(t, token, in.CallbackToken)
	assert.Equal(t, approval.DecisionApprove, in.Decision)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(in.ResponseData, &fields))
	assert.Equal(t, "alice", fields["reviewer"])
	assert.Equal(t, "low", fields["risk"])
}

func TestParseInteraction_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte(`not-json`)},
		{"unsupported type", []byte(`{"type":"shortcut"}`)},
		{"no actions", []byte(`{"type":"block_actions","actions":[]}`)},
		{"bad verb", buttonPayload(token + ":maybe")},
		{"no verb separator", buttonPayload("justonetoken")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseInteraction(tc.payload)
			require.Error(t, err)
			assert.True(t, core.IsValidation(err))
		})
	}
}

func TestSplitDecisionValue_TokenKeepsItsColons(t *testing.T) {
	got, d, err := splitDecisionValue("uuid:rand:hmac:reject")
	require.NoError(t, err)
	assert.Equal(t, "uuid:rand:hmac", got)
	assert.Equal(t, approval.DecisionReject, d)
}
