package chatadapter

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/slack-go/slack"

	"github.com/approvalflow/orchestrator/approval"
	"github.com/approvalflow/orchestrator/core"
)

// InteractionKind distinguishes the two inbound payload shapes the
// orchestrator handles.
type InteractionKind string

const (
	// KindButton is a button click on the approval message. It completes
	// the decision immediately unless the schema requires a modal.
	KindButton InteractionKind = "button"
	// KindModalSubmit is a modal submission carrying field values.
	KindModalSubmit InteractionKind = "modal_submit"
)

// Interaction is the parsed, platform-neutral form of an inbound
// interactive callback.
type Interaction struct {
	Kind          InteractionKind
	CallbackToken string
	Decision      approval.Decision
	ResponseData  json.RawMessage
	TriggerID     string
	ResponseURL   string
	MessageRef    string
}

// ParseInteraction decodes the payload JSON of a Slack interactive
// callback (the "payload" form field) into an Interaction. Unknown
// payload types and malformed callback values fail validation.
func ParseInteraction(payload []byte) (*Interaction, error) {
	var cb slack.InteractionCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, &core.ValidationError{Field: "payload", Message: "malformed interaction payload"}
	}

	switch cb.Type {
	case slack.InteractionTypeBlockActions:
		return parseButtonClick(&cb)
	case slack.InteractionTypeViewSubmission:
		return parseModalSubmission(&cb)
	default:
		return nil, &core.ValidationError{Field: "type", Message: "unsupported interaction type"}
	}
}

func parseButtonClick(cb *slack.InteractionCallback) (*Interaction, error) {
	if len(cb.ActionCallback.BlockActions) == 0 {
		return nil, &core.ValidationError{Field: "actions", Message: "no block actions in payload"}
	}
	action := cb.ActionCallback.BlockActions[0]
	token, decision, err := splitDecisionValue(action.Value)
	if err != nil {
		return nil, err
	}

	ref := ""
	if cb.Channel.ID != "" && cb.Message.Timestamp != "" {
		ref = cb.Channel.ID + ":" + cb.Message.Timestamp
	}
	return &Interaction{
		Kind:          KindButton,
		CallbackToken: token,
		Decision:      decision,
		TriggerID:     cb.TriggerID,
		ResponseURL:   cb.ResponseURL,
		MessageRef:    ref,
	}, nil
}

func parseModalSubmission(cb *slack.InteractionCallback) (*Interaction, error) {
	token, decision, err := splitDecisionValue(cb.View.CallbackID)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]interface{})
	if cb.View.State != nil {
		for blockID, actions := range cb.View.State.Values {
			for _, action := range actions {
				if v := blockActionValue(action); v != nil {
					fields[blockID] = v
				}
			}
		}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, &core.ValidationError{Field: "state", Message: "cannot serialize modal state"}
	}
	return &Interaction{
		Kind:          KindModalSubmit,
		CallbackToken: token,
		Decision:      decision,
		ResponseData:  data,
	}, nil
}

// splitDecisionValue parses callback_token:decision. The token contains
// colons itself, so only the LAST segment is the decision verb.
func splitDecisionValue(v string) (string, approval.Decision, error) {
	idx := strings.LastIndex(v, ":")
	if idx <= 0 || idx == len(v)-1 {
		return "", "", &core.ValidationError{Field: "value", Message: "malformed callback value"}
	}
	token, verb := v[:idx], v[idx+1:]
	switch approval.Decision(verb) {
	case approval.DecisionApprove, approval.DecisionReject:
		return token, approval.Decision(verb), nil
	default:
		return "", "", &core.ValidationError{Field: "value", Message: "unknown decision verb"}
	}
}

// blockActionValue extracts the submitted value out of one modal input,
// whatever the element type was.
func blockActionValue(a slack.BlockAction) interface{} {
	switch {
	case a.Value != "":
		return a.Value
	case a.SelectedOption.Value != "":
		return a.SelectedOption.Value
	case len(a.SelectedOptions) > 0:
		out := make([]string, 0, len(a.SelectedOptions))
		for _, o := range a.SelectedOptions {
			out = append(out, o.Value)
		}
		return out
	case a.SelectedDate != "":
		return a.SelectedDate
	case a.SelectedDateTime != 0:
		return strconv.FormatInt(a.SelectedDateTime, 10)
	default:
		return nil
	}
}
