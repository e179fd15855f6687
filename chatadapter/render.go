package chatadapter

import (
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/approvalflow/orchestrator/approval"
)

// Action ids on the rendered approval message. The button value carries
// callback_token:decision so the interactive callback can route without
// server-side session state.
const (
	actionApprove = "approval_approve"
	actionReject  = "approval_reject"
)

// decisionValue encodes a button/modal value as callback_token:decision.
// The token itself contains colons, so parsing splits on the LAST one.
func decisionValue(token string, d approval.Decision) string {
	return token + ":" + string(d)
}

// RequiresModal reports whether the schema declares input fields that
// need a modal before a decision can be completed. A schema with only
// buttons completes immediately from the message.
func RequiresModal(raw json.RawMessage) bool {
	s, err := approval.ParseUISchema(raw)
	if err != nil {
		return false
	}
	for _, f := range s.Fields {
		switch f.Type {
		case "text", "textarea", "select", "multiselect", "checkbox", "radio", "date", "datetime":
			return true
		}
	}
	return false
}

// MessageBlocks renders the approval request as Block Kit blocks:
// title, message, a summary of the form fields, and approve/reject
// action buttons.
func MessageBlocks(raw json.RawMessage, token string) ([]slack.Block, error) {
	s, err := approval.ParseUISchema(raw)
	if err != nil {
		return nil, err
	}

	var blocks []slack.Block
	title := s.Title
	if title == "" {
		title = "Approval required"
	}
	blocks = append(blocks, slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, title, false, false)))
	if s.Message != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, s.Message, false, false), nil, nil))
	}

	if len(s.Fields) > 0 {
		var fieldObjs []*slack.TextBlockObject
		for _, f := range s.Fields {
			label := f.Label
			if label == "" {
				label = f.Name
			}
			req := ""
			if f.Required {
				req = " (required)"
			}
			fieldObjs = append(fieldObjs, slack.NewTextBlockObject(
				slack.MarkdownType, fmt.Sprintf("*%s*%s", label, req), false, false))
		}
		blocks = append(blocks, slack.NewSectionBlock(nil, fieldObjs, nil))
	}

	approveBtn := slack.NewButtonBlockElement(actionApprove, decisionValue(token, approval.DecisionApprove),
		slack.NewTextBlockObject(slack.PlainTextType, buttonLabel(s, "approve", "Approve"), false, false))
	approveBtn.Style = slack.StylePrimary
	rejectBtn := slack.NewButtonBlockElement(actionReject, decisionValue(token, approval.DecisionReject),
		slack.NewTextBlockObject(slack.PlainTextType, buttonLabel(s, "reject", "Reject"), false, false))
	rejectBtn.Style = slack.StyleDanger
	blocks = append(blocks, slack.NewActionBlock("approval_actions", approveBtn, rejectBtn))

	return blocks, nil
}

func buttonLabel(s *approval.UISchema, value, fallback string) string {
	for _, b := range s.Buttons {
		if b.Value == value && b.Label != "" {
			return b.Label
		}
	}
	return fallback
}

// StatusBlocks renders the post-decision replacement message.
func StatusBlocks(raw json.RawMessage, status string) ([]slack.Block, error) {
	s, err := approval.ParseUISchema(raw)
	if err != nil {
		return nil, err
	}
	title := s.Title
	if title == "" {
		title = "Approval"
	}
	return []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, title, false, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(
			slack.MarkdownType, fmt.Sprintf("Status: *%s*", status), false, false), nil, nil),
	}, nil
}

// ModalView builds the modal the button click opens when the schema
// declares input fields. The callback id carries callback_token:decision
// so the submission routes the same way a plain button does.
func ModalView(raw json.RawMessage, token string, d approval.Decision) (slack.ModalViewRequest, error) {
	var view slack.ModalViewRequest
	s, err := approval.ParseUISchema(raw)
	if err != nil {
		return view, err
	}

	title := s.Title
	if title == "" {
		title = "Approval"
	}
	view.Type = slack.VTModal
	view.CallbackID = decisionValue(token, d)
	view.Title = slack.NewTextBlockObject(slack.PlainTextType, truncate(title, 24), false, false)
	view.Submit = slack.NewTextBlockObject(slack.PlainTextType, "Submit", false, false)
	view.Close = slack.NewTextBlockObject(slack.PlainTextType, "Cancel", false, false)

	var blocks []slack.Block
	for _, f := range s.Fields {
		el := inputElement(f)
		if el == nil {
			continue
		}
		label := f.Label
		if label == "" {
			label = f.Name
		}
		input := slack.NewInputBlock(f.Name,
			slack.NewTextBlockObject(slack.PlainTextType, truncate(label, 75), false, false), nil, el)
		input.Optional = !f.Required
		blocks = append(blocks, input)
	}
	view.Blocks = slack.Blocks{BlockSet: blocks}
	return view, nil
}

func inputElement(f approval.UIField) slack.BlockElement {
	switch f.Type {
	case "text":
		return slack.NewPlainTextInputBlockElement(nil, f.Name)
	case "textarea":
		el := slack.NewPlainTextInputBlockElement(nil, f.Name)
		el.Multiline = true
		return el
	case "select", "radio":
		return slack.NewOptionsSelectBlockElement(slack.OptTypeStatic, nil, f.Name, optionObjects(f)...)
	case "multiselect", "checkbox":
		return slack.NewOptionsMultiSelectBlockElement(slack.MultiOptTypeStatic, nil, f.Name, optionObjects(f)...)
	case "date":
		return slack.NewDatePickerBlockElement(f.Name)
	case "datetime":
		return slack.NewDateTimePickerBlockElement(f.Name)
	default:
		// Unsupported types (number, email, file, ...) fall back to a
		// plain text input rather than dropping the field.
		return slack.NewPlainTextInputBlockElement(nil, f.Name)
	}
}

func optionObjects(f approval.UIField) []*slack.OptionBlockObject {
	out := make([]*slack.OptionBlockObject, 0, len(f.Options))
	for _, o := range f.Options {
		label := o.Label
		if label == "" {
			label = o.Value
		}
		out = append(out, slack.NewOptionBlockObject(o.Value,
			slack.NewTextBlockObject(slack.PlainTextType, truncate(label, 75), false, false), nil))
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
