package approval

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/approvalflow/orchestrator/core"
)

// UISchema is the parsed form definition an approval carries. It is
// stored opaquely; this struct exists only for response validation and
// chat-message rendering.
type UISchema struct {
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Fields  []UIField  `json:"fields"`
	Buttons []UIButton `json:"buttons"`
}

// UIField is one form input. Type is one of the enumerated field types;
// Options applies to select/multiselect/radio.
type UIField struct {
	Name     string     `json:"name"`
	Label    string     `json:"label"`
	Type     string     `json:"type"`
	Required bool       `json:"required"`
	Options  []UIOption `json:"options"`
}

// UIOption is one choice in a select-like field.
type UIOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// UIButton is one action button on the rendered approval message.
type UIButton struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Style string `json:"style"`
}

// ParseUISchema decodes raw into a UISchema. An empty or null schema
// parses to the zero value, which validates every response.
func ParseUISchema(raw json.RawMessage) (*UISchema, error) {
	var s UISchema
	if len(raw) == 0 {
		return &s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, &core.ValidationError{Field: "ui_schema", Message: err.Error()}
	}
	return &s, nil
}

// optionSet returns the declared option values of a select-like field.
func (f *UIField) optionSet() map[string]struct{} {
	set := make(map[string]struct{}, len(f.Options))
	for _, o := range f.Options {
		set[o.Value] = struct{}{}
	}
	return set
}

// selectLike reports whether the field constrains its value to Options.
func (f *UIField) selectLike() bool {
	switch f.Type {
	case "select", "multiselect", "radio":
		return true
	default:
		return false
	}
}

// ValidateResponse checks responseData against schema: every required
// field present and non-empty, and select-like values inside the
// declared option set. A failure is a client error and mutates nothing.
func ValidateResponse(schema json.RawMessage, responseData json.RawMessage) error {
	s, err := ParseUISchema(schema)
	if err != nil {
		return err
	}
	if len(s.Fields) == 0 {
		return nil
	}

	var resp map[string]interface{}
	if len(responseData) > 0 {
		if err := json.Unmarshal(responseData, &resp); err != nil {
			return &core.ValidationError{Field: "response_data", Message: "must be a JSON object"}
		}
	}

	for i := range s.Fields {
		f := &s.Fields[i]
		val, present := resp[f.Name]
		if f.Required && (!present || emptyValue(val)) {
			return &core.ValidationError{Field: f.Name, Message: "required field missing or empty"}
		}
		if !present || !f.selectLike() {
			continue
		}
		options := f.optionSet()
		for _, v := range valuesOf(val) {
			if _, ok := options[v]; !ok {
				return &core.ValidationError{Field: f.Name, Message: fmt.Sprintf("value %q not in declared options", v)}
			}
		}
	}
	return nil
}

func emptyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	default:
		return false
	}
}

// valuesOf flattens a scalar or multiselect array into strings for
// option-set checking. Non-string values are compared in their fmt %v
// form, so a number or bool passes only when that form equals a
// declared option value.
func valuesOf(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprintf("%v", item))
			}
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}
