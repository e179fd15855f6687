package approval

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/approvalflow/orchestrator/core"
)

func TestValidateResponse(t *testing.T) {
	schema := json.RawMessage(`{
		"fields": [
			{"name": "reviewer", "type": "text", "required": true},
			{"name": "severity", "type": "select", "required": true,
			 "options": [{"value": "low"}, {"value": "high"}]},
			{"name": "tags", "type": "multiselect",
			 "options": [{"value": "infra"}, {"value": "app"}]},
			{"name": "comments", "type": "textarea"}
		]
	}`)

	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"all valid", `{"reviewer":"alice","severity":"high","tags":["infra"]}`, false},
		{"optional omitted", `{"reviewer":"alice","severity":"low"}`, false},
		{"required missing", `{"severity":"low"}`, true},
		{"required empty string", `{"reviewer":"  ","severity":"low"}`, true},
		{"select outside options", `{"reviewer":"alice","severity":"critical"}`, true},
		{"multiselect outside options", `{"reviewer":"alice","severity":"low","tags":["db"]}`, true},
		{"multiselect all valid", `{"reviewer":"alice","severity":"low","tags":["infra","app"]}`, false},
		{"response not an object", `[1,2]`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateResponse(schema, json.RawMessage(tc.data))
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, core.IsValidation(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateResponse_NoFieldsAcceptsAnything(t *testing.T) {
	assert.NoError(t, ValidateResponse(nil, nil))
	assert.NoError(t, ValidateResponse(json.RawMessage(`{}`), json.RawMessage(`{"x":1}`)))
	assert.NoError(t, ValidateResponse(json.RawMessage(`{"title":"go?"}`), nil))
}

func TestParseUISchema_Malformed(t *testing.T) {
	_, err := ParseUISchema(json.RawMessage(`{"fields": "nope"}`))
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}
