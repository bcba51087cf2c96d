package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	Type string `json:"type" validate:"required"`
}

type ruleBody struct {
	Name     string `json:"name" validate:"required,max=10"`
	Policy   string `json:"failure_policy,omitempty" validate:"omitempty,oneof=halt continue"`
	Timezone string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Steps    []step `json:"actions" validate:"required,min=1,dive"`
	Internal string `json:"-" validate:"omitempty,max=1"`
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    ruleBody
		wantErr string
	}{
		{
			name: "valid",
			body: ruleBody{Name: "chase", Timezone: "Europe/London", Steps: []step{{Type: "add_tag"}}},
		},
		{
			name:    "missing name uses json field name",
			body:    ruleBody{Steps: []step{{Type: "add_tag"}}},
			wantErr: "name is required",
		},
		{
			name:    "too long",
			body:    ruleBody{Name: "a very long rule name", Steps: []step{{Type: "add_tag"}}},
			wantErr: "name must be at most 10 characters",
		},
		{
			name:    "bad policy",
			body:    ruleBody{Name: "chase", Policy: "retry", Steps: []step{{Type: "add_tag"}}},
			wantErr: "failure_policy must be one of: halt continue",
		},
		{
			name:    "unknown timezone",
			body:    ruleBody{Name: "chase", Timezone: "Mars/Olympus", Steps: []step{{Type: "add_tag"}}},
			wantErr: `timezone must be an IANA timezone, got "Mars/Olympus"`,
		},
		{
			name:    "empty action list",
			body:    ruleBody{Name: "chase", Steps: []step{}},
			wantErr: "actions must have at least 1 item(s)",
		},
		{
			name:    "nested action field",
			body:    ruleBody{Name: "chase", Steps: []step{{Type: "add_tag"}, {}}},
			wantErr: "actions[1].type is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.body)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateVar(t *testing.T) {
	assert.NoError(t, ValidateVar("America/New_York", "timezone"))
	assert.NoError(t, ValidateVar("UTC", "timezone"))

	err := ValidateVar("nowhere", "timezone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestValidate_CollectsAllFields(t *testing.T) {
	err := New().Validate(&ruleBody{Policy: "never"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "failure_policy must be one of")
	assert.Contains(t, err.Error(), "actions is required")
}
