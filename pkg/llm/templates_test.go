package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrompts(t *testing.T) {
	p, err := NewPrompts(map[string]string{"b": "{{.B}}", "a": "Hello {{.Name}}!"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.Names())

	out, err := p.Render("a", map[string]string{"Name": "World"})
	require.NoError(t, err)
	assert.Equal(t, "Hello World!", out)

	_, err = p.Render("missing", nil)
	assert.ErrorContains(t, err, "not found")

	_, err = NewPrompts(map[string]string{"broken": "Hello {{.Name"})
	assert.Error(t, err)
}

func TestLetterPrompts(t *testing.T) {
	p, err := LetterPrompts()
	require.NoError(t, err)
	assert.Equal(t, []string{PromptLetterRequest, PromptLetterSystem}, p.Names())

	t.Run("system prompt defaults", func(t *testing.T) {
		out, err := p.Render(PromptLetterSystem, LetterPrompt{})
		require.NoError(t, err)
		assert.Contains(t, out, "the case team")
		assert.Contains(t, out, "400 words")
	})

	t.Run("system prompt with organization", func(t *testing.T) {
		out, err := p.Render(PromptLetterSystem, LetterPrompt{Organization: "Acme Legal", MaxWords: 200})
		require.NoError(t, err)
		assert.Contains(t, out, "Acme Legal")
		assert.Contains(t, out, "200 words")
	})

	t.Run("request lists record fields in key order", func(t *testing.T) {
		out, err := p.Render(PromptLetterRequest, LetterPrompt{
			Instruction: "Ask for the signed retainer",
			Subject:     map[string]interface{}{"status": "intake", "name": "Jane Doe"},
		})
		require.NoError(t, err)
		assert.Contains(t, out, "Instruction: Ask for the signed retainer")
		assert.Contains(t, out, "- name: Jane Doe\n- status: intake")
		assert.NotContains(t, out, "Event details")
	})
}

func TestPrompts_LetterRequest(t *testing.T) {
	p, err := LetterPrompts()
	require.NoError(t, err)

	req, err := p.LetterRequest(LetterPrompt{
		Organization: "Acme Legal",
		Instruction:  "Remind the client",
		Subject:      map[string]interface{}{"id": "s1"},
		Payload:      map[string]interface{}{"document": "retainer"},
	},
		WithModel("test-model"),
		WithMaxTokens(100),
		WithTemperature(0.7),
		WithMetadata(map[string]string{"subject_id": "s1"}),
	)
	require.NoError(t, err)

	assert.Contains(t, req.SystemPrompt, "Acme Legal")
	require.Len(t, req.Messages, 1)
	assert.Equal(t, RoleUser, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "- document: retainer")
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, 100, req.MaxTokens)
	assert.Equal(t, 0.7, req.Temperature)
	assert.Equal(t, "s1", req.Metadata["subject_id"])

	_, err = p.LetterRequest(LetterPrompt{Instruction: "  "})
	assert.ErrorContains(t, err, "instruction is required")
}
