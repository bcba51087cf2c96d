package llm

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// Prompt template names
const (
	PromptLetterSystem  = "letter_system"
	PromptLetterRequest = "letter_request"
)

const letterSystemPrompt = `You draft formal letters on behalf of {{with .Organization}}{{.}}{{else}}the case team{{end}}.
Write only the body of the letter: no subject line, no placeholders, no commentary.
Keep a courteous, plain tone and stay under {{with .MaxWords}}{{.}}{{else}}400{{end}} words.`

const letterRequestPrompt = `Instruction: {{.Instruction}}

Record:
{{range $key, $value := .Subject}}- {{$key}}: {{$value}}
{{end}}{{with .Payload}}
Event details:
{{range $key, $value := .}}- {{$key}}: {{$value}}
{{end}}{{end}}`

// Prompts is a parsed set of named prompt templates. Missing keys render empty.
type Prompts struct {
	set   *template.Template
	names []string
}

// NewPrompts parses every definition into one template set
func NewPrompts(defs map[string]string) (*Prompts, error) {
	set := template.New("prompts").Option("missingkey=zero")
	names := make([]string, 0, len(defs))
	for name, body := range defs {
		if _, err := set.New(name).Parse(body); err != nil {
			return nil, fmt.Errorf("failed to parse prompt %s: %w", name, err)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Prompts{set: set, names: names}, nil
}

// LetterPrompts returns the prompts used to draft letters
func LetterPrompts() (*Prompts, error) {
	return NewPrompts(map[string]string{
		PromptLetterSystem:  letterSystemPrompt,
		PromptLetterRequest: letterRequestPrompt,
	})
}

// Names lists the registered prompts in order
func (p *Prompts) Names() []string {
	return append([]string(nil), p.names...)
}

// Render executes the named prompt
func (p *Prompts) Render(name string, data interface{}) (string, error) {
	tmpl := p.set.Lookup(name)
	if tmpl == nil {
		return "", fmt.Errorf("prompt %s not found", name)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", name, err)
	}
	return sb.String(), nil
}

// LetterPrompt is the input for one letter draft
type LetterPrompt struct {
	Organization string
	MaxWords     int
	Instruction  string
	Subject      map[string]interface{}
	Payload      map[string]interface{}
}

// LetterRequest renders both letter prompts into a single-turn chat request
func (p *Prompts) LetterRequest(in LetterPrompt, opts ...RequestOption) (*ChatRequest, error) {
	if strings.TrimSpace(in.Instruction) == "" {
		return nil, fmt.Errorf("letter instruction is required")
	}
	system, err := p.Render(PromptLetterSystem, in)
	if err != nil {
		return nil, err
	}
	user, err := p.Render(PromptLetterRequest, in)
	if err != nil {
		return nil, err
	}

	req := &ChatRequest{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: user}},
	}
	for _, opt := range opts {
		opt(req)
	}
	return req, nil
}

// RequestOption adjusts a ChatRequest
type RequestOption func(*ChatRequest)

// WithModel overrides the provider's default model
func WithModel(model string) RequestOption {
	return func(req *ChatRequest) { req.Model = model }
}

// WithMaxTokens caps the completion length
func WithMaxTokens(maxTokens int) RequestOption {
	return func(req *ChatRequest) { req.MaxTokens = maxTokens }
}

func WithTemperature(temperature float64) RequestOption {
	return func(req *ChatRequest) { req.Temperature = temperature }
}

func WithMetadata(metadata map[string]string) RequestOption {
	return func(req *ChatRequest) { req.Metadata = metadata }
}
