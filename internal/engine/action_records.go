package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
)

func requireSubject(ec *ExecutionContext, t models.ActionType) (string, error) {
	if ec.SubjectID == "" {
		return "", newError(KindActionValidation, "%s requires a subject record", t)
	}
	return ec.SubjectID, nil
}

// create_note

type createNoteAction struct {
	records RecordWriter
	text    *textRenderer
}

func (a *createNoteAction) Type() models.ActionType { return models.ActionCreateNote }
func (a *createNoteAction) Idempotent() bool        { return false }
func (a *createNoteAction) ContinueOnError() bool   { return false }

func (a *createNoteAction) Validate(config models.JSONB) error {
	return requireConfig(config, "body")
}

func (a *createNoteAction) Execute(ctx context.Context, config models.JSONB, ec *ExecutionContext) (*ActionResult, error) {
	subjectID, err := requireSubject(ec, a.Type())
	if err != nil {
		return nil, err
	}
	note := &models.Note{
		SubjectID: subjectID,
		Body:      a.text.render(ctx, configString(config, "body", ""), ec),
		CreatedBy: configString(config, "created_by", ec.ActorID),
		CreatedAt: ec.Now,
	}
	id, err := a.records.CreateNote(ctx, note)
	if err != nil {
		return nil, fmt.Errorf("failed to create note: %w", err)
	}
	return succeeded(map[string]interface{}{"note_id": id, "body": note.Body}), nil
}

func (a *createNoteAction) Describe(_ context.Context, config models.JSONB, ec *ExecutionContext) (string, time.Duration) {
	return fmt.Sprintf("Create a note on %s: %q", subjectLabel(ec), preview(configString(config, "body", ""))), 50 * time.Millisecond
}

// create_task

type createTaskAction struct {
	records RecordWriter
	text    *textRenderer
}

func (a *createTaskAction) Type() models.ActionType { return models.ActionCreateTask }
func (a *createTaskAction) Idempotent() bool        { return false }
func (a *createTaskAction) ContinueOnError() bool   { return false }

func (a *createTaskAction) Validate(config models.JSONB) error {
	if err := requireConfig(config, "title"); err != nil {
		return err
	}
	if p := configString(config, "priority", ""); p != "" {
		switch p {
		case "low", "medium", "high", "urgent":
		default:
			return fmt.Errorf("priority must be low, medium, high or urgent, got %q", p)
		}
	}
	return nil
}

func (a *createTaskAction) Execute(ctx context.Context, config models.JSONB, ec *ExecutionContext) (*ActionResult, error) {
	subjectID, err := requireSubject(ec, a.Type())
	if err != nil {
		return nil, err
	}
	task := &models.Task{
		SubjectID:   subjectID,
		Title:       a.text.render(ctx, configString(config, "title", ""), ec),
		Description: a.text.render(ctx, configString(config, "description", ""), ec),
		AssigneeID:  a.assignee(config, ec),
		Priority:    configString(config, "priority", "medium"),
		Status:      "open",
		DueAt:       taskDueAt(config, ec.Now),
		CreatedAt:   ec.Now,
	}
	id, err := a.records.CreateTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	out := map[string]interface{}{"task_id": id, "title": task.Title, "assignee_id": task.AssigneeID}
	if task.DueAt != nil {
		out["due_at"] = task.DueAt.Format(time.RFC3339)
	}
	return succeeded(out), nil
}

// assignee resolves "owner" and "actor" to concrete user ids
func (a *createTaskAction) assignee(config models.JSONB, ec *ExecutionContext) string {
	switch v := configString(config, "assignee_id", "owner"); v {
	case "owner":
		if ec.Subject != nil {
			return ec.Subject.OwnerID
		}
		return ""
	case "actor":
		return ec.ActorID
	default:
		return v
	}
}

func (a *createTaskAction) Describe(_ context.Context, config models.JSONB, ec *ExecutionContext) (string, time.Duration) {
	desc := fmt.Sprintf("Create task %q on %s", configString(config, "title", ""), subjectLabel(ec))
	if due := taskDueAt(config, ec.Now); due != nil {
		desc += fmt.Sprintf(" due %s", due.Format("2006-01-02"))
	}
	return desc, 50 * time.Millisecond
}

func taskDueAt(config models.JSONB, now time.Time) *time.Time {
	var d time.Duration
	if days, ok := configFloat(config, "due_in_days"); ok {
		d += time.Duration(days * float64(24*time.Hour))
	}
	if hours, ok := configFloat(config, "due_in_hours"); ok {
		d += time.Duration(hours * float64(time.Hour))
	}
	if d <= 0 {
		return nil
	}
	due := now.Add(d)
	return &due
}

// update_record_status

type updateStatusAction struct {
	records RecordWriter
}

func (a *updateStatusAction) Type() models.ActionType { return models.ActionUpdateRecordStatus }
func (a *updateStatusAction) Idempotent() bool        { return true }
func (a *updateStatusAction) ContinueOnError() bool   { return false }

func (a *updateStatusAction) Validate(config models.JSONB) error {
	return requireConfig(config, "status")
}

func (a *updateStatusAction) Execute(ctx context.Context, config models.JSONB, ec *ExecutionContext) (*ActionResult, error) {
	subjectID, err := requireSubject(ec, a.Type())
	if err != nil {
		return nil, err
	}
	status := configString(config, "status", "")
	previous, _ := ec.Status()
	if err := a.records.UpdateStatus(ctx, subjectID, status); err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}
	return succeeded(map[string]interface{}{"previous_status": previous, "status": status}), nil
}

func (a *updateStatusAction) Describe(_ context.Context, config models.JSONB, ec *ExecutionContext) (string, time.Duration) {
	return fmt.Sprintf("Set status of %s to %q", subjectLabel(ec), configString(config, "status", "")), 50 * time.Millisecond
}

// add_tag

type addTagAction struct {
	records RecordWriter
}

func (a *addTagAction) Type() models.ActionType { return models.ActionAddTag }
func (a *addTagAction) Idempotent() bool        { return true }
func (a *addTagAction) ContinueOnError() bool   { return false }

func (a *addTagAction) Validate(config models.JSONB) error {
	return requireConfig(config, "tag")
}

func (a *addTagAction) Execute(ctx context.Context, config models.JSONB, ec *ExecutionContext) (*ActionResult, error) {
	subjectID, err := requireSubject(ec, a.Type())
	if err != nil {
		return nil, err
	}
	tag := configString(config, "tag", "")
	already := ec.Subject != nil && ec.Subject.HasTag(tag)
	if err := a.records.AddTag(ctx, subjectID, tag); err != nil {
		return nil, fmt.Errorf("failed to add tag: %w", err)
	}
	return succeeded(map[string]interface{}{"tag": tag, "already_present": already}), nil
}

func (a *addTagAction) Describe(_ context.Context, config models.JSONB, ec *ExecutionContext) (string, time.Duration) {
	return fmt.Sprintf("Add tag %q to %s", configString(config, "tag", ""), subjectLabel(ec)), 50 * time.Millisecond
}

// generate_letter stores a letter rendered from a template, or drafted from ai_prompt when a drafter is configured

type generateLetterAction struct {
	records RecordWriter
	drafter LetterDrafter
	text    *textRenderer
}

func (a *generateLetterAction) Type() models.ActionType { return models.ActionGenerateLetter }
func (a *generateLetterAction) Idempotent() bool        { return false }
func (a *generateLetterAction) ContinueOnError() bool   { return false }

func (a *generateLetterAction) Validate(config models.JSONB) error {
	if err := requireConfig(config, "title"); err != nil {
		return err
	}
	if configString(config, "template", "") == "" && configString(config, "ai_prompt", "") == "" {
		return fmt.Errorf("missing required config: template or ai_prompt")
	}
	return nil
}

func (a *generateLetterAction) Execute(ctx context.Context, config models.JSONB, ec *ExecutionContext) (*ActionResult, error) {
	subjectID, err := requireSubject(ec, a.Type())
	if err != nil {
		return nil, err
	}

	letter := &models.Letter{
		SubjectID: subjectID,
		Title:     a.text.render(ctx, configString(config, "title", ""), ec),
		CreatedAt: ec.Now,
	}

	prompt := configString(config, "ai_prompt", "")
	switch {
	case prompt != "" && a.drafter != nil:
		body, err := a.drafter.DraftLetter(ctx, a.text.render(ctx, prompt, ec), ec.Data())
		if err != nil {
			return nil, fmt.Errorf("failed to draft letter: %w", err)
		}
		letter.Body = body
		letter.Drafted = true
	case configString(config, "template", "") != "":
		letter.Body = a.text.render(ctx, configString(config, "template", ""), ec)
	default:
		return nil, newError(KindActionExecution, "ai_prompt given but no letter drafter is configured")
	}

	id, err := a.records.SaveLetter(ctx, letter)
	if err != nil {
		return nil, fmt.Errorf("failed to save letter: %w", err)
	}
	return succeeded(map[string]interface{}{
		"letter_id": id,
		"title":     letter.Title,
		"drafted":   letter.Drafted,
		"length":    len(letter.Body),
	}), nil
}

func (a *generateLetterAction) Describe(_ context.Context, config models.JSONB, ec *ExecutionContext) (string, time.Duration) {
	title := configString(config, "title", "")
	if configString(config, "ai_prompt", "") != "" && a.drafter != nil {
		return fmt.Sprintf("Draft letter %q for %s with the language model", title, subjectLabel(ec)), 5 * time.Second
	}
	return fmt.Sprintf("Generate letter %q for %s from template", title, subjectLabel(ec)), 200 * time.Millisecond
}

func subjectLabel(ec *ExecutionContext) string {
	if ec.Subject != nil && ec.Subject.Name != "" {
		return fmt.Sprintf("%s (%s)", ec.Subject.Name, ec.Subject.ID)
	}
	if ec.SubjectID != "" {
		return "record " + ec.SubjectID
	}
	return "the subject record"
}

func preview(s string) string {
	const max = 60
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
