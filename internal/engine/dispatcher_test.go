package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

func (h *harness) addRule(rule *models.Rule) *models.Rule {
	h.rules.mu.Lock()
	defer h.rules.mu.Unlock()
	h.rules.rules[rule.ID.String()] = rule
	return rule
}

func (h *harness) dispatcher(opts DispatcherOptions) *Dispatcher {
	return NewDispatcher(h.rules, h.coordinator, h.clock, opts, logger.NewForTesting())
}

func shutdown(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
}

func webhookRule(secret string) *models.Rule {
	rule := &models.Rule{
		ID:          uuid.New(),
		Name:        "Intake form",
		IsActive:    true,
		TriggerType: models.TriggerWebhook,
		Actions: models.ActionList{
			action(models.ActionCreateNote, models.JSONB{"body": "Form received for ${payload.amount}"}),
		},
		Version: 1,
	}
	if secret != "" {
		rule.TriggerConfig = models.JSONB{"secret": secret}
	}
	return rule
}

func TestDispatchFansOutToActiveRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(testSubject())
	first := h.addRule(statusRule(action(models.ActionAddTag, models.JSONB{"tag": "one"})))
	second := h.addRule(statusRule(action(models.ActionAddTag, models.JSONB{"tag": "two"})))

	inactive := statusRule(action(models.ActionAddTag, models.JSONB{"tag": "inactive"}))
	inactive.IsActive = false
	h.addRule(inactive)
	template := statusRule(action(models.ActionAddTag, models.JSONB{"tag": "template"}))
	template.IsTemplate = true
	h.addRule(template)
	other := statusRule(action(models.ActionAddTag, models.JSONB{"tag": "other"}))
	other.TriggerType = models.TriggerRecordCreated
	h.addRule(other)

	d := h.dispatcher(DispatcherOptions{Workers: 2, QueueSize: 8})
	res, err := d.Dispatch(ctx, statusEvent("ACTIVE"))
	require.NoError(t, err)
	shutdown(t, d)

	assert.Equal(t, models.TriggerStatusChanged, res.EventType)
	assert.Equal(t, 2, res.MatchedRules)
	require.Len(t, res.ExecutionIDs, 2)
	for _, id := range res.ExecutionIDs {
		exec := h.executions.get(id)
		require.NotNil(t, exec)
		assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
		assert.Contains(t, []uuid.UUID{first.ID, second.ID}, exec.RuleID)
	}
	assert.ElementsMatch(t, []string{"one", "two"}, h.records.tags["sub-1"])
}

func TestDispatchRejectsUnknownTrigger(t *testing.T) {
	h := newHarness()
	d := h.dispatcher(DispatcherOptions{})
	defer shutdown(t, d)

	_, err := d.Dispatch(context.Background(), models.TriggerEvent{Type: "record_exploded"})
	assert.Error(t, err)
}

func TestDispatchWithNoMatchingRules(t *testing.T) {
	h := newHarness()
	d := h.dispatcher(DispatcherOptions{})
	defer shutdown(t, d)

	res, err := d.Dispatch(context.Background(), statusEvent("ACTIVE"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.MatchedRules)
	assert.Empty(t, res.ExecutionIDs)
}

func TestHandleWebhook(t *testing.T) {
	ctx := context.Background()
	body := []byte(`{"subject_id":"sub-1","actor_id":"user-9","amount":250}`)

	t.Run("valid signature starts one execution", func(t *testing.T) {
		h := newHarness(testSubject())
		rule := h.addRule(webhookRule("s3cret"))
		d := h.dispatcher(DispatcherOptions{})

		exec, err := d.HandleWebhook(ctx, rule.ID.String(), body, "sha256="+ComputeSignature(body, "s3cret"))
		require.NoError(t, err)
		shutdown(t, d)

		stored := h.executions.get(exec.ID.String())
		assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
		assert.Equal(t, models.TriggerWebhook, stored.TriggerType)
		assert.Equal(t, "sub-1", stored.Subject())
		assert.Equal(t, "user-9", stored.Actor())
		assert.EqualValues(t, 250, stored.TriggerPayload["amount"])
		require.Equal(t, 1, h.records.noteCount())
		assert.Equal(t, "Form received for 250", h.records.notes[0].Body)
	})

	t.Run("rejections", func(t *testing.T) {
		h := newHarness(testSubject())
		rule := h.addRule(webhookRule("s3cret"))
		inactive := webhookRule("s3cret")
		inactive.IsActive = false
		h.addRule(inactive)
		manual := statusRule(action(models.ActionAddTag, models.JSONB{"tag": "x"}))
		manual.TriggerType = models.TriggerManual
		h.addRule(manual)
		open := h.addRule(webhookRule(""))

		d := h.dispatcher(DispatcherOptions{})
		defer shutdown(t, d)
		sig := ComputeSignature(body, "s3cret")

		_, err := d.HandleWebhook(ctx, rule.ID.String(), body, "")
		assert.Equal(t, KindSignatureVerification, KindOf(err))

		_, err = d.HandleWebhook(ctx, rule.ID.String(), body, ComputeSignature(body, "wrong"))
		assert.ErrorIs(t, err, ErrSignatureVerification)

		_, err = d.HandleWebhook(ctx, rule.ID.String(), []byte(`{"amount":9999}`), sig)
		assert.ErrorIs(t, err, ErrSignatureVerification, "signature covers the exact body")

		_, err = d.HandleWebhook(ctx, uuid.NewString(), body, sig)
		assert.ErrorIs(t, err, ErrRuleNotFound)
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = d.HandleWebhook(ctx, inactive.ID.String(), body, sig)
		assert.ErrorIs(t, err, ErrRuleInactive)

		_, err = d.HandleWebhook(ctx, manual.ID.String(), body, "")
		assert.ErrorIs(t, err, ErrWrongTriggerType)

		_, err = d.HandleWebhook(ctx, open.ID.String(), []byte(`{not json`), "")
		assert.ErrorIs(t, err, ErrInvalidPayload)

		assert.Equal(t, 0, len(h.executions.execs))
	})

	t.Run("non-object body is wrapped", func(t *testing.T) {
		h := newHarness()
		rule := webhookRule("")
		rule.Actions = models.ActionList{action(models.ActionWait, models.JSONB{"delay_seconds": 10})}
		h.addRule(rule)
		d := h.dispatcher(DispatcherOptions{})

		exec, err := d.HandleWebhook(ctx, rule.ID.String(), []byte(`[1,2,3]`), "")
		require.NoError(t, err)
		shutdown(t, d)
		assert.Equal(t, []interface{}{1.0, 2.0, 3.0}, exec.TriggerPayload["body"])
	})
}

func TestExecuteManually(t *testing.T) {
	ctx := context.Background()
	h := newHarness(testSubject())
	rule := h.addRule(statusRule(action(models.ActionAddTag, models.JSONB{"tag": "manual"})))
	rule.Conditions = nil
	d := h.dispatcher(DispatcherOptions{})

	exec, err := d.ExecuteManually(ctx, rule.ID.String(), SampleContext{
		SubjectID: "sub-1",
		ActorID:   "user-actor",
		Payload:   map[string]interface{}{"reason": "requested by client"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TriggerManual, exec.TriggerType)
	shutdown(t, d)

	stored := h.executions.get(exec.ID.String())
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, []string{"manual"}, h.records.tags["sub-1"])

	_, err = d.ExecuteManually(ctx, uuid.NewString(), SampleContext{})
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestDispatchQueueFull(t *testing.T) {
	ctx := context.Background()
	h := newHarness(testSubject())
	rule := statusRule(action(models.ActionCreateNote, models.JSONB{"body": "slow"}))
	rule.Conditions = nil

	started := make(chan struct{}, 3)
	release := make(chan struct{})
	h.records.createNoteFunc = func(context.Context, *models.Note) (string, error) {
		started <- struct{}{}
		<-release
		return "note", nil
	}

	d := h.dispatcher(DispatcherOptions{Workers: 1, QueueSize: 1})
	running, err := d.DispatchToRule(ctx, rule, statusEvent("ACTIVE"))
	require.NoError(t, err)
	<-started

	queued, err := d.DispatchToRule(ctx, rule, statusEvent("ACTIVE"))
	require.NoError(t, err)
	dropped, err := d.DispatchToRule(ctx, rule, statusEvent("ACTIVE"))
	require.NoError(t, err)

	dropState := h.executions.get(dropped.ID.String())
	assert.Equal(t, models.ExecutionStatusFailed, dropState.Status)
	require.NotNil(t, dropState.ErrorMessage)
	assert.Contains(t, *dropState.ErrorMessage, ErrQueueFull.Error())
	assert.Nil(t, dropState.NextRetryAt)

	close(release)
	shutdown(t, d)
	assert.Equal(t, models.ExecutionStatusCompleted, h.executions.get(running.ID.String()).Status)
	assert.Equal(t, models.ExecutionStatusCompleted, h.executions.get(queued.ID.String()).Status)
}

func TestDispatchPanicFailsFromStoredRow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(testSubject())
	h.addRule(statusRule(
		action(models.ActionAddTag, models.JSONB{"tag": "welcomed"}),
		action(models.ActionCreateNote, models.JSONB{"body": "hello"}),
	))
	appended := 0
	h.executions.appendLogFunc = func(*models.ExecutionLogEntry) error {
		appended++
		if appended == 2 {
			panic("log store corrupted")
		}
		return nil
	}

	d := h.dispatcher(DispatcherOptions{Workers: 1, QueueSize: 4})
	res, err := d.Dispatch(ctx, statusEvent("ACTIVE"))
	require.NoError(t, err)
	shutdown(t, d)

	require.Len(t, res.ExecutionIDs, 1)
	exec := h.executions.get(res.ExecutionIDs[0])
	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, 1, exec.CurrentStep, "progress made before the panic is kept")
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.ErrorMessage)
	assert.Contains(t, *exec.ErrorMessage, "log store corrupted")
	assert.Nil(t, exec.NextRetryAt)
	assert.Equal(t, 1, h.failures.count())
}

func TestDispatcherAfterShutdown(t *testing.T) {
	h := newHarness(testSubject())
	rule := statusRule(action(models.ActionAddTag, models.JSONB{"tag": "late"}))
	d := h.dispatcher(DispatcherOptions{})
	shutdown(t, d)
	shutdown(t, d)

	exec, err := d.DispatchToRule(context.Background(), rule, statusEvent("ACTIVE"))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, h.executions.get(exec.ID.String()).Status)
	assert.Empty(t, h.records.tags["sub-1"])
}

func TestDispatcherRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(testSubject())
	failingNotes(h, 1)
	exec := h.run(statusRule(action(models.ActionCreateNote, models.JSONB{"body": "hello"})), statusEvent("ACTIVE"))
	require.Equal(t, models.ExecutionStatusFailed, exec.Status)

	d := h.dispatcher(DispatcherOptions{})
	claimed, err := d.Retry(ctx, exec.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.RetryCount)
	shutdown(t, d)

	assert.Equal(t, models.ExecutionStatusCompleted, h.executions.get(exec.ID.String()).Status)
}

func TestDispatcherResumesDueWaits(t *testing.T) {
	h := newHarness(testSubject())
	exec := h.run(statusRule(
		action(models.ActionWait, models.JSONB{"delay_minutes": 10}),
		action(models.ActionAddTag, models.JSONB{"tag": "resumed"}),
	), statusEvent("ACTIVE"))
	require.True(t, exec.IsWaiting())

	h.clock.Advance(10 * time.Minute)
	d := h.dispatcher(DispatcherOptions{})
	require.NoError(t, d.Resume(exec))
	shutdown(t, d)

	assert.Equal(t, models.ExecutionStatusCompleted, h.executions.get(exec.ID.String()).Status)
	assert.Equal(t, []string{"resumed"}, h.records.tags["sub-1"])
}

func TestDispatchInactivity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(testSubject(), &models.Subject{ID: "sub-2", Name: "Sam"})
	rule := &models.Rule{
		ID:            uuid.New(),
		Name:          "Nudge stale clients",
		IsActive:      true,
		TriggerType:   models.TriggerScheduledInactivity,
		TriggerConfig: models.JSONB{"inactivity_days": 30},
		Actions:       models.ActionList{action(models.ActionAddTag, models.JSONB{"tag": "stale"})},
	}
	last := testNow.Add(-40 * 24 * time.Hour)
	d := h.dispatcher(DispatcherOptions{})

	n, err := d.DispatchInactivity(ctx, rule, []InactiveSubject{
		{SubjectID: "sub-1", LastActivityAt: &last},
		{SubjectID: "sub-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	shutdown(t, d)

	assert.Equal(t, []string{"stale"}, h.records.tags["sub-1"])
	assert.Equal(t, []string{"stale"}, h.records.tags["sub-2"])

	_, err = d.DispatchInactivity(ctx, statusRule(), nil)
	assert.ErrorIs(t, err, ErrWrongTriggerType)
}
