package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
)

// send_notification delivers an in-app notification. It is the only type that
// continues on error by default: a missed notification should not halt a rule.

type sendNotificationAction struct {
	notifier Notifier
	text     *textRenderer
}

func (a *sendNotificationAction) Type() models.ActionType { return models.ActionSendNotification }
func (a *sendNotificationAction) Idempotent() bool        { return false }
func (a *sendNotificationAction) ContinueOnError() bool   { return true }

func (a *sendNotificationAction) Validate(config models.JSONB) error {
	if err := requireConfig(config, "message"); err != nil {
		return err
	}
	switch configString(config, "level", "info") {
	case "info", "warning", "critical":
		return nil
	}
	return fmt.Errorf("level must be info, warning or critical")
}

func (a *sendNotificationAction) Execute(ctx context.Context, config models.JSONB, ec *ExecutionContext) (*ActionResult, error) {
	recipient := a.recipient(config, ec)
	if recipient == "" {
		return nil, newError(KindActionValidation, "notification has no recipient")
	}
	n := &models.Notification{
		RecipientID: recipient,
		Title:       a.text.render(ctx, configString(config, "title", ec.RuleName), ec),
		Message:     a.text.render(ctx, configString(config, "message", ""), ec),
		SubjectID:   ec.SubjectID,
		Level:       configString(config, "level", "info"),
	}
	if err := a.notifier.Notify(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to send notification: %w", err)
	}
	return succeeded(map[string]interface{}{"recipient_id": recipient, "title": n.Title}), nil
}

func (a *sendNotificationAction) recipient(config models.JSONB, ec *ExecutionContext) string {
	switch v := configString(config, "recipient_id", "owner"); v {
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

func (a *sendNotificationAction) Describe(_ context.Context, config models.JSONB, ec *ExecutionContext) (string, time.Duration) {
	who := configString(config, "recipient_id", "owner")
	if r := a.recipient(config, ec); r != "" && r != who {
		who = fmt.Sprintf("%s (%s)", who, r)
	}
	return fmt.Sprintf("Notify %s: %q", who, preview(configString(config, "message", ""))), 100 * time.Millisecond
}

// send_email

type sendEmailAction struct {
	mailer Mailer
	text   *textRenderer
}

func (a *sendEmailAction) Type() models.ActionType { return models.ActionSendEmail }
func (a *sendEmailAction) Idempotent() bool        { return false }
func (a *sendEmailAction) ContinueOnError() bool   { return false }

func (a *sendEmailAction) Validate(config models.JSONB) error {
	return requireConfig(config, "subject", "body")
}

func (a *sendEmailAction) Execute(ctx context.Context, config models.JSONB, ec *ExecutionContext) (*ActionResult, error) {
	to := a.recipients(config, ec)
	if len(to) == 0 {
		return nil, newError(KindActionValidation, "email has no recipients")
	}
	subject := a.text.render(ctx, configString(config, "subject", ""), ec)
	body := a.text.render(ctx, configString(config, "body", ""), ec)
	if err := a.mailer.SendEmail(ctx, to, subject, body); err != nil {
		return nil, fmt.Errorf("failed to send email: %w", err)
	}
	return succeeded(map[string]interface{}{"to": to, "subject": subject}), nil
}

// recipients expands "subject" to the subject's email address
func (a *sendEmailAction) recipients(config models.JSONB, ec *ExecutionContext) []string {
	list := configStrings(config, "to")
	if len(list) == 0 {
		list = []string{"subject"}
	}
	out := make([]string, 0, len(list))
	for _, r := range list {
		if r == "subject" {
			if ec.Subject != nil && ec.Subject.Email != "" {
				out = append(out, ec.Subject.Email)
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func (a *sendEmailAction) Describe(_ context.Context, config models.JSONB, ec *ExecutionContext) (string, time.Duration) {
	to := a.recipients(config, ec)
	target := strings.Join(to, ", ")
	if target == "" {
		target = "the subject's email address"
	}
	return fmt.Sprintf("Send email %q to %s", configString(config, "subject", ""), target), 500 * time.Millisecond
}

// send_sms

type sendSMSAction struct {
	sms  SMSSender
	text *textRenderer
}

func (a *sendSMSAction) Type() models.ActionType { return models.ActionSendSMS }
func (a *sendSMSAction) Idempotent() bool        { return false }
func (a *sendSMSAction) ContinueOnError() bool   { return false }

func (a *sendSMSAction) Validate(config models.JSONB) error {
	if err := requireConfig(config, "message"); err != nil {
		return err
	}
	if len(configString(config, "message", "")) > 1600 {
		return fmt.Errorf("message exceeds 1600 characters")
	}
	return nil
}

func (a *sendSMSAction) Execute(ctx context.Context, config models.JSONB, ec *ExecutionContext) (*ActionResult, error) {
	to := a.number(config, ec)
	if to == "" {
		return nil, newError(KindActionValidation, "sms has no phone number")
	}
	body := a.text.render(ctx, configString(config, "message", ""), ec)
	if err := a.sms.SendSMS(ctx, to, body); err != nil {
		return nil, fmt.Errorf("failed to send sms: %w", err)
	}
	return succeeded(map[string]interface{}{"to": to, "length": len(body)}), nil
}

func (a *sendSMSAction) number(config models.JSONB, ec *ExecutionContext) string {
	to := configString(config, "to", "subject")
	if to != "subject" {
		return to
	}
	if ec.Subject != nil {
		return ec.Subject.Phone
	}
	return ""
}

func (a *sendSMSAction) Describe(_ context.Context, config models.JSONB, ec *ExecutionContext) (string, time.Duration) {
	to := a.number(config, ec)
	if to == "" {
		to = "the subject's phone"
	}
	return fmt.Sprintf("Send SMS to %s: %q", to, preview(configString(config, "message", ""))), 500 * time.Millisecond
}
