package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// ErrCollaboratorUnavailable is returned by actions whose delivery channel is not configured
var ErrCollaboratorUnavailable = errors.New("collaborator not configured")

// Collaborators are the outside services the built-in actions write through
type Collaborators struct {
	Records        RecordWriter
	Notifier       Notifier
	Mailer         Mailer
	SMS            SMSSender
	Drafter        LetterDrafter
	Placeholders   PlaceholderResolver
	HTTPClient     *http.Client
	WebhookTimeout time.Duration
}

// NewBuiltinRegistry registers a handler for every built-in action type
func NewBuiltinRegistry(evaluator *Evaluator, c Collaborators, clock Clock, log *logger.Logger) *ActionRegistry {
	if clock == nil {
		clock = RealClock()
	}
	if c.Records == nil {
		c.Records = unavailable{}
	}
	if c.Notifier == nil {
		c.Notifier = unavailable{}
	}
	if c.Mailer == nil {
		c.Mailer = unavailable{}
	}
	if c.SMS == nil {
		c.SMS = unavailable{}
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}

	text := &textRenderer{resolver: c.Placeholders, logger: log}
	reg := NewActionRegistry()
	reg.Register(&createNoteAction{records: c.Records, text: text})
	reg.Register(&createTaskAction{records: c.Records, text: text})
	reg.Register(&updateStatusAction{records: c.Records})
	reg.Register(&addTagAction{records: c.Records})
	reg.Register(&generateLetterAction{records: c.Records, drafter: c.Drafter, text: text})
	reg.Register(&sendNotificationAction{notifier: c.Notifier, text: text})
	reg.Register(&sendEmailAction{mailer: c.Mailer, text: text})
	reg.Register(&sendSMSAction{sms: c.SMS, text: text})
	reg.Register(&callWebhookAction{client: c.HTTPClient, defaultTimeout: c.WebhookTimeout, clock: clock, text: text})
	reg.Register(&waitAction{clock: clock})
	reg.Register(&conditionalBranchAction{evaluator: evaluator, registry: reg})
	return reg
}

type unavailable struct{}

func (unavailable) CreateNote(context.Context, *models.Note) (string, error) {
	return "", ErrCollaboratorUnavailable
}

func (unavailable) CreateTask(context.Context, *models.Task) (string, error) {
	return "", ErrCollaboratorUnavailable
}

func (unavailable) UpdateStatus(context.Context, string, string) error {
	return ErrCollaboratorUnavailable
}

func (unavailable) AddTag(context.Context, string, string) error {
	return ErrCollaboratorUnavailable
}

func (unavailable) SaveLetter(context.Context, *models.Letter) (string, error) {
	return "", ErrCollaboratorUnavailable
}

func (unavailable) Notify(context.Context, *models.Notification) error {
	return ErrCollaboratorUnavailable
}

func (unavailable) SendEmail(context.Context, []string, string, string) error {
	return ErrCollaboratorUnavailable
}

func (unavailable) SendSMS(context.Context, string, string) error {
	return ErrCollaboratorUnavailable
}
