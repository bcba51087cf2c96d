package engine

import (
	"context"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
)

// RecordReader is the read-only view of business records used by conditions
type RecordReader interface {
	GetSubject(ctx context.Context, subjectID string) (*models.Subject, error)
	CountDocuments(ctx context.Context, subjectID, category string) (int, error)
	MissingRequiredDocuments(ctx context.Context, subjectID string) ([]string, error)
	CountTasks(ctx context.Context, subjectID, status string) (int, error)
	CountOverdueTasks(ctx context.Context, subjectID string, now time.Time) (int, error)
}

// RecordWriter is the narrow write surface used by record actions
type RecordWriter interface {
	CreateNote(ctx context.Context, note *models.Note) (string, error)
	CreateTask(ctx context.Context, task *models.Task) (string, error)
	UpdateStatus(ctx context.Context, subjectID, status string) error
	AddTag(ctx context.Context, subjectID, tag string) error
	SaveLetter(ctx context.Context, letter *models.Letter) (string, error)
}

// Notifier delivers in-app notifications
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
}

// Mailer sends email
type Mailer interface {
	SendEmail(ctx context.Context, to []string, subject, body string) error
}

// SMSSender sends text messages
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// LetterDrafter turns a prompt and record context into letter text
type LetterDrafter interface {
	DraftLetter(ctx context.Context, prompt string, data map[string]interface{}) (string, error)
}

// PlaceholderResolver substitutes ${path} tokens in message bodies
type PlaceholderResolver interface {
	Resolve(ctx context.Context, template string, data map[string]interface{}) (string, error)
}

// FailureNotifier is told when an execution fails for good
type FailureNotifier interface {
	NotifyExecutionFailure(ctx context.Context, exec *models.Execution, reason string) error
}

// RuleRepository is the engine's read access to the rule store
type RuleRepository interface {
	GetRuleByID(ctx context.Context, id string) (*models.Rule, error)
	ListActiveRulesByTrigger(ctx context.Context, trigger models.TriggerType) ([]*models.Rule, error)
}

// ExecutionRepository persists executions and their append-only logs
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, exec *models.Execution) error
	UpdateExecution(ctx context.Context, exec *models.Execution) error
	GetExecutionByID(ctx context.Context, id string) (*models.Execution, error)
	// ClaimExecution performs the conditional transition named by kind and returns the
	// claimed row, or models.ErrConflict when the execution is not in a claimable state.
	ClaimExecution(ctx context.Context, id string, kind models.ClaimKind, now time.Time) (*models.Execution, error)
	// CancelExecution cancels a pending, waiting or retry-scheduled execution outright and
	// flags a running one with cancel_requested. It returns models.ErrConflict for terminal executions.
	CancelExecution(ctx context.Context, id string, now time.Time) (*models.Execution, error)
	// FailStale fails a running execution that has made no progress since cutoff, or a
	// pending one created before cutoff. It returns models.ErrConflict once an owner has
	// claimed or progressed the execution.
	FailStale(ctx context.Context, id string, cutoff, now time.Time, message string) (*models.Execution, error)
	AppendLogEntry(ctx context.Context, entry *models.ExecutionLogEntry) error
	ListLogEntries(ctx context.Context, executionID string) ([]*models.ExecutionLogEntry, error)
}

// ExecutionObserver receives state changes as they are persisted
type ExecutionObserver interface {
	ExecutionUpdated(exec *models.Execution)
	LogEntryAppended(entry *models.ExecutionLogEntry)
}
