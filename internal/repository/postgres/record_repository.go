package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/database"
)

// RecordRepository reads and writes the business records rules act on
type RecordRepository struct {
	db database.DBTX
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(db database.DBTX) *RecordRepository {
	return &RecordRepository{db: db}
}

const subjectColumns = `id, name, status, email, phone, owner_id, tags, attributes, created_at, last_activity_at`

func scanSubject(row rowScanner) (*models.Subject, error) {
	s := &models.Subject{}
	var attrs models.JSONB
	err := row.Scan(
		&s.ID, &s.Name, &s.Status, &s.Email, &s.Phone, &s.OwnerID,
		pq.Array(&s.Tags), &attrs, &s.CreatedAt, &s.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	s.Attributes = attrs
	if s.Tags == nil {
		s.Tags = []string{}
	}
	return s, nil
}

// GetSubject loads the current snapshot of a subject
func (r *RecordRepository) GetSubject(ctx context.Context, subjectID string) (*models.Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE id = $1`
	s, err := scanSubject(r.db.QueryRowContext(ctx, query, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subject: %w", err)
	}
	return s, nil
}

// UpsertSubject inserts or replaces a subject
func (r *RecordRepository) UpsertSubject(ctx context.Context, s *models.Subject) error {
	query := `
		INSERT INTO subjects (id, name, status, email, phone, owner_id, tags, attributes, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()), $10)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    status = EXCLUDED.status,
		    email = EXCLUDED.email,
		    phone = EXCLUDED.phone,
		    owner_id = EXCLUDED.owner_id,
		    tags = EXCLUDED.tags,
		    attributes = EXCLUDED.attributes,
		    last_activity_at = EXCLUDED.last_activity_at`

	var createdAt *time.Time
	if !s.CreatedAt.IsZero() {
		createdAt = &s.CreatedAt
	}
	tags := s.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err := r.db.ExecContext(
		ctx, query,
		s.ID, s.Name, s.Status, s.Email, s.Phone, s.OwnerID,
		pq.Array(tags), models.JSONB(s.Attributes), createdAt, s.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subject: %w", err)
	}
	return nil
}

// ListInactiveSubjects returns subjects with no activity since cutoff.
// Subjects that never had activity count from their creation time.
func (r *RecordRepository) ListInactiveSubjects(ctx context.Context, cutoff time.Time, limit int) ([]*models.Subject, error) {
	query := `
		SELECT ` + subjectColumns + `
		FROM subjects
		WHERE COALESCE(last_activity_at, created_at) < $1
		ORDER BY COALESCE(last_activity_at, created_at) ASC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list inactive subjects: %w", err)
	}
	defer rows.Close()

	var subjects []*models.Subject
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subjects = append(subjects, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subjects: %w", err)
	}
	return subjects, nil
}

// CountDocuments counts a subject's documents, optionally in one category
func (r *RecordRepository) CountDocuments(ctx context.Context, subjectID, category string) (int, error) {
	query := `
		SELECT COUNT(*) FROM documents
		WHERE subject_id = $1 AND ($2 = '' OR category = $2)`

	var n int
	if err := r.db.QueryRowContext(ctx, query, subjectID, category).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// MissingRequiredDocuments lists the required categories the subject holds no document for
func (r *RecordRepository) MissingRequiredDocuments(ctx context.Context, subjectID string) ([]string, error) {
	query := `
		SELECT rd.category
		FROM required_documents rd
		JOIN subjects s ON s.id = $1
		WHERE (rd.subject_status IS NULL OR rd.subject_status = s.status)
		  AND NOT EXISTS (
		      SELECT 1 FROM documents d WHERE d.subject_id = s.id AND d.category = rd.category
		  )
		ORDER BY rd.category`

	rows, err := r.db.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list missing documents: %w", err)
	}
	defer rows.Close()

	missing := []string{}
	for rows.Next() {
		var category string
		if err := rows.Scan(&category); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		missing = append(missing, category)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating categories: %w", err)
	}
	return missing, nil
}

// CountTasks counts a subject's tasks, optionally in one status
func (r *RecordRepository) CountTasks(ctx context.Context, subjectID, status string) (int, error) {
	query := `
		SELECT COUNT(*) FROM tasks
		WHERE subject_id = $1 AND ($2 = '' OR status = $2)`

	var n int
	if err := r.db.QueryRowContext(ctx, query, subjectID, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// CountOverdueTasks counts open tasks due before now
func (r *RecordRepository) CountOverdueTasks(ctx context.Context, subjectID string, now time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM tasks
		WHERE subject_id = $1 AND status <> 'completed' AND due_at IS NOT NULL AND due_at < $2`

	var n int
	if err := r.db.QueryRowContext(ctx, query, subjectID, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count overdue tasks: %w", err)
	}
	return n, nil
}

// CreateNote inserts a note and returns its ID
func (r *RecordRepository) CreateNote(ctx context.Context, note *models.Note) (string, error) {
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	query := `
		INSERT INTO notes (id, subject_id, body, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := r.db.ExecContext(ctx, query, note.ID, note.SubjectID, note.Body, note.CreatedBy, note.CreatedAt); err != nil {
		return "", fmt.Errorf("failed to create note: %w", err)
	}
	return note.ID, nil
}

// CreateTask inserts a task and returns its ID
func (r *RecordRepository) CreateTask(ctx context.Context, task *models.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	query := `
		INSERT INTO tasks (id, subject_id, title, description, assignee_id, priority, status, due_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(
		ctx, query,
		task.ID, task.SubjectID, task.Title, task.Description, task.AssigneeID,
		task.Priority, task.Status, task.DueAt, task.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	return task.ID, nil
}

// UpdateStatus sets a subject's status
func (r *RecordRepository) UpdateStatus(ctx context.Context, subjectID, status string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE subjects SET status = $2 WHERE id = $1`, subjectID, status)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrNotFound
	}
	return nil
}

// AddTag adds tag to the subject's tag set. Adding a tag that is already present is a no-op.
func (r *RecordRepository) AddTag(ctx context.Context, subjectID, tag string) error {
	query := `
		UPDATE subjects
		SET tags = CASE WHEN $2 = ANY(tags) THEN tags ELSE array_append(tags, $2) END
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, subjectID, tag)
	if err != nil {
		return fmt.Errorf("failed to add tag: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SaveLetter stores a generated letter and returns its ID
func (r *RecordRepository) SaveLetter(ctx context.Context, letter *models.Letter) (string, error) {
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	query := `
		INSERT INTO letters (id, subject_id, title, body, drafted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query, letter.ID, letter.SubjectID, letter.Title, letter.Body, letter.Drafted, letter.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to save letter: %w", err)
	}
	return letter.ID, nil
}

// CreateNotification stores an in-app notification
func (r *RecordRepository) CreateNotification(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (id, recipient_id, title, message, subject_id, level)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`

	level := n.Level
	if level == "" {
		level = "info"
	}
	_, err := r.db.ExecContext(ctx, query, uuid.New(), n.RecipientID, n.Title, n.Message, n.SubjectID, level)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}
