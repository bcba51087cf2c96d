package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/database"
)

const ruleColumns = `id, name, description, is_active, is_template, trigger_type, trigger_config,
		       conditions, actions, failure_policy, max_retries, version, created_at, updated_at`

// RuleRepository handles rule database operations
type RuleRepository struct {
	db database.DBTX
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db database.DBTX) *RuleRepository {
	return &RuleRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*models.Rule, error) {
	rule := &models.Rule{}
	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.IsActive, &rule.IsTemplate,
		&rule.TriggerType, &rule.TriggerConfig, &rule.Conditions, &rule.Actions,
		&rule.FailurePolicy, &rule.MaxRetries, &rule.Version,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// Create inserts a new rule, assigning its ID when unset
func (r *RuleRepository) Create(ctx context.Context, rule *models.Rule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.Version == 0 {
		rule.Version = 1
	}

	query := `
		INSERT INTO rules (
			id, name, description, is_active, is_template, trigger_type, trigger_config,
			conditions, actions, failure_policy, max_retries, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(
		ctx, query,
		rule.ID, rule.Name, rule.Description, rule.IsActive, rule.IsTemplate,
		rule.TriggerType, rule.TriggerConfig, rule.Conditions, rule.Actions,
		rule.FailurePolicy, rule.MaxRetries, rule.Version,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}

	return nil
}

// GetRuleByID retrieves a rule by ID. A malformed ID is reported as not found.
func (r *RuleRepository) GetRuleByID(ctx context.Context, id string) (*models.Rule, error) {
	ruleID, err := uuid.Parse(id)
	if err != nil {
		return nil, models.ErrNotFound
	}

	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = $1`
	rule, err := scanRule(r.db.QueryRowContext(ctx, query, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rule, nil
}

// ListActiveRulesByTrigger returns the active, non-template rules for one trigger type
func (r *RuleRepository) ListActiveRulesByTrigger(ctx context.Context, trigger models.TriggerType) ([]*models.Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE trigger_type = $1 AND is_active AND NOT is_template
		ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules for %s: %w", trigger, err)
	}
	defer rows.Close()

	rules := []*models.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}

// List retrieves rules with optional filtering and pagination
func (r *RuleRepository) List(ctx context.Context, filter models.RuleFilter) ([]*models.Rule, int64, error) {
	var trigger *string
	if filter.TriggerType != nil {
		s := string(*filter.TriggerType)
		trigger = &s
	}

	countQuery := `
		SELECT COUNT(*) FROM rules
		WHERE ($1::text IS NULL OR trigger_type = $1)
		  AND ($2::boolean IS NULL OR is_active = $2)
		  AND ($3::boolean IS NULL OR is_template = $3)`

	var total int64
	if err := r.db.QueryRowContext(ctx, countQuery, trigger, filter.Active, filter.Template).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE ($1::text IS NULL OR trigger_type = $1)
		  AND ($2::boolean IS NULL OR is_active = $2)
		  AND ($3::boolean IS NULL OR is_template = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := r.db.QueryContext(ctx, query, trigger, filter.Active, filter.Template, filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	rules := []*models.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, total, nil
}

// Update writes every mutable column of rule
func (r *RuleRepository) Update(ctx context.Context, rule *models.Rule) error {
	query := `
		UPDATE rules
		SET name = $2,
		    description = $3,
		    is_active = $4,
		    is_template = $5,
		    trigger_type = $6,
		    trigger_config = $7,
		    conditions = $8,
		    actions = $9,
		    failure_policy = $10,
		    max_retries = $11,
		    version = $12,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.QueryRowContext(
		ctx, query,
		rule.ID, rule.Name, rule.Description, rule.IsActive, rule.IsTemplate,
		rule.TriggerType, rule.TriggerConfig, rule.Conditions, rule.Actions,
		rule.FailurePolicy, rule.MaxRetries, rule.Version,
	).Scan(&rule.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	return nil
}

// SetActive activates or deactivates a rule. Templates cannot be activated.
func (r *RuleRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `
		UPDATE rules
		SET is_active = $2, updated_at = NOW()
		WHERE id = $1 AND (NOT is_template OR NOT $2)`

	result, err := r.db.ExecContext(ctx, query, id, active)
	if err != nil {
		return fmt.Errorf("failed to set rule active state: %w", err)
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

// Delete deletes a rule. Its executions keep their snapshot.
func (r *RuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
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

// UpsertTemplate inserts or refreshes a template rule keyed by name.
// The version is bumped only when the stored definition differs.
func (r *RuleRepository) UpsertTemplate(ctx context.Context, rule *models.Rule) (*models.Rule, error) {
	query := `
		INSERT INTO rules (
			id, name, description, is_active, is_template, trigger_type, trigger_config,
			conditions, actions, failure_policy, max_retries, version
		) VALUES ($1, $2, $3, FALSE, TRUE, $4, $5, $6, $7, $8, $9, 1)
		ON CONFLICT (name) WHERE is_template DO UPDATE
		SET description = EXCLUDED.description,
		    trigger_type = EXCLUDED.trigger_type,
		    trigger_config = EXCLUDED.trigger_config,
		    conditions = EXCLUDED.conditions,
		    actions = EXCLUDED.actions,
		    failure_policy = EXCLUDED.failure_policy,
		    max_retries = EXCLUDED.max_retries,
		    version = CASE
		        WHEN rules.trigger_type IS DISTINCT FROM EXCLUDED.trigger_type
		          OR rules.trigger_config IS DISTINCT FROM EXCLUDED.trigger_config
		          OR rules.conditions IS DISTINCT FROM EXCLUDED.conditions
		          OR rules.actions IS DISTINCT FROM EXCLUDED.actions
		          OR rules.failure_policy IS DISTINCT FROM EXCLUDED.failure_policy
		          OR rules.max_retries IS DISTINCT FROM EXCLUDED.max_retries
		        THEN rules.version + 1
		        ELSE rules.version
		    END,
		    updated_at = NOW()
		RETURNING ` + ruleColumns

	policy := rule.FailurePolicy
	if policy == "" {
		policy = models.FailurePolicyHalt
	}

	saved, err := scanRule(r.db.QueryRowContext(
		ctx, query,
		uuid.New(), rule.Name, rule.Description, rule.TriggerType, rule.TriggerConfig,
		rule.Conditions, rule.Actions, policy, rule.MaxRetries,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert template %q: %w", rule.Name, err)
	}

	return saved, nil
}
