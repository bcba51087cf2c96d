package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

const (
	ruleCacheKeyPrefix        = "rule:"
	activeRulesCacheKeyPrefix = "rules:active:"
	defaultRuleCacheTTL       = 5 * time.Minute
)

// ErrTemplateActivation is returned when activating a template rule
var ErrTemplateActivation = errors.New("template rules cannot be activated")

// RuleStore is the persistence the rule service writes through
type RuleStore interface {
	Create(ctx context.Context, rule *models.Rule) error
	GetRuleByID(ctx context.Context, id string) (*models.Rule, error)
	ListActiveRulesByTrigger(ctx context.Context, trigger models.TriggerType) ([]*models.Rule, error)
	List(ctx context.Context, filter models.RuleFilter) ([]*models.Rule, int64, error)
	Update(ctx context.Context, rule *models.Rule) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	Delete(ctx context.Context, id uuid.UUID) error
	UpsertTemplate(ctx context.Context, rule *models.Rule) (*models.Rule, error)
}

// Cache is a JSON key/value cache such as database.RedisClient
type Cache interface {
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
}

// RuleService handles rule business logic. It also serves the engine's rule reads
// through the cache.
type RuleService struct {
	ruleRepo  RuleStore
	schedules *ScheduleService
	validator *engine.RuleValidator
	cache     Cache
	cacheTTL  time.Duration
	logger    *logger.Logger
}

// NewRuleService creates a new rule service. cache and schedules may be nil.
func NewRuleService(
	ruleRepo RuleStore,
	validator *engine.RuleValidator,
	schedules *ScheduleService,
	cache Cache,
	cacheTTL time.Duration,
	log *logger.Logger,
) *RuleService {
	if cacheTTL <= 0 {
		cacheTTL = defaultRuleCacheTTL
	}
	return &RuleService{
		ruleRepo:  ruleRepo,
		schedules: schedules,
		validator: validator,
		cache:     cache,
		cacheTTL:  cacheTTL,
		logger:    log,
	}
}

// Create validates and stores a new rule
func (s *RuleService) Create(ctx context.Context, req *models.CreateRuleRequest) (*models.Rule, error) {
	rule := req.ToRule()
	if err := s.validator.Validate(rule); err != nil {
		return nil, err
	}

	if err := s.ruleRepo.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	s.invalidate(ctx, rule)
	if err := s.syncSchedule(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.Info("Rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("trigger_type", string(rule.TriggerType)),
	)
	return rule, nil
}

// Get retrieves a rule, bypassing the cache
func (s *RuleService) Get(ctx context.Context, id string) (*models.Rule, error) {
	return s.ruleRepo.GetRuleByID(ctx, id)
}

// GetRuleByID retrieves a rule through the cache
func (s *RuleService) GetRuleByID(ctx context.Context, id string) (*models.Rule, error) {
	if s.cache != nil {
		var cached models.Rule
		if err := s.cache.GetJSON(ctx, ruleCacheKeyPrefix+id, &cached); err == nil {
			return &cached, nil
		}
	}

	rule, err := s.ruleRepo.GetRuleByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, ruleCacheKeyPrefix+id, rule, s.cacheTTL); err != nil {
			s.logger.Warn("Failed to cache rule", zap.Error(err), zap.String("rule_id", id))
		}
	}
	return rule, nil
}

// ListActiveRulesByTrigger returns the rules a trigger type fires, through the cache
func (s *RuleService) ListActiveRulesByTrigger(ctx context.Context, trigger models.TriggerType) ([]*models.Rule, error) {
	key := activeRulesCacheKeyPrefix + string(trigger)
	if s.cache != nil {
		var cached []*models.Rule
		if err := s.cache.GetJSON(ctx, key, &cached); err == nil {
			return cached, nil
		}
	}

	rules, err := s.ruleRepo.ListActiveRulesByTrigger(ctx, trigger)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, rules, s.cacheTTL); err != nil {
			s.logger.Warn("Failed to cache active rules", zap.Error(err), zap.String("trigger_type", string(trigger)))
		}
	}
	return rules, nil
}

// List retrieves rules with optional filtering and pagination
func (s *RuleService) List(ctx context.Context, filter models.RuleFilter) ([]*models.Rule, int64, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.ruleRepo.List(ctx, filter)
}

// Update applies a partial update. The version is bumped when the executable
// definition changes; running executions keep the snapshot they started with.
func (s *RuleService) Update(ctx context.Context, id string, req *models.UpdateRuleRequest) (*models.Rule, error) {
	rule, err := s.ruleRepo.GetRuleByID(ctx, id)
	if err != nil {
		return nil, err
	}
	before := rule.TriggerType

	changed := req.Apply(rule)
	if err := s.validator.Validate(rule); err != nil {
		return nil, err
	}

	if err := s.ruleRepo.Update(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}

	s.invalidate(ctx, rule, before)
	if err := s.syncSchedule(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.Info("Rule updated",
		zap.String("rule_id", rule.ID.String()),
		zap.Int("version", rule.Version),
		zap.Bool("definition_changed", changed),
	)
	return rule, nil
}

// SetActive activates or deactivates a rule
func (s *RuleService) SetActive(ctx context.Context, id string, active bool) (*models.Rule, error) {
	rule, err := s.ruleRepo.GetRuleByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if active && rule.IsTemplate {
		return nil, ErrTemplateActivation
	}

	if err := s.ruleRepo.SetActive(ctx, rule.ID, active); err != nil {
		return nil, fmt.Errorf("failed to set rule state: %w", err)
	}
	rule.IsActive = active

	s.invalidate(ctx, rule)
	if err := s.syncSchedule(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.Info("Rule state changed", zap.String("rule_id", rule.ID.String()), zap.Bool("active", active))
	return rule, nil
}

// Delete deletes a rule. Past executions keep their snapshot.
func (s *RuleService) Delete(ctx context.Context, id string) error {
	rule, err := s.ruleRepo.GetRuleByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.ruleRepo.Delete(ctx, rule.ID); err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	s.invalidate(ctx, rule)
	s.logger.Info("Rule deleted", zap.String("rule_id", rule.ID.String()))
	return nil
}

// ImportTemplate stores rule as an inactive template keyed by name
func (s *RuleService) ImportTemplate(ctx context.Context, rule *models.Rule) (*models.Rule, error) {
	rule.IsTemplate = true
	rule.IsActive = false
	if err := s.validator.Validate(rule); err != nil {
		return nil, err
	}

	saved, err := s.ruleRepo.UpsertTemplate(ctx, rule)
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, saved)
	s.logger.Debugf("Template %q stored at version %d", saved.Name, saved.Version)
	return saved, nil
}

// Instantiate copies a template into a new active rule named name
func (s *RuleService) Instantiate(ctx context.Context, templateID, name string) (*models.Rule, error) {
	tmpl, err := s.ruleRepo.GetRuleByID(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.IsTemplate {
		return nil, fmt.Errorf("rule %s is not a template", templateID)
	}

	rule := tmpl.Clone()
	rule.ID = uuid.Nil
	rule.IsTemplate = false
	rule.IsActive = true
	rule.Version = 1
	if name != "" {
		rule.Name = name
	}
	if err := s.validator.Validate(rule); err != nil {
		return nil, err
	}

	if err := s.ruleRepo.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to create rule from template: %w", err)
	}

	s.invalidate(ctx, rule)
	if err := s.syncSchedule(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.Info("Rule created from template",
		zap.String("rule_id", rule.ID.String()),
		zap.String("template_id", templateID),
	)
	return rule, nil
}

func (s *RuleService) syncSchedule(ctx context.Context, rule *models.Rule) error {
	if s.schedules == nil {
		return nil
	}
	if err := s.schedules.Sync(ctx, rule); err != nil {
		return fmt.Errorf("rule %s saved but its schedule was not: %w", rule.ID, err)
	}
	return nil
}

// invalidate drops the cached rule and the active lists of its current and previous trigger types
func (s *RuleService) invalidate(ctx context.Context, rule *models.Rule, previous ...models.TriggerType) {
	if s.cache == nil {
		return
	}
	keys := []string{
		ruleCacheKeyPrefix + rule.ID.String(),
		activeRulesCacheKeyPrefix + string(rule.TriggerType),
	}
	for _, t := range previous {
		if t != rule.TriggerType {
			keys = append(keys, activeRulesCacheKeyPrefix+string(t))
		}
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("Failed to invalidate rule cache", zap.Error(err), zap.String("rule_id", rule.ID.String()))
	}
}
