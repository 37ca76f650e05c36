package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/pkg/database"
	"github.com/pulsecrm/automation-engine/pkg/logger"
)

const (
	ruleCacheKeyPrefix = "rule:"
	ruleCacheTTL       = 5 * time.Minute
)

// RuleRepository defines the interface for rule persistence
type RuleRepository interface {
	Create(ctx context.Context, rule *models.AutomationRule) error
	GetByID(ctx context.Context, organizationID, id uuid.UUID) (*models.AutomationRule, error)
	List(ctx context.Context, organizationID uuid.UUID, status *models.RuleStatus, enabled *bool, limit, offset int) ([]*models.AutomationRule, int64, error)
	Update(ctx context.Context, rule *models.AutomationRule) error
	UpdateStatus(ctx context.Context, organizationID, id uuid.UUID, status models.RuleStatus, enabled bool, archivedAt *time.Time) error
}

// RuleService handles rule lifecycle business logic
type RuleService struct {
	ruleRepo RuleRepository
	redis    *database.RedisClient
	audit    *AuditService
	validate *validator.Validate
	logger   *logger.Logger
}

// NewRuleService creates a new rule service
func NewRuleService(ruleRepo RuleRepository, redis *database.RedisClient, audit *AuditService, log *logger.Logger) *RuleService {
	return &RuleService{
		ruleRepo: ruleRepo,
		redis:    redis,
		audit:    audit,
		validate: validator.New(),
		logger:   log,
	}
}

// Create creates a new rule in draft status
func (s *RuleService) Create(ctx context.Context, organizationID uuid.UUID, userID *uuid.UUID, req *models.CreateRuleRequest) (*models.AutomationRule, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid rule request: %w", err)
	}
	if err := validateConditions(req.Conditions); err != nil {
		return nil, err
	}

	conditionLogic := req.ConditionLogic
	if conditionLogic == "" {
		conditionLogic = models.ConditionLogicAnd
	}

	now := time.Now()
	rule := &models.AutomationRule{
		ID:                  uuid.New(),
		OrganizationID:      organizationID,
		CreatedBy:           userID,
		Name:                req.Name,
		Description:         req.Description,
		RuleType:            req.RuleType,
		EntityType:          req.EntityType,
		EntityID:            req.EntityID,
		Conditions:          req.Conditions,
		ConditionLogic:      conditionLogic,
		Actions:             req.Actions,
		Priority:            req.Priority,
		Status:              models.RuleStatusDraft,
		Enabled:             true,
		MaxExecutionsPerDay: req.MaxExecutionsPerDay,
		CooldownMinutes:     req.CooldownMinutes,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.ruleRepo.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	if s.audit != nil {
		if err := s.audit.LogRuleCreated(ctx, rule, userID); err != nil {
			s.logger.Warn("Failed to audit rule creation", logger.Err(err))
		}
	}

	s.logger.Info("Rule created",
		logger.String("rule_id", rule.ID.String()),
		logger.String("name", rule.Name),
	)

	return rule, nil
}

// GetByID retrieves a rule, reading through the cache
func (s *RuleService) GetByID(ctx context.Context, organizationID, id uuid.UUID) (*models.AutomationRule, error) {
	if rule := s.getCachedRule(ctx, id); rule != nil {
		if rule.OrganizationID != organizationID {
			return nil, fmt.Errorf("rule not found")
		}
		return rule, nil
	}

	rule, err := s.ruleRepo.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	s.cacheRule(ctx, rule)
	return rule, nil
}

// List retrieves rules with optional filtering and pagination
func (s *RuleService) List(ctx context.Context, organizationID uuid.UUID, status *models.RuleStatus, enabled *bool, limit, offset int) ([]*models.AutomationRule, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.ruleRepo.List(ctx, organizationID, status, enabled, limit, offset)
}

// Update updates a rule's mutable fields. Conditions, actions and limits
// may change at any lifecycle stage; executions in flight keep the
// snapshot they started with.
func (s *RuleService) Update(ctx context.Context, organizationID, id uuid.UUID, userID *uuid.UUID, req *models.UpdateRuleRequest) (*models.AutomationRule, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid rule request: %w", err)
	}

	rule, err := s.ruleRepo.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}
	if rule.IsArchived() {
		return nil, fmt.Errorf("cannot update an archived rule")
	}

	changes := models.JSONB{}
	if req.Name != nil {
		rule.Name = *req.Name
		changes["name"] = *req.Name
	}
	if req.Description != nil {
		rule.Description = req.Description
		changes["description"] = *req.Description
	}
	if req.Conditions != nil {
		if err := validateConditions(*req.Conditions); err != nil {
			return nil, err
		}
		rule.Conditions = *req.Conditions
		changes["conditions"] = len(*req.Conditions)
	}
	if req.ConditionLogic != nil {
		rule.ConditionLogic = *req.ConditionLogic
		changes["condition_logic"] = string(*req.ConditionLogic)
	}
	if req.Actions != nil {
		rule.Actions = *req.Actions
		changes["actions"] = len(*req.Actions)
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
		changes["priority"] = *req.Priority
	}
	if req.MaxExecutionsPerDay != nil {
		rule.MaxExecutionsPerDay = req.MaxExecutionsPerDay
		changes["max_executions_per_day"] = *req.MaxExecutionsPerDay
	}
	if req.CooldownMinutes != nil {
		rule.CooldownMinutes = *req.CooldownMinutes
		changes["cooldown_minutes"] = *req.CooldownMinutes
	}
	rule.UpdatedAt = time.Now()

	if err := s.ruleRepo.Update(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}

	s.invalidateRuleCache(ctx, rule.ID)

	if s.audit != nil && len(changes) > 0 {
		if err := s.audit.LogRuleUpdated(ctx, rule, userID, changes); err != nil {
			s.logger.Warn("Failed to audit rule update", logger.Err(err))
		}
	}

	s.logger.Info("Rule updated", logger.String("rule_id", rule.ID.String()))
	return rule, nil
}

// Activate moves a draft or paused rule to active
func (s *RuleService) Activate(ctx context.Context, organizationID, id uuid.UUID) (*models.AutomationRule, error) {
	return s.transition(ctx, organizationID, id, models.RuleStatusActive)
}

// Pause moves an active rule to paused
func (s *RuleService) Pause(ctx context.Context, organizationID, id uuid.UUID) (*models.AutomationRule, error) {
	return s.transition(ctx, organizationID, id, models.RuleStatusPaused)
}

// Archive soft-deletes a rule. Archival is terminal; the rule and its
// execution history remain queryable.
func (s *RuleService) Archive(ctx context.Context, organizationID, id uuid.UUID, userID *uuid.UUID) (*models.AutomationRule, error) {
	rule, err := s.transition(ctx, organizationID, id, models.RuleStatusArchived)
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		if err := s.audit.LogRuleDeleted(ctx, rule, userID); err != nil {
			s.logger.Warn("Failed to audit rule archival", logger.Err(err))
		}
	}
	return rule, nil
}

func (s *RuleService) transition(ctx context.Context, organizationID, id uuid.UUID, target models.RuleStatus) (*models.AutomationRule, error) {
	rule, err := s.ruleRepo.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	if !rule.CanTransitionTo(target) {
		return nil, fmt.Errorf("%w: %s to %s", models.ErrInvalidTransition, rule.Status, target)
	}

	if target == models.RuleStatusArchived {
		rule.Archive(time.Now())
	} else {
		rule.Status = target
	}
	rule.UpdatedAt = time.Now()

	if err := s.ruleRepo.UpdateStatus(ctx, organizationID, id, rule.Status, rule.Enabled, rule.ArchivedAt); err != nil {
		return nil, fmt.Errorf("failed to update rule status: %w", err)
	}

	s.invalidateRuleCache(ctx, rule.ID)

	s.logger.Info("Rule status changed",
		logger.String("rule_id", rule.ID.String()),
		logger.String("status", string(rule.Status)),
	)
	return rule, nil
}

// validateConditions rejects descriptors the evaluator could never satisfy
func validateConditions(conditions models.RuleConditions) error {
	for i, condition := range conditions {
		switch condition.Kind {
		case models.ConditionKindField:
			if condition.Field == "" || condition.Operator == "" {
				return fmt.Errorf("condition %d: field conditions need a field and an operator", i)
			}
		case models.ConditionKindExpression:
			if condition.Expression == "" {
				return fmt.Errorf("condition %d: expression conditions need an expression", i)
			}
		}
		// Unknown kinds are stored as-is and evaluate false at runtime
	}
	return nil
}

func (s *RuleService) cacheRule(ctx context.Context, rule *models.AutomationRule) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(rule)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, ruleCacheKeyPrefix+rule.ID.String(), data, ruleCacheTTL); err != nil {
		s.logger.Warn("Failed to cache rule", logger.Err(err), logger.String("rule_id", rule.ID.String()))
	}
}

func (s *RuleService) getCachedRule(ctx context.Context, id uuid.UUID) *models.AutomationRule {
	if s.redis == nil {
		return nil
	}
	data, err := s.redis.Get(ctx, ruleCacheKeyPrefix+id.String())
	if err != nil {
		return nil
	}

	var rule models.AutomationRule
	if err := json.Unmarshal([]byte(data), &rule); err != nil {
		return nil
	}
	return &rule
}

func (s *RuleService) invalidateRuleCache(ctx context.Context, id uuid.UUID) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Delete(ctx, ruleCacheKeyPrefix+id.String()); err != nil {
		s.logger.Warn("Failed to invalidate rule cache", logger.Err(err), logger.String("rule_id", id.String()))
	}
}
