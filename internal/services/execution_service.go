package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/pkg/logger"
)

// ExecutionRepository defines the query side of execution records.
// Records are written transactionally by the engine and never mutated.
type ExecutionRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.AutomationExecution, error)
	ListByRule(ctx context.Context, ruleID uuid.UUID, status *models.ExecutionStatus, limit, offset int) ([]models.AutomationExecution, int64, error)
	ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AutomationExecution, int64, error)
	CountByStatus(ctx context.Context, ruleID uuid.UUID) (map[models.ExecutionStatus]int, error)
}

// ExecutionService exposes the execution history and counter recovery
type ExecutionService struct {
	executionRepo ExecutionRepository
	ruleRepo      RuleRepository
	logger        *logger.Logger
}

// NewExecutionService creates a new execution service
func NewExecutionService(executionRepo ExecutionRepository, ruleRepo RuleRepository, log *logger.Logger) *ExecutionService {
	return &ExecutionService{
		executionRepo: executionRepo,
		ruleRepo:      ruleRepo,
		logger:        log,
	}
}

// GetExecution fetches a single execution record
func (s *ExecutionService) GetExecution(ctx context.Context, id uuid.UUID) (*models.AutomationExecution, error) {
	return s.executionRepo.GetByID(ctx, id)
}

// ListRuleExecutions pages through a rule's execution history
func (s *ExecutionService) ListRuleExecutions(ctx context.Context, ruleID uuid.UUID, status *models.ExecutionStatus, page, pageSize int) (*models.ExecutionListResponse, error) {
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	if page < 1 {
		page = 1
	}

	executions, total, err := s.executionRepo.ListByRule(ctx, ruleID, status, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	return &models.ExecutionListResponse{
		Executions: executions,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

// ListEntityExecutions pages through the executions that touched an entity
func (s *ExecutionService) ListEntityExecutions(ctx context.Context, entityType string, entityID uuid.UUID, page, pageSize int) (*models.ExecutionListResponse, error) {
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	if page < 1 {
		page = 1
	}

	executions, total, err := s.executionRepo.ListByEntity(ctx, entityType, entityID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	return &models.ExecutionListResponse{
		Executions: executions,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

// RecomputeRuleCounters rebuilds a rule's denormalized counters from its
// execution records. The records are the source of truth; this repairs
// drift after manual intervention or partial restores.
func (s *ExecutionService) RecomputeRuleCounters(ctx context.Context, organizationID, ruleID uuid.UUID) (*models.AutomationRule, error) {
	rule, err := s.ruleRepo.GetByID(ctx, organizationID, ruleID)
	if err != nil {
		return nil, err
	}

	counts, err := s.executionRepo.CountByStatus(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}

	total := 0
	for _, count := range counts {
		total += count
	}

	rule.ExecutionCount = total
	rule.SuccessCount = counts[models.ExecutionStatusSuccess]
	rule.FailureCount = counts[models.ExecutionStatusFailure]
	rule.UpdatedAt = time.Now()

	if err := s.ruleRepo.Update(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to persist recomputed counters: %w", err)
	}

	s.logger.Info("Rule counters recomputed",
		logger.String("rule_id", ruleID.String()),
		logger.Int("execution_count", rule.ExecutionCount),
		logger.Int("success_count", rule.SuccessCount),
		logger.Int("failure_count", rule.FailureCount),
	)
	return rule, nil
}
