package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/internal/repository/postgres"
	"github.com/pulsecrm/automation-engine/pkg/logger"
)

// AuditRepository defines the interface for audit log persistence.
// The log is append-only: there are no update or delete operations.
type AuditRepository interface {
	CreateAuditLog(ctx context.Context, entry *models.AutomationAuditLog) error
	GetAuditLogByID(ctx context.Context, id uuid.UUID) (*models.AutomationAuditLog, error)
	ListAuditLogs(ctx context.Context, organizationID *uuid.UUID, filters *postgres.AuditLogFilters, limit, offset int) ([]models.AutomationAuditLog, int64, error)
	GetAuditLogsByRule(ctx context.Context, ruleID uuid.UUID, limit, offset int) ([]models.AutomationAuditLog, error)
}

// AuditService handles audit logging
type AuditService struct {
	auditRepo AuditRepository
	logger    *logger.Logger
}

// NewAuditService creates a new audit service
func NewAuditService(auditRepo AuditRepository, log *logger.Logger) *AuditService {
	return &AuditService{
		auditRepo: auditRepo,
		logger:    log,
	}
}

// LogEvent writes one audit entry
func (s *AuditService) LogEvent(ctx context.Context, entry *models.AutomationAuditLog) error {
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()

	if err := s.auditRepo.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Errorf("Failed to create audit log: %v", err)
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// LogRuleCreated logs rule creation
func (s *AuditService) LogRuleCreated(ctx context.Context, rule *models.AutomationRule, userID *uuid.UUID) error {
	return s.LogEvent(ctx, &models.AutomationAuditLog{
		OrganizationID: &rule.OrganizationID,
		Action:         models.AuditRuleCreated,
		RuleID:         &rule.ID,
		UserID:         userID,
		Changes: models.JSONB{
			"name":      rule.Name,
			"rule_type": rule.RuleType,
			"status":    string(rule.Status),
		},
	})
}

// LogRuleUpdated logs rule field changes
func (s *AuditService) LogRuleUpdated(ctx context.Context, rule *models.AutomationRule, userID *uuid.UUID, changes models.JSONB) error {
	return s.LogEvent(ctx, &models.AutomationAuditLog{
		OrganizationID: &rule.OrganizationID,
		Action:         models.AuditRuleUpdated,
		RuleID:         &rule.ID,
		UserID:         userID,
		Changes:        changes,
	})
}

// LogRuleDeleted logs rule archival
func (s *AuditService) LogRuleDeleted(ctx context.Context, rule *models.AutomationRule, userID *uuid.UUID) error {
	return s.LogEvent(ctx, &models.AutomationAuditLog{
		OrganizationID: &rule.OrganizationID,
		Action:         models.AuditRuleDeleted,
		RuleID:         &rule.ID,
		UserID:         userID,
	})
}

// LogScheduleRecomputed logs a schedule's next-run recomputation
func (s *AuditService) LogScheduleRecomputed(ctx context.Context, schedule *models.AutomationSchedule, nextRunAt *time.Time) error {
	changes := models.JSONB{"frequency": string(schedule.Frequency)}
	if nextRunAt != nil {
		changes["next_run_at"] = nextRunAt.Format(time.RFC3339)
	} else {
		changes["next_run_at"] = nil
	}

	return s.LogEvent(ctx, &models.AutomationAuditLog{
		Action:  models.AuditScheduleRecomputed,
		RuleID:  &schedule.RuleID,
		Changes: changes,
	})
}

// LogRuleExecuted records a rule firing. Audit writes on the execution
// path are best effort: a failed write is logged, never propagated, so
// audit outages cannot take the engine down with them.
func (s *AuditService) LogRuleExecuted(ctx context.Context, rule *models.AutomationRule, execution *models.AutomationExecution) {
	entry := &models.AutomationAuditLog{
		OrganizationID: &rule.OrganizationID,
		Action:         models.AuditRuleExecuted,
		RuleID:         &rule.ID,
		ExecutionID:    &execution.ID,
		EntityType:     execution.EntityType,
		EntityID:       execution.EntityID,
		Metadata: models.JSONB{
			"status":      string(execution.Status),
			"duration_ms": execution.DurationMs,
		},
	}
	_ = s.LogEvent(ctx, entry)
}

// LogActionTaken records one dispatched action of a rule firing
func (s *AuditService) LogActionTaken(ctx context.Context, rule *models.AutomationRule, execution *models.AutomationExecution, outcome models.ActionOutcome) {
	entry := &models.AutomationAuditLog{
		OrganizationID: &rule.OrganizationID,
		Action:         models.AuditActionTaken,
		RuleID:         &rule.ID,
		ExecutionID:    &execution.ID,
		Metadata: models.JSONB{
			"kind":        string(outcome.Action.Kind),
			"success":     outcome.Success,
			"duration_ms": outcome.DurationMs,
		},
	}
	if outcome.Error != "" {
		entry.Metadata["error"] = outcome.Error
	}
	_ = s.LogEvent(ctx, entry)
}

// LogWorkflowStarted records an instance entering the running state
func (s *AuditService) LogWorkflowStarted(ctx context.Context, instance *models.WorkflowInstance) {
	s.logWorkflowEvent(ctx, instance, models.AuditWorkflowStarted, nil)
}

// LogWorkflowCompleted records a successful terminal transition
func (s *AuditService) LogWorkflowCompleted(ctx context.Context, instance *models.WorkflowInstance) {
	s.logWorkflowEvent(ctx, instance, models.AuditWorkflowCompleted, nil)
}

// LogWorkflowFailed records a failed terminal transition
func (s *AuditService) LogWorkflowFailed(ctx context.Context, instance *models.WorkflowInstance) {
	metadata := models.JSONB{}
	if instance.ErrorMessage != nil {
		metadata["error"] = *instance.ErrorMessage
	}
	s.logWorkflowEvent(ctx, instance, models.AuditWorkflowFailed, metadata)
}

// LogWorkflowCancelled records a cancellation
func (s *AuditService) LogWorkflowCancelled(ctx context.Context, instance *models.WorkflowInstance) {
	s.logWorkflowEvent(ctx, instance, models.AuditWorkflowCancelled, nil)
}

func (s *AuditService) logWorkflowEvent(ctx context.Context, instance *models.WorkflowInstance, action models.AuditAction, metadata models.JSONB) {
	if metadata == nil {
		metadata = models.JSONB{}
	}
	metadata["template_id"] = instance.TemplateID.String()
	metadata["instance_id"] = instance.ID.String()
	metadata["steps_completed"] = instance.StepsCompleted
	metadata["steps_failed"] = instance.StepsFailed

	entry := &models.AutomationAuditLog{
		OrganizationID: &instance.OrganizationID,
		Action:         action,
		Metadata:       metadata,
	}
	_ = s.LogEvent(ctx, entry)
}

// GetAuditLog fetches a single entry
func (s *AuditService) GetAuditLog(ctx context.Context, id uuid.UUID) (*models.AutomationAuditLog, error) {
	return s.auditRepo.GetAuditLogByID(ctx, id)
}

// ListAuditLogs lists entries with optional filters
func (s *AuditService) ListAuditLogs(ctx context.Context, organizationID *uuid.UUID, filters *postgres.AuditLogFilters, limit, offset int) ([]models.AutomationAuditLog, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.auditRepo.ListAuditLogs(ctx, organizationID, filters, limit, offset)
}

// GetRuleHistory lists the audit trail of one rule
func (s *AuditService) GetRuleHistory(ctx context.Context, ruleID uuid.UUID, limit, offset int) ([]models.AutomationAuditLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.auditRepo.GetAuditLogsByRule(ctx, ruleID, limit, offset)
}
