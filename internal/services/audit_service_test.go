package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/internal/repository/postgres"
	"github.com/pulsecrm/automation-engine/pkg/logger"
)

type mockAuditRepo struct {
	entries []*models.AutomationAuditLog

	createFn func(ctx context.Context, entry *models.AutomationAuditLog) error
	getFn    func(ctx context.Context, id uuid.UUID) (*models.AutomationAuditLog, error)
	listFn   func(ctx context.Context, organizationID *uuid.UUID, filters *postgres.AuditLogFilters, limit, offset int) ([]models.AutomationAuditLog, int64, error)
	byRuleFn func(ctx context.Context, ruleID uuid.UUID, limit, offset int) ([]models.AutomationAuditLog, error)
}

func (m *mockAuditRepo) CreateAuditLog(ctx context.Context, entry *models.AutomationAuditLog) error {
	if m.createFn != nil {
		if err := m.createFn(ctx, entry); err != nil {
			return err
		}
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAuditRepo) GetAuditLogByID(ctx context.Context, id uuid.UUID) (*models.AutomationAuditLog, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, errors.New("audit log not found")
}

func (m *mockAuditRepo) ListAuditLogs(ctx context.Context, organizationID *uuid.UUID, filters *postgres.AuditLogFilters, limit, offset int) ([]models.AutomationAuditLog, int64, error) {
	if m.listFn != nil {
		return m.listFn(ctx, organizationID, filters, limit, offset)
	}
	return nil, 0, nil
}

func (m *mockAuditRepo) GetAuditLogsByRule(ctx context.Context, ruleID uuid.UUID, limit, offset int) ([]models.AutomationAuditLog, error) {
	if m.byRuleFn != nil {
		return m.byRuleFn(ctx, ruleID, limit, offset)
	}
	return nil, nil
}

func TestAuditService_LogEvent(t *testing.T) {
	repo := &mockAuditRepo{}
	svc := NewAuditService(repo, logger.NewForTesting())

	entry := &models.AutomationAuditLog{Action: models.AuditRuleCreated}
	err := svc.LogEvent(context.Background(), entry)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
	require.Len(t, repo.entries, 1)
}

func TestAuditService_LogEvent_RepositoryFailure(t *testing.T) {
	repo := &mockAuditRepo{
		createFn: func(ctx context.Context, entry *models.AutomationAuditLog) error {
			return errors.New("connection refused")
		},
	}
	svc := NewAuditService(repo, logger.NewForTesting())

	err := svc.LogEvent(context.Background(), &models.AutomationAuditLog{Action: models.AuditRuleUpdated})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create audit log")
}

func TestAuditService_LogRuleCreated(t *testing.T) {
	repo := &mockAuditRepo{}
	svc := NewAuditService(repo, logger.NewForTesting())

	rule := &models.AutomationRule{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Name:           "Escalate stale deals",
		RuleType:       "deal_stale",
		Status:         models.RuleStatusActive,
	}
	userID := uuid.New()

	err := svc.LogRuleCreated(context.Background(), rule, &userID)
	require.NoError(t, err)
	require.Len(t, repo.entries, 1)

	entry := repo.entries[0]
	assert.Equal(t, models.AuditRuleCreated, entry.Action)
	assert.Equal(t, rule.ID, *entry.RuleID)
	assert.Equal(t, rule.OrganizationID, *entry.OrganizationID)
	assert.Equal(t, userID, *entry.UserID)
	assert.Equal(t, "Escalate stale deals", entry.Changes["name"])
	assert.Equal(t, string(models.RuleStatusActive), entry.Changes["status"])
}

func TestAuditService_LogRuleExecuted_BestEffort(t *testing.T) {
	repo := &mockAuditRepo{
		createFn: func(ctx context.Context, entry *models.AutomationAuditLog) error {
			return errors.New("audit store down")
		},
	}
	svc := NewAuditService(repo, logger.NewForTesting())

	rule := &models.AutomationRule{ID: uuid.New(), OrganizationID: uuid.New()}
	execution := &models.AutomationExecution{
		ID:         uuid.New(),
		Status:     models.ExecutionStatusSuccess,
		DurationMs: 42,
	}

	// Must not panic or surface the error.
	svc.LogRuleExecuted(context.Background(), rule, execution)
	assert.Empty(t, repo.entries)
}

func TestAuditService_LogActionTaken(t *testing.T) {
	repo := &mockAuditRepo{}
	svc := NewAuditService(repo, logger.NewForTesting())

	rule := &models.AutomationRule{ID: uuid.New(), OrganizationID: uuid.New()}
	execution := &models.AutomationExecution{ID: uuid.New()}
	outcome := models.ActionOutcome{
		Action:     models.RuleAction{Kind: models.ActionKindWebhook},
		Success:    false,
		Error:      "upstream timeout",
		DurationMs: 310,
	}

	svc.LogActionTaken(context.Background(), rule, execution, outcome)

	require.Len(t, repo.entries, 1)
	entry := repo.entries[0]
	assert.Equal(t, models.AuditActionTaken, entry.Action)
	assert.Equal(t, string(models.ActionKindWebhook), entry.Metadata["kind"])
	assert.Equal(t, false, entry.Metadata["success"])
	assert.Equal(t, "upstream timeout", entry.Metadata["error"])
}

func TestAuditService_LogWorkflowFailed(t *testing.T) {
	repo := &mockAuditRepo{}
	svc := NewAuditService(repo, logger.NewForTesting())

	errMsg := "step send_email failed"
	instance := &models.WorkflowInstance{
		ID:             uuid.New(),
		TemplateID:     uuid.New(),
		OrganizationID: uuid.New(),
		StepsCompleted: 2,
		StepsFailed:    1,
		ErrorMessage:   &errMsg,
	}

	svc.LogWorkflowFailed(context.Background(), instance)

	require.Len(t, repo.entries, 1)
	entry := repo.entries[0]
	assert.Equal(t, models.AuditWorkflowFailed, entry.Action)
	assert.Equal(t, errMsg, entry.Metadata["error"])
	assert.Equal(t, instance.ID.String(), entry.Metadata["instance_id"])
	assert.Equal(t, 2, entry.Metadata["steps_completed"])
}

func TestAuditService_ListAuditLogs_ClampsLimit(t *testing.T) {
	var gotLimit int
	repo := &mockAuditRepo{
		listFn: func(ctx context.Context, organizationID *uuid.UUID, filters *postgres.AuditLogFilters, limit, offset int) ([]models.AutomationAuditLog, int64, error) {
			gotLimit = limit
			return nil, 0, nil
		},
	}
	svc := NewAuditService(repo, logger.NewForTesting())

	_, _, err := svc.ListAuditLogs(context.Background(), nil, nil, 500, 0)
	require.NoError(t, err)
	assert.Equal(t, 50, gotLimit)

	_, _, err = svc.ListAuditLogs(context.Background(), nil, nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 50, gotLimit)
}

func TestAuditService_GetRuleHistory(t *testing.T) {
	ruleID := uuid.New()
	repo := &mockAuditRepo{
		byRuleFn: func(ctx context.Context, id uuid.UUID, limit, offset int) ([]models.AutomationAuditLog, error) {
			assert.Equal(t, ruleID, id)
			return []models.AutomationAuditLog{{Action: models.AuditRuleExecuted}}, nil
		},
	}
	svc := NewAuditService(repo, logger.NewForTesting())

	history, err := svc.GetRuleHistory(context.Background(), ruleID, 20, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.AuditRuleExecuted, history[0].Action)
}
