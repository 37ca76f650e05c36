package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock RuleRepository for testing
type mockRuleRepo struct {
	createFunc       func(ctx context.Context, rule *models.AutomationRule) error
	getByIDFunc      func(ctx context.Context, organizationID, id uuid.UUID) (*models.AutomationRule, error)
	listFunc         func(ctx context.Context, organizationID uuid.UUID, status *models.RuleStatus, enabled *bool, limit, offset int) ([]*models.AutomationRule, int64, error)
	updateFunc       func(ctx context.Context, rule *models.AutomationRule) error
	updateStatusFunc func(ctx context.Context, organizationID, id uuid.UUID, status models.RuleStatus, enabled bool, archivedAt *time.Time) error
}

func (m *mockRuleRepo) Create(ctx context.Context, rule *models.AutomationRule) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, rule)
	}
	return nil
}

func (m *mockRuleRepo) GetByID(ctx context.Context, organizationID, id uuid.UUID) (*models.AutomationRule, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, organizationID, id)
	}
	return nil, errors.New("not found")
}

func (m *mockRuleRepo) List(ctx context.Context, organizationID uuid.UUID, status *models.RuleStatus, enabled *bool, limit, offset int) ([]*models.AutomationRule, int64, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, organizationID, status, enabled, limit, offset)
	}
	return nil, 0, nil
}

func (m *mockRuleRepo) Update(ctx context.Context, rule *models.AutomationRule) error {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, rule)
	}
	return nil
}

func (m *mockRuleRepo) UpdateStatus(ctx context.Context, organizationID, id uuid.UUID, status models.RuleStatus, enabled bool, archivedAt *time.Time) error {
	if m.updateStatusFunc != nil {
		return m.updateStatusFunc(ctx, organizationID, id, status, enabled, archivedAt)
	}
	return nil
}

func validCreateRequest() *models.CreateRuleRequest {
	return &models.CreateRuleRequest{
		Name:     "budget alert",
		RuleType: "threshold",
		Conditions: models.RuleConditions{
			{Kind: models.ConditionKindField, Field: "spend", Operator: "gt", Value: float64(1000)},
		},
		Actions: models.RuleActions{
			{Kind: models.ActionKindNotify, Params: models.JSONB{"message": "over budget"}},
		},
	}
}

func TestRuleService_Create(t *testing.T) {
	orgID := uuid.New()

	t.Run("creates draft rule", func(t *testing.T) {
		var created *models.AutomationRule
		repo := &mockRuleRepo{
			createFunc: func(ctx context.Context, rule *models.AutomationRule) error {
				created = rule
				return nil
			},
		}
		service := NewRuleService(repo, nil, nil, logger.NewForTesting())

		rule, err := service.Create(context.Background(), orgID, nil, validCreateRequest())

		require.NoError(t, err)
		assert.Equal(t, models.RuleStatusDraft, rule.Status)
		assert.True(t, rule.Enabled)
		assert.Equal(t, models.ConditionLogicAnd, rule.ConditionLogic)
		assert.Equal(t, orgID, rule.OrganizationID)
		assert.Same(t, rule, created)
	})

	t.Run("rejects missing name", func(t *testing.T) {
		service := NewRuleService(&mockRuleRepo{}, nil, nil, logger.NewForTesting())

		req := validCreateRequest()
		req.Name = ""

		_, err := service.Create(context.Background(), orgID, nil, req)
		assert.Error(t, err)
	})

	t.Run("rejects field condition without operator", func(t *testing.T) {
		service := NewRuleService(&mockRuleRepo{}, nil, nil, logger.NewForTesting())

		req := validCreateRequest()
		req.Conditions = models.RuleConditions{
			{Kind: models.ConditionKindField, Field: "spend"},
		}

		_, err := service.Create(context.Background(), orgID, nil, req)
		assert.Error(t, err)
	})

	t.Run("propagates repository errors", func(t *testing.T) {
		repo := &mockRuleRepo{
			createFunc: func(ctx context.Context, rule *models.AutomationRule) error {
				return errors.New("db down")
			},
		}
		service := NewRuleService(repo, nil, nil, logger.NewForTesting())

		_, err := service.Create(context.Background(), orgID, nil, validCreateRequest())
		assert.Error(t, err)
	})
}

func TestRuleService_Lifecycle(t *testing.T) {
	orgID := uuid.New()
	ruleID := uuid.New()

	repoWith := func(status models.RuleStatus) *mockRuleRepo {
		return &mockRuleRepo{
			getByIDFunc: func(ctx context.Context, organizationID, id uuid.UUID) (*models.AutomationRule, error) {
				return &models.AutomationRule{
					ID:             ruleID,
					OrganizationID: orgID,
					Status:         status,
					Enabled:        true,
				}, nil
			},
		}
	}

	t.Run("draft to active", func(t *testing.T) {
		service := NewRuleService(repoWith(models.RuleStatusDraft), nil, nil, logger.NewForTesting())

		rule, err := service.Activate(context.Background(), orgID, ruleID)
		require.NoError(t, err)
		assert.Equal(t, models.RuleStatusActive, rule.Status)
	})

	t.Run("active to paused", func(t *testing.T) {
		service := NewRuleService(repoWith(models.RuleStatusActive), nil, nil, logger.NewForTesting())

		rule, err := service.Pause(context.Background(), orgID, ruleID)
		require.NoError(t, err)
		assert.Equal(t, models.RuleStatusPaused, rule.Status)
	})

	t.Run("paused to active", func(t *testing.T) {
		service := NewRuleService(repoWith(models.RuleStatusPaused), nil, nil, logger.NewForTesting())

		rule, err := service.Activate(context.Background(), orgID, ruleID)
		require.NoError(t, err)
		assert.Equal(t, models.RuleStatusActive, rule.Status)
	})

	t.Run("draft cannot pause", func(t *testing.T) {
		service := NewRuleService(repoWith(models.RuleStatusDraft), nil, nil, logger.NewForTesting())

		_, err := service.Pause(context.Background(), orgID, ruleID)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("archive disables and stamps archived_at", func(t *testing.T) {
		service := NewRuleService(repoWith(models.RuleStatusActive), nil, nil, logger.NewForTesting())

		rule, err := service.Archive(context.Background(), orgID, ruleID, nil)
		require.NoError(t, err)
		assert.Equal(t, models.RuleStatusArchived, rule.Status)
		assert.False(t, rule.Enabled)
		assert.NotNil(t, rule.ArchivedAt)
	})

	t.Run("archived is terminal", func(t *testing.T) {
		service := NewRuleService(repoWith(models.RuleStatusArchived), nil, nil, logger.NewForTesting())

		_, err := service.Activate(context.Background(), orgID, ruleID)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		_, err = service.Archive(context.Background(), orgID, ruleID, nil)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})
}

func TestRuleService_Update(t *testing.T) {
	orgID := uuid.New()
	ruleID := uuid.New()

	t.Run("applies partial changes", func(t *testing.T) {
		repo := &mockRuleRepo{
			getByIDFunc: func(ctx context.Context, organizationID, id uuid.UUID) (*models.AutomationRule, error) {
				return &models.AutomationRule{
					ID:             ruleID,
					OrganizationID: orgID,
					Name:           "old name",
					Status:         models.RuleStatusActive,
					Priority:       1,
				}, nil
			},
		}
		service := NewRuleService(repo, nil, nil, logger.NewForTesting())

		name := "new name"
		cooldown := 30
		rule, err := service.Update(context.Background(), orgID, ruleID, nil, &models.UpdateRuleRequest{
			Name:            &name,
			CooldownMinutes: &cooldown,
		})

		require.NoError(t, err)
		assert.Equal(t, "new name", rule.Name)
		assert.Equal(t, 30, rule.CooldownMinutes)
		assert.Equal(t, 1, rule.Priority)
	})

	t.Run("rejects updates to archived rules", func(t *testing.T) {
		repo := &mockRuleRepo{
			getByIDFunc: func(ctx context.Context, organizationID, id uuid.UUID) (*models.AutomationRule, error) {
				return &models.AutomationRule{
					ID:     ruleID,
					Status: models.RuleStatusArchived,
				}, nil
			},
		}
		service := NewRuleService(repo, nil, nil, logger.NewForTesting())

		name := "new name"
		_, err := service.Update(context.Background(), orgID, ruleID, nil, &models.UpdateRuleRequest{Name: &name})
		assert.Error(t, err)
	})
}
