package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pulsecrm/automation-engine/internal/engine"
	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/pkg/logger"
)

// TemplateRepository defines the interface for workflow template persistence
type TemplateRepository interface {
	Create(ctx context.Context, template *models.WorkflowTemplate) error
	GetByID(ctx context.Context, organizationID, id uuid.UUID) (*models.WorkflowTemplate, error)
	List(ctx context.Context, organizationID uuid.UUID, status *models.TemplateStatus, limit, offset int) ([]*models.WorkflowTemplate, int64, error)
	Update(ctx context.Context, template *models.WorkflowTemplate) error
}

// InstanceRepository defines the read side for workflow instances; the
// engine owns the writes.
type InstanceRepository interface {
	GetInstance(ctx context.Context, organizationID, id uuid.UUID) (*models.WorkflowInstance, error)
	ListInstances(ctx context.Context, organizationID uuid.UUID, templateID *uuid.UUID, status *models.InstanceStatus, limit, offset int) ([]*models.WorkflowInstance, int64, error)
	GetSteps(ctx context.Context, instanceID uuid.UUID) ([]*models.WorkflowStep, error)
}

// WorkflowService manages templates and exposes instance operations on
// top of the workflow engine.
type WorkflowService struct {
	templateRepo TemplateRepository
	instanceRepo InstanceRepository
	engine       *engine.WorkflowEngine
	logger       *logger.Logger
}

// NewWorkflowService creates a new workflow service
func NewWorkflowService(
	templateRepo TemplateRepository,
	instanceRepo InstanceRepository,
	workflowEngine *engine.WorkflowEngine,
	log *logger.Logger,
) *WorkflowService {
	return &WorkflowService{
		templateRepo: templateRepo,
		instanceRepo: instanceRepo,
		engine:       workflowEngine,
		logger:       log,
	}
}

// CreateTemplate creates a workflow template in draft status
func (s *WorkflowService) CreateTemplate(ctx context.Context, organizationID uuid.UUID, userID *uuid.UUID, name string, description *string, definition models.WorkflowDefinition, isPublic bool) (*models.WorkflowTemplate, error) {
	if err := validateDefinition(&definition); err != nil {
		return nil, err
	}

	now := time.Now()
	template := &models.WorkflowTemplate{
		ID:             uuid.New(),
		OrganizationID: organizationID,
		CreatedBy:      userID,
		Name:           name,
		Description:    description,
		Version:        1,
		Definition:     definition,
		TotalSteps:     len(definition.Steps),
		Status:         models.TemplateStatusDraft,
		IsPublic:       isPublic,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.templateRepo.Create(ctx, template); err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}

	s.logger.Info("Workflow template created",
		logger.String("template_id", template.ID.String()),
		logger.Int("total_steps", template.TotalSteps),
	)
	return template, nil
}

// GetTemplate fetches a template
func (s *WorkflowService) GetTemplate(ctx context.Context, organizationID, id uuid.UUID) (*models.WorkflowTemplate, error) {
	return s.templateRepo.GetByID(ctx, organizationID, id)
}

// ListTemplates lists templates with optional status filtering
func (s *WorkflowService) ListTemplates(ctx context.Context, organizationID uuid.UUID, status *models.TemplateStatus, limit, offset int) ([]*models.WorkflowTemplate, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.templateRepo.List(ctx, organizationID, status, limit, offset)
}

// UpdateDefinition replaces a template's step graph and bumps its
// version. Running instances are unaffected: they carry a snapshot.
func (s *WorkflowService) UpdateDefinition(ctx context.Context, organizationID, id uuid.UUID, definition models.WorkflowDefinition) (*models.WorkflowTemplate, error) {
	if err := validateDefinition(&definition); err != nil {
		return nil, err
	}

	template, err := s.templateRepo.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}
	if template.Status == models.TemplateStatusArchived {
		return nil, fmt.Errorf("cannot update an archived template")
	}

	template.Definition = definition
	template.TotalSteps = len(definition.Steps)
	template.Version++
	template.UpdatedAt = time.Now()

	if err := s.templateRepo.Update(ctx, template); err != nil {
		return nil, fmt.Errorf("failed to update template: %w", err)
	}

	s.logger.Info("Workflow template updated",
		logger.String("template_id", template.ID.String()),
		logger.Int("version", template.Version),
	)
	return template, nil
}

// ActivateTemplate makes a template eligible for instantiation
func (s *WorkflowService) ActivateTemplate(ctx context.Context, organizationID, id uuid.UUID) (*models.WorkflowTemplate, error) {
	return s.setTemplateStatus(ctx, organizationID, id, models.TemplateStatusActive)
}

// ArchiveTemplate retires a template. Instances in flight finish on
// their snapshots.
func (s *WorkflowService) ArchiveTemplate(ctx context.Context, organizationID, id uuid.UUID) (*models.WorkflowTemplate, error) {
	return s.setTemplateStatus(ctx, organizationID, id, models.TemplateStatusArchived)
}

func (s *WorkflowService) setTemplateStatus(ctx context.Context, organizationID, id uuid.UUID, status models.TemplateStatus) (*models.WorkflowTemplate, error) {
	template, err := s.templateRepo.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	template.Status = status
	template.UpdatedAt = time.Now()

	if err := s.templateRepo.Update(ctx, template); err != nil {
		return nil, fmt.Errorf("failed to update template status: %w", err)
	}

	s.logger.Info("Workflow template status changed",
		logger.String("template_id", template.ID.String()),
		logger.String("status", string(status)),
	)
	return template, nil
}

// Trigger instantiates a template and runs it to a terminal status
func (s *WorkflowService) Trigger(ctx context.Context, organizationID, templateID uuid.UUID, triggerType string, triggerData, contextData models.JSONB) (*models.WorkflowInstance, error) {
	template, err := s.templateRepo.GetByID(ctx, organizationID, templateID)
	if err != nil {
		return nil, err
	}

	instance, err := s.engine.CreateInstance(ctx, template, triggerType, triggerData, contextData)
	if err != nil {
		return nil, err
	}

	if err := s.engine.Run(ctx, instance); err != nil {
		return instance, fmt.Errorf("workflow run failed: %w", err)
	}
	return instance, nil
}

// GetInstance fetches an instance
func (s *WorkflowService) GetInstance(ctx context.Context, organizationID, id uuid.UUID) (*models.WorkflowInstance, error) {
	return s.instanceRepo.GetInstance(ctx, organizationID, id)
}

// ListInstances lists instances with optional filtering
func (s *WorkflowService) ListInstances(ctx context.Context, organizationID uuid.UUID, templateID *uuid.UUID, status *models.InstanceStatus, limit, offset int) ([]*models.WorkflowInstance, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.instanceRepo.ListInstances(ctx, organizationID, templateID, status, limit, offset)
}

// GetInstanceSteps lists the recorded steps of one instance
func (s *WorkflowService) GetInstanceSteps(ctx context.Context, instanceID uuid.UUID) ([]*models.WorkflowStep, error) {
	return s.instanceRepo.GetSteps(ctx, instanceID)
}

// CancelInstance cancels a non-terminal instance
func (s *WorkflowService) CancelInstance(ctx context.Context, organizationID, id uuid.UUID) error {
	instance, err := s.instanceRepo.GetInstance(ctx, organizationID, id)
	if err != nil {
		return err
	}
	return s.engine.Cancel(ctx, instance)
}

// validateDefinition checks the step graph's internal references
func validateDefinition(definition *models.WorkflowDefinition) error {
	if len(definition.Steps) == 0 {
		return fmt.Errorf("workflow definition needs at least one step")
	}

	ids := make(map[string]bool, len(definition.Steps))
	for _, step := range definition.Steps {
		if step.ID == "" {
			return fmt.Errorf("every step needs an id")
		}
		if ids[step.ID] {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		ids[step.ID] = true
	}

	for _, step := range definition.Steps {
		refs := []string{step.Next, step.OnTrue, step.OnFalse}
		refs = append(refs, step.Branches...)
		for _, ref := range refs {
			if ref != "" && !ids[ref] {
				return fmt.Errorf("step %q references unknown step %q", step.ID, ref)
			}
		}

		switch step.Type {
		case models.StepTypeAction:
			if step.Action == nil {
				return fmt.Errorf("action step %q needs an action", step.ID)
			}
		case models.StepTypeCondition:
			if step.Condition == nil {
				return fmt.Errorf("condition step %q needs a condition", step.ID)
			}
		case models.StepTypeSplit:
			if len(step.Branches) == 0 {
				return fmt.Errorf("split step %q needs branches", step.ID)
			}
		case models.StepTypeDelay:
			if step.DelaySeconds <= 0 {
				return fmt.Errorf("delay step %q needs a positive delay", step.ID)
			}
		}
	}

	return nil
}
