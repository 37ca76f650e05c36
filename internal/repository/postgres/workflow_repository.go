package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/pkg/database"
)

const templateColumns = `id, organization_id, created_by, name, description, version,
	workflow_definition, trigger_config, total_steps, usage_count, active_instances,
	status, is_public, created_at, updated_at`

const instanceColumns = `id, template_id, organization_id, workflow_definition, context_data,
	trigger_type, trigger_data, status, current_step_id, steps_completed, steps_total,
	steps_failed, started_at, completed_at, execution_time_seconds, execution_results,
	error_message, error_details, created_at, updated_at`

const stepColumns = `id, instance_id, definition_id, name, step_order, step_type, status,
	started_at, completed_at, duration_ms, input_data, output_data, error_message,
	retry_count, max_retries, next_step_id, branch_taken`

// WorkflowRepository handles template, instance and step persistence
type WorkflowRepository struct {
	db *database.PostgresDB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(db *database.PostgresDB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Create inserts a new template
func (r *WorkflowRepository) Create(ctx context.Context, template *models.WorkflowTemplate) error {
	query := fmt.Sprintf(`
		INSERT INTO workflow_templates (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`, templateColumns)

	_, err := r.db.ExecContext(ctx, query,
		template.ID, template.OrganizationID, template.CreatedBy, template.Name, template.Description,
		template.Version, template.Definition, template.TriggerConfig, template.TotalSteps,
		template.UsageCount, template.ActiveInstances, template.Status, template.IsPublic,
		template.CreatedAt, template.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// GetByID retrieves a template scoped to an organization. Public
// templates are visible to every organization.
func (r *WorkflowRepository) GetByID(ctx context.Context, organizationID, id uuid.UUID) (*models.WorkflowTemplate, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM workflow_templates
		WHERE id = $1 AND (organization_id = $2 OR is_public = true)`, templateColumns)

	template := &models.WorkflowTemplate{}
	err := r.db.QueryRowContext(ctx, query, id, organizationID).Scan(
		&template.ID, &template.OrganizationID, &template.CreatedBy, &template.Name, &template.Description,
		&template.Version, &template.Definition, &template.TriggerConfig, &template.TotalSteps,
		&template.UsageCount, &template.ActiveInstances, &template.Status, &template.IsPublic,
		&template.CreatedAt, &template.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("template not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return template, nil
}

// List retrieves templates with optional status filtering
func (r *WorkflowRepository) List(ctx context.Context, organizationID uuid.UUID, status *models.TemplateStatus, limit, offset int) ([]*models.WorkflowTemplate, int64, error) {
	var statusStr *string
	if status != nil {
		s := string(*status)
		statusStr = &s
	}

	countQuery := `
		SELECT COUNT(*) FROM workflow_templates
		WHERE (organization_id = $1 OR is_public = true)
		AND ($2::text IS NULL OR status = $2)`

	var total int64
	if err := r.db.QueryRowContext(ctx, countQuery, organizationID, statusStr).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count templates: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM workflow_templates
		WHERE (organization_id = $1 OR is_public = true)
		AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, templateColumns)

	rows, err := r.db.QueryContext(ctx, query, organizationID, statusStr, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []*models.WorkflowTemplate
	for rows.Next() {
		template := &models.WorkflowTemplate{}
		if err := rows.Scan(
			&template.ID, &template.OrganizationID, &template.CreatedBy, &template.Name, &template.Description,
			&template.Version, &template.Definition, &template.TriggerConfig, &template.TotalSteps,
			&template.UsageCount, &template.ActiveInstances, &template.Status, &template.IsPublic,
			&template.CreatedAt, &template.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, template)
	}
	return templates, total, rows.Err()
}

// Update persists a template's mutable fields
func (r *WorkflowRepository) Update(ctx context.Context, template *models.WorkflowTemplate) error {
	query := `
		UPDATE workflow_templates SET
			name = $1, description = $2, version = $3, workflow_definition = $4,
			trigger_config = $5, total_steps = $6, status = $7, is_public = $8, updated_at = $9
		WHERE id = $10`

	result, err := r.db.ExecContext(ctx, query,
		template.Name, template.Description, template.Version, template.Definition,
		template.TriggerConfig, template.TotalSteps, template.Status, template.IsPublic,
		template.UpdatedAt, template.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	return requireRowAffected(result, "template")
}

// IncrementTemplateUsage bumps a template's usage counter
func (r *WorkflowRepository) IncrementTemplateUsage(ctx context.Context, templateID uuid.UUID) error {
	query := `UPDATE workflow_templates SET usage_count = usage_count + 1, updated_at = NOW() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, templateID)
	if err != nil {
		return fmt.Errorf("failed to increment template usage: %w", err)
	}
	return requireRowAffected(result, "template")
}

// AdjustActiveInstances moves a template's active instance counter by
// delta, floored at zero.
func (r *WorkflowRepository) AdjustActiveInstances(ctx context.Context, templateID uuid.UUID, delta int) error {
	query := `
		UPDATE workflow_templates
		SET active_instances = GREATEST(active_instances + $1, 0), updated_at = NOW()
		WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, delta, templateID)
	if err != nil {
		return fmt.Errorf("failed to adjust active instances: %w", err)
	}
	return requireRowAffected(result, "template")
}

// CreateInstance inserts a new workflow instance
func (r *WorkflowRepository) CreateInstance(ctx context.Context, instance *models.WorkflowInstance) error {
	query := fmt.Sprintf(`
		INSERT INTO workflow_instances (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`, instanceColumns)

	_, err := r.db.ExecContext(ctx, query,
		instance.ID, instance.TemplateID, instance.OrganizationID, instance.Definition, instance.ContextData,
		instance.TriggerType, instance.TriggerData, instance.Status, instance.CurrentStepID,
		instance.StepsCompleted, instance.StepsTotal, instance.StepsFailed,
		instance.StartedAt, instance.CompletedAt, instance.ExecutionTimeSeconds, instance.ExecutionResults,
		instance.ErrorMessage, instance.ErrorDetails, instance.CreatedAt, instance.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// UpdateInstance persists an instance's execution state
func (r *WorkflowRepository) UpdateInstance(ctx context.Context, instance *models.WorkflowInstance) error {
	query := `
		UPDATE workflow_instances SET
			status = $1, current_step_id = $2, steps_completed = $3, steps_failed = $4,
			started_at = $5, completed_at = $6, execution_time_seconds = $7,
			execution_results = $8, error_message = $9, error_details = $10, updated_at = NOW()
		WHERE id = $11`

	result, err := r.db.ExecContext(ctx, query,
		instance.Status, instance.CurrentStepID, instance.StepsCompleted, instance.StepsFailed,
		instance.StartedAt, instance.CompletedAt, instance.ExecutionTimeSeconds,
		instance.ExecutionResults, instance.ErrorMessage, instance.ErrorDetails, instance.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	return requireRowAffected(result, "instance")
}

// GetInstance retrieves an instance scoped to an organization
func (r *WorkflowRepository) GetInstance(ctx context.Context, organizationID, id uuid.UUID) (*models.WorkflowInstance, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM workflow_instances
		WHERE organization_id = $1 AND id = $2`, instanceColumns)

	instance := &models.WorkflowInstance{}
	err := r.db.QueryRowContext(ctx, query, organizationID, id).Scan(
		&instance.ID, &instance.TemplateID, &instance.OrganizationID, &instance.Definition, &instance.ContextData,
		&instance.TriggerType, &instance.TriggerData, &instance.Status, &instance.CurrentStepID,
		&instance.StepsCompleted, &instance.StepsTotal, &instance.StepsFailed,
		&instance.StartedAt, &instance.CompletedAt, &instance.ExecutionTimeSeconds, &instance.ExecutionResults,
		&instance.ErrorMessage, &instance.ErrorDetails, &instance.CreatedAt, &instance.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instance not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return instance, nil
}

// ListInstances retrieves instances with optional filtering
func (r *WorkflowRepository) ListInstances(ctx context.Context, organizationID uuid.UUID, templateID *uuid.UUID, status *models.InstanceStatus, limit, offset int) ([]*models.WorkflowInstance, int64, error) {
	var statusStr *string
	if status != nil {
		s := string(*status)
		statusStr = &s
	}

	countQuery := `
		SELECT COUNT(*) FROM workflow_instances
		WHERE organization_id = $1
		AND ($2::uuid IS NULL OR template_id = $2)
		AND ($3::text IS NULL OR status = $3)`

	var total int64
	if err := r.db.QueryRowContext(ctx, countQuery, organizationID, templateID, statusStr).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count instances: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM workflow_instances
		WHERE organization_id = $1
		AND ($2::uuid IS NULL OR template_id = $2)
		AND ($3::text IS NULL OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`, instanceColumns)

	rows, err := r.db.QueryContext(ctx, query, organizationID, templateID, statusStr, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.WorkflowInstance
	for rows.Next() {
		instance := &models.WorkflowInstance{}
		if err := rows.Scan(
			&instance.ID, &instance.TemplateID, &instance.OrganizationID, &instance.Definition, &instance.ContextData,
			&instance.TriggerType, &instance.TriggerData, &instance.Status, &instance.CurrentStepID,
			&instance.StepsCompleted, &instance.StepsTotal, &instance.StepsFailed,
			&instance.StartedAt, &instance.CompletedAt, &instance.ExecutionTimeSeconds, &instance.ExecutionResults,
			&instance.ErrorMessage, &instance.ErrorDetails, &instance.CreatedAt, &instance.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, instance)
	}
	return instances, total, rows.Err()
}

// CreateStep inserts a step record for an instance
func (r *WorkflowRepository) CreateStep(ctx context.Context, step *models.WorkflowStep) error {
	query := fmt.Sprintf(`
		INSERT INTO workflow_steps (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`, stepColumns)

	_, err := r.db.ExecContext(ctx, query,
		step.ID, step.InstanceID, step.DefinitionID, step.Name, step.StepOrder, step.Type, step.Status,
		step.StartedAt, step.CompletedAt, step.DurationMs, step.InputData, step.OutputData,
		step.ErrorMessage, step.RetryCount, step.MaxRetries, step.NextStepID, step.BranchTaken,
	)
	if err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}
	return nil
}

// UpdateStep persists a step's execution state
func (r *WorkflowRepository) UpdateStep(ctx context.Context, step *models.WorkflowStep) error {
	query := `
		UPDATE workflow_steps SET
			status = $1, started_at = $2, completed_at = $3, duration_ms = $4,
			output_data = $5, error_message = $6, retry_count = $7,
			next_step_id = $8, branch_taken = $9
		WHERE id = $10`

	result, err := r.db.ExecContext(ctx, query,
		step.Status, step.StartedAt, step.CompletedAt, step.DurationMs,
		step.OutputData, step.ErrorMessage, step.RetryCount,
		step.NextStepID, step.BranchTaken, step.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	return requireRowAffected(result, "step")
}

// GetSteps lists an instance's steps in execution order
func (r *WorkflowRepository) GetSteps(ctx context.Context, instanceID uuid.UUID) ([]*models.WorkflowStep, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM workflow_steps
		WHERE instance_id = $1
		ORDER BY step_order ASC`, stepColumns)

	rows, err := r.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.WorkflowStep
	for rows.Next() {
		step := &models.WorkflowStep{}
		if err := rows.Scan(
			&step.ID, &step.InstanceID, &step.DefinitionID, &step.Name, &step.StepOrder, &step.Type, &step.Status,
			&step.StartedAt, &step.CompletedAt, &step.DurationMs, &step.InputData, &step.OutputData,
			&step.ErrorMessage, &step.RetryCount, &step.MaxRetries, &step.NextStepID, &step.BranchTaken,
		); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}
