package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/pkg/database"
)

const jobColumns = `id, organization_id, name, workflow_template_id, rule_id,
	schedule_type, cron_expression, recurrence_config, start_date, end_date,
	max_executions, execution_count, timeout_seconds, last_run_at, next_run_at,
	status, last_error, created_at, updated_at`

// JobRepository handles scheduled job database operations
type JobRepository struct {
	db *database.PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *database.PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new scheduled job
func (r *JobRepository) Create(ctx context.Context, job *models.ScheduledJob) error {
	query := fmt.Sprintf(`
		INSERT INTO scheduled_jobs (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`, jobColumns)

	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.OrganizationID, job.Name, job.WorkflowTemplateID, job.RuleID,
		job.ScheduleType, job.CronExpression, job.Recurrence, job.StartDate, job.EndDate,
		job.MaxExecutions, job.ExecutionCount, job.TimeoutSeconds, job.LastRunAt, job.NextRunAt,
		job.Status, job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetByID retrieves a job scoped to an organization
func (r *JobRepository) GetByID(ctx context.Context, organizationID, id uuid.UUID) (*models.ScheduledJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM scheduled_jobs WHERE organization_id = $1 AND id = $2`, jobColumns)

	job := &models.ScheduledJob{}
	err := r.db.QueryRowContext(ctx, query, organizationID, id).Scan(
		&job.ID, &job.OrganizationID, &job.Name, &job.WorkflowTemplateID, &job.RuleID,
		&job.ScheduleType, &job.CronExpression, &job.Recurrence, &job.StartDate, &job.EndDate,
		&job.MaxExecutions, &job.ExecutionCount, &job.TimeoutSeconds, &job.LastRunAt, &job.NextRunAt,
		&job.Status, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// List retrieves jobs with optional status filtering
func (r *JobRepository) List(ctx context.Context, organizationID uuid.UUID, status *models.JobStatus, limit, offset int) ([]*models.ScheduledJob, int64, error) {
	var statusStr *string
	if status != nil {
		s := string(*status)
		statusStr = &s
	}

	countQuery := `
		SELECT COUNT(*) FROM scheduled_jobs
		WHERE organization_id = $1 AND ($2::text IS NULL OR status = $2)`

	var total int64
	if err := r.db.QueryRowContext(ctx, countQuery, organizationID, statusStr).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM scheduled_jobs
		WHERE organization_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, jobColumns)

	rows, err := r.db.QueryContext(ctx, query, organizationID, statusStr, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	return jobs, total, err
}

// GetDueJobs returns active jobs whose next_run_at has passed
func (r *JobRepository) GetDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledJob, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM scheduled_jobs
		WHERE status = $1 AND next_run_at IS NOT NULL AND next_run_at <= $2
		ORDER BY next_run_at ASC
		LIMIT $3`, jobColumns)

	rows, err := r.db.QueryContext(ctx, query, models.JobStatusActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// Claim atomically takes ownership of a due job, compare-and-swap on
// next_run_at. A false return means another driver got there first.
func (r *JobRepository) Claim(ctx context.Context, id uuid.UUID, expectedNextRun time.Time) (bool, error) {
	query := `
		UPDATE scheduled_jobs
		SET next_run_at = NULL, updated_at = NOW()
		WHERE id = $1 AND next_run_at = $2`

	result, err := r.db.ExecContext(ctx, query, id, expectedNextRun)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check claim: %w", err)
	}
	return affected == 1, nil
}

// Update persists a job's mutable fields
func (r *JobRepository) Update(ctx context.Context, job *models.ScheduledJob) error {
	query := `
		UPDATE scheduled_jobs SET
			name = $1, cron_expression = $2, recurrence_config = $3, start_date = $4,
			end_date = $5, max_executions = $6, execution_count = $7, timeout_seconds = $8,
			last_run_at = $9, next_run_at = $10, status = $11, last_error = $12, updated_at = $13
		WHERE id = $14`

	result, err := r.db.ExecContext(ctx, query,
		job.Name, job.CronExpression, job.Recurrence, job.StartDate,
		job.EndDate, job.MaxExecutions, job.ExecutionCount, job.TimeoutSeconds,
		job.LastRunAt, job.NextRunAt, job.Status, job.LastError, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return requireRowAffected(result, "job")
}

func scanJobs(rows *sql.Rows) ([]*models.ScheduledJob, error) {
	var jobs []*models.ScheduledJob
	for rows.Next() {
		job := &models.ScheduledJob{}
		if err := rows.Scan(
			&job.ID, &job.OrganizationID, &job.Name, &job.WorkflowTemplateID, &job.RuleID,
			&job.ScheduleType, &job.CronExpression, &job.Recurrence, &job.StartDate, &job.EndDate,
			&job.MaxExecutions, &job.ExecutionCount, &job.TimeoutSeconds, &job.LastRunAt, &job.NextRunAt,
			&job.Status, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
