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

const scheduleColumns = `id, rule_id, frequency, cron_expression, time_of_day,
	days_of_week, day_of_month, timezone, starts_at, ends_at, last_run_at,
	next_run_at, enabled, created_at, updated_at`

// ScheduleRepository handles schedule database operations
type ScheduleRepository struct {
	db *database.PostgresDB
}

// NewScheduleRepository creates a new schedule repository
func NewScheduleRepository(db *database.PostgresDB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Create inserts a new schedule
func (r *ScheduleRepository) Create(ctx context.Context, schedule *models.AutomationSchedule) error {
	query := fmt.Sprintf(`
		INSERT INTO automation_schedules (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`, scheduleColumns)

	_, err := r.db.ExecContext(ctx, query,
		schedule.ID, schedule.RuleID, schedule.Frequency, schedule.CronExpression, schedule.TimeOfDay,
		schedule.DaysOfWeek, schedule.DayOfMonth, schedule.Timezone, schedule.StartsAt, schedule.EndsAt,
		schedule.LastRunAt, schedule.NextRunAt, schedule.Enabled, schedule.CreatedAt, schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// GetByID retrieves a schedule
func (r *ScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AutomationSchedule, error) {
	query := fmt.Sprintf(`SELECT %s FROM automation_schedules WHERE id = $1`, scheduleColumns)
	return r.scanSchedule(r.db.QueryRowContext(ctx, query, id))
}

// GetByRuleID retrieves the schedule attached to a rule
func (r *ScheduleRepository) GetByRuleID(ctx context.Context, ruleID uuid.UUID) (*models.AutomationSchedule, error) {
	query := fmt.Sprintf(`SELECT %s FROM automation_schedules WHERE rule_id = $1`, scheduleColumns)
	return r.scanSchedule(r.db.QueryRowContext(ctx, query, ruleID))
}

// GetDueSchedules returns enabled schedules whose next_run_at has passed
func (r *ScheduleRepository) GetDueSchedules(ctx context.Context, now time.Time, limit int) ([]*models.AutomationSchedule, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM automation_schedules
		WHERE enabled = true AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2`, scheduleColumns)

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*models.AutomationSchedule
	for rows.Next() {
		schedule := &models.AutomationSchedule{}
		if err := rows.Scan(
			&schedule.ID, &schedule.RuleID, &schedule.Frequency, &schedule.CronExpression, &schedule.TimeOfDay,
			&schedule.DaysOfWeek, &schedule.DayOfMonth, &schedule.Timezone, &schedule.StartsAt, &schedule.EndsAt,
			&schedule.LastRunAt, &schedule.NextRunAt, &schedule.Enabled, &schedule.CreatedAt, &schedule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

// Claim atomically takes ownership of a due schedule by clearing its
// next_run_at, compare-and-swap style. A false return means another
// driver instance claimed it first.
func (r *ScheduleRepository) Claim(ctx context.Context, id uuid.UUID, expectedNextRun time.Time) (bool, error) {
	query := `
		UPDATE automation_schedules
		SET next_run_at = NULL, updated_at = NOW()
		WHERE id = $1 AND next_run_at = $2`

	result, err := r.db.ExecContext(ctx, query, id, expectedNextRun)
	if err != nil {
		return false, fmt.Errorf("failed to claim schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check claim: %w", err)
	}
	return affected == 1, nil
}

// Update persists a schedule's fields
func (r *ScheduleRepository) Update(ctx context.Context, schedule *models.AutomationSchedule) error {
	query := `
		UPDATE automation_schedules SET
			frequency = $1, cron_expression = $2, time_of_day = $3, days_of_week = $4,
			day_of_month = $5, timezone = $6, starts_at = $7, ends_at = $8,
			last_run_at = $9, next_run_at = $10, enabled = $11, updated_at = $12
		WHERE id = $13`

	result, err := r.db.ExecContext(ctx, query,
		schedule.Frequency, schedule.CronExpression, schedule.TimeOfDay, schedule.DaysOfWeek,
		schedule.DayOfMonth, schedule.Timezone, schedule.StartsAt, schedule.EndsAt,
		schedule.LastRunAt, schedule.NextRunAt, schedule.Enabled, schedule.UpdatedAt, schedule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	return requireRowAffected(result, "schedule")
}

// Delete removes a schedule
func (r *ScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM automation_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return requireRowAffected(result, "schedule")
}

func (r *ScheduleRepository) scanSchedule(row *sql.Row) (*models.AutomationSchedule, error) {
	schedule := &models.AutomationSchedule{}
	err := row.Scan(
		&schedule.ID, &schedule.RuleID, &schedule.Frequency, &schedule.CronExpression, &schedule.TimeOfDay,
		&schedule.DaysOfWeek, &schedule.DayOfMonth, &schedule.Timezone, &schedule.StartsAt, &schedule.EndsAt,
		&schedule.LastRunAt, &schedule.NextRunAt, &schedule.Enabled, &schedule.CreatedAt, &schedule.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return schedule, nil
}
