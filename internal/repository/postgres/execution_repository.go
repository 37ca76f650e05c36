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

const executionColumns = `id, rule_id, entity_type, entity_id, status, executed_at,
	duration_ms, conditions, actions, results, error_message, context`

// ExecutionRepository handles execution record persistence. Execution
// rows are insert-only.
type ExecutionRepository struct {
	db *database.PostgresDB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(db *database.PostgresDB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// RecordExecution inserts the execution record and updates the rule's
// denormalized counters in one transaction, so the counters can never
// drift from the records by more than a crash window.
func (r *ExecutionRepository) RecordExecution(ctx context.Context, execution *models.AutomationExecution, rule *models.AutomationRule) error {
	tx, err := r.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := fmt.Sprintf(`
		INSERT INTO automation_executions (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, executionColumns)

	if _, err := tx.ExecContext(ctx, insertQuery,
		execution.ID, execution.RuleID, execution.EntityType, execution.EntityID,
		execution.Status, execution.ExecutedAt, execution.DurationMs,
		execution.Conditions, execution.Actions, execution.Results,
		execution.ErrorMessage, execution.Context,
	); err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	counterQuery := `
		UPDATE automation_rules
		SET execution_count = $1, success_count = $2, failure_count = $3,
			last_executed_at = $4, updated_at = NOW()
		WHERE id = $5`

	if _, err := tx.ExecContext(ctx, counterQuery,
		rule.ExecutionCount, rule.SuccessCount, rule.FailureCount,
		rule.LastExecutedAt, rule.ID,
	); err != nil {
		return fmt.Errorf("failed to update rule counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution: %w", err)
	}
	return nil
}

// CountForRuleOnDay counts the rule's executions within the calendar day
// containing the given instant.
func (r *ExecutionRepository) CountForRuleOnDay(ctx context.Context, ruleID uuid.UUID, day time.Time) (int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)

	query := `
		SELECT COUNT(*) FROM automation_executions
		WHERE rule_id = $1 AND executed_at >= $2 AND executed_at < $3`

	var count int
	if err := r.db.QueryRowContext(ctx, query, ruleID, start, end).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

// GetByID retrieves a single execution record
func (r *ExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AutomationExecution, error) {
	query := fmt.Sprintf(`SELECT %s FROM automation_executions WHERE id = $1`, executionColumns)

	execution := &models.AutomationExecution{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&execution.ID, &execution.RuleID, &execution.EntityType, &execution.EntityID,
		&execution.Status, &execution.ExecutedAt, &execution.DurationMs,
		&execution.Conditions, &execution.Actions, &execution.Results,
		&execution.ErrorMessage, &execution.Context,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return execution, nil
}

// ListByRule pages through a rule's execution history, newest first
func (r *ExecutionRepository) ListByRule(ctx context.Context, ruleID uuid.UUID, status *models.ExecutionStatus, limit, offset int) ([]models.AutomationExecution, int64, error) {
	var statusStr *string
	if status != nil {
		s := string(*status)
		statusStr = &s
	}

	countQuery := `
		SELECT COUNT(*) FROM automation_executions
		WHERE rule_id = $1 AND ($2::text IS NULL OR status = $2)`

	var total int64
	if err := r.db.QueryRowContext(ctx, countQuery, ruleID, statusStr).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM automation_executions
		WHERE rule_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY executed_at DESC
		LIMIT $3 OFFSET $4`, executionColumns)

	rows, err := r.db.QueryContext(ctx, query, ruleID, statusStr, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions, err := scanExecutions(rows)
	return executions, total, err
}

// ListByEntity pages through the executions that targeted an entity
func (r *ExecutionRepository) ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AutomationExecution, int64, error) {
	countQuery := `
		SELECT COUNT(*) FROM automation_executions
		WHERE entity_type = $1 AND entity_id = $2`

	var total int64
	if err := r.db.QueryRowContext(ctx, countQuery, entityType, entityID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM automation_executions
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY executed_at DESC
		LIMIT $3 OFFSET $4`, executionColumns)

	rows, err := r.db.QueryContext(ctx, query, entityType, entityID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions, err := scanExecutions(rows)
	return executions, total, err
}

// CountByStatus aggregates a rule's executions per status, the basis for
// counter recovery.
func (r *ExecutionRepository) CountByStatus(ctx context.Context, ruleID uuid.UUID) (map[models.ExecutionStatus]int, error) {
	query := `
		SELECT status, COUNT(*) FROM automation_executions
		WHERE rule_id = $1
		GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ExecutionStatus]int)
	for rows.Next() {
		var status models.ExecutionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func scanExecutions(rows *sql.Rows) ([]models.AutomationExecution, error) {
	var executions []models.AutomationExecution
	for rows.Next() {
		var execution models.AutomationExecution
		if err := rows.Scan(
			&execution.ID, &execution.RuleID, &execution.EntityType, &execution.EntityID,
			&execution.Status, &execution.ExecutedAt, &execution.DurationMs,
			&execution.Conditions, &execution.Actions, &execution.Results,
			&execution.ErrorMessage, &execution.Context,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, execution)
	}
	return executions, rows.Err()
}
