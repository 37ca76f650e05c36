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

const ruleColumns = `id, organization_id, created_by, name, description, rule_type,
	entity_type, entity_id, conditions, condition_logic, actions, priority,
	status, enabled, max_executions_per_day, cooldown_minutes, last_executed_at,
	execution_count, success_count, failure_count, archived_at, created_at, updated_at`

// RuleRepository handles rule database operations
type RuleRepository struct {
	db *database.PostgresDB
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *database.PostgresDB) *RuleRepository {
	return &RuleRepository{db: db}
}

// Create inserts a new rule
func (r *RuleRepository) Create(ctx context.Context, rule *models.AutomationRule) error {
	query := `
		INSERT INTO automation_rules (
			id, organization_id, created_by, name, description, rule_type,
			entity_type, entity_id, conditions, condition_logic, actions, priority,
			status, enabled, max_executions_per_day, cooldown_minutes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.OrganizationID, rule.CreatedBy, rule.Name, rule.Description, rule.RuleType,
		rule.EntityType, rule.EntityID, rule.Conditions, rule.ConditionLogic, rule.Actions, rule.Priority,
		rule.Status, rule.Enabled, rule.MaxExecutionsPerDay, rule.CooldownMinutes, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

// GetByID retrieves a rule scoped to an organization
func (r *RuleRepository) GetByID(ctx context.Context, organizationID, id uuid.UUID) (*models.AutomationRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM automation_rules WHERE organization_id = $1 AND id = $2`, ruleColumns)
	return r.scanRule(r.db.QueryRowContext(ctx, query, organizationID, id))
}

// Get retrieves a rule by id without organization scoping, for internal
// callers like the scheduler that hold a trusted rule reference.
func (r *RuleRepository) Get(ctx context.Context, id uuid.UUID) (*models.AutomationRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM automation_rules WHERE id = $1`, ruleColumns)
	return r.scanRule(r.db.QueryRowContext(ctx, query, id))
}

// List retrieves rules with optional filtering and pagination
func (r *RuleRepository) List(ctx context.Context, organizationID uuid.UUID, status *models.RuleStatus, enabled *bool, limit, offset int) ([]*models.AutomationRule, int64, error) {
	var statusStr *string
	if status != nil {
		s := string(*status)
		statusStr = &s
	}

	countQuery := `
		SELECT COUNT(*) FROM automation_rules
		WHERE organization_id = $1
		AND ($2::text IS NULL OR status = $2)
		AND ($3::boolean IS NULL OR enabled = $3)`

	var total int64
	if err := r.db.QueryRowContext(ctx, countQuery, organizationID, statusStr, enabled).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM automation_rules
		WHERE organization_id = $1
		AND ($2::text IS NULL OR status = $2)
		AND ($3::boolean IS NULL OR enabled = $3)
		ORDER BY priority DESC, created_at DESC
		LIMIT $4 OFFSET $5`, ruleColumns)

	rows, err := r.db.QueryContext(ctx, query, organizationID, statusStr, enabled, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.AutomationRule
	for rows.Next() {
		rule, err := r.scanRuleFromRows(rows)
		if err != nil {
			return nil, 0, err
		}
		rules = append(rules, rule)
	}
	return rules, total, rows.Err()
}

// Update persists a rule's mutable fields
func (r *RuleRepository) Update(ctx context.Context, rule *models.AutomationRule) error {
	query := `
		UPDATE automation_rules SET
			name = $1, description = $2, conditions = $3, condition_logic = $4,
			actions = $5, priority = $6, max_executions_per_day = $7,
			cooldown_minutes = $8, execution_count = $9, success_count = $10,
			failure_count = $11, updated_at = $12
		WHERE id = $13`

	result, err := r.db.ExecContext(ctx, query,
		rule.Name, rule.Description, rule.Conditions, rule.ConditionLogic,
		rule.Actions, rule.Priority, rule.MaxExecutionsPerDay,
		rule.CooldownMinutes, rule.ExecutionCount, rule.SuccessCount,
		rule.FailureCount, rule.UpdatedAt, rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRowAffected(result, "rule")
}

// UpdateStatus applies a lifecycle transition
func (r *RuleRepository) UpdateStatus(ctx context.Context, organizationID, id uuid.UUID, status models.RuleStatus, enabled bool, archivedAt *time.Time) error {
	query := `
		UPDATE automation_rules
		SET status = $1, enabled = $2, archived_at = $3, updated_at = NOW()
		WHERE organization_id = $4 AND id = $5`

	result, err := r.db.ExecContext(ctx, query, status, enabled, archivedAt, organizationID, id)
	if err != nil {
		return fmt.Errorf("failed to update rule status: %w", err)
	}
	return requireRowAffected(result, "rule")
}

func (r *RuleRepository) scanRule(row *sql.Row) (*models.AutomationRule, error) {
	rule := &models.AutomationRule{}
	err := row.Scan(
		&rule.ID, &rule.OrganizationID, &rule.CreatedBy, &rule.Name, &rule.Description, &rule.RuleType,
		&rule.EntityType, &rule.EntityID, &rule.Conditions, &rule.ConditionLogic, &rule.Actions, &rule.Priority,
		&rule.Status, &rule.Enabled, &rule.MaxExecutionsPerDay, &rule.CooldownMinutes, &rule.LastExecutedAt,
		&rule.ExecutionCount, &rule.SuccessCount, &rule.FailureCount, &rule.ArchivedAt, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (r *RuleRepository) scanRuleFromRows(rows *sql.Rows) (*models.AutomationRule, error) {
	rule := &models.AutomationRule{}
	err := rows.Scan(
		&rule.ID, &rule.OrganizationID, &rule.CreatedBy, &rule.Name, &rule.Description, &rule.RuleType,
		&rule.EntityType, &rule.EntityID, &rule.Conditions, &rule.ConditionLogic, &rule.Actions, &rule.Priority,
		&rule.Status, &rule.Enabled, &rule.MaxExecutionsPerDay, &rule.CooldownMinutes, &rule.LastExecutedAt,
		&rule.ExecutionCount, &rule.SuccessCount, &rule.FailureCount, &rule.ArchivedAt, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}
	return rule, nil
}

func requireRowAffected(result sql.Result, entity string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s not found", entity)
	}
	return nil
}
