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

const auditColumns = `id, organization_id, action, rule_id, execution_id, entity_type,
	entity_id, user_id, changes, metadata, ip_address, created_at`

// AuditLogFilters narrows an audit log listing. Nil fields are ignored.
type AuditLogFilters struct {
	Action   *models.AuditAction
	RuleID   *uuid.UUID
	EntityID *uuid.UUID
	From     *time.Time
	To       *time.Time
}

// AuditRepository persists audit log entries. The table is append-only;
// there are no update or delete operations.
type AuditRepository struct {
	db *database.PostgresDB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *database.PostgresDB) *AuditRepository {
	return &AuditRepository{db: db}
}

// CreateAuditLog inserts a new audit log entry
func (r *AuditRepository) CreateAuditLog(ctx context.Context, entry *models.AutomationAuditLog) error {
	query := fmt.Sprintf(`
		INSERT INTO automation_audit_logs (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, auditColumns)

	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.OrganizationID, entry.Action, entry.RuleID, entry.ExecutionID,
		entry.EntityType, entry.EntityID, entry.UserID, entry.Changes, entry.Metadata,
		entry.IPAddress, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// GetAuditLogByID retrieves a single entry
func (r *AuditRepository) GetAuditLogByID(ctx context.Context, id uuid.UUID) (*models.AutomationAuditLog, error) {
	query := fmt.Sprintf(`SELECT %s FROM automation_audit_logs WHERE id = $1`, auditColumns)

	entry := &models.AutomationAuditLog{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&entry.ID, &entry.OrganizationID, &entry.Action, &entry.RuleID, &entry.ExecutionID,
		&entry.EntityType, &entry.EntityID, &entry.UserID, &entry.Changes, &entry.Metadata,
		&entry.IPAddress, &entry.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("audit log not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}
	return entry, nil
}

// ListAuditLogs retrieves entries newest-first with optional filters
func (r *AuditRepository) ListAuditLogs(ctx context.Context, organizationID *uuid.UUID, filters *AuditLogFilters, limit, offset int) ([]models.AutomationAuditLog, int64, error) {
	if filters == nil {
		filters = &AuditLogFilters{}
	}
	var actionStr *string
	if filters.Action != nil {
		a := string(*filters.Action)
		actionStr = &a
	}

	where := `
		WHERE ($1::uuid IS NULL OR organization_id = $1)
		AND ($2::text IS NULL OR action = $2)
		AND ($3::uuid IS NULL OR rule_id = $3)
		AND ($4::uuid IS NULL OR entity_id = $4)
		AND ($5::timestamptz IS NULL OR created_at >= $5)
		AND ($6::timestamptz IS NULL OR created_at < $6)`

	var total int64
	countQuery := `SELECT COUNT(*) FROM automation_audit_logs` + where
	err := r.db.QueryRowContext(ctx, countQuery,
		organizationID, actionStr, filters.RuleID, filters.EntityID, filters.From, filters.To,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM automation_audit_logs`, auditColumns) + where + `
		ORDER BY created_at DESC
		LIMIT $7 OFFSET $8`

	rows, err := r.db.QueryContext(ctx, query,
		organizationID, actionStr, filters.RuleID, filters.EntityID, filters.From, filters.To,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	entries, err := scanAuditLogs(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// GetAuditLogsByRule retrieves a rule's history newest-first
func (r *AuditRepository) GetAuditLogsByRule(ctx context.Context, ruleID uuid.UUID, limit, offset int) ([]models.AutomationAuditLog, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM automation_audit_logs
		WHERE rule_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, auditColumns)

	rows, err := r.db.QueryContext(ctx, query, ruleID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit logs by rule: %w", err)
	}
	defer rows.Close()

	return scanAuditLogs(rows)
}

func scanAuditLogs(rows *sql.Rows) ([]models.AutomationAuditLog, error) {
	var entries []models.AutomationAuditLog
	for rows.Next() {
		var entry models.AutomationAuditLog
		if err := rows.Scan(
			&entry.ID, &entry.OrganizationID, &entry.Action, &entry.RuleID, &entry.ExecutionID,
			&entry.EntityType, &entry.EntityID, &entry.UserID, &entry.Changes, &entry.Metadata,
			&entry.IPAddress, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
