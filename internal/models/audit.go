package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction tags an audit log entry
type AuditAction string

const (
	AuditRuleCreated        AuditAction = "rule_created"
	AuditRuleUpdated        AuditAction = "rule_updated"
	AuditRuleDeleted        AuditAction = "rule_deleted"
	AuditRuleExecuted       AuditAction = "rule_executed"
	AuditActionTaken        AuditAction = "action_taken"
	AuditWorkflowStarted    AuditAction = "workflow_started"
	AuditWorkflowCompleted  AuditAction = "workflow_completed"
	AuditWorkflowFailed     AuditAction = "workflow_failed"
	AuditWorkflowCancelled  AuditAction = "workflow_cancelled"
	AuditScheduleRecomputed AuditAction = "schedule_recomputed"
)

// AutomationAuditLog is an append-only record of rule lifecycle and
// execution events. Entries are created once and never mutated or deleted;
// they are the durable source of truth behind the denormalized counters.
type AutomationAuditLog struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	OrganizationID *uuid.UUID  `json:"organization_id,omitempty" db:"organization_id"`
	Action         AuditAction `json:"action" db:"action"`
	RuleID         *uuid.UUID  `json:"rule_id,omitempty" db:"rule_id"`
	ExecutionID    *uuid.UUID  `json:"execution_id,omitempty" db:"execution_id"`
	EntityType     *string     `json:"entity_type,omitempty" db:"entity_type"`
	EntityID       *uuid.UUID  `json:"entity_id,omitempty" db:"entity_id"`
	UserID         *uuid.UUID  `json:"user_id,omitempty" db:"user_id"`
	Changes        JSONB       `json:"changes,omitempty" db:"changes"`
	Metadata       JSONB       `json:"metadata,omitempty" db:"metadata"`
	IPAddress      *string     `json:"ip_address,omitempty" db:"ip_address"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}
