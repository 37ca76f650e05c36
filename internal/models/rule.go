package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RuleStatus represents the lifecycle status of an automation rule
type RuleStatus string

const (
	RuleStatusDraft    RuleStatus = "draft"
	RuleStatusActive   RuleStatus = "active"
	RuleStatusPaused   RuleStatus = "paused"
	RuleStatusArchived RuleStatus = "archived"
)

// ConditionLogic combines condition results
type ConditionLogic string

const (
	ConditionLogicAnd ConditionLogic = "and"
	ConditionLogicOr  ConditionLogic = "or"
)

// ConditionKind tags a condition descriptor
type ConditionKind string

const (
	ConditionKindField      ConditionKind = "field"
	ConditionKindExpression ConditionKind = "expression"
	ConditionKindUnknown    ConditionKind = "unknown"
)

// ActionKind tags an action descriptor
type ActionKind string

const (
	ActionKindNotify      ActionKind = "notify"
	ActionKindWebhook     ActionKind = "webhook"
	ActionKindUpdateField ActionKind = "update_field"
	ActionKindLog         ActionKind = "log"
	ActionKindUnknown     ActionKind = "unknown"
)

// RuleCondition is a single predicate descriptor.
// Field conditions compare a context path against a value; expression
// conditions run a compiled expression against the full context. Unknown
// kinds are retained as-is and always evaluate false.
type RuleCondition struct {
	Kind       ConditionKind `json:"kind"`
	Field      string        `json:"field,omitempty"`
	Operator   string        `json:"operator,omitempty"` // eq, neq, gt, gte, lt, lte, in, contains, regex
	Value      interface{}   `json:"value,omitempty"`
	Expression string        `json:"expression,omitempty"`
	Raw        JSONB         `json:"raw,omitempty"`
}

// RuleAction is a single action descriptor. Blocking actions abort the
// remaining actions on failure; non-blocking failures are best-effort.
type RuleAction struct {
	Kind     ActionKind `json:"kind"`
	Params   JSONB      `json:"params,omitempty"`
	Blocking bool       `json:"blocking,omitempty"`
}

// RuleConditions is an ordered condition list stored as JSONB
type RuleConditions []RuleCondition

func (c *RuleConditions) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, c)
}

func (c RuleConditions) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// RuleActions is an ordered action list stored as JSONB
type RuleActions []RuleAction

func (a *RuleActions) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, a)
}

func (a RuleActions) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// AutomationRule is a condition-action policy scoped to an organization
// and optionally a specific entity.
type AutomationRule struct {
	ID                  uuid.UUID      `json:"id" db:"id"`
	OrganizationID      uuid.UUID      `json:"organization_id" db:"organization_id"`
	CreatedBy           *uuid.UUID     `json:"created_by,omitempty" db:"created_by"`
	Name                string         `json:"name" db:"name"`
	Description         *string        `json:"description,omitempty" db:"description"`
	RuleType            string         `json:"rule_type" db:"rule_type"`
	EntityType          *string        `json:"entity_type,omitempty" db:"entity_type"`
	EntityID            *uuid.UUID     `json:"entity_id,omitempty" db:"entity_id"`
	Conditions          RuleConditions `json:"conditions" db:"conditions"`
	ConditionLogic      ConditionLogic `json:"condition_logic" db:"condition_logic"`
	Actions             RuleActions    `json:"actions" db:"actions"`
	Priority            int            `json:"priority" db:"priority"`
	Status              RuleStatus     `json:"status" db:"status"`
	Enabled             bool           `json:"enabled" db:"enabled"`
	MaxExecutionsPerDay *int           `json:"max_executions_per_day,omitempty" db:"max_executions_per_day"`
	CooldownMinutes     int            `json:"cooldown_minutes" db:"cooldown_minutes"`
	LastExecutedAt      *time.Time     `json:"last_executed_at,omitempty" db:"last_executed_at"`
	ExecutionCount      int            `json:"execution_count" db:"execution_count"`
	SuccessCount        int            `json:"success_count" db:"success_count"`
	FailureCount        int            `json:"failure_count" db:"failure_count"`
	ArchivedAt          *time.Time     `json:"archived_at,omitempty" db:"archived_at"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at" db:"updated_at"`
}

// RecordExecution updates the rule's counters and last-execution timestamp
// for one recorded attempt. Partial and skipped outcomes count toward the
// execution total only, which keeps success_count + failure_count within
// execution_count.
func (r *AutomationRule) RecordExecution(status ExecutionStatus, at time.Time) {
	r.ExecutionCount++
	switch status {
	case ExecutionStatusSuccess:
		r.SuccessCount++
	case ExecutionStatusFailure:
		r.FailureCount++
	}
	r.LastExecutedAt = &at
}

// CanTransitionTo reports whether the rule status transition is allowed
func (r *AutomationRule) CanTransitionTo(target RuleStatus) bool {
	switch r.Status {
	case RuleStatusDraft:
		return target == RuleStatusActive || target == RuleStatusArchived
	case RuleStatusActive:
		return target == RuleStatusPaused || target == RuleStatusArchived
	case RuleStatusPaused:
		return target == RuleStatusActive || target == RuleStatusArchived
	case RuleStatusArchived:
		return false
	default:
		return false
	}
}

// Archive soft-archives the rule; rules are never physically deleted
// in normal operation.
func (r *AutomationRule) Archive(at time.Time) {
	r.Status = RuleStatusArchived
	r.ArchivedAt = &at
	r.Enabled = false
}

// IsArchived reports whether the rule has been soft-archived
func (r *AutomationRule) IsArchived() bool {
	return r.Status == RuleStatusArchived
}

// CreateRuleRequest represents the request to create a rule
type CreateRuleRequest struct {
	Name                string         `json:"name" validate:"required"`
	Description         *string        `json:"description,omitempty"`
	RuleType            string         `json:"rule_type" validate:"required"`
	EntityType          *string        `json:"entity_type,omitempty"`
	EntityID            *uuid.UUID     `json:"entity_id,omitempty"`
	Conditions          RuleConditions `json:"conditions" validate:"required,min=1,dive"`
	ConditionLogic      ConditionLogic `json:"condition_logic" validate:"omitempty,oneof=and or"`
	Actions             RuleActions    `json:"actions" validate:"required,min=1,dive"`
	Priority            int            `json:"priority"`
	MaxExecutionsPerDay *int           `json:"max_executions_per_day,omitempty" validate:"omitempty,min=1"`
	CooldownMinutes     int            `json:"cooldown_minutes" validate:"min=0"`
}

// UpdateRuleRequest represents the request to update a rule
type UpdateRuleRequest struct {
	Name                *string         `json:"name,omitempty"`
	Description         *string         `json:"description,omitempty"`
	Conditions          *RuleConditions `json:"conditions,omitempty"`
	ConditionLogic      *ConditionLogic `json:"condition_logic,omitempty" validate:"omitempty,oneof=and or"`
	Actions             *RuleActions    `json:"actions,omitempty"`
	Priority            *int            `json:"priority,omitempty"`
	MaxExecutionsPerDay *int            `json:"max_executions_per_day,omitempty" validate:"omitempty,min=1"`
	CooldownMinutes     *int            `json:"cooldown_minutes,omitempty" validate:"omitempty,min=0"`
}
