package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the outcome of a single rule firing
type ExecutionStatus string

const (
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailure ExecutionStatus = "failure"
	ExecutionStatusPartial ExecutionStatus = "partial"
	ExecutionStatusSkipped ExecutionStatus = "skipped"
)

// ConditionResult is the evaluation snapshot of one condition
type ConditionResult struct {
	Condition RuleCondition `json:"condition"`
	Met       bool          `json:"met"`
	Error     string        `json:"error,omitempty"`
}

// ConditionResults is stored as JSONB
type ConditionResults []ConditionResult

func (c *ConditionResults) Scan(value interface{}) error {
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

func (c ConditionResults) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// ActionOutcome is the recorded result of one dispatched action
type ActionOutcome struct {
	Action     RuleAction `json:"action"`
	Success    bool       `json:"success"`
	Data       JSONB      `json:"data,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// ActionOutcomes is stored as JSONB
type ActionOutcomes []ActionOutcome

func (a *ActionOutcomes) Scan(value interface{}) error {
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

func (a ActionOutcomes) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// AutomationExecution is one immutable record of a single rule firing.
// Created exactly once per execution attempt, never mutated afterwards.
type AutomationExecution struct {
	ID           uuid.UUID        `json:"id" db:"id"`
	RuleID       uuid.UUID        `json:"rule_id" db:"rule_id"`
	EntityType   *string          `json:"entity_type,omitempty" db:"entity_type"`
	EntityID     *uuid.UUID       `json:"entity_id,omitempty" db:"entity_id"`
	Status       ExecutionStatus  `json:"status" db:"status"`
	ExecutedAt   time.Time        `json:"executed_at" db:"executed_at"`
	DurationMs   int64            `json:"duration_ms" db:"duration_ms"`
	Conditions   ConditionResults `json:"conditions" db:"conditions"`
	Actions      RuleActions      `json:"actions" db:"actions"`
	Results      ActionOutcomes   `json:"results" db:"results"`
	ErrorMessage *string          `json:"error_message,omitempty" db:"error_message"`
	Context      JSONB            `json:"context,omitempty" db:"context"`
}

// ExecutionListResponse represents a paginated list of executions
type ExecutionListResponse struct {
	Executions []AutomationExecution `json:"executions"`
	Total      int64                 `json:"total"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"page_size"`
}
