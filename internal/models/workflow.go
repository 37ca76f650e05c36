package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a state machine transition is not
// allowed from the current status.
var ErrInvalidTransition = errors.New("invalid state transition")

// TemplateStatus represents the lifecycle status of a workflow template
type TemplateStatus string

const (
	TemplateStatusDraft    TemplateStatus = "draft"
	TemplateStatusActive   TemplateStatus = "active"
	TemplateStatusArchived TemplateStatus = "archived"
)

// InstanceStatus represents the status of a workflow instance
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// StepType represents the kind of a workflow step
type StepType string

const (
	StepTypeAction    StepType = "action"
	StepTypeCondition StepType = "condition"
	StepTypeDelay     StepType = "delay"
	StepTypeSplit     StepType = "split"
	StepTypeMerge     StepType = "merge"
)

// StepStatus represents the status of a workflow step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepDefinition is one node of a template's step graph. The graph is
// already materialized by the authoring layer; the engine only interprets it.
type StepDefinition struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Type         StepType       `json:"type"`
	Action       *RuleAction    `json:"action,omitempty"`
	Condition    *RuleCondition `json:"condition,omitempty"`
	OnTrue       string         `json:"on_true,omitempty"`
	OnFalse      string         `json:"on_false,omitempty"`
	Branches     []string       `json:"branches,omitempty"` // split targets
	Next         string         `json:"next,omitempty"`
	DelaySeconds int            `json:"delay_seconds,omitempty"`
	MaxRetries   int            `json:"max_retries,omitempty"`
	Optional     bool           `json:"optional,omitempty"` // failure does not fail the instance
}

// WorkflowDefinition is the ordered step graph of a template
type WorkflowDefinition struct {
	Steps []StepDefinition `json:"steps"`
}

func (w *WorkflowDefinition) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, w)
}

func (w WorkflowDefinition) Value() (driver.Value, error) {
	return json.Marshal(w)
}

// StepByID returns the step definition with the given id, or nil
func (w *WorkflowDefinition) StepByID(id string) *StepDefinition {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// WorkflowTemplate is a reusable, versioned workflow definition
type WorkflowTemplate struct {
	ID              uuid.UUID          `json:"id" db:"id"`
	OrganizationID  uuid.UUID          `json:"organization_id" db:"organization_id"`
	CreatedBy       *uuid.UUID         `json:"created_by,omitempty" db:"created_by"`
	Name            string             `json:"name" db:"name"`
	Description     *string            `json:"description,omitempty" db:"description"`
	Version         int                `json:"version" db:"version"`
	Definition      WorkflowDefinition `json:"workflow_definition" db:"workflow_definition"`
	TriggerConfig   JSONB              `json:"trigger_config,omitempty" db:"trigger_config"`
	TotalSteps      int                `json:"total_steps" db:"total_steps"`
	UsageCount      int                `json:"usage_count" db:"usage_count"`
	ActiveInstances int                `json:"active_instances" db:"active_instances"`
	Status          TemplateStatus     `json:"status" db:"status"`
	IsPublic        bool               `json:"is_public" db:"is_public"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
}

// WorkflowInstance is one run of a template. Definition and context are
// snapshotted at trigger time so later template edits cannot affect a run
// already in flight.
type WorkflowInstance struct {
	ID                   uuid.UUID          `json:"id" db:"id"`
	TemplateID           uuid.UUID          `json:"template_id" db:"template_id"`
	OrganizationID       uuid.UUID          `json:"organization_id" db:"organization_id"`
	Definition           WorkflowDefinition `json:"workflow_definition" db:"workflow_definition"`
	ContextData          JSONB              `json:"context_data,omitempty" db:"context_data"`
	TriggerType          string             `json:"trigger_type" db:"trigger_type"`
	TriggerData          JSONB              `json:"trigger_data,omitempty" db:"trigger_data"`
	Status               InstanceStatus     `json:"status" db:"status"`
	CurrentStepID        *uuid.UUID         `json:"current_step_id,omitempty" db:"current_step_id"`
	StepsCompleted       int                `json:"steps_completed" db:"steps_completed"`
	StepsTotal           int                `json:"steps_total" db:"steps_total"`
	StepsFailed          int                `json:"steps_failed" db:"steps_failed"`
	StartedAt            *time.Time         `json:"started_at,omitempty" db:"started_at"`
	CompletedAt          *time.Time         `json:"completed_at,omitempty" db:"completed_at"`
	ExecutionTimeSeconds *int               `json:"execution_time_seconds,omitempty" db:"execution_time_seconds"`
	ExecutionResults     JSONB              `json:"execution_results,omitempty" db:"execution_results"`
	ErrorMessage         *string            `json:"error_message,omitempty" db:"error_message"`
	ErrorDetails         JSONB              `json:"error_details,omitempty" db:"error_details"`
	CreatedAt            time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the instance has reached a terminal status
func (i *WorkflowInstance) IsTerminal() bool {
	switch i.Status {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	default:
		return false
	}
}

// Start moves the instance from pending to running and stamps started_at
func (i *WorkflowInstance) Start(now time.Time) error {
	if i.Status != InstanceStatusPending {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, i.Status)
	}
	i.Status = InstanceStatusRunning
	i.StartedAt = &now
	return nil
}

// Pause moves a running instance aside without touching progress counters
func (i *WorkflowInstance) Pause() error {
	if i.Status != InstanceStatusRunning {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, i.Status)
	}
	i.Status = InstanceStatusPaused
	return nil
}

// Resume moves a paused instance back to running
func (i *WorkflowInstance) Resume() error {
	if i.Status != InstanceStatusPaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, i.Status)
	}
	i.Status = InstanceStatusRunning
	return nil
}

// Complete moves a running instance to completed and captures timing
func (i *WorkflowInstance) Complete(now time.Time, results JSONB) error {
	if i.Status != InstanceStatusRunning {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, i.Status)
	}
	i.Status = InstanceStatusCompleted
	i.ExecutionResults = results
	i.finish(now)
	return nil
}

// Fail moves a running instance to failed and captures timing
func (i *WorkflowInstance) Fail(now time.Time, message string, details JSONB) error {
	if i.Status != InstanceStatusRunning {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, i.Status)
	}
	i.Status = InstanceStatusFailed
	i.ErrorMessage = &message
	i.ErrorDetails = details
	i.finish(now)
	return nil
}

// Cancel is valid from any non-terminal status
func (i *WorkflowInstance) Cancel(now time.Time) error {
	if i.IsTerminal() {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, i.Status)
	}
	i.Status = InstanceStatusCancelled
	i.finish(now)
	return nil
}

// finish stamps completed_at and execution_time_seconds once, at the
// terminal transition.
func (i *WorkflowInstance) finish(now time.Time) {
	i.CompletedAt = &now
	if i.StartedAt != nil {
		secs := int(now.Sub(*i.StartedAt).Seconds())
		i.ExecutionTimeSeconds = &secs
	}
}

// IncrementStepsCompleted bumps the completion counter
func (i *WorkflowInstance) IncrementStepsCompleted() {
	i.StepsCompleted++
}

// IncrementStepsFailed bumps the failure counter
func (i *WorkflowInstance) IncrementStepsFailed() {
	i.StepsFailed++
}

// ProgressPercentage returns completed/total as a percentage rounded to
// two decimals. Zero total is a defined edge case, not a division error.
func (i *WorkflowInstance) ProgressPercentage() float64 {
	if i.StepsTotal == 0 {
		return 0
	}
	pct := float64(i.StepsCompleted) / float64(i.StepsTotal) * 100
	return math.Round(pct*100) / 100
}

// WorkflowStep is one node belonging to an instance, ordered by step_order
type WorkflowStep struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	InstanceID   uuid.UUID  `json:"instance_id" db:"instance_id"`
	DefinitionID string     `json:"definition_id" db:"definition_id"`
	Name         string     `json:"name" db:"name"`
	StepOrder    int        `json:"step_order" db:"step_order"`
	Type         StepType   `json:"step_type" db:"step_type"`
	Status       StepStatus `json:"status" db:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs   *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
	InputData    JSONB      `json:"input_data,omitempty" db:"input_data"`
	OutputData   JSONB      `json:"output_data,omitempty" db:"output_data"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`
	RetryCount   int        `json:"retry_count" db:"retry_count"`
	MaxRetries   int        `json:"max_retries" db:"max_retries"`
	NextStepID   *string    `json:"next_step_id,omitempty" db:"next_step_id"`
	BranchTaken  *string    `json:"branch_taken,omitempty" db:"branch_taken"`
}

// Start moves the step from pending to running
func (s *WorkflowStep) Start(now time.Time) error {
	if s.Status != StepStatusPending {
		return fmt.Errorf("%w: start step from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StepStatusRunning
	s.StartedAt = &now
	return nil
}

// Complete finishes the step and stores its output
func (s *WorkflowStep) Complete(now time.Time, output JSONB) error {
	if s.Status != StepStatusRunning {
		return fmt.Errorf("%w: complete step from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StepStatusCompleted
	s.OutputData = output
	s.capture(now)
	return nil
}

// Fail finishes the step with an error message
func (s *WorkflowStep) Fail(now time.Time, message string) error {
	if s.Status != StepStatusRunning {
		return fmt.Errorf("%w: fail step from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StepStatusFailed
	s.ErrorMessage = &message
	s.capture(now)
	return nil
}

// Skip marks a pending step as skipped (branch not taken)
func (s *WorkflowStep) Skip() error {
	if s.Status != StepStatusPending {
		return fmt.Errorf("%w: skip step from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StepStatusSkipped
	return nil
}

// Retry resets a failed step to pending, incrementing retry_count and
// clearing the error message. Once the budget is exhausted it is a no-op
// returning false, never an error.
func (s *WorkflowStep) Retry() bool {
	if s.Status != StepStatusFailed {
		return false
	}
	if s.RetryCount >= s.MaxRetries {
		return false
	}
	s.RetryCount++
	s.Status = StepStatusPending
	s.ErrorMessage = nil
	s.StartedAt = nil
	s.CompletedAt = nil
	s.DurationMs = nil
	return true
}

func (s *WorkflowStep) capture(now time.Time) {
	s.CompletedAt = &now
	if s.StartedAt != nil {
		ms := now.Sub(*s.StartedAt).Milliseconds()
		s.DurationMs = &ms
	}
}
