package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ScheduleType represents how a scheduled job recurs
type ScheduleType string

const (
	ScheduleTypeOnce      ScheduleType = "once"
	ScheduleTypeRecurring ScheduleType = "recurring"
	ScheduleTypeCron      ScheduleType = "cron"
)

// JobStatus represents the lifecycle status of a scheduled job
type JobStatus string

const (
	JobStatusActive    JobStatus = "active"
	JobStatusPaused    JobStatus = "paused"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCompleted JobStatus = "completed"
)

// JobTarget identifies what a scheduled job fires
type JobTarget string

const (
	JobTargetWorkflow JobTarget = "workflow"
	JobTargetRule     JobTarget = "rule"
	JobTargetNone     JobTarget = "none"
)

// RecurrenceConfig describes a simple interval recurrence, stored as JSONB
type RecurrenceConfig struct {
	Frequency ScheduleFrequency `json:"frequency"`
	Interval  int               `json:"interval"` // every N frequency units, min 1
}

func (r *RecurrenceConfig) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, r)
}

func (r RecurrenceConfig) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// ScheduledJob is a recurrence entity that targets either a workflow
// template or an automation rule. The two targets are mutually exclusive
// by convention; Target() prefers the workflow when both are set.
type ScheduledJob struct {
	ID                 uuid.UUID        `json:"id" db:"id"`
	OrganizationID     uuid.UUID        `json:"organization_id" db:"organization_id"`
	Name               string           `json:"name" db:"name"`
	WorkflowTemplateID *uuid.UUID       `json:"workflow_template_id,omitempty" db:"workflow_template_id"`
	RuleID             *uuid.UUID       `json:"rule_id,omitempty" db:"rule_id"`
	ScheduleType       ScheduleType     `json:"schedule_type" db:"schedule_type"`
	CronExpression     *string          `json:"cron_expression,omitempty" db:"cron_expression"`
	Recurrence         RecurrenceConfig `json:"recurrence_config" db:"recurrence_config"`
	StartDate          *time.Time       `json:"start_date,omitempty" db:"start_date"`
	EndDate            *time.Time       `json:"end_date,omitempty" db:"end_date"`
	MaxExecutions      *int             `json:"max_executions,omitempty" db:"max_executions"`
	ExecutionCount     int              `json:"execution_count" db:"execution_count"`
	TimeoutSeconds     int              `json:"timeout_seconds" db:"timeout_seconds"`
	LastRunAt          *time.Time       `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt          *time.Time       `json:"next_run_at,omitempty" db:"next_run_at"`
	Status             JobStatus        `json:"status" db:"status"`
	LastError          *string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" db:"updated_at"`
}

// Target reports what the job fires
func (j *ScheduledJob) Target() JobTarget {
	if j.WorkflowTemplateID != nil {
		return JobTargetWorkflow
	}
	if j.RuleID != nil {
		return JobTargetRule
	}
	return JobTargetNone
}

// ReachedMaxExecutions reports whether the execution cap has been hit
func (j *ScheduledJob) ReachedMaxExecutions() bool {
	return j.MaxExecutions != nil && j.ExecutionCount >= *j.MaxExecutions
}

// PastEndDate reports whether the job's validity window has closed
func (j *ScheduledJob) PastEndDate(now time.Time) bool {
	return j.EndDate != nil && now.After(*j.EndDate)
}

// IsTerminal reports whether the job can never run again.
// Completed is terminal; failed jobs can be reactivated by an operator.
func (j *ScheduledJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted
}

// MarkRun records one firing of the job. A non-empty errMsg moves the job
// to failed; reaching the cap or the end date completes it; otherwise the
// caller recomputes next_run_at and the job stays active.
func (j *ScheduledJob) MarkRun(now time.Time, errMsg string) {
	j.ExecutionCount++
	j.LastRunAt = &now

	if errMsg != "" {
		j.Status = JobStatusFailed
		j.LastError = &errMsg
		j.NextRunAt = nil
		return
	}

	j.LastError = nil
	if j.ReachedMaxExecutions() || j.PastEndDate(now) || j.ScheduleType == ScheduleTypeOnce {
		j.Status = JobStatusCompleted
		j.NextRunAt = nil
	}
}
