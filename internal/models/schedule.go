package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ScheduleFrequency represents how often a schedule recurs
type ScheduleFrequency string

const (
	FrequencyOnce    ScheduleFrequency = "once"
	FrequencyHourly  ScheduleFrequency = "hourly"
	FrequencyDaily   ScheduleFrequency = "daily"
	FrequencyWeekly  ScheduleFrequency = "weekly"
	FrequencyMonthly ScheduleFrequency = "monthly"
	FrequencyCustom  ScheduleFrequency = "custom"
)

// Weekdays is a set of weekday indices (0=Sunday) stored as JSONB
type Weekdays []time.Weekday

func (w *Weekdays) Scan(value interface{}) error {
	if value == nil {
		*w = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, w)
}

func (w Weekdays) Value() (driver.Value, error) {
	return json.Marshal(w)
}

// Contains reports whether the set includes the given weekday
func (w Weekdays) Contains(day time.Weekday) bool {
	for _, d := range w {
		if d == day {
			return true
		}
	}
	return false
}

// AutomationSchedule is a recurrence policy bound 1:1 to an automation rule
type AutomationSchedule struct {
	ID             uuid.UUID         `json:"id" db:"id"`
	RuleID         uuid.UUID         `json:"rule_id" db:"rule_id"`
	Frequency      ScheduleFrequency `json:"frequency" db:"frequency"`
	CronExpression *string           `json:"cron_expression,omitempty" db:"cron_expression"`
	TimeOfDay      *string           `json:"time_of_day,omitempty" db:"time_of_day"` // "HH:MM"
	DaysOfWeek     Weekdays          `json:"days_of_week,omitempty" db:"days_of_week"`
	DayOfMonth     *int              `json:"day_of_month,omitempty" db:"day_of_month"`
	Timezone       string            `json:"timezone" db:"timezone"`
	StartsAt       *time.Time        `json:"starts_at,omitempty" db:"starts_at"`
	EndsAt         *time.Time        `json:"ends_at,omitempty" db:"ends_at"`
	LastRunAt      *time.Time        `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt      *time.Time        `json:"next_run_at,omitempty" db:"next_run_at"`
	Enabled        bool              `json:"enabled" db:"enabled"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// HasStarted reports whether the validity window has opened
func (s *AutomationSchedule) HasStarted(now time.Time) bool {
	return s.StartsAt == nil || !now.Before(*s.StartsAt)
}

// HasEnded reports whether the validity window has closed
func (s *AutomationSchedule) HasEnded(now time.Time) bool {
	return s.EndsAt != nil && now.After(*s.EndsAt)
}

// Location resolves the schedule's timezone, falling back to UTC
func (s *AutomationSchedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CreateScheduleRequest represents the request to create a schedule
type CreateScheduleRequest struct {
	RuleID         uuid.UUID         `json:"rule_id" validate:"required"`
	Frequency      ScheduleFrequency `json:"frequency" validate:"required,oneof=once hourly daily weekly monthly custom"`
	CronExpression *string           `json:"cron_expression,omitempty"`
	TimeOfDay      *string           `json:"time_of_day,omitempty" validate:"omitempty,len=5"`
	DaysOfWeek     Weekdays          `json:"days_of_week,omitempty" validate:"omitempty,dive,min=0,max=6"`
	DayOfMonth     *int              `json:"day_of_month,omitempty" validate:"omitempty,min=1,max=31"`
	Timezone       string            `json:"timezone"`
	StartsAt       *time.Time        `json:"starts_at,omitempty"`
	EndsAt         *time.Time        `json:"ends_at,omitempty"`
	Enabled        *bool             `json:"enabled,omitempty"`
}

// UpdateScheduleRequest represents the request to update a schedule
type UpdateScheduleRequest struct {
	Frequency      *ScheduleFrequency `json:"frequency,omitempty" validate:"omitempty,oneof=once hourly daily weekly monthly custom"`
	CronExpression *string            `json:"cron_expression,omitempty"`
	TimeOfDay      *string            `json:"time_of_day,omitempty" validate:"omitempty,len=5"`
	DaysOfWeek     *Weekdays          `json:"days_of_week,omitempty"`
	DayOfMonth     *int               `json:"day_of_month,omitempty" validate:"omitempty,min=1,max=31"`
	Timezone       *string            `json:"timezone,omitempty"`
	StartsAt       *time.Time         `json:"starts_at,omitempty"`
	EndsAt         *time.Time         `json:"ends_at,omitempty"`
	Enabled        *bool              `json:"enabled,omitempty"`
}
