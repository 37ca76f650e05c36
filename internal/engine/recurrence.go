package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/robfig/cron/v3"
)

// RecurrenceCalculator turns schedule definitions into next due
// instants. All methods are pure: a "no next run" result is reported as
// ok=false, never as an error, so a broken schedule goes dormant instead
// of crashing the driver.
type RecurrenceCalculator struct {
	parser cron.Parser
}

// NewRecurrenceCalculator creates a calculator with a standard 5-field
// cron parser that also accepts descriptors like @daily.
func NewRecurrenceCalculator() *RecurrenceCalculator {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &RecurrenceCalculator{parser: parser}
}

// ValidateCron checks a cron expression at configuration time
func (c *RecurrenceCalculator) ValidateCron(expression string) error {
	_, err := c.parser.Parse(expression)
	return err
}

// NextRun computes the next due instant for a schedule strictly after ref.
//
// The weekly scan window is (ref, ref+7d]: the reference day itself is
// never re-selected, so a rule that already ran today cannot fire again
// today. The candidate is clamped into [starts_at, ends_at]; a candidate
// past ends_at means no next run and the caller ends the schedule.
func (c *RecurrenceCalculator) NextRun(s *models.AutomationSchedule, ref time.Time) (time.Time, bool) {
	loc := s.Location()
	ref = ref.In(loc)

	var candidate time.Time

	switch s.Frequency {
	case models.FrequencyOnce:
		if s.LastRunAt != nil {
			return time.Time{}, false
		}
		if s.StartsAt != nil {
			candidate = s.StartsAt.In(loc)
		} else {
			candidate = ref
		}

	case models.FrequencyHourly:
		candidate = time.Date(ref.Year(), ref.Month(), ref.Day(), ref.Hour(), 0, 0, 0, loc).Add(time.Hour)

	case models.FrequencyDaily:
		candidate = applyTimeOfDay(ref.AddDate(0, 0, 1), s.TimeOfDay, loc)

	case models.FrequencyWeekly:
		if len(s.DaysOfWeek) == 0 {
			return time.Time{}, false
		}
		found := false
		for offset := 1; offset <= 7; offset++ {
			day := ref.AddDate(0, 0, offset)
			if s.DaysOfWeek.Contains(day.Weekday()) {
				candidate = applyTimeOfDay(day, s.TimeOfDay, loc)
				found = true
				break
			}
		}
		if !found {
			return time.Time{}, false
		}

	case models.FrequencyMonthly:
		candidate = addMonthsClamped(ref, 1, loc)
		if s.DayOfMonth != nil {
			candidate = setDayClamped(candidate, *s.DayOfMonth, loc)
		}
		candidate = applyTimeOfDay(candidate, s.TimeOfDay, loc)

	case models.FrequencyCustom:
		if s.CronExpression == nil || *s.CronExpression == "" {
			return time.Time{}, false
		}
		sched, err := c.parser.Parse(*s.CronExpression)
		if err != nil {
			return time.Time{}, false
		}
		candidate = sched.Next(ref)
		if candidate.IsZero() {
			return time.Time{}, false
		}

	default:
		return time.Time{}, false
	}

	return clampToWindow(candidate, s.StartsAt, s.EndsAt)
}

// NextJobRun computes the next due instant for a scheduled job strictly
// after ref, following the job's schedule_type.
func (c *RecurrenceCalculator) NextJobRun(j *models.ScheduledJob, ref time.Time) (time.Time, bool) {
	switch j.ScheduleType {
	case models.ScheduleTypeOnce:
		if j.LastRunAt != nil {
			return time.Time{}, false
		}
		candidate := ref
		if j.StartDate != nil {
			candidate = *j.StartDate
		}
		return clampToWindow(candidate, j.StartDate, j.EndDate)

	case models.ScheduleTypeCron:
		if j.CronExpression == nil || *j.CronExpression == "" {
			return time.Time{}, false
		}
		sched, err := c.parser.Parse(*j.CronExpression)
		if err != nil {
			return time.Time{}, false
		}
		candidate := sched.Next(ref)
		if candidate.IsZero() {
			return time.Time{}, false
		}
		return clampToWindow(candidate, j.StartDate, j.EndDate)

	case models.ScheduleTypeRecurring:
		interval := j.Recurrence.Interval
		if interval < 1 {
			interval = 1
		}
		var candidate time.Time
		switch j.Recurrence.Frequency {
		case models.FrequencyHourly:
			candidate = ref.Add(time.Duration(interval) * time.Hour)
		case models.FrequencyDaily:
			candidate = ref.AddDate(0, 0, interval)
		case models.FrequencyWeekly:
			candidate = ref.AddDate(0, 0, 7*interval)
		case models.FrequencyMonthly:
			candidate = addMonthsClamped(ref, interval, ref.Location())
		default:
			return time.Time{}, false
		}
		return clampToWindow(candidate, j.StartDate, j.EndDate)

	default:
		return time.Time{}, false
	}
}

// applyTimeOfDay overrides the hour and minute from a "HH:MM" string,
// zeroing seconds. An unparseable value leaves the instant untouched.
func applyTimeOfDay(t time.Time, timeOfDay *string, loc *time.Location) time.Time {
	if timeOfDay == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	}
	hour, minute, err := parseTimeOfDay(*timeOfDay)
	if err != nil {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, loc)
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day: %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in time of day: %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in time of day: %q", s)
	}
	return hour, minute, nil
}

// addMonthsClamped advances by whole months, clamping the day to the
// target month's length instead of letting the calendar normalize
// (Jan 31 + 1 month is Feb 28, not Mar 3).
func addMonthsClamped(t time.Time, months int, loc *time.Location) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month, 1, t.Hour(), t.Minute(), 0, 0, loc).AddDate(0, months, 0)
	if max := daysInMonth(first.Year(), first.Month()); day > max {
		day = max
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), 0, 0, loc)
}

// setDayClamped sets the day of month, clamped to the month's length
func setDayClamped(t time.Time, day int, loc *time.Location) time.Time {
	if max := daysInMonth(t.Year(), t.Month()); day > max {
		day = max
	}
	if day < 1 {
		day = 1
	}
	return time.Date(t.Year(), t.Month(), day, t.Hour(), t.Minute(), 0, 0, loc)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// clampToWindow pulls a candidate forward to the window start and reports
// no next run when it falls past the window end.
func clampToWindow(candidate time.Time, startsAt, endsAt *time.Time) (time.Time, bool) {
	if startsAt != nil && candidate.Before(*startsAt) {
		candidate = *startsAt
	}
	if endsAt != nil && candidate.After(*endsAt) {
		return time.Time{}, false
	}
	return candidate, true
}
