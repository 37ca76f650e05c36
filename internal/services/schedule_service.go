package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pulsecrm/automation-engine/internal/engine"
	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/pkg/logger"
)

// ScheduleRepository defines the interface for schedule persistence
type ScheduleRepository interface {
	Create(ctx context.Context, schedule *models.AutomationSchedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AutomationSchedule, error)
	GetByRuleID(ctx context.Context, ruleID uuid.UUID) (*models.AutomationSchedule, error)
	Update(ctx context.Context, schedule *models.AutomationSchedule) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// JobRepository defines the interface for scheduled job persistence
type JobRepository interface {
	Create(ctx context.Context, job *models.ScheduledJob) error
	GetByID(ctx context.Context, organizationID, id uuid.UUID) (*models.ScheduledJob, error)
	List(ctx context.Context, organizationID uuid.UUID, status *models.JobStatus, limit, offset int) ([]*models.ScheduledJob, int64, error)
	Update(ctx context.Context, job *models.ScheduledJob) error
}

// ScheduleService manages recurrence policies for rules and scheduled jobs
type ScheduleService struct {
	scheduleRepo ScheduleRepository
	jobRepo      JobRepository
	calculator   *engine.RecurrenceCalculator
	audit        *AuditService
	validate     *validator.Validate
	logger       *logger.Logger
}

// NewScheduleService creates a new schedule service
func NewScheduleService(
	scheduleRepo ScheduleRepository,
	jobRepo JobRepository,
	calculator *engine.RecurrenceCalculator,
	audit *AuditService,
	log *logger.Logger,
) *ScheduleService {
	return &ScheduleService{
		scheduleRepo: scheduleRepo,
		jobRepo:      jobRepo,
		calculator:   calculator,
		audit:        audit,
		validate:     validator.New(),
		logger:       log,
	}
}

// CreateSchedule attaches a recurrence policy to a rule. Broken
// configurations are rejected here, at the last point a human sees them.
func (s *ScheduleService) CreateSchedule(ctx context.Context, req *models.CreateScheduleRequest) (*models.AutomationSchedule, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid schedule request: %w", err)
	}
	if err := s.validateRecurrence(req.Frequency, req.CronExpression, req.DaysOfWeek, req.Timezone); err != nil {
		return nil, err
	}

	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	now := time.Now()
	schedule := &models.AutomationSchedule{
		ID:             uuid.New(),
		RuleID:         req.RuleID,
		Frequency:      req.Frequency,
		CronExpression: req.CronExpression,
		TimeOfDay:      req.TimeOfDay,
		DaysOfWeek:     req.DaysOfWeek,
		DayOfMonth:     req.DayOfMonth,
		Timezone:       timezone,
		StartsAt:       req.StartsAt,
		EndsAt:         req.EndsAt,
		Enabled:        enabled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.recompute(schedule, now)

	if err := s.scheduleRepo.Create(ctx, schedule); err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}

	s.logger.Info("Schedule created",
		logger.String("schedule_id", schedule.ID.String()),
		logger.String("rule_id", schedule.RuleID.String()),
		logger.String("frequency", string(schedule.Frequency)),
	)

	return schedule, nil
}

// GetSchedule fetches a schedule by id
func (s *ScheduleService) GetSchedule(ctx context.Context, id uuid.UUID) (*models.AutomationSchedule, error) {
	return s.scheduleRepo.GetByID(ctx, id)
}

// GetScheduleForRule fetches the schedule attached to a rule
func (s *ScheduleService) GetScheduleForRule(ctx context.Context, ruleID uuid.UUID) (*models.AutomationSchedule, error) {
	return s.scheduleRepo.GetByRuleID(ctx, ruleID)
}

// UpdateSchedule applies partial changes and recomputes next_run_at
func (s *ScheduleService) UpdateSchedule(ctx context.Context, id uuid.UUID, req *models.UpdateScheduleRequest) (*models.AutomationSchedule, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid schedule request: %w", err)
	}

	schedule, err := s.scheduleRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Frequency != nil {
		schedule.Frequency = *req.Frequency
	}
	if req.CronExpression != nil {
		schedule.CronExpression = req.CronExpression
	}
	if req.TimeOfDay != nil {
		schedule.TimeOfDay = req.TimeOfDay
	}
	if req.DaysOfWeek != nil {
		schedule.DaysOfWeek = *req.DaysOfWeek
	}
	if req.DayOfMonth != nil {
		schedule.DayOfMonth = req.DayOfMonth
	}
	if req.Timezone != nil {
		schedule.Timezone = *req.Timezone
	}
	if req.StartsAt != nil {
		schedule.StartsAt = req.StartsAt
	}
	if req.EndsAt != nil {
		schedule.EndsAt = req.EndsAt
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}

	if err := s.validateRecurrence(schedule.Frequency, schedule.CronExpression, schedule.DaysOfWeek, schedule.Timezone); err != nil {
		return nil, err
	}

	now := time.Now()
	schedule.UpdatedAt = now
	s.recompute(schedule, now)

	if err := s.scheduleRepo.Update(ctx, schedule); err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}

	s.logger.Info("Schedule updated", logger.String("schedule_id", schedule.ID.String()))
	return schedule, nil
}

// DeleteSchedule removes a schedule
func (s *ScheduleService) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	if err := s.scheduleRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}

// MarkRun records one firing of a schedule and recomputes its next due
// instant. A schedule with no next run is disabled rather than deleted.
func (s *ScheduleService) MarkRun(ctx context.Context, schedule *models.AutomationSchedule, ranAt time.Time) error {
	schedule.LastRunAt = &ranAt
	schedule.UpdatedAt = ranAt
	s.recompute(schedule, ranAt)

	if schedule.NextRunAt == nil {
		schedule.Enabled = false
		s.logger.Info("Schedule exhausted, disabling",
			logger.String("schedule_id", schedule.ID.String()),
		)
	}

	if err := s.scheduleRepo.Update(ctx, schedule); err != nil {
		return fmt.Errorf("failed to record schedule run: %w", err)
	}

	if s.audit != nil {
		if err := s.audit.LogScheduleRecomputed(ctx, schedule, schedule.NextRunAt); err != nil {
			s.logger.Warn("Failed to audit schedule recomputation", logger.Err(err))
		}
	}

	return nil
}

// recompute refreshes next_run_at from the recurrence policy
func (s *ScheduleService) recompute(schedule *models.AutomationSchedule, ref time.Time) {
	if !schedule.Enabled {
		schedule.NextRunAt = nil
		return
	}
	if next, ok := s.calculator.NextRun(schedule, ref); ok {
		schedule.NextRunAt = &next
	} else {
		schedule.NextRunAt = nil
	}
}

func (s *ScheduleService) validateRecurrence(frequency models.ScheduleFrequency, cronExpression *string, daysOfWeek models.Weekdays, timezone string) error {
	switch frequency {
	case models.FrequencyCustom:
		if cronExpression == nil || *cronExpression == "" {
			return fmt.Errorf("custom frequency requires a cron expression")
		}
		if err := s.calculator.ValidateCron(*cronExpression); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	case models.FrequencyWeekly:
		if len(daysOfWeek) == 0 {
			return fmt.Errorf("weekly frequency requires days_of_week")
		}
	}

	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	return nil
}

// CreateJob creates a scheduled job targeting a workflow template or rule
func (s *ScheduleService) CreateJob(ctx context.Context, job *models.ScheduledJob) (*models.ScheduledJob, error) {
	if job.Target() == models.JobTargetNone {
		return nil, fmt.Errorf("job must target a workflow template or a rule")
	}
	if job.ScheduleType == models.ScheduleTypeCron {
		if job.CronExpression == nil || *job.CronExpression == "" {
			return nil, fmt.Errorf("cron jobs require a cron expression")
		}
		if err := s.calculator.ValidateCron(*job.CronExpression); err != nil {
			return nil, fmt.Errorf("invalid cron expression: %w", err)
		}
	}

	now := time.Now()
	job.ID = uuid.New()
	job.Status = models.JobStatusActive
	job.CreatedAt = now
	job.UpdatedAt = now

	if next, ok := s.calculator.NextJobRun(job, now); ok {
		job.NextRunAt = &next
	}

	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Scheduled job created",
		logger.String("job_id", job.ID.String()),
		logger.String("target", string(job.Target())),
	)
	return job, nil
}

// GetJob fetches a job by id
func (s *ScheduleService) GetJob(ctx context.Context, organizationID, id uuid.UUID) (*models.ScheduledJob, error) {
	return s.jobRepo.GetByID(ctx, organizationID, id)
}

// ListJobs lists jobs with optional status filtering
func (s *ScheduleService) ListJobs(ctx context.Context, organizationID uuid.UUID, status *models.JobStatus, limit, offset int) ([]*models.ScheduledJob, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.jobRepo.List(ctx, organizationID, status, limit, offset)
}

// PauseJob stops an active job from firing without losing its state
func (s *ScheduleService) PauseJob(ctx context.Context, organizationID, id uuid.UUID) error {
	return s.setJobStatus(ctx, organizationID, id, models.JobStatusPaused)
}

// ResumeJob reactivates a paused or failed job and recomputes next_run_at
func (s *ScheduleService) ResumeJob(ctx context.Context, organizationID, id uuid.UUID) error {
	return s.setJobStatus(ctx, organizationID, id, models.JobStatusActive)
}

func (s *ScheduleService) setJobStatus(ctx context.Context, organizationID, id uuid.UUID, status models.JobStatus) error {
	job, err := s.jobRepo.GetByID(ctx, organizationID, id)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return fmt.Errorf("job %s has completed and cannot change status", id)
	}

	job.Status = status
	job.UpdatedAt = time.Now()

	if status == models.JobStatusActive {
		job.LastError = nil
		if next, ok := s.calculator.NextJobRun(job, time.Now()); ok {
			job.NextRunAt = &next
		} else {
			job.Status = models.JobStatusCompleted
			job.NextRunAt = nil
		}
	} else {
		job.NextRunAt = nil
	}

	if err := s.jobRepo.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	s.logger.Info("Job status changed",
		logger.String("job_id", id.String()),
		logger.String("status", string(job.Status)),
	)
	return nil
}
