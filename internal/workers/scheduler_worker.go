package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/pkg/logger"
	"github.com/pulsecrm/automation-engine/pkg/metrics"
)

const defaultLockTTL = 2 * time.Minute

// ScheduleStore provides due schedules and the compare-and-swap claim
// that guarantees a schedule fires on at most one tick.
type ScheduleStore interface {
	GetDueSchedules(ctx context.Context, now time.Time, limit int) ([]*models.AutomationSchedule, error)
	Claim(ctx context.Context, id uuid.UUID, expectedNextRun time.Time) (bool, error)
}

// JobStore provides due scheduled jobs and their claim
type JobStore interface {
	GetDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledJob, error)
	Claim(ctx context.Context, id uuid.UUID, expectedNextRun time.Time) (bool, error)
	Update(ctx context.Context, job *models.ScheduledJob) error
}

// RuleSource fetches rules regardless of organization scoping
type RuleSource interface {
	Get(ctx context.Context, id uuid.UUID) (*models.AutomationRule, error)
}

// RuleRunner executes a rule through the gate and evaluation pipeline
type RuleRunner interface {
	Execute(ctx context.Context, rule *models.AutomationRule, entityType *string, entityID *uuid.UUID, triggerContext map[string]interface{}) (*models.AutomationExecution, error)
}

// WorkflowTrigger starts a workflow instance from a template
type WorkflowTrigger interface {
	Trigger(ctx context.Context, organizationID, templateID uuid.UUID, triggerType string, triggerData, contextData models.JSONB) (*models.WorkflowInstance, error)
}

// ScheduleMarker records a schedule firing and recomputes its next run
type ScheduleMarker interface {
	MarkRun(ctx context.Context, schedule *models.AutomationSchedule, ranAt time.Time) error
}

// DispatchLock is a secondary lock layered over the database claim so
// that a claim surviving across processes still dispatches once.
type DispatchLock interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
}

// SchedulerWorker periodically scans for due schedules and jobs,
// claims them, and dispatches their targets.
type SchedulerWorker struct {
	scheduleStore  ScheduleStore
	jobStore       JobStore
	ruleSource     RuleSource
	ruleRunner     RuleRunner
	workflowTrig   WorkflowTrigger
	scheduleMarker ScheduleMarker
	lock           DispatchLock
	recurrence     jobRecurrence
	logger         *logger.Logger
	metrics        *metrics.Metrics
	checkInterval  time.Duration
	batchSize      int
	lockTTL        time.Duration
	stopCh         chan struct{}
	doneCh         chan struct{}
}

type jobRecurrence interface {
	NextJobRun(j *models.ScheduledJob, ref time.Time) (time.Time, bool)
}

// NewSchedulerWorker creates a new scheduler worker
func NewSchedulerWorker(
	scheduleStore ScheduleStore,
	jobStore JobStore,
	ruleSource RuleSource,
	ruleRunner RuleRunner,
	workflowTrig WorkflowTrigger,
	scheduleMarker ScheduleMarker,
	lock DispatchLock,
	recurrence jobRecurrence,
	log *logger.Logger,
	m *metrics.Metrics,
	checkInterval time.Duration,
	batchSize int,
	lockTTL time.Duration,
) *SchedulerWorker {
	if checkInterval == 0 {
		checkInterval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}

	return &SchedulerWorker{
		scheduleStore:  scheduleStore,
		jobStore:       jobStore,
		ruleSource:     ruleSource,
		ruleRunner:     ruleRunner,
		workflowTrig:   workflowTrig,
		scheduleMarker: scheduleMarker,
		lock:           lock,
		recurrence:     recurrence,
		logger:         log,
		metrics:        m,
		checkInterval:  checkInterval,
		batchSize:      batchSize,
		lockTTL:        lockTTL,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start starts the scheduler worker in the background
func (w *SchedulerWorker) Start(ctx context.Context) {
	w.logger.Info("Starting scheduler worker",
		logger.String("interval", w.checkInterval.String()),
		logger.Int("batch_size", w.batchSize),
	)

	go w.run(ctx)
}

// Stop stops the scheduler worker gracefully
func (w *SchedulerWorker) Stop() {
	w.logger.Info("Stopping scheduler worker")
	close(w.stopCh)
	<-w.doneCh
	w.logger.Info("Scheduler worker stopped")
}

func (w *SchedulerWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	// Run immediately on start
	w.Tick(ctx, time.Now())

	for {
		select {
		case <-ticker.C:
			w.Tick(ctx, time.Now())
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick performs one scan over due schedules and jobs
func (w *SchedulerWorker) Tick(ctx context.Context, now time.Time) {
	start := time.Now()
	w.metrics.SchedulerTicksTotal.Inc()
	defer func() {
		w.metrics.SchedulerTickTime.Observe(time.Since(start).Seconds())
	}()

	w.processDueSchedules(ctx, now)
	w.processDueJobs(ctx, now)
}

func (w *SchedulerWorker) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := w.scheduleStore.GetDueSchedules(ctx, now, w.batchSize)
	if err != nil {
		w.logger.Errorf("Failed to get due schedules: %v", err)
		return
	}
	if len(schedules) == 0 {
		return
	}

	w.logger.Infof("Found %d due schedules to process", len(schedules))

	for _, schedule := range schedules {
		if schedule.NextRunAt == nil {
			continue
		}
		if !w.claim(ctx, w.scheduleStore.Claim, schedule.ID, *schedule.NextRunAt, "schedule") {
			continue
		}

		w.dispatchSchedule(ctx, schedule, now)
	}
}

func (w *SchedulerWorker) dispatchSchedule(ctx context.Context, schedule *models.AutomationSchedule, now time.Time) {
	rule, err := w.ruleSource.Get(ctx, schedule.RuleID)
	if err != nil {
		w.logger.Error("Failed to load rule for due schedule",
			logger.String("schedule_id", schedule.ID.String()),
			logger.String("rule_id", schedule.RuleID.String()),
			logger.Err(err),
		)
		w.markScheduleRun(ctx, schedule, now)
		return
	}

	triggerContext := map[string]interface{}{
		"trigger":     "schedule",
		"schedule_id": schedule.ID.String(),
		"fired_at":    now.Format(time.RFC3339),
	}

	execution, err := w.ruleRunner.Execute(ctx, rule, nil, nil, triggerContext)
	if err != nil {
		w.logger.Error("Scheduled rule execution failed",
			logger.String("schedule_id", schedule.ID.String()),
			logger.String("rule_id", rule.ID.String()),
			logger.Err(err),
		)
	} else if execution != nil {
		w.logger.Info("Scheduled rule executed",
			logger.String("schedule_id", schedule.ID.String()),
			logger.String("rule_id", rule.ID.String()),
			logger.String("status", string(execution.Status)),
		)
	}
	w.metrics.SchedulesDispatched.WithLabelValues("rule").Inc()

	w.markScheduleRun(ctx, schedule, now)
}

func (w *SchedulerWorker) markScheduleRun(ctx context.Context, schedule *models.AutomationSchedule, now time.Time) {
	if err := w.scheduleMarker.MarkRun(ctx, schedule, now); err != nil {
		w.logger.Error("Failed to mark schedule run",
			logger.String("schedule_id", schedule.ID.String()),
			logger.Err(err),
		)
	}
}

func (w *SchedulerWorker) processDueJobs(ctx context.Context, now time.Time) {
	jobs, err := w.jobStore.GetDueJobs(ctx, now, w.batchSize)
	if err != nil {
		w.logger.Errorf("Failed to get due jobs: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	w.logger.Infof("Found %d due jobs to process", len(jobs))

	for _, job := range jobs {
		if job.NextRunAt == nil {
			continue
		}
		if !w.claim(ctx, w.jobStore.Claim, job.ID, *job.NextRunAt, "job") {
			continue
		}

		w.dispatchJob(ctx, job, now)
	}
}

func (w *SchedulerWorker) dispatchJob(ctx context.Context, job *models.ScheduledJob, now time.Time) {
	var runErr error

	switch job.Target() {
	case models.JobTargetWorkflow:
		triggerData := models.JSONB{
			"job_id":   job.ID.String(),
			"job_name": job.Name,
			"fired_at": now.Format(time.RFC3339),
		}
		instance, err := w.workflowTrig.Trigger(ctx, job.OrganizationID, *job.WorkflowTemplateID, "schedule", triggerData, nil)
		if err != nil {
			runErr = err
		} else {
			w.logger.Info("Scheduled job started workflow",
				logger.String("job_id", job.ID.String()),
				logger.String("instance_id", instance.ID.String()),
			)
		}
		w.metrics.SchedulesDispatched.WithLabelValues("workflow").Inc()

	case models.JobTargetRule:
		rule, err := w.ruleSource.Get(ctx, *job.RuleID)
		if err != nil {
			runErr = err
			break
		}
		triggerContext := map[string]interface{}{
			"trigger":  "schedule",
			"job_id":   job.ID.String(),
			"fired_at": now.Format(time.RFC3339),
		}
		if _, err := w.ruleRunner.Execute(ctx, rule, nil, nil, triggerContext); err != nil {
			runErr = err
		}
		w.metrics.SchedulesDispatched.WithLabelValues("rule").Inc()

	default:
		runErr = fmt.Errorf("job has no target")
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		w.logger.Error("Scheduled job dispatch failed",
			logger.String("job_id", job.ID.String()),
			logger.Err(runErr),
		)
	}

	job.MarkRun(now, errMsg)
	if job.Status == models.JobStatusActive {
		if next, ok := w.recurrence.NextJobRun(job, now); ok {
			job.NextRunAt = &next
		} else {
			job.Status = models.JobStatusCompleted
			job.NextRunAt = nil
		}
	}
	job.UpdatedAt = time.Now().UTC()

	if err := w.jobStore.Update(ctx, job); err != nil {
		w.logger.Error("Failed to update job after dispatch",
			logger.String("job_id", job.ID.String()),
			logger.Err(err),
		)
	}
}

// claim takes the database compare-and-swap first, then the shared lock.
// Losing either means another tick got there first.
func (w *SchedulerWorker) claim(ctx context.Context, cas func(context.Context, uuid.UUID, time.Time) (bool, error), id uuid.UUID, expected time.Time, kind string) bool {
	claimed, err := cas(ctx, id, expected)
	if err != nil {
		w.logger.Errorf("Failed to claim %s %s: %v", kind, id, err)
		return false
	}
	if !claimed {
		w.metrics.ScheduleClaimsLost.Inc()
		w.logger.Debug("Lost claim to concurrent tick",
			logger.String("kind", kind),
			logger.String("id", id.String()),
		)
		return false
	}

	if w.lock != nil {
		key := fmt.Sprintf("automation:dispatch:%s:%s:%d", kind, id, expected.Unix())
		locked, err := w.lock.SetNX(ctx, key, 1, w.lockTTL)
		if err != nil {
			// The database claim already succeeded; dispatch anyway.
			w.logger.Warn("Dispatch lock unavailable",
				logger.String("kind", kind),
				logger.String("id", id.String()),
				logger.Err(err),
			)
			return true
		}
		if !locked {
			// The database claim already cleared next_run_at; skipping
			// here would strand the row. A held key is residue from a
			// crashed dispatcher, not a second claimant.
			w.logger.Warn("Dispatch lock already held, dispatching on database claim",
				logger.String("kind", kind),
				logger.String("id", id.String()),
			)
		}
	}
	return true
}
