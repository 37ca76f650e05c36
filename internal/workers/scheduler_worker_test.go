package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsecrm/automation-engine/internal/engine"
	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/pkg/logger"
	"github.com/pulsecrm/automation-engine/pkg/metrics"
)

type mockScheduleStore struct {
	dueFunc    func(ctx context.Context, now time.Time, limit int) ([]*models.AutomationSchedule, error)
	claimFunc  func(ctx context.Context, id uuid.UUID, expected time.Time) (bool, error)
	claimCalls int
}

func (m *mockScheduleStore) GetDueSchedules(ctx context.Context, now time.Time, limit int) ([]*models.AutomationSchedule, error) {
	if m.dueFunc != nil {
		return m.dueFunc(ctx, now, limit)
	}
	return nil, nil
}

func (m *mockScheduleStore) Claim(ctx context.Context, id uuid.UUID, expected time.Time) (bool, error) {
	m.claimCalls++
	if m.claimFunc != nil {
		return m.claimFunc(ctx, id, expected)
	}
	return true, nil
}

type mockJobStore struct {
	dueFunc   func(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledJob, error)
	claimFunc func(ctx context.Context, id uuid.UUID, expected time.Time) (bool, error)
	updated   []*models.ScheduledJob
}

func (m *mockJobStore) GetDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledJob, error) {
	if m.dueFunc != nil {
		return m.dueFunc(ctx, now, limit)
	}
	return nil, nil
}

func (m *mockJobStore) Claim(ctx context.Context, id uuid.UUID, expected time.Time) (bool, error) {
	if m.claimFunc != nil {
		return m.claimFunc(ctx, id, expected)
	}
	return true, nil
}

func (m *mockJobStore) Update(ctx context.Context, job *models.ScheduledJob) error {
	m.updated = append(m.updated, job)
	return nil
}

type mockRuleSource struct {
	getFunc func(ctx context.Context, id uuid.UUID) (*models.AutomationRule, error)
}

func (m *mockRuleSource) Get(ctx context.Context, id uuid.UUID) (*models.AutomationRule, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, id)
	}
	return &models.AutomationRule{ID: id, Status: models.RuleStatusActive, Enabled: true}, nil
}

type mockRuleRunner struct {
	executeFunc func(ctx context.Context, rule *models.AutomationRule, entityType *string, entityID *uuid.UUID, triggerContext map[string]interface{}) (*models.AutomationExecution, error)
	executed    []uuid.UUID
	contexts    []map[string]interface{}
}

func (m *mockRuleRunner) Execute(ctx context.Context, rule *models.AutomationRule, entityType *string, entityID *uuid.UUID, triggerContext map[string]interface{}) (*models.AutomationExecution, error) {
	m.executed = append(m.executed, rule.ID)
	m.contexts = append(m.contexts, triggerContext)
	if m.executeFunc != nil {
		return m.executeFunc(ctx, rule, entityType, entityID, triggerContext)
	}
	return &models.AutomationExecution{ID: uuid.New(), RuleID: rule.ID, Status: models.ExecutionStatusSuccess}, nil
}

type mockWorkflowTrigger struct {
	triggerFunc func(ctx context.Context, organizationID, templateID uuid.UUID, triggerType string, triggerData, contextData models.JSONB) (*models.WorkflowInstance, error)
	triggered   []uuid.UUID
}

func (m *mockWorkflowTrigger) Trigger(ctx context.Context, organizationID, templateID uuid.UUID, triggerType string, triggerData, contextData models.JSONB) (*models.WorkflowInstance, error) {
	m.triggered = append(m.triggered, templateID)
	if m.triggerFunc != nil {
		return m.triggerFunc(ctx, organizationID, templateID, triggerType, triggerData, contextData)
	}
	return &models.WorkflowInstance{ID: uuid.New(), TemplateID: templateID}, nil
}

type mockScheduleMarker struct {
	marked []uuid.UUID
}

func (m *mockScheduleMarker) MarkRun(ctx context.Context, schedule *models.AutomationSchedule, ranAt time.Time) error {
	m.marked = append(m.marked, schedule.ID)
	return nil
}

type mockDispatchLock struct {
	setNXFunc func(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	keys      []string
}

func (m *mockDispatchLock) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	m.keys = append(m.keys, key)
	if m.setNXFunc != nil {
		return m.setNXFunc(ctx, key, value, expiration)
	}
	return true, nil
}

type workerFixture struct {
	worker    *SchedulerWorker
	schedules *mockScheduleStore
	jobs      *mockJobStore
	rules     *mockRuleSource
	runner    *mockRuleRunner
	workflows *mockWorkflowTrigger
	marker    *mockScheduleMarker
	lock      *mockDispatchLock
}

func newWorkerFixture() *workerFixture {
	f := &workerFixture{
		schedules: &mockScheduleStore{},
		jobs:      &mockJobStore{},
		rules:     &mockRuleSource{},
		runner:    &mockRuleRunner{},
		workflows: &mockWorkflowTrigger{},
		marker:    &mockScheduleMarker{},
		lock:      &mockDispatchLock{},
	}
	f.worker = NewSchedulerWorker(
		f.schedules, f.jobs, f.rules, f.runner, f.workflows, f.marker, f.lock,
		engine.NewRecurrenceCalculator(),
		logger.NewForTesting(),
		metrics.New(),
		time.Minute, 50, 5*time.Minute,
	)
	return f
}

func dueSchedule(next time.Time) *models.AutomationSchedule {
	return &models.AutomationSchedule{
		ID:        uuid.New(),
		RuleID:    uuid.New(),
		Frequency: models.FrequencyHourly,
		Timezone:  "UTC",
		Enabled:   true,
		NextRunAt: &next,
	}
}

func TestSchedulerWorker_DispatchesDueSchedule(t *testing.T) {
	f := newWorkerFixture()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	schedule := dueSchedule(now.Add(-time.Minute))
	f.schedules.dueFunc = func(ctx context.Context, ref time.Time, limit int) ([]*models.AutomationSchedule, error) {
		return []*models.AutomationSchedule{schedule}, nil
	}

	f.worker.Tick(context.Background(), now)

	require.Len(t, f.runner.executed, 1)
	assert.Equal(t, schedule.RuleID, f.runner.executed[0])
	assert.Equal(t, "schedule", f.runner.contexts[0]["trigger"])
	assert.Equal(t, schedule.ID.String(), f.runner.contexts[0]["schedule_id"])
	require.Len(t, f.marker.marked, 1)
	assert.Equal(t, schedule.ID, f.marker.marked[0])
}

func TestSchedulerWorker_LostClaimSkipsDispatch(t *testing.T) {
	f := newWorkerFixture()
	now := time.Now().UTC()
	schedule := dueSchedule(now.Add(-time.Minute))
	f.schedules.dueFunc = func(ctx context.Context, ref time.Time, limit int) ([]*models.AutomationSchedule, error) {
		return []*models.AutomationSchedule{schedule}, nil
	}
	f.schedules.claimFunc = func(ctx context.Context, id uuid.UUID, expected time.Time) (bool, error) {
		return false, nil
	}

	f.worker.Tick(context.Background(), now)

	assert.Empty(t, f.runner.executed)
	assert.Empty(t, f.marker.marked)
}

func TestSchedulerWorker_HeldLockStillDispatches(t *testing.T) {
	f := newWorkerFixture()
	now := time.Now().UTC()
	schedule := dueSchedule(now.Add(-time.Minute))
	f.schedules.dueFunc = func(ctx context.Context, ref time.Time, limit int) ([]*models.AutomationSchedule, error) {
		return []*models.AutomationSchedule{schedule}, nil
	}
	f.lock.setNXFunc = func(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
		return false, nil
	}

	f.worker.Tick(context.Background(), now)

	// The database claim already cleared next_run_at; skipping here
	// would leave the schedule never selectable again.
	assert.Len(t, f.runner.executed, 1)
	require.Len(t, f.marker.marked, 1)
	assert.Equal(t, schedule.ID, f.marker.marked[0])
}

func TestSchedulerWorker_LockUsesConfiguredTTL(t *testing.T) {
	f := newWorkerFixture()
	now := time.Now().UTC()
	schedule := dueSchedule(now.Add(-time.Minute))
	f.schedules.dueFunc = func(ctx context.Context, ref time.Time, limit int) ([]*models.AutomationSchedule, error) {
		return []*models.AutomationSchedule{schedule}, nil
	}

	var gotTTL time.Duration
	f.lock.setNXFunc = func(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
		gotTTL = expiration
		return true, nil
	}

	f.worker.Tick(context.Background(), now)

	assert.Equal(t, 5*time.Minute, gotTTL)
}

func TestSchedulerWorker_LockErrorStillDispatches(t *testing.T) {
	f := newWorkerFixture()
	now := time.Now().UTC()
	schedule := dueSchedule(now.Add(-time.Minute))
	f.schedules.dueFunc = func(ctx context.Context, ref time.Time, limit int) ([]*models.AutomationSchedule, error) {
		return []*models.AutomationSchedule{schedule}, nil
	}
	f.lock.setNXFunc = func(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
		return false, errors.New("redis unavailable")
	}

	f.worker.Tick(context.Background(), now)

	assert.Len(t, f.runner.executed, 1)
}

func TestSchedulerWorker_RuleFetchFailureStillMarksRun(t *testing.T) {
	f := newWorkerFixture()
	now := time.Now().UTC()
	schedule := dueSchedule(now.Add(-time.Minute))
	f.schedules.dueFunc = func(ctx context.Context, ref time.Time, limit int) ([]*models.AutomationSchedule, error) {
		return []*models.AutomationSchedule{schedule}, nil
	}
	f.rules.getFunc = func(ctx context.Context, id uuid.UUID) (*models.AutomationRule, error) {
		return nil, errors.New("rule not found")
	}

	f.worker.Tick(context.Background(), now)

	assert.Empty(t, f.runner.executed)
	require.Len(t, f.marker.marked, 1, "schedule must advance so it does not fire forever")
}

func TestSchedulerWorker_DispatchesWorkflowJob(t *testing.T) {
	f := newWorkerFixture()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	templateID := uuid.New()
	next := now.Add(-time.Minute)
	job := &models.ScheduledJob{
		ID:                 uuid.New(),
		OrganizationID:     uuid.New(),
		Name:               "nightly digest",
		WorkflowTemplateID: &templateID,
		ScheduleType:       models.ScheduleTypeRecurring,
		Recurrence:         models.RecurrenceConfig{Frequency: models.FrequencyDaily, Interval: 1},
		Status:             models.JobStatusActive,
		NextRunAt:          &next,
	}
	f.jobs.dueFunc = func(ctx context.Context, ref time.Time, limit int) ([]*models.ScheduledJob, error) {
		return []*models.ScheduledJob{job}, nil
	}

	f.worker.Tick(context.Background(), now)

	require.Len(t, f.workflows.triggered, 1)
	assert.Equal(t, templateID, f.workflows.triggered[0])
	require.Len(t, f.jobs.updated, 1)

	updated := f.jobs.updated[0]
	assert.Equal(t, models.JobStatusActive, updated.Status)
	assert.Equal(t, 1, updated.ExecutionCount)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, updated.NextRunAt.After(now))
}

func TestSchedulerWorker_JobDispatchFailureMovesToFailed(t *testing.T) {
	f := newWorkerFixture()
	now := time.Now().UTC()
	templateID := uuid.New()
	next := now.Add(-time.Minute)
	job := &models.ScheduledJob{
		ID:                 uuid.New(),
		OrganizationID:     uuid.New(),
		Name:               "broken",
		WorkflowTemplateID: &templateID,
		ScheduleType:       models.ScheduleTypeRecurring,
		Recurrence:         models.RecurrenceConfig{Frequency: models.FrequencyHourly, Interval: 1},
		Status:             models.JobStatusActive,
		NextRunAt:          &next,
	}
	f.jobs.dueFunc = func(ctx context.Context, ref time.Time, limit int) ([]*models.ScheduledJob, error) {
		return []*models.ScheduledJob{job}, nil
	}
	f.workflows.triggerFunc = func(ctx context.Context, organizationID, tplID uuid.UUID, triggerType string, triggerData, contextData models.JSONB) (*models.WorkflowInstance, error) {
		return nil, errors.New("template archived")
	}

	f.worker.Tick(context.Background(), now)

	require.Len(t, f.jobs.updated, 1)
	updated := f.jobs.updated[0]
	assert.Equal(t, models.JobStatusFailed, updated.Status)
	require.NotNil(t, updated.LastError)
	assert.Contains(t, *updated.LastError, "template archived")
	assert.Nil(t, updated.NextRunAt)
}

func TestSchedulerWorker_OnceJobCompletesAfterRun(t *testing.T) {
	f := newWorkerFixture()
	now := time.Now().UTC()
	ruleID := uuid.New()
	next := now.Add(-time.Minute)
	job := &models.ScheduledJob{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Name:           "one shot",
		RuleID:         &ruleID,
		ScheduleType:   models.ScheduleTypeOnce,
		Status:         models.JobStatusActive,
		NextRunAt:      &next,
	}
	f.jobs.dueFunc = func(ctx context.Context, ref time.Time, limit int) ([]*models.ScheduledJob, error) {
		return []*models.ScheduledJob{job}, nil
	}

	f.worker.Tick(context.Background(), now)

	require.Len(t, f.runner.executed, 1)
	assert.Equal(t, ruleID, f.runner.executed[0])
	require.Len(t, f.jobs.updated, 1)
	assert.Equal(t, models.JobStatusCompleted, f.jobs.updated[0].Status)
	assert.Nil(t, f.jobs.updated[0].NextRunAt)
}

func TestSchedulerWorker_TargetlessJobFails(t *testing.T) {
	f := newWorkerFixture()
	now := time.Now().UTC()
	next := now.Add(-time.Minute)
	job := &models.ScheduledJob{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Name:           "orphan",
		ScheduleType:   models.ScheduleTypeRecurring,
		Recurrence:     models.RecurrenceConfig{Frequency: models.FrequencyDaily, Interval: 1},
		Status:         models.JobStatusActive,
		NextRunAt:      &next,
	}
	f.jobs.dueFunc = func(ctx context.Context, ref time.Time, limit int) ([]*models.ScheduledJob, error) {
		return []*models.ScheduledJob{job}, nil
	}

	f.worker.Tick(context.Background(), now)

	require.Len(t, f.jobs.updated, 1)
	assert.Equal(t, models.JobStatusFailed, f.jobs.updated[0].Status)
}

func TestSchedulerWorker_StartStop(t *testing.T) {
	f := newWorkerFixture()

	f.worker.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	f.worker.Stop()
}
