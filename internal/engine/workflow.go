package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/pkg/logger"
	"github.com/pulsecrm/automation-engine/pkg/metrics"
)

const maxStepVisits = 1000

// WorkflowStore persists instances, their step rows and template counters.
type WorkflowStore interface {
	CreateInstance(ctx context.Context, instance *models.WorkflowInstance) error
	UpdateInstance(ctx context.Context, instance *models.WorkflowInstance) error
	CreateStep(ctx context.Context, step *models.WorkflowStep) error
	UpdateStep(ctx context.Context, step *models.WorkflowStep) error
	IncrementTemplateUsage(ctx context.Context, templateID uuid.UUID) error
	AdjustActiveInstances(ctx context.Context, templateID uuid.UUID, delta int) error
}

// WorkflowAuditor records workflow lifecycle events.
type WorkflowAuditor interface {
	LogWorkflowStarted(ctx context.Context, instance *models.WorkflowInstance)
	LogWorkflowCompleted(ctx context.Context, instance *models.WorkflowInstance)
	LogWorkflowFailed(ctx context.Context, instance *models.WorkflowInstance)
	LogWorkflowCancelled(ctx context.Context, instance *models.WorkflowInstance)
}

// WorkflowEngine instantiates templates and drives instances through
// their step graph. Operations on the same instance are serialized, so a
// cancel waits for the step in flight rather than racing it.
type WorkflowEngine struct {
	evaluator  *Evaluator
	dispatcher *Dispatcher
	store      WorkflowStore
	auditor    WorkflowAuditor
	logger     *logger.Logger
	metrics    *metrics.Metrics

	instanceLocks *keyedMutex

	mu        sync.Mutex
	cancelled map[uuid.UUID]bool
}

// NewWorkflowEngine creates a workflow engine
func NewWorkflowEngine(
	evaluator *Evaluator,
	dispatcher *Dispatcher,
	store WorkflowStore,
	auditor WorkflowAuditor,
	log *logger.Logger,
	m *metrics.Metrics,
) *WorkflowEngine {
	return &WorkflowEngine{
		evaluator:     evaluator,
		dispatcher:    dispatcher,
		store:         store,
		auditor:       auditor,
		logger:        log,
		metrics:       m,
		instanceLocks: newKeyedMutex(),
		cancelled:     make(map[uuid.UUID]bool),
	}
}

// CreateInstance snapshots the template definition into a new pending
// instance. The snapshot decouples the run from later template edits.
func (w *WorkflowEngine) CreateInstance(ctx context.Context, template *models.WorkflowTemplate, triggerType string, triggerData, contextData models.JSONB) (*models.WorkflowInstance, error) {
	if template.Status != models.TemplateStatusActive {
		return nil, fmt.Errorf("template %s is not active", template.ID)
	}

	now := time.Now()
	instance := &models.WorkflowInstance{
		ID:             uuid.New(),
		TemplateID:     template.ID,
		OrganizationID: template.OrganizationID,
		Definition:     template.Definition,
		ContextData:    contextData,
		TriggerType:    triggerType,
		TriggerData:    triggerData,
		Status:         models.InstanceStatusPending,
		StepsTotal:     len(template.Definition.Steps),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := w.store.CreateInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	if err := w.store.IncrementTemplateUsage(ctx, template.ID); err != nil {
		return nil, fmt.Errorf("failed to update template usage: %w", err)
	}

	w.logger.Info("Workflow instance created",
		logger.String("instance_id", instance.ID.String()),
		logger.String("template_id", template.ID.String()),
		logger.String("trigger_type", triggerType),
	)

	return instance, nil
}

// Run starts a pending instance and walks its step graph to a terminal
// status. Step failures stay inside the instance record; Run returns an
// error only for persistence faults and invalid starting states.
func (w *WorkflowEngine) Run(ctx context.Context, instance *models.WorkflowInstance) error {
	unlock := w.instanceLocks.lock(instance.ID)
	defer unlock()
	defer w.clearCancelled(instance.ID)

	now := time.Now()
	if err := instance.Start(now); err != nil {
		return err
	}
	if err := w.store.UpdateInstance(ctx, instance); err != nil {
		return fmt.Errorf("failed to start instance: %w", err)
	}
	if err := w.store.AdjustActiveInstances(ctx, instance.TemplateID, 1); err != nil {
		return fmt.Errorf("failed to track active instance: %w", err)
	}

	w.metrics.ActiveInstances.Inc()
	if w.auditor != nil {
		w.auditor.LogWorkflowStarted(ctx, instance)
	}

	results := models.JSONB{}
	order := 0
	err := w.walk(ctx, instance, w.firstStepID(instance), results, &order)

	switch {
	case err == nil && instance.Status == models.InstanceStatusRunning:
		if terr := instance.Complete(time.Now(), results); terr != nil {
			return terr
		}
	case err != nil && instance.Status == models.InstanceStatusRunning:
		details := models.JSONB{"results": map[string]interface{}(results)}
		if terr := instance.Fail(time.Now(), err.Error(), details); terr != nil {
			return terr
		}
	}

	return w.finishInstance(ctx, instance)
}

// Cancel stops a non-terminal instance. For a running instance the walk
// loop observes the flag between steps; the already-started step finishes.
func (w *WorkflowEngine) Cancel(ctx context.Context, instance *models.WorkflowInstance) error {
	w.mu.Lock()
	w.cancelled[instance.ID] = true
	running := instance.Status == models.InstanceStatusRunning
	w.mu.Unlock()

	if running {
		// The walk loop folds the flag into the terminal transition.
		return nil
	}

	unlock := w.instanceLocks.lock(instance.ID)
	defer unlock()

	if err := instance.Cancel(time.Now()); err != nil {
		return err
	}

	wasStarted := instance.StartedAt != nil
	if err := w.store.UpdateInstance(ctx, instance); err != nil {
		return fmt.Errorf("failed to cancel instance: %w", err)
	}
	if wasStarted {
		if err := w.store.AdjustActiveInstances(ctx, instance.TemplateID, -1); err != nil {
			return fmt.Errorf("failed to release active instance: %w", err)
		}
		w.metrics.ActiveInstances.Dec()
	}

	w.metrics.WorkflowInstancesTotal.WithLabelValues(string(models.InstanceStatusCancelled)).Inc()
	if w.auditor != nil {
		w.auditor.LogWorkflowCancelled(ctx, instance)
	}

	return nil
}

// walk executes steps starting at stepID until the path ends, the
// instance fails, or a cancel is observed.
func (w *WorkflowEngine) walk(ctx context.Context, instance *models.WorkflowInstance, stepID string, results models.JSONB, order *int) error {
	for stepID != "" {
		if w.isCancelled(instance.ID) {
			if err := instance.Cancel(time.Now()); err != nil {
				return err
			}
			return nil
		}

		if *order >= maxStepVisits {
			return fmt.Errorf("step graph did not terminate after %d steps", maxStepVisits)
		}

		def := instance.Definition.StepByID(stepID)
		if def == nil {
			return fmt.Errorf("step %q not found in workflow definition", stepID)
		}

		*order++
		next, err := w.runStep(ctx, instance, def, results, order)
		if err != nil {
			return err
		}
		stepID = next
	}

	return nil
}

// runStep executes one step, retrying failed attempts within the step's
// budget, and returns the id of the next step to run.
func (w *WorkflowEngine) runStep(ctx context.Context, instance *models.WorkflowInstance, def *models.StepDefinition, results models.JSONB, order *int) (string, error) {
	step := &models.WorkflowStep{
		ID:           uuid.New(),
		InstanceID:   instance.ID,
		DefinitionID: def.ID,
		Name:         def.Name,
		StepOrder:    *order,
		Type:         def.Type,
		Status:       models.StepStatusPending,
		MaxRetries:   def.MaxRetries,
		InputData:    instance.ContextData,
	}
	if err := w.store.CreateStep(ctx, step); err != nil {
		return "", fmt.Errorf("failed to create step record: %w", err)
	}

	instance.CurrentStepID = &step.ID
	if err := w.store.UpdateInstance(ctx, instance); err != nil {
		return "", fmt.Errorf("failed to advance instance: %w", err)
	}

	var next string
	for {
		start := time.Now()
		if err := step.Start(start); err != nil {
			return "", err
		}

		output, stepNext, attemptErr := w.attempt(ctx, instance, def, step, results, order)
		w.metrics.WorkflowStepDuration.WithLabelValues(string(def.Type)).Observe(time.Since(start).Seconds())

		if attemptErr == nil {
			if err := step.Complete(time.Now(), output); err != nil {
				return "", err
			}
			next = stepNext
			break
		}

		if err := step.Fail(time.Now(), attemptErr.Error()); err != nil {
			return "", err
		}

		// A split retry would re-walk branches whose steps already
		// recorded a terminal count; retry budgets belong to the
		// branch steps themselves.
		if def.Type == models.StepTypeSplit || !step.Retry() {
			break
		}
		w.metrics.StepRetriesTotal.Inc()
		w.logger.Warn("Retrying workflow step",
			logger.String("instance_id", instance.ID.String()),
			logger.String("step", def.ID),
			logger.Int("attempt", step.RetryCount),
		)
	}

	if next != "" {
		step.NextStepID = &next
	}
	if err := w.store.UpdateStep(ctx, step); err != nil {
		return "", fmt.Errorf("failed to update step record: %w", err)
	}

	if step.Status == models.StepStatusFailed {
		instance.IncrementStepsFailed()
		if def.Optional {
			w.logger.Warn("Optional step failed, continuing",
				logger.String("instance_id", instance.ID.String()),
				logger.String("step", def.ID),
			)
			return def.Next, w.store.UpdateInstance(ctx, instance)
		}
		msg := "step failed"
		if step.ErrorMessage != nil {
			msg = *step.ErrorMessage
		}
		return "", fmt.Errorf("step %q: %s", def.ID, msg)
	}

	instance.IncrementStepsCompleted()
	return next, w.store.UpdateInstance(ctx, instance)
}

// attempt runs a single try of a step and returns its output and the
// next step id.
func (w *WorkflowEngine) attempt(ctx context.Context, instance *models.WorkflowInstance, def *models.StepDefinition, step *models.WorkflowStep, results models.JSONB, order *int) (models.JSONB, string, error) {
	evalContext := w.buildContext(instance, results)

	switch def.Type {
	case models.StepTypeAction:
		if def.Action == nil {
			return nil, "", fmt.Errorf("action step %q has no action", def.ID)
		}
		outcome := w.dispatcher.Dispatch(ctx, *def.Action, evalContext)
		if !outcome.Success {
			return nil, "", fmt.Errorf("action failed: %s", outcome.Error)
		}
		results[def.ID] = map[string]interface{}(outcome.Data)
		return outcome.Data, def.Next, nil

	case models.StepTypeCondition:
		if def.Condition == nil {
			return nil, "", fmt.Errorf("condition step %q has no condition", def.ID)
		}
		met, err := w.evaluator.Evaluate(def.Condition, evalContext)
		if err != nil {
			return nil, "", fmt.Errorf("condition evaluation: %w", err)
		}
		branch := def.OnFalse
		taken := "on_false"
		if met {
			branch = def.OnTrue
			taken = "on_true"
		}
		step.BranchTaken = &taken
		return models.JSONB{"result": met}, branch, nil

	case models.StepTypeDelay:
		delay := time.Duration(def.DelaySeconds) * time.Second
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
		return models.JSONB{"delayed_seconds": def.DelaySeconds}, def.Next, nil

	case models.StepTypeSplit:
		// Branches run sequentially in declared order; the split joins
		// back at its own next pointer.
		for _, branchID := range def.Branches {
			if err := w.walk(ctx, instance, branchID, results, order); err != nil {
				return nil, "", fmt.Errorf("branch %q: %w", branchID, err)
			}
			if instance.Status != models.InstanceStatusRunning {
				return models.JSONB{"branches": len(def.Branches)}, "", nil
			}
		}
		return models.JSONB{"branches": len(def.Branches)}, def.Next, nil

	case models.StepTypeMerge:
		return models.JSONB{}, def.Next, nil

	default:
		return nil, "", fmt.Errorf("unsupported step type: %s", def.Type)
	}
}

// firstStepID returns the entry point of the step graph
func (w *WorkflowEngine) firstStepID(instance *models.WorkflowInstance) string {
	if len(instance.Definition.Steps) == 0 {
		return ""
	}
	return instance.Definition.Steps[0].ID
}

// buildContext merges instance context, trigger data and accumulated
// step results into one evaluation context.
func (w *WorkflowEngine) buildContext(instance *models.WorkflowInstance, results models.JSONB) map[string]interface{} {
	context := make(map[string]interface{}, len(instance.ContextData)+2)
	for k, v := range instance.ContextData {
		context[k] = v
	}
	context["trigger"] = map[string]interface{}(instance.TriggerData)
	context["steps"] = map[string]interface{}(results)
	return context
}

// finishInstance persists a terminal transition and releases the
// template's active slot exactly once.
func (w *WorkflowEngine) finishInstance(ctx context.Context, instance *models.WorkflowInstance) error {
	instance.CurrentStepID = nil
	if err := w.store.UpdateInstance(ctx, instance); err != nil {
		return fmt.Errorf("failed to finalize instance: %w", err)
	}
	if err := w.store.AdjustActiveInstances(ctx, instance.TemplateID, -1); err != nil {
		return fmt.Errorf("failed to release active instance: %w", err)
	}

	w.metrics.ActiveInstances.Dec()
	w.metrics.WorkflowInstancesTotal.WithLabelValues(string(instance.Status)).Inc()

	if w.auditor != nil {
		switch instance.Status {
		case models.InstanceStatusCompleted:
			w.auditor.LogWorkflowCompleted(ctx, instance)
		case models.InstanceStatusFailed:
			w.auditor.LogWorkflowFailed(ctx, instance)
		case models.InstanceStatusCancelled:
			w.auditor.LogWorkflowCancelled(ctx, instance)
		}
	}

	w.logger.Info("Workflow instance finished",
		logger.String("instance_id", instance.ID.String()),
		logger.String("status", string(instance.Status)),
		logger.Int("steps_completed", instance.StepsCompleted),
		logger.Int("steps_failed", instance.StepsFailed),
	)

	return nil
}

func (w *WorkflowEngine) isCancelled(id uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled[id]
}

func (w *WorkflowEngine) clearCancelled(id uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cancelled, id)
}
