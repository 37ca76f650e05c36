package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/pkg/logger"
	"github.com/pulsecrm/automation-engine/pkg/metrics"
)

// ExecutionStore persists execution records. RecordExecution must write
// the execution and the rule's updated counters in one transaction.
type ExecutionStore interface {
	RecordExecution(ctx context.Context, execution *models.AutomationExecution, rule *models.AutomationRule) error
	CountForRuleOnDay(ctx context.Context, ruleID uuid.UUID, day time.Time) (int, error)
}

// ExecutionAuditor records the audit trail of rule runs.
type ExecutionAuditor interface {
	LogRuleExecuted(ctx context.Context, rule *models.AutomationRule, execution *models.AutomationExecution)
	LogActionTaken(ctx context.Context, rule *models.AutomationRule, execution *models.AutomationExecution, outcome models.ActionOutcome)
}

// RuleExecutor runs a rule end to end: gate, conditions, actions,
// persistence, audit. Runs for the same rule are serialized. Condition
// faults and action failures are folded into the execution record; the
// only errors Execute returns are infrastructure faults.
type RuleExecutor struct {
	gate       *RuleGate
	evaluator  *Evaluator
	dispatcher *Dispatcher
	store      ExecutionStore
	auditor    ExecutionAuditor
	logger     *logger.Logger
	metrics    *metrics.Metrics

	ruleLocks *keyedMutex
}

// NewRuleExecutor creates a rule executor
func NewRuleExecutor(
	gate *RuleGate,
	evaluator *Evaluator,
	dispatcher *Dispatcher,
	store ExecutionStore,
	auditor ExecutionAuditor,
	log *logger.Logger,
	m *metrics.Metrics,
) *RuleExecutor {
	return &RuleExecutor{
		gate:       gate,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		store:      store,
		auditor:    auditor,
		logger:     log,
		metrics:    m,
		ruleLocks:  newKeyedMutex(),
	}
}

// Execute runs a rule against a trigger. When the gate rejects the rule
// no execution record is produced and (nil, nil) is returned. Otherwise
// an execution record is persisted and returned, whatever its status.
func (e *RuleExecutor) Execute(ctx context.Context, rule *models.AutomationRule, entityType *string, entityID *uuid.UUID, triggerContext map[string]interface{}) (*models.AutomationExecution, error) {
	unlock := e.ruleLocks.lock(rule.ID)
	defer unlock()

	now := time.Now()

	todaysExecutions := 0
	if rule.MaxExecutionsPerDay != nil {
		count, err := e.store.CountForRuleOnDay(ctx, rule.ID, now)
		if err != nil {
			return nil, fmt.Errorf("failed to count today's executions: %w", err)
		}
		todaysExecutions = count
	}

	if ok, reason := e.gate.Check(rule, now, todaysExecutions); !ok {
		e.metrics.RuleGateRejections.WithLabelValues(string(reason)).Inc()
		e.logger.Debug("Rule gated",
			logger.String("rule_id", rule.ID.String()),
			logger.String("reason", string(reason)),
		)
		return nil, nil
	}

	start := time.Now()

	execution := &models.AutomationExecution{
		ID:         uuid.New(),
		RuleID:     rule.ID,
		EntityType: entityType,
		EntityID:   entityID,
		ExecutedAt: start,
		Actions:    rule.Actions,
		Context:    models.JSONB(triggerContext),
	}

	met, conditionResults := e.evaluator.EvaluateAll(rule.Conditions, rule.ConditionLogic, triggerContext)
	execution.Conditions = conditionResults

	if !met {
		execution.Status = models.ExecutionStatusSkipped
	} else {
		execution.Results = e.dispatchActions(ctx, rule, execution, triggerContext)
		execution.Status = aggregateStatus(execution.Results)
		if execution.Status == models.ExecutionStatusFailure {
			if msg := firstActionError(execution.Results); msg != "" {
				execution.ErrorMessage = &msg
			}
		}
	}

	execution.DurationMs = time.Since(start).Milliseconds()

	rule.RecordExecution(execution.Status, start)
	if err := e.store.RecordExecution(ctx, execution, rule); err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	e.metrics.RuleExecutionsTotal.WithLabelValues(string(execution.Status)).Inc()
	e.metrics.RuleExecutionTime.WithLabelValues(rule.RuleType).Observe(time.Since(start).Seconds())

	if e.auditor != nil {
		e.auditor.LogRuleExecuted(ctx, rule, execution)
	}

	e.logger.Info("Rule executed",
		logger.String("rule_id", rule.ID.String()),
		logger.String("status", string(execution.Status)),
		logger.Int64("duration_ms", execution.DurationMs),
	)

	return execution, nil
}

// dispatchActions runs the rule's actions in order. A failed blocking
// action aborts the remainder; failures of best-effort actions do not.
func (e *RuleExecutor) dispatchActions(ctx context.Context, rule *models.AutomationRule, execution *models.AutomationExecution, triggerContext map[string]interface{}) models.ActionOutcomes {
	outcomes := make(models.ActionOutcomes, 0, len(rule.Actions))

	for _, action := range rule.Actions {
		outcome := e.dispatcher.Dispatch(ctx, action, triggerContext)
		outcomes = append(outcomes, outcome)

		result := "success"
		if !outcome.Success {
			result = "failure"
		}
		e.metrics.ActionsDispatched.WithLabelValues(string(action.Kind), result).Inc()

		if e.auditor != nil {
			e.auditor.LogActionTaken(ctx, rule, execution, outcome)
		}

		if !outcome.Success && action.Blocking {
			e.logger.Warn("Blocking action failed, aborting remaining actions",
				logger.String("rule_id", rule.ID.String()),
				logger.String("kind", string(action.Kind)),
			)
			break
		}
	}

	return outcomes
}

// aggregateStatus folds per-action outcomes into an execution status.
// Conditions met with nothing to do counts as success.
func aggregateStatus(outcomes models.ActionOutcomes) models.ExecutionStatus {
	if len(outcomes) == 0 {
		return models.ExecutionStatusSuccess
	}

	succeeded := 0
	for _, outcome := range outcomes {
		if outcome.Success {
			succeeded++
		}
	}

	switch succeeded {
	case len(outcomes):
		return models.ExecutionStatusSuccess
	case 0:
		return models.ExecutionStatusFailure
	default:
		return models.ExecutionStatusPartial
	}
}

func firstActionError(outcomes models.ActionOutcomes) string {
	for _, outcome := range outcomes {
		if !outcome.Success && outcome.Error != "" {
			return outcome.Error
		}
	}
	return ""
}
