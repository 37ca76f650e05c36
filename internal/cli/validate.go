package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pulsecrm/automation-engine/internal/engine"
	"github.com/pulsecrm/automation-engine/internal/models"
)

// ValidationResult is the outcome of validating a definition file
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidateWorkflowFile validates a workflow definition JSON file,
// collecting every problem instead of stopping at the first.
func ValidateWorkflowFile(filename string) (*ValidationResult, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var definition models.WorkflowDefinition
	if err := json.Unmarshal(data, &definition); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	result := &ValidationResult{Valid: true}
	addError := func(format string, args ...interface{}) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	if len(definition.Steps) == 0 {
		addError("workflow definition has no steps")
		return result, nil
	}

	ids := make(map[string]bool, len(definition.Steps))
	for i, step := range definition.Steps {
		if step.ID == "" {
			addError("step %d has no id", i)
			continue
		}
		if ids[step.ID] {
			addError("duplicate step id %q", step.ID)
		}
		ids[step.ID] = true
	}

	for _, step := range definition.Steps {
		checkRef := func(kind, ref string) {
			if ref != "" && !ids[ref] {
				addError("step %q %s references unknown step %q", step.ID, kind, ref)
			}
		}
		checkRef("next", step.Next)
		checkRef("on_true", step.OnTrue)
		checkRef("on_false", step.OnFalse)
		for _, branch := range step.Branches {
			checkRef("branch", branch)
		}

		switch step.Type {
		case models.StepTypeAction:
			if step.Action == nil {
				addError("action step %q has no action", step.ID)
			} else {
				validateAction(step.ID, step.Action, addError)
			}
		case models.StepTypeCondition:
			if step.Condition == nil {
				addError("condition step %q has no condition", step.ID)
			} else {
				validateCondition(step.ID, step.Condition, addError)
			}
		case models.StepTypeSplit:
			if len(step.Branches) == 0 {
				addError("split step %q has no branches", step.ID)
			}
		case models.StepTypeDelay:
			if step.DelaySeconds <= 0 {
				addError("delay step %q must have a positive delay_seconds", step.ID)
			}
		case models.StepTypeMerge:
		default:
			addError("step %q has unknown type %q", step.ID, step.Type)
		}
	}

	return result, nil
}

// ValidateRuleFile validates a rule creation request JSON file
func ValidateRuleFile(filename string) (*ValidationResult, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var req models.CreateRuleRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	result := &ValidationResult{Valid: true}
	addError := func(format string, args ...interface{}) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	if req.Name == "" {
		addError("rule has no name")
	}
	if req.RuleType == "" {
		addError("rule has no rule_type")
	}
	if len(req.Conditions) == 0 {
		addError("rule has no conditions")
	}
	if len(req.Actions) == 0 {
		addError("rule has no actions")
	}

	for i, condition := range req.Conditions {
		validateCondition(fmt.Sprintf("condition %d", i), &condition, addError)
	}
	for i, action := range req.Actions {
		validateAction(fmt.Sprintf("action %d", i), &action, addError)
	}

	return result, nil
}

func validateCondition(where string, condition *models.RuleCondition, addError func(string, ...interface{})) {
	switch condition.Kind {
	case models.ConditionKindField:
		if condition.Field == "" {
			addError("%s: field condition has no field", where)
		}
		if condition.Operator == "" {
			addError("%s: field condition has no operator", where)
		}
	case models.ConditionKindExpression:
		if condition.Expression == "" {
			addError("%s: expression condition has no expression", where)
		}
	default:
		addError("%s: unknown condition kind %q", where, condition.Kind)
	}
}

func validateAction(where string, action *models.RuleAction, addError func(string, ...interface{})) {
	switch action.Kind {
	case models.ActionKindWebhook:
		if action.Params == nil || action.Params["url"] == nil {
			addError("%s: webhook action has no url param", where)
		}
	case models.ActionKindNotify, models.ActionKindUpdateField, models.ActionKindLog:
	default:
		addError("%s: unknown action kind %q", where, action.Kind)
	}
}

// SchedulePreview is a computed sequence of upcoming run times
type SchedulePreview struct {
	Expression string      `json:"expression"`
	NextRuns   []time.Time `json:"next_runs"`
}

// PreviewCron validates a cron expression and computes its next run times
func PreviewCron(expression string, count int, from time.Time) (*SchedulePreview, error) {
	calculator := engine.NewRecurrenceCalculator()
	if err := calculator.ValidateCron(expression); err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	if count <= 0 {
		count = 5
	}

	preview := &SchedulePreview{Expression: expression}
	custom := expression
	schedule := &models.AutomationSchedule{
		Frequency:      models.FrequencyCustom,
		CronExpression: &custom,
		Timezone:       "UTC",
		Enabled:        true,
	}

	ref := from
	for i := 0; i < count; i++ {
		next, ok := calculator.NextRun(schedule, ref)
		if !ok {
			break
		}
		preview.NextRuns = append(preview.NextRuns, next)
		ref = next
	}

	return preview, nil
}
