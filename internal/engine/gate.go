package engine

import (
	"time"

	"github.com/pulsecrm/automation-engine/internal/models"
)

// GateReason explains why a rule was not eligible to fire
type GateReason string

const (
	GateEligible  GateReason = "eligible"
	GateDisabled  GateReason = "disabled"
	GateNotActive GateReason = "not_active"
	GateCooldown  GateReason = "cooldown"
	GateDailyCap  GateReason = "daily_cap"
)

// RuleGate decides whether a rule is eligible to fire now. It is a pure
// predicate: no mutation, no side effects. Counting today's executions is
// the caller's responsibility.
type RuleGate struct{}

// NewRuleGate creates a rule gate
func NewRuleGate() *RuleGate {
	return &RuleGate{}
}

// CanExecute reports whether the rule may fire at now, given the number
// of executions already recorded for the rule's current calendar day.
func (g *RuleGate) CanExecute(rule *models.AutomationRule, now time.Time, todaysExecutions int) bool {
	_, reason := g.Check(rule, now, todaysExecutions)
	return reason == GateEligible
}

// Check is CanExecute with the rejection reason, for logging and metrics
func (g *RuleGate) Check(rule *models.AutomationRule, now time.Time, todaysExecutions int) (bool, GateReason) {
	if !rule.Enabled {
		return false, GateDisabled
	}
	if rule.Status != models.RuleStatusActive {
		return false, GateNotActive
	}

	// Cooldown of zero means no gating
	if rule.CooldownMinutes > 0 && rule.LastExecutedAt != nil {
		cooldownEnds := rule.LastExecutedAt.Add(time.Duration(rule.CooldownMinutes) * time.Minute)
		if cooldownEnds.After(now) {
			return false, GateCooldown
		}
	}

	if rule.MaxExecutionsPerDay != nil && todaysExecutions >= *rule.MaxExecutionsPerDay {
		return false, GateDailyCap
	}

	return true, GateEligible
}
