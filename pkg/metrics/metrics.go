package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine. Each Metrics
// value owns its registry, so tests can construct as many as they need.
type Metrics struct {
	Registry *prometheus.Registry

	// Rule execution metrics
	RuleExecutionsTotal *prometheus.CounterVec
	RuleExecutionTime   *prometheus.HistogramVec
	RuleGateRejections  *prometheus.CounterVec
	ActionsDispatched   *prometheus.CounterVec

	// Scheduler metrics
	SchedulerTicksTotal prometheus.Counter
	SchedulerTickTime   prometheus.Histogram
	SchedulesDispatched *prometheus.CounterVec
	ScheduleClaimsLost  prometheus.Counter

	// Workflow metrics
	WorkflowInstancesTotal *prometheus.CounterVec
	WorkflowStepDuration   *prometheus.HistogramVec
	ActiveInstances        prometheus.Gauge
	StepRetriesTotal       prometheus.Counter
}

// New creates and registers all engine metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		RuleExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_rule_executions_total",
			Help: "Total rule executions by outcome status",
		}, []string{"status"}),

		RuleExecutionTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automation_rule_execution_seconds",
			Help:    "Rule execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"rule_type"}),

		RuleGateRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_rule_gate_rejections_total",
			Help: "Rule executions rejected by the eligibility gate, by reason",
		}, []string{"reason"}),

		ActionsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_actions_dispatched_total",
			Help: "Actions dispatched by kind and outcome",
		}, []string{"kind", "outcome"}),

		SchedulerTicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "automation_scheduler_ticks_total",
			Help: "Total scheduler ticks processed",
		}),

		SchedulerTickTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "automation_scheduler_tick_seconds",
			Help:    "Scheduler tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		SchedulesDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_schedules_dispatched_total",
			Help: "Due schedules and jobs dispatched by target kind",
		}, []string{"target"}),

		ScheduleClaimsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "automation_schedule_claims_lost_total",
			Help: "Schedule claims lost to a concurrent tick",
		}),

		WorkflowInstancesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_workflow_instances_total",
			Help: "Workflow instances reaching a terminal status",
		}, []string{"status"}),

		WorkflowStepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automation_workflow_step_seconds",
			Help:    "Workflow step duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"step_type"}),

		ActiveInstances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "automation_workflow_active_instances",
			Help: "Workflow instances currently running or paused",
		}),

		StepRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "automation_workflow_step_retries_total",
			Help: "Workflow step retry attempts",
		}),
	}
}
