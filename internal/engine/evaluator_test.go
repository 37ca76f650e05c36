package engine

import (
	"testing"

	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() map[string]interface{} {
	return map[string]interface{}{
		"status": "active",
		"spend":  float64(150),
		"campaign": map[string]interface{}{
			"name":   "Summer Sale",
			"budget": float64(1000),
			"tags":   []interface{}{"email", "promo"},
		},
	}
}

func TestEvaluate_FieldConditions(t *testing.T) {
	evaluator := NewEvaluator()

	tests := []struct {
		name      string
		condition models.RuleCondition
		want      bool
		wantErr   bool
	}{
		{
			name: "eq match",
			condition: models.RuleCondition{
				Kind: models.ConditionKindField, Field: "status", Operator: "eq", Value: "active",
			},
			want: true,
		},
		{
			name: "neq match",
			condition: models.RuleCondition{
				Kind: models.ConditionKindField, Field: "status", Operator: "neq", Value: "paused",
			},
			want: true,
		},
		{
			name: "gt on number",
			condition: models.RuleCondition{
				Kind: models.ConditionKindField, Field: "spend", Operator: "gt", Value: float64(100),
			},
			want: true,
		},
		{
			name: "gte at boundary",
			condition: models.RuleCondition{
				Kind: models.ConditionKindField, Field: "spend", Operator: "gte", Value: float64(150),
			},
			want: true,
		},
		{
			name: "lt fails",
			condition: models.RuleCondition{
				Kind: models.ConditionKindField, Field: "spend", Operator: "lt", Value: float64(100),
			},
			want: false,
		},
		{
			name: "dot notation path",
			condition: models.RuleCondition{
				Kind: models.ConditionKindField, Field: "campaign.budget", Operator: "gte", Value: float64(500),
			},
			want: true,
		},
		{
			name: "in list",
			condition: models.RuleCondition{
				Kind: models.ConditionKindField, Field: "status", Operator: "in",
				Value: []interface{}{"active", "pending"},
			},
			want: true,
		},
		{
			name: "contains on string",
			condition: models.RuleCondition{
				Kind: models.ConditionKindField, Field: "campaign.name", Operator: "contains", Value: "Sale",
			},
			want: true,
		},
		{
			name: "contains on list",
			condition: models.RuleCondition{
				Kind: models.ConditionKindField, Field: "campaign.tags", Operator: "contains", Value: "promo",
			},
			want: true,
		},
		{
			name: "regex match",
			condition: models.RuleCondition{
				Kind: models.ConditionKindField, Field: "campaign.name", Operator: "regex", Value: "^Summer",
			},
			want: true,
		},
		{
			name: "missing field is a fault",
			condition: models.RuleCondition{
				Kind: models.ConditionKindField, Field: "nonexistent", Operator: "eq", Value: "x",
			},
			wantErr: true,
		},
		{
			name: "non-numeric comparison is a fault",
			condition: models.RuleCondition{
				Kind: models.ConditionKindField, Field: "status", Operator: "gt", Value: float64(1),
			},
			wantErr: true,
		},
		{
			name: "unsupported operator is a fault",
			condition: models.RuleCondition{
				Kind: models.ConditionKindField, Field: "status", Operator: "between", Value: "x",
			},
			wantErr: true,
		},
		{
			name: "unknown kind never matches",
			condition: models.RuleCondition{
				Kind: models.ConditionKindUnknown,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(&tt.condition, testContext())
			if tt.wantErr {
				require.Error(t, err)
				assert.False(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_ExpressionConditions(t *testing.T) {
	evaluator := NewEvaluator()

	t.Run("boolean expression", func(t *testing.T) {
		condition := models.RuleCondition{
			Kind:       models.ConditionKindExpression,
			Expression: `spend > 100 && status == "active"`,
		}
		got, err := evaluator.Evaluate(&condition, testContext())
		require.NoError(t, err)
		assert.True(t, got)
	})

	t.Run("nested access", func(t *testing.T) {
		condition := models.RuleCondition{
			Kind:       models.ConditionKindExpression,
			Expression: `campaign.budget >= 1000`,
		}
		got, err := evaluator.Evaluate(&condition, testContext())
		require.NoError(t, err)
		assert.True(t, got)
	})

	t.Run("compile error is a fault", func(t *testing.T) {
		condition := models.RuleCondition{
			Kind:       models.ConditionKindExpression,
			Expression: `spend >`,
		}
		_, err := evaluator.Evaluate(&condition, testContext())
		assert.Error(t, err)
	})

	t.Run("empty expression is a fault", func(t *testing.T) {
		condition := models.RuleCondition{
			Kind: models.ConditionKindExpression,
		}
		_, err := evaluator.Evaluate(&condition, testContext())
		assert.Error(t, err)
	})
}

func TestEvaluateAll(t *testing.T) {
	evaluator := NewEvaluator()

	metCondition := models.RuleCondition{
		Kind: models.ConditionKindField, Field: "status", Operator: "eq", Value: "active",
	}
	unmetCondition := models.RuleCondition{
		Kind: models.ConditionKindField, Field: "spend", Operator: "lt", Value: float64(10),
	}
	faultyCondition := models.RuleCondition{
		Kind: models.ConditionKindField, Field: "missing.path", Operator: "eq", Value: "x",
	}

	t.Run("and requires all", func(t *testing.T) {
		met, results := evaluator.EvaluateAll(
			models.RuleConditions{metCondition, unmetCondition},
			models.ConditionLogicAnd, testContext(),
		)
		assert.False(t, met)
		require.Len(t, results, 2)
		assert.True(t, results[0].Met)
		assert.False(t, results[1].Met)
	})

	t.Run("or requires any", func(t *testing.T) {
		met, results := evaluator.EvaluateAll(
			models.RuleConditions{unmetCondition, metCondition},
			models.ConditionLogicOr, testContext(),
		)
		assert.True(t, met)
		assert.Len(t, results, 2)
	})

	t.Run("empty list is trivially satisfied", func(t *testing.T) {
		met, results := evaluator.EvaluateAll(nil, models.ConditionLogicAnd, testContext())
		assert.True(t, met)
		assert.Empty(t, results)
	})

	t.Run("faults fold into a failed condition", func(t *testing.T) {
		met, results := evaluator.EvaluateAll(
			models.RuleConditions{faultyCondition, metCondition},
			models.ConditionLogicOr, testContext(),
		)
		assert.True(t, met)
		require.Len(t, results, 2)
		assert.False(t, results[0].Met)
		assert.NotEmpty(t, results[0].Error)
		assert.True(t, results[1].Met)
	})

	t.Run("all results recorded even after a miss", func(t *testing.T) {
		_, results := evaluator.EvaluateAll(
			models.RuleConditions{unmetCondition, metCondition, faultyCondition},
			models.ConditionLogicAnd, testContext(),
		)
		assert.Len(t, results, 3)
	})
}
