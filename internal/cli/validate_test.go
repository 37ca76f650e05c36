package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "definition.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidateWorkflowFile_Valid(t *testing.T) {
	path := writeTempFile(t, `{
		"steps": [
			{"id": "greet", "type": "action", "action": {"kind": "log", "params": {"message": "hi"}}, "next": "check"},
			{"id": "check", "type": "condition", "condition": {"kind": "expression", "expression": "value > 1"}, "on_true": "done"},
			{"id": "done", "type": "action", "action": {"kind": "notify", "params": {"channel": "email"}}}
		]
	}`)

	result, err := ValidateWorkflowFile(path)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
}

func TestValidateWorkflowFile_CollectsAllErrors(t *testing.T) {
	path := writeTempFile(t, `{
		"steps": [
			{"id": "a", "type": "action", "next": "missing"},
			{"id": "a", "type": "split"},
			{"id": "b", "type": "delay", "delay_seconds": 0},
			{"id": "c", "type": "teleport"}
		]
	}`)

	result, err := ValidateWorkflowFile(path)
	require.NoError(t, err)
	assert.False(t, result.Valid)

	joined := ""
	for _, e := range result.Errors {
		joined += e + "\n"
	}
	assert.Contains(t, joined, "duplicate step id")
	assert.Contains(t, joined, "unknown step \"missing\"")
	assert.Contains(t, joined, "no action")
	assert.Contains(t, joined, "positive delay_seconds")
	assert.Contains(t, joined, "unknown type")
}

func TestValidateWorkflowFile_EmptySteps(t *testing.T) {
	path := writeTempFile(t, `{"steps": []}`)

	result, err := ValidateWorkflowFile(path)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no steps")
}

func TestValidateWorkflowFile_BadJSON(t *testing.T) {
	path := writeTempFile(t, `{"steps": [`)

	_, err := ValidateWorkflowFile(path)
	assert.Error(t, err)
}

func TestValidateRuleFile(t *testing.T) {
	t.Run("valid rule", func(t *testing.T) {
		path := writeTempFile(t, `{
			"name": "high spend alert",
			"rule_type": "threshold",
			"conditions": [{"kind": "field", "field": "spend", "operator": "gt", "value": 100}],
			"actions": [{"kind": "webhook", "params": {"url": "https://example.com/hook"}}]
		}`)

		result, err := ValidateRuleFile(path)
		require.NoError(t, err)
		assert.True(t, result.Valid)
	})

	t.Run("missing pieces", func(t *testing.T) {
		path := writeTempFile(t, `{
			"conditions": [{"kind": "field", "field": "spend"}],
			"actions": [{"kind": "webhook"}]
		}`)

		result, err := ValidateRuleFile(path)
		require.NoError(t, err)
		assert.False(t, result.Valid)

		joined := ""
		for _, e := range result.Errors {
			joined += e + "\n"
		}
		assert.Contains(t, joined, "no name")
		assert.Contains(t, joined, "no rule_type")
		assert.Contains(t, joined, "no operator")
		assert.Contains(t, joined, "no url param")
	})
}

func TestPreviewCron(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	preview, err := PreviewCron("0 9 * * *", 3, from)
	require.NoError(t, err)
	require.Len(t, preview.NextRuns, 3)
	assert.Equal(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), preview.NextRuns[0])
	assert.Equal(t, time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC), preview.NextRuns[1])
	assert.Equal(t, time.Date(2025, 1, 3, 9, 0, 0, 0, time.UTC), preview.NextRuns[2])
}

func TestPreviewCron_InvalidExpression(t *testing.T) {
	_, err := PreviewCron("not cron", 3, time.Now())
	assert.Error(t, err)
}
