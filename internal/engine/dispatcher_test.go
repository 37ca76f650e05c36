package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDispatcher() *Dispatcher {
	return NewDispatcher(logger.NewForTesting(), 5*time.Second, 1000, 100)
}

func TestDispatch_Webhook(t *testing.T) {
	var received struct {
		method string
		body   map[string]interface{}
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.method = r.Method
		_ = json.NewDecoder(r.Body).Decode(&received.body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	d := testDispatcher()
	action := models.RuleAction{
		Kind: models.ActionKindWebhook,
		Params: models.JSONB{
			"url": server.URL,
			"body": map[string]interface{}{
				"campaign": "${campaign.name}",
				"static":   "value",
			},
		},
	}

	outcome := d.Dispatch(context.Background(), action, map[string]interface{}{
		"campaign": map[string]interface{}{"name": "Summer Sale"},
	})

	require.True(t, outcome.Success)
	assert.Equal(t, http.MethodPost, received.method)
	assert.Equal(t, "Summer Sale", received.body["campaign"])
	assert.Equal(t, "value", received.body["static"])
	assert.EqualValues(t, http.StatusOK, outcome.Data["status_code"])
	assert.GreaterOrEqual(t, outcome.DurationMs, int64(0))
}

func TestDispatch_WebhookErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := testDispatcher()
	action := models.RuleAction{
		Kind:   models.ActionKindWebhook,
		Params: models.JSONB{"url": server.URL},
	}

	outcome := d.Dispatch(context.Background(), action, nil)

	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "500")
}

func TestDispatch_WebhookMissingURL(t *testing.T) {
	d := testDispatcher()
	action := models.RuleAction{Kind: models.ActionKindWebhook}

	outcome := d.Dispatch(context.Background(), action, nil)

	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "url")
}

func TestDispatch_WebhookTimeoutIsActionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	d := NewDispatcher(logger.NewForTesting(), 50*time.Millisecond, 1000, 100)
	action := models.RuleAction{
		Kind:   models.ActionKindWebhook,
		Params: models.JSONB{"url": server.URL},
	}

	outcome := d.Dispatch(context.Background(), action, nil)
	assert.False(t, outcome.Success)
	assert.NotEmpty(t, outcome.Error)
}

func TestDispatch_Notify(t *testing.T) {
	d := testDispatcher()
	action := models.RuleAction{
		Kind: models.ActionKindNotify,
		Params: models.JSONB{
			"message":    "budget exceeded",
			"recipients": []interface{}{"ops@example.com"},
		},
	}

	outcome := d.Dispatch(context.Background(), action, nil)

	require.True(t, outcome.Success)
	assert.Equal(t, "budget exceeded", outcome.Data["message"])
}

func TestDispatch_UpdateField(t *testing.T) {
	d := testDispatcher()
	action := models.RuleAction{
		Kind: models.ActionKindUpdateField,
		Params: models.JSONB{
			"entity_type": "campaign",
			"field":       "status",
			"value":       "${next_status}",
		},
	}

	outcome := d.Dispatch(context.Background(), action, map[string]interface{}{
		"next_status": "paused",
	})

	require.True(t, outcome.Success)
	assert.Equal(t, "paused", outcome.Data["value"])
	assert.Equal(t, "campaign", outcome.Data["entity_type"])
}

func TestDispatch_UpdateFieldRequiresField(t *testing.T) {
	d := testDispatcher()
	action := models.RuleAction{
		Kind:   models.ActionKindUpdateField,
		Params: models.JSONB{"entity_type": "campaign"},
	}

	outcome := d.Dispatch(context.Background(), action, nil)
	assert.False(t, outcome.Success)
}

func TestDispatch_Log(t *testing.T) {
	d := testDispatcher()
	action := models.RuleAction{
		Kind:   models.ActionKindLog,
		Params: models.JSONB{"message": "hello"},
	}

	outcome := d.Dispatch(context.Background(), action, nil)

	require.True(t, outcome.Success)
	assert.Equal(t, "hello", outcome.Data["message"])
}

func TestDispatch_UnknownKind(t *testing.T) {
	d := testDispatcher()
	action := models.RuleAction{Kind: models.ActionKind("teleport")}

	outcome := d.Dispatch(context.Background(), action, nil)

	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "unsupported action kind")
}

func TestInterpolateValue(t *testing.T) {
	context := map[string]interface{}{
		"name": "Ada",
		"nested": map[string]interface{}{
			"value": float64(42),
		},
	}

	assert.Equal(t, "plain", interpolateValue("plain", context))
	assert.Equal(t, "Ada", interpolateValue("${name}", context))
	assert.Equal(t, float64(42), interpolateValue("${nested.value}", context))
	assert.Nil(t, interpolateValue("${missing}", context))
	assert.Nil(t, interpolateValue("${nested.missing}", context))
}
