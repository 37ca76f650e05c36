package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/pkg/logger"
	"golang.org/x/time/rate"
)

// Dispatcher executes action descriptors. The actual side effect behind
// notify/update_field is delegated to collaborating services; the
// dispatcher owns the outcome contract: every dispatch yields an
// ActionOutcome, faults and timeouts included, and never panics or
// propagates an error.
type Dispatcher struct {
	logger        *logger.Logger
	httpClient    *http.Client
	limiter       *rate.Limiter
	actionTimeout time.Duration
}

// NewDispatcher creates an action dispatcher. Outbound calls are
// throttled to perSecond with the given burst.
func NewDispatcher(log *logger.Logger, actionTimeout time.Duration, perSecond float64, burst int) *Dispatcher {
	if actionTimeout <= 0 {
		actionTimeout = 30 * time.Second
	}
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 1
	}

	return &Dispatcher{
		logger:        log,
		httpClient:    &http.Client{Timeout: actionTimeout},
		limiter:       rate.NewLimiter(rate.Limit(perSecond), burst),
		actionTimeout: actionTimeout,
	}
}

// Dispatch runs a single action against the trigger context and records
// its outcome. A timeout is an action failure, not a system fault.
func (d *Dispatcher) Dispatch(ctx context.Context, action models.RuleAction, execContext map[string]interface{}) models.ActionOutcome {
	start := time.Now()
	outcome := models.ActionOutcome{Action: action}

	actionCtx, cancel := context.WithTimeout(ctx, d.actionTimeout)
	defer cancel()

	data, err := d.run(actionCtx, action, execContext)
	outcome.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		outcome.Success = false
		outcome.Error = err.Error()
		d.logger.Warn("Action dispatch failed",
			logger.String("kind", string(action.Kind)),
			logger.Err(err),
		)
		return outcome
	}

	outcome.Success = true
	outcome.Data = data
	return outcome
}

func (d *Dispatcher) run(ctx context.Context, action models.RuleAction, execContext map[string]interface{}) (models.JSONB, error) {
	switch action.Kind {
	case models.ActionKindNotify:
		return d.runNotify(ctx, action, execContext)

	case models.ActionKindWebhook:
		return d.runWebhook(ctx, action, execContext)

	case models.ActionKindUpdateField:
		return d.runUpdateField(ctx, action, execContext)

	case models.ActionKindLog:
		return d.runLog(action, execContext)

	default:
		return nil, fmt.Errorf("unsupported action kind: %s", action.Kind)
	}
}

// runNotify hands a notification off to the delivery collaborator.
// Recipient resolution and channel selection live outside the engine.
func (d *Dispatcher) runNotify(ctx context.Context, action models.RuleAction, execContext map[string]interface{}) (models.JSONB, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("notify rate limit wait: %w", err)
	}

	message := paramString(action.Params, "message")
	recipients := action.Params["recipients"]

	d.logger.Info("Notification dispatched",
		logger.Any("recipients", recipients),
		logger.String("message", message),
	)

	return models.JSONB{
		"recipients": recipients,
		"message":    message,
		"sent_at":    time.Now().Unix(),
	}, nil
}

// runWebhook calls an external webhook
func (d *Dispatcher) runWebhook(ctx context.Context, action models.RuleAction, execContext map[string]interface{}) (models.JSONB, error) {
	url := paramString(action.Params, "url")
	if url == "" {
		return nil, fmt.Errorf("webhook action requires a url param")
	}

	method := paramString(action.Params, "method")
	if method == "" {
		method = http.MethodPost
	}

	var bodyBytes []byte
	if body, ok := action.Params["body"].(map[string]interface{}); ok {
		interpolated := interpolateVariables(body, execContext)
		var err error
		bodyBytes, err = json.Marshal(interpolated)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("webhook rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AutomationEngine/1.0")
	req.Header.Set("X-Request-ID", uuid.New().String())

	if headers, ok := action.Params["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			req.Header.Set(key, fmt.Sprintf("%v", value))
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := models.JSONB{
		"url":         url,
		"method":      method,
		"status_code": resp.StatusCode,
		"response":    string(respBody),
	}

	if resp.StatusCode >= 400 {
		return result, fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}

	return result, nil
}

// runUpdateField records an entity field update for the application layer
// to apply. Which table the entity lives in is not the engine's concern.
func (d *Dispatcher) runUpdateField(ctx context.Context, action models.RuleAction, execContext map[string]interface{}) (models.JSONB, error) {
	entity := paramString(action.Params, "entity_type")
	field := paramString(action.Params, "field")
	if field == "" {
		return nil, fmt.Errorf("update_field action requires a field param")
	}

	value := action.Params["value"]
	if str, ok := value.(string); ok {
		value = interpolateValue(str, execContext)
	}

	d.logger.Info("Entity field update dispatched",
		logger.String("entity_type", entity),
		logger.String("field", field),
	)

	return models.JSONB{
		"entity_type": entity,
		"field":       field,
		"value":       value,
		"updated_at":  time.Now().Unix(),
	}, nil
}

// runLog writes a structured log line
func (d *Dispatcher) runLog(action models.RuleAction, execContext map[string]interface{}) (models.JSONB, error) {
	message := paramString(action.Params, "message")
	if message == "" {
		message = "rule action fired"
	}

	d.logger.Info("Rule log action", logger.String("message", message))

	return models.JSONB{
		"message":   message,
		"logged_at": time.Now().Unix(),
	}, nil
}

func paramString(params models.JSONB, key string) string {
	if params == nil {
		return ""
	}
	if value, ok := params[key].(string); ok {
		return value
	}
	return ""
}

// interpolateVariables replaces "${path}" string values with values from
// the trigger context, recursing into nested maps.
func interpolateVariables(data map[string]interface{}, context map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})

	for key, value := range data {
		switch v := value.(type) {
		case string:
			result[key] = interpolateValue(v, context)
		case map[string]interface{}:
			result[key] = interpolateVariables(v, context)
		default:
			result[key] = value
		}
	}

	return result
}

func interpolateValue(value string, context map[string]interface{}) interface{} {
	if !strings.HasPrefix(value, "${") || !strings.HasSuffix(value, "}") {
		return value
	}

	path := strings.TrimSuffix(strings.TrimPrefix(value, "${"), "}")
	parts := strings.Split(path, ".")
	current := context

	for i, part := range parts {
		val, exists := current[part]
		if !exists {
			return nil
		}

		if i == len(parts)-1 {
			return val
		}

		nextMap, ok := val.(map[string]interface{})
		if !ok {
			return nil
		}
		current = nextMap
	}

	return nil
}
