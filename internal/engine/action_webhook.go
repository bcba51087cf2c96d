package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/metrics"
)

const (
	defaultWebhookRetryDelay = 5 * time.Second
	maxWebhookResponseBytes  = 64 << 10
)

// callWebhookAction performs an outbound HTTP call with its own synchronous retry policy
type callWebhookAction struct {
	client         *http.Client
	defaultTimeout time.Duration
	clock          Clock
	text           *textRenderer
}

func (a *callWebhookAction) Type() models.ActionType { return models.ActionCallWebhook }
func (a *callWebhookAction) Idempotent() bool        { return false }
func (a *callWebhookAction) ContinueOnError() bool   { return false }

func (a *callWebhookAction) Validate(config models.JSONB) error {
	if err := requireConfig(config, "url"); err != nil {
		return err
	}
	u, err := url.Parse(configString(config, "url", ""))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL")
	}
	switch a.method(config) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return fmt.Errorf("unsupported method %q", configString(config, "method", ""))
	}
	if n := configInt(config, "max_retries", 0); n < 0 || n > 10 {
		return fmt.Errorf("max_retries must be between 0 and 10")
	}
	if h, ok := config["headers"]; ok && h != nil {
		if _, isMap := h.(map[string]interface{}); !isMap {
			return fmt.Errorf("headers must be an object")
		}
	}
	return nil
}

type webhookAttempt struct {
	Attempt    int    `json:"attempt"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

func (a *callWebhookAction) Execute(ctx context.Context, config models.JSONB, ec *ExecutionContext) (*ActionResult, error) {
	method := a.method(config)
	target := a.text.render(ctx, configString(config, "url", ""), ec)
	body, contentType, err := a.body(ctx, config, ec)
	if err != nil {
		return nil, newError(KindActionValidation, "%v", err)
	}

	retries := a.retries(config)
	delay := a.retryDelay(config)
	timeout := a.timeout(config)
	idempotencyKey := fmt.Sprintf("%s:%d:%d", ec.ExecutionID, ec.StepIndex, ec.Attempt)

	attempts := make([]webhookAttempt, 0, retries+1)
	var (
		lastErr    error
		statusCode int
		respBody   string
	)
	for attempt := 1; attempt <= retries+1; attempt++ {
		if attempt > 1 {
			if err := a.clock.Sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		start := time.Now()
		statusCode, respBody, err = a.do(ctx, method, target, body, contentType, config, idempotencyKey, timeout)
		rec := webhookAttempt{Attempt: attempt, StatusCode: statusCode, DurationMs: time.Since(start).Milliseconds()}
		if err == nil && statusCode >= 400 {
			err = fmt.Errorf("webhook returned status %d", statusCode)
		}
		if err != nil {
			rec.Error = err.Error()
		}
		attempts = append(attempts, rec)

		if err == nil {
			metrics.WebhookAttempts.WithLabelValues("success").Inc()
			lastErr = nil
			break
		}
		metrics.WebhookAttempts.WithLabelValues("failure").Inc()
		lastErr = err
		if !retryableStatus(statusCode) {
			break
		}
	}

	output := map[string]interface{}{
		"url":      target,
		"method":   method,
		"attempts": attemptsOutput(attempts),
	}
	if statusCode != 0 {
		output["status_code"] = statusCode
	}
	if respBody != "" {
		output["response"] = respBody
	}
	if lastErr != nil {
		return &ActionResult{Output: output}, fmt.Errorf("webhook failed after %d attempt(s): %w", len(attempts), lastErr)
	}
	return succeeded(output), nil
}

func (a *callWebhookAction) do(
	ctx context.Context,
	method, target string,
	body []byte,
	contentType string,
	config models.JSONB,
	idempotencyKey string,
	timeout time.Duration,
) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", "RecordAutomation/1.0")
	req.Header.Set("X-Request-ID", uuid.New().String())
	req.Header.Set("X-Idempotency-Key", idempotencyKey)
	for k, v := range configMap(config, "headers") {
		req.Header.Set(k, fmt.Sprint(v))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBytes))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, string(data), nil
}

// body renders the body template. Objects are sent as JSON, strings as-is.
func (a *callWebhookAction) body(ctx context.Context, config models.JSONB, ec *ExecutionContext) ([]byte, string, error) {
	switch b := config["body"].(type) {
	case nil:
		if a.method(config) == http.MethodGet || a.method(config) == http.MethodDelete {
			return nil, "", nil
		}
		data, err := json.Marshal(map[string]interface{}{
			"execution_id": ec.ExecutionID,
			"rule_id":      ec.RuleID,
			"subject_id":   ec.SubjectID,
			"payload":      ec.Payload,
		})
		return data, "application/json", err
	case string:
		rendered := a.text.render(ctx, b, ec)
		contentType := "text/plain"
		if json.Valid([]byte(rendered)) {
			contentType = "application/json"
		}
		return []byte(rendered), contentType, nil
	case map[string]interface{}:
		data, err := json.Marshal(a.text.renderMap(ctx, b, ec))
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal request body: %w", err)
		}
		return data, "application/json", nil
	}
	return nil, "", fmt.Errorf("body must be a string or an object")
}

func (a *callWebhookAction) method(config models.JSONB) string {
	return strings.ToUpper(configString(config, "method", http.MethodPost))
}

// retries is max_retries when retry_on_failure holds; retry_on_failure defaults to true when max_retries is set
func (a *callWebhookAction) retries(config models.JSONB) int {
	n := configInt(config, "max_retries", 0)
	if n <= 0 || !configBool(config, "retry_on_failure", true) {
		return 0
	}
	return n
}

func (a *callWebhookAction) retryDelay(config models.JSONB) time.Duration {
	if s, ok := configFloat(config, "retry_delay_seconds"); ok && s >= 0 {
		return time.Duration(s * float64(time.Second))
	}
	return defaultWebhookRetryDelay
}

func (a *callWebhookAction) timeout(config models.JSONB) time.Duration {
	if s, ok := configFloat(config, "timeout_seconds"); ok && s > 0 {
		return time.Duration(s * float64(time.Second))
	}
	if a.defaultTimeout > 0 {
		return a.defaultTimeout
	}
	return 30 * time.Second
}

func (a *callWebhookAction) Describe(_ context.Context, config models.JSONB, _ *ExecutionContext) (string, time.Duration) {
	retries := a.retries(config)
	desc := fmt.Sprintf("Call %s %s", a.method(config), configString(config, "url", ""))
	if retries > 0 {
		desc += fmt.Sprintf(" (up to %d retries, %s apart)", retries, a.retryDelay(config))
	}
	// typical round trip, plus the retry delays in the worst case
	return desc, time.Second + time.Duration(retries)*a.retryDelay(config)
}

// retryableStatus is true for transport errors (0), 408, 429 and 5xx
func retryableStatus(code int) bool {
	return code == 0 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func attemptsOutput(attempts []webhookAttempt) []interface{} {
	out := make([]interface{}, len(attempts))
	for i, at := range attempts {
		m := map[string]interface{}{
			"attempt":     at.Attempt,
			"duration_ms": at.DurationMs,
		}
		if at.StatusCode != 0 {
			m["status_code"] = at.StatusCode
		}
		if at.Error != "" {
			m["error"] = at.Error
		}
		out[i] = m
	}
	return out
}
