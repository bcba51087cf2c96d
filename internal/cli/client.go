package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
)

// Client talks to the automation API on behalf of an operator
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError is a non-success reply from the API
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, status: %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s (status: %d)", e.Message, e.StatusCode)
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) doRequest(method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	return resp, nil
}

// call performs a request and decodes the reply into out when the status is want
func (c *Client) call(method, path string, body interface{}, want int, out interface{}) error {
	resp, err := c.doRequest(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		raw, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ListRules retrieves rules matching query (trigger_type, active, template, limit, offset)
func (c *Client) ListRules(query url.Values) (*models.RuleListResponse, error) {
	var result models.RuleListResponse
	if err := c.call(http.MethodGet, withQuery("/api/v1/rules", query), nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetRule retrieves a rule by ID
func (c *Client) GetRule(id string) (*models.Rule, error) {
	var rule models.Rule
	if err := c.call(http.MethodGet, "/api/v1/rules/"+url.PathEscape(id), nil, http.StatusOK, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// CreateRule creates a new rule
func (c *Client) CreateRule(req *models.CreateRuleRequest) (*models.Rule, error) {
	var rule models.Rule
	if err := c.call(http.MethodPost, "/api/v1/rules", req, http.StatusCreated, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// UpdateRule updates an existing rule
func (c *Client) UpdateRule(id string, req *models.UpdateRuleRequest) (*models.Rule, error) {
	var rule models.Rule
	if err := c.call(http.MethodPut, "/api/v1/rules/"+url.PathEscape(id), req, http.StatusOK, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// SetRuleActive activates or deactivates a rule
func (c *Client) SetRuleActive(id string, active bool) (*models.Rule, error) {
	action := "deactivate"
	if active {
		action = "activate"
	}
	var rule models.Rule
	if err := c.call(http.MethodPost, "/api/v1/rules/"+url.PathEscape(id)+"/"+action, nil, http.StatusOK, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// DeleteRule deletes a rule
func (c *Client) DeleteRule(id string) error {
	return c.call(http.MethodDelete, "/api/v1/rules/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// InstantiateRule copies a template into a new active rule
func (c *Client) InstantiateRule(templateID, name string) (*models.Rule, error) {
	body := map[string]string{}
	if name != "" {
		body["name"] = name
	}
	var rule models.Rule
	if err := c.call(http.MethodPost, "/api/v1/rules/"+url.PathEscape(templateID)+"/instantiate", body, http.StatusCreated, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// TestRule dry-runs a rule against sample input
func (c *Client) TestRule(id string, req *models.TestRuleRequest) (*models.ExecutionPlan, error) {
	var plan models.ExecutionPlan
	if err := c.call(http.MethodPost, "/api/v1/rules/"+url.PathEscape(id)+"/test", req, http.StatusOK, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ExecuteRule queues a manual run of a rule
func (c *Client) ExecuteRule(id string, req *models.ExecuteRuleRequest) (*models.ExecutionAccepted, error) {
	var accepted models.ExecutionAccepted
	if err := c.call(http.MethodPost, "/api/v1/rules/"+url.PathEscape(id)+"/execute", req, http.StatusAccepted, &accepted); err != nil {
		return nil, err
	}
	return &accepted, nil
}

// ListExecutions retrieves executions matching query (rule_id, status, subject_id, limit, offset)
func (c *Client) ListExecutions(query url.Values) (*models.ExecutionListResponse, error) {
	var result models.ExecutionListResponse
	if err := c.call(http.MethodGet, withQuery("/api/v1/executions", query), nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetExecution retrieves a specific execution
func (c *Client) GetExecution(id string) (*models.Execution, error) {
	var exec models.Execution
	if err := c.call(http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil, http.StatusOK, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetExecutionLogs retrieves the step log of an execution
func (c *Client) GetExecutionLogs(id string) (*models.ExecutionLogsResponse, error) {
	var logs models.ExecutionLogsResponse
	if err := c.call(http.MethodGet, "/api/v1/executions/"+url.PathEscape(id)+"/logs", nil, http.StatusOK, &logs); err != nil {
		return nil, err
	}
	return &logs, nil
}

// CancelExecution cancels a running or waiting execution
func (c *Client) CancelExecution(id string) (*models.Execution, error) {
	var exec models.Execution
	if err := c.call(http.MethodPost, "/api/v1/executions/"+url.PathEscape(id)+"/cancel", nil, http.StatusOK, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// RetryExecution requeues a failed execution
func (c *Client) RetryExecution(id string) (*models.ExecutionAccepted, error) {
	var accepted models.ExecutionAccepted
	if err := c.call(http.MethodPost, "/api/v1/executions/"+url.PathEscape(id)+"/retry", nil, http.StatusAccepted, &accepted); err != nil {
		return nil, err
	}
	return &accepted, nil
}

// SendEvent sends a domain event to the API
func (c *Client) SendEvent(req *models.IngestEventRequest) (*models.DispatchResult, error) {
	var result models.DispatchResult
	if err := c.call(http.MethodPost, "/api/v1/events", req, http.StatusAccepted, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck checks if the API is healthy
func (c *Client) HealthCheck() error {
	resp, err := c.doRequest("GET", "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API is not healthy (status: %d)", resp.StatusCode)
	}

	return nil
}

func withQuery(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}
