package suitelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Directives returned by Heartbeat.
const (
	DirectiveContinue  = "CONTINUE"
	DirectiveWait      = "WAIT"
	DirectiveNewJob    = "NEW_JOB"
	DirectiveTerminate = "TERMINATE"
)

// Client is a minimal suiteline HTTP API client. BaseURL includes the API
// base path, e.g. http://127.0.0.1:8420/v1.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// FromEnv builds a client from SUITELINE_SERVER_URL, as set on agent containers.
func FromEnv() (*Client, error) {
	u := os.Getenv("SUITELINE_SERVER_URL")
	if u == "" {
		return nil, errors.New("SUITELINE_SERVER_URL is not set")
	}
	return New(u), nil
}

// AgentIDFromEnv returns the agent id: SUITELINE_AGENT_ID when set, otherwise
// the container hostname, which is the short container id.
func AgentIDFromEnv() string {
	if id := os.Getenv("SUITELINE_AGENT_ID"); id != "" {
		return id
	}
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	h, _ := os.Hostname()
	return h
}

type BatchTest struct {
	TestExecutionID int64  `json:"test_execution_id"`
	TestID          int64  `json:"test_id"`
	SuiteID         string `json:"suite_id"`
	Path            string `json:"path"`
}

// Batch is a set of claimed tests. An empty batch means no more work.
type Batch struct {
	Tests              []BatchTest       `json:"tests"`
	TestSuiteRootPaths map[string]string `json:"test_suite_root_paths"`
}

type HeartbeatResponse struct {
	Directive string `json:"directive"`
	Batch
}

type TestResult struct {
	TestExecutionID int64  `json:"test_execution_id"`
	Status          string `json:"status"`
}

type Execution struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	BatchSize    int        `json:"batch_size"`
	RunningTests int        `json:"running_tests"`
	PassedTests  int        `json:"passed_tests"`
	FailedTests  int        `json:"failed_tests"`
	SkippedTests int        `json:"skipped_tests"`
	AllTests     int        `json:"all_tests"`
	FailReason   string     `json:"fail_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
}

type Suite struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RootPath  string    `json:"root_path"`
	Tests     int       `json:"tests"`
	CreatedAt time.Time `json:"created_at"`
}

type Agent struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	State       string     `json:"state"`
	StateTime   *time.Time `json:"state_time,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Event struct {
	ID          int64          `json:"id"`
	TS          time.Time      `json:"ts"`
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	Payload     map[string]any `json:"payload"`
}

// StartExecutionRequest describes an execution to start.
type StartExecutionRequest struct {
	SuiteIDs  []string          `json:"suite_ids"`
	BatchSize int               `json:"batch_size,omitempty"`
	Agents    int               `json:"agents"`
	Image     string            `json:"image,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Heartbeat reports the agent's state and returns the server's directive.
// A zero ts lets the server stamp the heartbeat.
func (c *Client) Heartbeat(ctx context.Context, agentID, state string, ts time.Time, progress string) (HeartbeatResponse, error) {
	body := map[string]any{
		"agent_id": agentID,
		"state":    state,
	}
	if !ts.IsZero() {
		body["timestamp"] = ts.UTC()
	}
	if progress != "" {
		body["progress"] = progress
	}
	var resp HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "heartbeat", body, &resp)
	return resp, err
}

// GetBatch claims the next batch of tests for the agent.
func (c *Client) GetBatch(ctx context.Context, agentID string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("agents/%s/batch", url.PathEscape(agentID)), nil, &resp)
	return resp, err
}

// ReportResults records results for tests the agent holds.
func (c *Client) ReportResults(ctx context.Context, agentID string, results []TestResult) (Execution, error) {
	var resp Execution
	endpoint := fmt.Sprintf("agents/%s/results", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"results": results}, &resp)
	return resp, err
}

// CreateSuite registers a suite with its test paths.
func (c *Client) CreateSuite(ctx context.Context, name, rootPath string, tests []string) (Suite, error) {
	body := map[string]any{
		"name":      name,
		"root_path": rootPath,
		"tests":     tests,
	}
	var resp Suite
	err := c.do(ctx, http.MethodPost, "suites", body, &resp)
	return resp, err
}

// DeleteSuite deletes a suite and obsoletes its live executions.
func (c *Client) DeleteSuite(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "suites/"+url.PathEscape(id), nil, nil)
}

// StartExecution creates an execution and starts its agents.
func (c *Client) StartExecution(ctx context.Context, req StartExecutionRequest) (Execution, []string, error) {
	var resp struct {
		Execution Execution `json:"execution"`
		Agents    []string  `json:"agents"`
	}
	err := c.do(ctx, http.MethodPost, "executions", req, &resp)
	return resp.Execution, resp.Agents, err
}

// GetExecution fetches one execution.
func (c *Client) GetExecution(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, "executions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListExecutions lists executions newest first, optionally filtered by status.
func (c *Client) ListExecutions(ctx context.Context, statuses ...string) ([]Execution, error) {
	endpoint := "executions"
	if len(statuses) > 0 {
		q := url.Values{}
		for _, s := range statuses {
			q.Add("status", s)
		}
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Execution `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// UpdateExecutionStatus moves an execution to status and returns the new status.
func (c *Client) UpdateExecutionStatus(ctx context.Context, id, status, reason string) (string, error) {
	body := map[string]any{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	var resp struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("executions/%s/status", url.PathEscape(id)), body, &resp)
	return resp.Status, err
}

// ListAgents lists the agents of an execution with their current state.
func (c *Client) ListAgents(ctx context.Context, executionID string) ([]Agent, error) {
	var resp struct {
		Items []Agent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("executions/%s/agents", url.PathEscape(executionID)), nil, &resp)
	return resp.Items, err
}

// ExecutionEvents returns the event log of an execution.
func (c *Client) ExecutionEvents(ctx context.Context, executionID string) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("executions/%s/events", url.PathEscape(executionID)), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
