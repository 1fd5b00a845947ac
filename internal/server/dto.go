package server

import (
	"encoding/json"
	"time"

	"suiteline/internal/domain"
)

// Request payloads

type HeartbeatRequest struct {
	AgentID   string     `json:"agent_id" minLength:"1"`
	State     string     `json:"state" enum:"STARTING,IDLE,BUSY,FINISHED,CRASHED,TERMINATED,STOPPED_BY_ORCH,BACKEND_FAILURE,BACKEND_UNREACHABLE,CLI_FAILED"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Progress  string     `json:"progress,omitempty"`
}

type TestResultRequest struct {
	TestExecutionID int64  `json:"test_execution_id"`
	Status          string `json:"status" enum:"PASSED,FAILED,IGNORED,TEST_ERROR"`
}

type ReportResultsRequest struct {
	Results []TestResultRequest `json:"results" minItems:"1"`
}

type UpdateExecutionStatusRequest struct {
	Status string `json:"status" enum:"PENDING,RUNNING,FINISHED,ERROR,OBSOLETE"`
	Reason string `json:"reason,omitempty"`
}

type CreateSuiteRequest struct {
	ID       string   `json:"id,omitempty"`
	Name     string   `json:"name" minLength:"1"`
	RootPath string   `json:"root_path,omitempty"`
	Tests    []string `json:"tests" minItems:"1"`
}

type StartExecutionRequest struct {
	SuiteIDs  []string          `json:"suite_ids" minItems:"1"`
	BatchSize int               `json:"batch_size,omitempty" minimum:"0"`
	Agents    int               `json:"agents" minimum:"1"`
	Image     string            `json:"image,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Response payloads

type BatchTestResponse struct {
	TestExecutionID int64  `json:"test_execution_id"`
	TestID          int64  `json:"test_id"`
	SuiteID         string `json:"suite_id"`
	Path            string `json:"path"`
}

type BatchResponse struct {
	Tests              []BatchTestResponse `json:"tests"`
	TestSuiteRootPaths map[string]string   `json:"test_suite_root_paths"`
}

type HeartbeatResponse struct {
	Directive string `json:"directive" enum:"CONTINUE,WAIT,NEW_JOB,TERMINATE"`
	BatchResponse
}

type AckResponse struct {
	Status string `json:"status"`
}

type ExecutionResponse struct {
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

type StartExecutionResponse struct {
	Execution ExecutionResponse `json:"execution"`
	Agents    []string          `json:"agents"`
}

type SuiteResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RootPath  string    `json:"root_path"`
	Tests     int       `json:"tests"`
	CreatedAt time.Time `json:"created_at"`
}

type AgentResponse struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	State       string     `json:"state,omitempty"`
	StateTime   *time.Time `json:"state_time,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          time.Time      `json:"ts"`
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type ExecutionList struct {
	Items []ExecutionResponse `json:"items"`
}

type AgentList struct {
	Items []AgentResponse `json:"items"`
}

type EventList struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Mapping helpers

func batchResponse(b domain.Batch) BatchResponse {
	res := BatchResponse{
		Tests:              make([]BatchTestResponse, 0, len(b.Tests)),
		TestSuiteRootPaths: b.TestSuiteRootPathsByID,
	}
	if res.TestSuiteRootPaths == nil {
		res.TestSuiteRootPaths = map[string]string{}
	}
	for _, t := range b.Tests {
		res.Tests = append(res.Tests, BatchTestResponse(t))
	}
	return res
}

func heartbeatResponse(d domain.Directive) HeartbeatResponse {
	return HeartbeatResponse{Directive: string(d.Kind), BatchResponse: batchResponse(d.Batch)}
}

func executionResponse(e domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:           e.ID,
		Status:       string(e.Status),
		BatchSize:    e.BatchSize,
		RunningTests: e.RunningTests,
		PassedTests:  e.PassedTests,
		FailedTests:  e.FailedTests,
		SkippedTests: e.SkippedTests,
		AllTests:     e.AllTests,
		FailReason:   e.FailReason,
		CreatedAt:    e.CreatedAt,
		StartTime:    e.StartTime,
		EndTime:      e.EndTime,
	}
}

func agentResponse(a domain.AgentView) AgentResponse {
	return AgentResponse{
		ID:          a.ID,
		ExecutionID: a.ExecutionID,
		State:       string(a.State),
		StateTime:   a.StateTime,
		CreatedAt:   a.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		ExecutionID: e.ExecutionID,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		Payload:     decodeJSONMap(e.Payload),
	}
}

func mapSlice[S, T any](items []S, fn func(S) T) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		out = append(out, fn(it))
	}
	return out
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}
