package domain

import "time"

// AgentState is the self-reported (or orchestrator-assigned) state of an agent.
type AgentState string

const (
	AgentStarting           AgentState = "STARTING"
	AgentIdle               AgentState = "IDLE"
	AgentBusy               AgentState = "BUSY"
	AgentFinished           AgentState = "FINISHED"
	AgentCrashed            AgentState = "CRASHED"
	AgentTerminated         AgentState = "TERMINATED"
	AgentStoppedByOrch      AgentState = "STOPPED_BY_ORCH"
	AgentBackendFailure     AgentState = "BACKEND_FAILURE"
	AgentBackendUnreachable AgentState = "BACKEND_UNREACHABLE"
	AgentCLIFailed          AgentState = "CLI_FAILED"
)

var agentStates = map[AgentState]bool{
	AgentStarting: true, AgentIdle: true, AgentBusy: true, AgentFinished: true,
	AgentCrashed: true, AgentTerminated: true, AgentStoppedByOrch: true,
	AgentBackendFailure: true, AgentBackendUnreachable: true, AgentCLIFailed: true,
}

// Valid reports whether s is a known agent state.
func (s AgentState) Valid() bool { return agentStates[s] }

// Terminal reports whether s counts as finished for execution finalization.
func (s AgentState) Terminal() bool {
	switch s {
	case AgentFinished, AgentStoppedByOrch, AgentCrashed, AgentTerminated:
		return true
	}
	return false
}

type ExecutionStatus string

const (
	ExecutionPending  ExecutionStatus = "PENDING"
	ExecutionRunning  ExecutionStatus = "RUNNING"
	ExecutionFinished ExecutionStatus = "FINISHED"
	ExecutionError    ExecutionStatus = "ERROR"
	ExecutionObsolete ExecutionStatus = "OBSOLETE"
)

// Terminal reports whether no further application-driven transition exists.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionFinished || s == ExecutionError || s == ExecutionObsolete
}

// Live reports whether agents of the execution may still claim work.
func (s ExecutionStatus) Live() bool {
	return s == ExecutionPending || s == ExecutionRunning
}

func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionFinished, ExecutionError, ExecutionObsolete:
		return true
	}
	return false
}

type TestStatus string

const (
	TestReady         TestStatus = "READY_FOR_TESTING"
	TestRunning       TestStatus = "RUNNING"
	TestPassed        TestStatus = "PASSED"
	TestFailed        TestStatus = "FAILED"
	TestIgnored       TestStatus = "IGNORED"
	TestInternalError TestStatus = "INTERNAL_ERROR"
	TestError         TestStatus = "TEST_ERROR"
)

// InFlight reports whether the test has not produced a result yet.
func (s TestStatus) InFlight() bool { return s == TestReady || s == TestRunning }

// Result reports whether s is a status an agent may report for a finished test.
func (s TestStatus) Result() bool {
	switch s {
	case TestPassed, TestFailed, TestIgnored, TestError:
		return true
	}
	return false
}

type Agent struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type AgentStatus struct {
	ID        int64      `json:"id"`
	AgentID   string     `json:"agent_id"`
	State     AgentState `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
}

// AgentView is an agent together with its current (latest) state.
type AgentView struct {
	Agent
	State     AgentState `json:"state,omitempty"`
	StateTime *time.Time `json:"state_time,omitempty"`
}

type Execution struct {
	ID           string          `json:"id"`
	Status       ExecutionStatus `json:"status"`
	BatchSize    int             `json:"batch_size"`
	RunningTests int             `json:"running_tests"`
	PassedTests  int             `json:"passed_tests"`
	FailedTests  int             `json:"failed_tests"`
	SkippedTests int             `json:"skipped_tests"`
	AllTests     int             `json:"all_tests"`
	FailReason   string          `json:"fail_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartTime    *time.Time      `json:"start_time,omitempty"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
}

type TestSuite struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RootPath  string    `json:"root_path"`
	CreatedAt time.Time `json:"created_at"`
}

type Test struct {
	ID      int64  `json:"id"`
	SuiteID string `json:"suite_id"`
	Path    string `json:"path"`
}

type TestExecution struct {
	ID          int64      `json:"id"`
	ExecutionID string     `json:"execution_id"`
	TestID      int64      `json:"test_id"`
	AgentID     string     `json:"agent_id,omitempty"`
	Status      TestStatus `json:"status"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BatchTest is one claimed test as handed to an agent.
type BatchTest struct {
	TestExecutionID int64  `json:"test_execution_id"`
	TestID          int64  `json:"test_id"`
	SuiteID         string `json:"suite_id"`
	Path            string `json:"path"`
}

// Batch is the result of one claim. An empty batch means no more work.
type Batch struct {
	Tests                  []BatchTest       `json:"tests"`
	TestSuiteRootPathsByID map[string]string `json:"test_suite_root_paths"`
}

func (b Batch) Empty() bool { return len(b.Tests) == 0 }

type Heartbeat struct {
	AgentID   string
	State     AgentState
	Timestamp time.Time
	Progress  string
}

type DirectiveKind string

const (
	DirectiveContinue  DirectiveKind = "CONTINUE"
	DirectiveWait      DirectiveKind = "WAIT"
	DirectiveNewJob    DirectiveKind = "NEW_JOB"
	DirectiveTerminate DirectiveKind = "TERMINATE"
)

// Directive is the orchestrator's answer to a heartbeat.
type Directive struct {
	Kind  DirectiveKind
	Batch Batch
}

func Continue() Directive { return Directive{Kind: DirectiveContinue} }
func Wait() Directive { return Directive{Kind: DirectiveWait} }
func Terminate() Directive { return Directive{Kind: DirectiveTerminate} }
func NewJob(b Batch) Directive { return Directive{Kind: DirectiveNewJob, Batch: b} }

type Event struct {
	ID          int64     `json:"id"`
	TS          time.Time `json:"ts"`
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id,omitempty"`
	EntityKind  string    `json:"entity_kind"`
	EntityID    string    `json:"entity_id,omitempty"`
	Payload     string    `json:"payload_json"`
}

type TestStats struct {
	TestID     int64      `json:"test_id"`
	Runs       int        `json:"runs"`
	Passed     int        `json:"passed"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	LastStatus TestStatus `json:"last_status"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
