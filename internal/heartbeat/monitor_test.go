package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suiteline/internal/domain"
	"suiteline/internal/lifecycle"
	"suiteline/internal/metrics"
	"suiteline/internal/orchestrator"
	"suiteline/internal/repo"
	"suiteline/internal/repo/repotest"
	"suiteline/internal/runtime"
	"suiteline/internal/scheduler"
)

type fakeRuntime struct {
	mu       sync.Mutex
	confirm  bool
	stopErr  error
	stops    map[string]int
	cleanups []string
}

func (f *fakeRuntime) Start(ctx context.Context, executionID string, cfg runtime.AgentConfig) ([]string, error) {
	return nil, errors.New("not used")
}

func (f *fakeRuntime) Stop(ctx context.Context, ids []string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stops == nil {
		f.stops = map[string]int{}
	}
	for _, id := range ids {
		f.stops[id]++
	}
	return f.confirm, f.stopErr
}

func (f *fakeRuntime) IsStopped(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirm, nil
}

func (f *fakeRuntime) Cleanup(ctx context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, executionID)
	return nil
}

type testEnv struct {
	m   *Monitor
	r   repo.Repo
	rt  *fakeRuntime
	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	r := repotest.Open(t)
	env := &testEnv{r: r, rt: &fakeRuntime{confirm: true}, now: repotest.Base.Add(time.Minute)}
	clock := func() time.Time { return env.now }
	met := metrics.New()
	lc := lifecycle.New(r, nil, met)
	lc.Now = clock
	o := orchestrator.New(r, lc, env.rt, nil)
	o.Now = clock
	o.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	s := scheduler.New(r, nil, met)
	s.Now = clock
	env.m = New(r, s, o, lc, env.rt, nil, met)
	env.m.Now = clock
	env.m.Timeout = 30 * time.Second
	t.Cleanup(func() {
		o.Wait()
		lc.Wait()
	})
	return env
}

func (env *testEnv) beat(t *testing.T, agentID string, state domain.AgentState) domain.Directive {
	env.now = env.now.Add(time.Second)
	d, err := env.m.Accept(context.Background(), domain.Heartbeat{AgentID: agentID, State: state, Timestamp: env.now})
	require.NoError(t, err)
	return d
}

func TestAcceptUnknownAgentAndState(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.m.Accept(context.Background(), domain.Heartbeat{AgentID: "ghost", State: domain.AgentIdle})
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.m.Accept(context.Background(), domain.Heartbeat{AgentID: "ghost", State: "SLEEPING"})
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestIdleGetsWorkThenTerminates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	f := repotest.Seed(t, env.r, repotest.Options{Tests: 3, BatchSize: 3, Agents: 1})
	agent := f.Agents[0]

	d := env.beat(t, agent, domain.AgentStarting)
	require.Equal(t, domain.DirectiveNewJob, d.Kind)
	require.Len(t, d.Batch.Tests, 3)
	e, err := env.r.GetExecution(ctx, f.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, e.Status)

	assert.Equal(t, domain.DirectiveContinue, env.beat(t, agent, domain.AgentBusy).Kind)

	var results []repo.TestResult
	for _, bt := range d.Batch.Tests {
		results = append(results, repo.TestResult{TestExecutionID: bt.TestExecutionID, Status: domain.TestPassed})
	}
	_, err = env.r.ReportResults(ctx, agent, results, env.now)
	require.NoError(t, err)

	assert.Equal(t, domain.DirectiveTerminate, env.beat(t, agent, domain.AgentFinished).Kind)
	env.m.Orchestrator.Wait()

	_, tracked := env.m.Liveness().Get(agent)
	assert.False(t, tracked)
	state, err := env.r.CurrentAgentState(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentTerminated, state)
	e, err = env.r.GetExecution(ctx, f.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFinished, e.Status)
	assert.Equal(t, 3, e.PassedTests)
}

func TestFirstHeartbeatWithoutWorkWaits(t *testing.T) {
	env := newTestEnv(t)
	f := repotest.Seed(t, env.r, repotest.Options{Tests: 1, BatchSize: 1, Agents: 2})

	assert.Equal(t, domain.DirectiveNewJob, env.beat(t, f.Agents[0], domain.AgentIdle).Kind)
	assert.Equal(t, domain.DirectiveWait, env.beat(t, f.Agents[1], domain.AgentIdle).Kind)
	// nothing ready and nothing held: the second agent is done
	assert.Equal(t, domain.DirectiveTerminate, env.beat(t, f.Agents[1], domain.AgentIdle).Kind)
	// the first one still holds its test
	assert.Equal(t, domain.DirectiveWait, env.beat(t, f.Agents[0], domain.AgentIdle).Kind)
}

func TestSelfReportedFailuresWait(t *testing.T) {
	env := newTestEnv(t)
	f := repotest.Seed(t, env.r, repotest.Options{Tests: 1, Agents: 1})
	for _, s := range []domain.AgentState{domain.AgentBackendFailure, domain.AgentBackendUnreachable, domain.AgentCLIFailed, domain.AgentStoppedByOrch} {
		assert.Equal(t, domain.DirectiveWait, env.beat(t, f.Agents[0], s).Kind, string(s))
	}
}

func TestCrashedSelfReportIsInvariantViolation(t *testing.T) {
	env := newTestEnv(t)
	f := repotest.Seed(t, env.r, repotest.Options{Tests: 1, Agents: 1})
	d, err := env.m.Accept(context.Background(), domain.Heartbeat{AgentID: f.Agents[0], State: domain.AgentCrashed, Timestamp: env.now})
	assert.ErrorIs(t, err, domain.ErrInvariant)
	assert.Equal(t, domain.DirectiveWait, d.Kind)
}

func TestFinishedWithOutstandingTestsFailsThem(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	f := repotest.Seed(t, env.r, repotest.Options{Tests: 4, BatchSize: 2, Agents: 1})
	require.Equal(t, domain.DirectiveNewJob, env.beat(t, f.Agents[0], domain.AgentIdle).Kind)

	assert.Equal(t, domain.DirectiveWait, env.beat(t, f.Agents[0], domain.AgentFinished).Kind)
	e, err := env.r.GetExecution(ctx, f.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, e.FailedTests)
	assert.Equal(t, 0, e.RunningTests)

	// next FINISHED behaves like IDLE
	assert.Equal(t, domain.DirectiveNewJob, env.beat(t, f.Agents[0], domain.AgentFinished).Kind)
}

func TestDuplicateHeartbeatIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	f := repotest.Seed(t, env.r, repotest.Options{Tests: 1, Agents: 1})
	hb := domain.Heartbeat{AgentID: f.Agents[0], State: domain.AgentBusy, Timestamp: env.now}
	_, err := env.m.Accept(ctx, hb)
	require.NoError(t, err)
	_, err = env.m.Accept(ctx, hb)
	require.NoError(t, err)

	history, err := env.r.AgentStatusHistory(ctx, f.Agents[0])
	require.NoError(t, err)
	assert.Len(t, history, 2) // STARTING + one BUSY
}

func TestTimedOutAgentStaysFlaggedUntilStopped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	f := repotest.Seed(t, env.r, repotest.Options{Tests: 4, BatchSize: 2, Agents: 2})
	env.beat(t, f.Agents[0], domain.AgentIdle)
	env.beat(t, f.Agents[1], domain.AgentIdle)

	env.now = env.now.Add(10 * time.Second)
	assert.Empty(t, env.m.DetectCrashes(ctx))

	env.beat(t, f.Agents[1], domain.AgentBusy)
	env.now = env.now.Add(25 * time.Second)
	assert.Equal(t, []string{f.Agents[0]}, env.m.DetectCrashes(ctx))
	assert.Empty(t, env.m.DetectCrashes(ctx), "already flagged")

	env.rt.confirm = false
	require.NoError(t, env.m.ProcessCrashes(ctx))
	assert.True(t, env.m.Liveness().IsCrashed(f.Agents[0]))
	state, err := env.r.CurrentAgentState(ctx, f.Agents[0])
	require.NoError(t, err)
	assert.Equal(t, domain.AgentIdle, state)

	env.rt.stopErr = errors.New("daemon unreachable")
	assert.Error(t, env.m.ProcessCrashes(ctx))
	assert.True(t, env.m.Liveness().IsCrashed(f.Agents[0]))

	env.rt.stopErr = nil
	env.rt.confirm = true
	require.NoError(t, env.m.Sweep(ctx))
	assert.False(t, env.m.Liveness().IsCrashed(f.Agents[0]))
	_, tracked := env.m.Liveness().Get(f.Agents[0])
	assert.False(t, tracked)
	state, err = env.r.CurrentAgentState(ctx, f.Agents[0])
	require.NoError(t, err)
	assert.Equal(t, domain.AgentCrashed, state)
	assert.Equal(t, 0, repotest.Count(t, env.r, `SELECT COUNT(*) FROM test_executions WHERE agent_id=? AND status='RUNNING'`, f.Agents[0]))

	e, err := env.r.GetExecution(ctx, f.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, e.Status, "the other agent is alive")
	assert.Equal(t, 3, env.rt.stops[f.Agents[0]])
}

func TestAllAgentsCrashedErrorsExecution(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	f := repotest.Seed(t, env.r, repotest.Options{Tests: 8, BatchSize: 2, Agents: 3})
	for _, a := range f.Agents {
		require.Equal(t, domain.DirectiveNewJob, env.beat(t, a, domain.AgentIdle).Kind)
	}

	env.now = env.now.Add(time.Minute)
	require.NoError(t, env.m.Sweep(ctx))
	env.m.Orchestrator.Wait()

	e, err := env.r.GetExecution(ctx, f.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionError, e.Status)
	assert.NotEmpty(t, e.FailReason)
	assert.Equal(t, 0, repotest.Count(t, env.r, `SELECT COUNT(*) FROM test_executions WHERE execution_id=? AND status IN ('READY_FOR_TESTING','RUNNING')`, f.Execution.ID))
	assert.Equal(t, 2, repotest.Count(t, env.r, `SELECT COUNT(*) FROM test_executions WHERE execution_id=? AND status='INTERNAL_ERROR'`, f.Execution.ID))
	assert.Equal(t, []string{f.Execution.ID}, env.rt.cleanups)

	live, crashed := env.m.Liveness().Len()
	assert.Zero(t, live)
	assert.Zero(t, crashed)
}

func TestLivenessLastWriteWins(t *testing.T) {
	l := NewLiveness()
	assert.True(t, l.Update("a", domain.AgentIdle, repotest.Base.Add(time.Minute)))
	assert.False(t, l.Update("a", domain.AgentBusy, repotest.Base))
	s, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, domain.AgentBusy, s.State)
	assert.True(t, s.LastSeen.Equal(repotest.Base))
}

func TestAgentClockAheadOfServerStillFinishes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	f := repotest.Seed(t, env.r, repotest.Options{Tests: 2, BatchSize: 2, Agents: 1})
	agent := f.Agents[0]
	skewed := func(state domain.AgentState) domain.Directive {
		env.now = env.now.Add(time.Second)
		d, err := env.m.Accept(ctx, domain.Heartbeat{AgentID: agent, State: state, Timestamp: env.now.Add(5 * time.Second)})
		require.NoError(t, err)
		return d
	}

	d := skewed(domain.AgentIdle)
	require.Equal(t, domain.DirectiveNewJob, d.Kind)
	var results []repo.TestResult
	for _, bt := range d.Batch.Tests {
		results = append(results, repo.TestResult{TestExecutionID: bt.TestExecutionID, Status: domain.TestPassed})
	}
	_, err := env.r.ReportResults(ctx, agent, results, env.now)
	require.NoError(t, err)

	require.Equal(t, domain.DirectiveTerminate, skewed(domain.AgentIdle).Kind)
	env.m.Orchestrator.Wait()

	state, err := env.r.CurrentAgentState(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentTerminated, state)
	e, err := env.r.GetExecution(ctx, f.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFinished, e.Status)
}

func TestCrashOfAgentWithClockAheadBecomesCurrentState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	f := repotest.Seed(t, env.r, repotest.Options{Tests: 2, BatchSize: 1, Agents: 2})
	_, err := env.m.Accept(ctx, domain.Heartbeat{AgentID: f.Agents[0], State: domain.AgentBusy, Timestamp: env.now.Add(3 * time.Hour)})
	require.NoError(t, err)

	require.Equal(t, []string{f.Agents[0]}, env.m.Liveness().Flag(env.now.Add(4*time.Hour), env.m.Timeout))
	require.NoError(t, env.m.ProcessCrashes(ctx))
	env.m.Orchestrator.Wait()

	state, err := env.r.CurrentAgentState(ctx, f.Agents[0])
	require.NoError(t, err)
	assert.Equal(t, domain.AgentCrashed, state)
}

func TestCrashSweepDoesNotWaitForFinalize(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	f := repotest.Seed(t, env.r, repotest.Options{Tests: 2, BatchSize: 1, Agents: 2})
	env.beat(t, f.Agents[0], domain.AgentIdle)
	repotest.SetState(t, env.r, f.Agents[1], domain.AgentTerminated, time.Hour)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	env.m.Orchestrator.Sleep = func(ctx context.Context, d time.Duration) error {
		entered <- struct{}{}
		<-release
		return nil
	}

	env.now = env.now.Add(time.Minute)
	done := make(chan error, 1)
	go func() { done <- env.m.Sweep(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("crash sweep blocked on the grace period")
	}
	<-entered
	close(release)
	env.m.Orchestrator.Wait()

	e, err := env.r.GetExecution(ctx, f.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, e.Status, "CRASHED and TERMINATED is not a supported mix")
}
