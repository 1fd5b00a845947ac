package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suiteline/internal/domain"
	"suiteline/internal/repo"
	"suiteline/internal/repo/repotest"
)

func TestClaimBatchOrderAndCounters(t *testing.T) {
	ctx := context.Background()
	r := repotest.Open(t)
	f := repotest.Seed(t, r, repotest.Options{Tests: 10, BatchSize: 4, Agents: 1})

	var sizes []int
	var claimed []int64
	for i := 0; i < 4; i++ {
		b, err := r.ClaimBatch(ctx, f.Execution.ID, f.Agents[0], repotest.Base)
		require.NoError(t, err)
		sizes = append(sizes, len(b.Tests))
		for _, bt := range b.Tests {
			claimed = append(claimed, bt.TestExecutionID)
			assert.Equal(t, "/work/suite", b.TestSuiteRootPathsByID[bt.SuiteID])
		}
	}
	assert.Equal(t, []int{4, 4, 2, 0}, sizes)
	for i := 1; i < len(claimed); i++ {
		assert.Less(t, claimed[i-1], claimed[i])
	}

	e, err := r.GetExecution(ctx, f.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, e.RunningTests)
	assert.Equal(t, 10, e.AllTests)
}

func TestClaimBatchUnknownExecution(t *testing.T) {
	r := repotest.Open(t)
	_, err := r.ClaimBatch(context.Background(), "missing", "a", repotest.Base)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAppendAgentStatusIdempotent(t *testing.T) {
	ctx := context.Background()
	r := repotest.Open(t)
	f := repotest.Seed(t, r, repotest.Options{Tests: 1, Agents: 1})
	st := domain.AgentStatus{AgentID: f.Agents[0], State: domain.AgentIdle, Timestamp: repotest.Base.Add(time.Second)}

	inserted, err := r.AppendAgentStatus(ctx, st)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = r.AppendAgentStatus(ctx, st)
	require.NoError(t, err)
	assert.False(t, inserted)

	history, err := r.AgentStatusHistory(ctx, f.Agents[0])
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCurrentStateUsesTimestampThenID(t *testing.T) {
	ctx := context.Background()
	r := repotest.Open(t)
	f := repotest.Seed(t, r, repotest.Options{Tests: 1, Agents: 1})
	a := f.Agents[0]

	repotest.SetState(t, r, a, domain.AgentBusy, 2*time.Second)
	// older timestamp written later loses
	repotest.SetState(t, r, a, domain.AgentIdle, time.Second)
	state, err := r.CurrentAgentState(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentBusy, state)

	// same timestamp: the later row wins
	repotest.SetState(t, r, a, domain.AgentFinished, 2*time.Second)
	state, err = r.CurrentAgentState(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentFinished, state)

	views, err := r.ListAgents(ctx, f.Execution.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, domain.AgentFinished, views[0].State)
	require.NotNil(t, views[0].StateTime)
	assert.True(t, views[0].StateTime.Equal(repotest.Base.Add(2*time.Second)))
}

func TestReportResultsOwnership(t *testing.T) {
	ctx := context.Background()
	r := repotest.Open(t)
	f := repotest.Seed(t, r, repotest.Options{Tests: 3, BatchSize: 2, Agents: 2})
	b, err := r.ClaimBatch(ctx, f.Execution.ID, f.Agents[0], repotest.Base)
	require.NoError(t, err)
	require.Len(t, b.Tests, 2)

	_, err = r.ReportResults(ctx, f.Agents[1], []repo.TestResult{{TestExecutionID: b.Tests[0].TestExecutionID, Status: domain.TestPassed}}, repotest.Base)
	assert.ErrorIs(t, err, repo.ErrNotOwner)

	_, err = r.ReportResults(ctx, f.Agents[0], []repo.TestResult{
		{TestExecutionID: b.Tests[0].TestExecutionID, Status: domain.TestPassed},
		{TestExecutionID: b.Tests[1].TestExecutionID, Status: domain.TestIgnored},
	}, repotest.Base)
	require.NoError(t, err)

	e, err := r.GetExecution(ctx, f.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, e.RunningTests)
	assert.Equal(t, 1, e.PassedTests)
	assert.Equal(t, 1, e.SkippedTests)

	// a result cannot be reported twice
	_, err = r.ReportResults(ctx, f.Agents[0], []repo.TestResult{{TestExecutionID: b.Tests[0].TestExecutionID, Status: domain.TestFailed}}, repotest.Base)
	assert.True(t, errors.Is(err, repo.ErrNotOwner))
}

func TestFailAgentTests(t *testing.T) {
	ctx := context.Background()
	r := repotest.Open(t)
	f := repotest.Seed(t, r, repotest.Options{Tests: 5, BatchSize: 3, Agents: 1})
	_, err := r.ClaimBatch(ctx, f.Execution.ID, f.Agents[0], repotest.Base)
	require.NoError(t, err)

	n, err := r.FailAgentTests(ctx, f.Agents[0], domain.TestFailed, repotest.Base)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	n, err = r.FailAgentTests(ctx, f.Agents[0], domain.TestFailed, repotest.Base)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	e, err := r.GetExecution(ctx, f.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, e.FailedTests)
	assert.Equal(t, 0, e.RunningTests)

	_, err = r.FailAgentTests(ctx, "ghost", domain.TestFailed, repotest.Base)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestChangeExecutionStatusIsConditional(t *testing.T) {
	ctx := context.Background()
	r := repotest.Open(t)
	f := repotest.Seed(t, r, repotest.Options{Tests: 1})
	end := repotest.Base.Add(time.Minute)

	var changed bool
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		changed, err = r.ChangeExecutionStatus(ctx, tx, repo.StatusChange{
			ID: f.Execution.ID, From: []domain.ExecutionStatus{domain.ExecutionRunning}, To: domain.ExecutionFinished, EndTime: &end,
		})
		return err
	})
	require.NoError(t, err)
	assert.False(t, changed)

	ok, err := r.MarkExecutionRunning(ctx, f.Execution.ID, repotest.Base)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.MarkExecutionRunning(ctx, f.Execution.ID, repotest.Base)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := r.ListExecutions(ctx, domain.ExecutionRunning)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].StartTime)
}

func TestDeleteExecutionDependencies(t *testing.T) {
	ctx := context.Background()
	r := repotest.Open(t)
	f := repotest.Seed(t, r, repotest.Options{Tests: 5, Agents: 2})
	other := repotest.Seed(t, r, repotest.Options{Tests: 2, Agents: 1})

	var counts repo.DependencyCounts
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		counts, err = r.DeleteExecutionDependencies(ctx, tx, f.Execution.ID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, repo.DependencyCounts{SuiteLinks: 1, AgentStatuses: 2, Agents: 2, TestExecutions: 5}, counts)
	assert.Equal(t, 0, repotest.Count(t, r, `SELECT COUNT(*) FROM agents WHERE execution_id=?`, f.Execution.ID))
	assert.Equal(t, 1, repotest.Count(t, r, `SELECT COUNT(*) FROM agents WHERE execution_id=?`, other.Execution.ID))
	assert.Equal(t, 2, repotest.Count(t, r, `SELECT COUNT(*) FROM test_executions WHERE execution_id=?`, other.Execution.ID))
}

func TestRecomputeTestStats(t *testing.T) {
	ctx := context.Background()
	r := repotest.Open(t)
	f := repotest.Seed(t, r, repotest.Options{Tests: 2, BatchSize: 2, Agents: 1})
	b, err := r.ClaimBatch(ctx, f.Execution.ID, f.Agents[0], repotest.Base)
	require.NoError(t, err)
	_, err = r.ReportResults(ctx, f.Agents[0], []repo.TestResult{
		{TestExecutionID: b.Tests[0].TestExecutionID, Status: domain.TestPassed},
		{TestExecutionID: b.Tests[1].TestExecutionID, Status: domain.TestError},
	}, repotest.Base)
	require.NoError(t, err)

	require.NoError(t, r.RecomputeTestStats(ctx, f.Execution.ID, repotest.Base))
	require.NoError(t, r.RecomputeTestStats(ctx, f.Execution.ID, repotest.Base))

	s, err := r.GetTestStats(ctx, b.Tests[1].TestID)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Runs)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, domain.TestError, s.LastStatus)
}

func TestDeleteSuiteCascades(t *testing.T) {
	ctx := context.Background()
	r := repotest.Open(t)
	f := repotest.Seed(t, r, repotest.Options{Tests: 3})

	err := r.WithTx(ctx, func(tx *sql.Tx) error { return r.DeleteSuite(ctx, tx, f.Suite.ID) })
	require.NoError(t, err)
	_, err = r.GetSuite(ctx, f.Suite.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Equal(t, 0, repotest.Count(t, r, `SELECT COUNT(*) FROM test_executions WHERE execution_id=?`, f.Execution.ID))

	err = r.WithTx(ctx, func(tx *sql.Tx) error { return r.DeleteSuite(ctx, tx, f.Suite.ID) })
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAppendServerStatusOrdersAfterAgentRows(t *testing.T) {
	ctx := context.Background()
	r := repotest.Open(t)
	f := repotest.Seed(t, r, repotest.Options{Tests: 1, Agents: 2})
	ahead := repotest.Base.Add(10 * time.Second)
	repotest.SetState(t, r, f.Agents[0], domain.AgentIdle, 10*time.Second)

	st, err := r.AppendServerStatus(ctx, f.Agents[0], domain.AgentTerminated, repotest.Base.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, st.Timestamp.After(ahead))
	state, err := r.CurrentAgentState(ctx, f.Agents[0])
	require.NoError(t, err)
	assert.Equal(t, domain.AgentTerminated, state)

	now := repotest.Base.Add(time.Minute)
	st, err = r.AppendServerStatus(ctx, f.Agents[1], domain.AgentCrashed, now)
	require.NoError(t, err)
	assert.True(t, st.Timestamp.Equal(now))
	state, err = r.CurrentAgentState(ctx, f.Agents[1])
	require.NoError(t, err)
	assert.Equal(t, domain.AgentCrashed, state)
}
