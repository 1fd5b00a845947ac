package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suiteline/internal/domain"
	"suiteline/internal/metrics"
	"suiteline/internal/repo"
	"suiteline/internal/repo/repotest"
)

func newTestScheduler(t *testing.T) (*Scheduler, repo.Repo) {
	r := repotest.Open(t)
	return New(r, nil, metrics.New()), r
}

func TestGetBatchSizes(t *testing.T) {
	ctx := context.Background()
	s, r := newTestScheduler(t)
	f := repotest.Seed(t, r, repotest.Options{Tests: 10, BatchSize: 4, Agents: 1, Status: domain.ExecutionRunning})

	var sizes []int
	for i := 0; i < 4; i++ {
		b, err := s.GetBatch(ctx, f.Agents[0])
		require.NoError(t, err)
		sizes = append(sizes, len(b.Tests))
	}
	assert.Equal(t, []int{4, 4, 2, 0}, sizes)
}

func TestGetBatchUnknownAgent(t *testing.T) {
	s, _ := newTestScheduler(t)
	_, err := s.GetBatch(context.Background(), "ghost")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestGetBatchTerminalExecutionIsEmpty(t *testing.T) {
	ctx := context.Background()
	s, r := newTestScheduler(t)
	f := repotest.Seed(t, r, repotest.Options{Tests: 3, Agents: 1, Status: domain.ExecutionFinished})

	b, err := s.GetBatch(ctx, f.Agents[0])
	require.NoError(t, err)
	assert.True(t, b.Empty())
	assert.NotNil(t, b.TestSuiteRootPathsByID)
	assert.Equal(t, 3, repotest.Count(t, r, `SELECT COUNT(*) FROM test_executions WHERE execution_id=? AND status='READY_FOR_TESTING'`, f.Execution.ID))
}

func TestConcurrentClaimsPartitionTests(t *testing.T) {
	ctx := context.Background()
	s, r := newTestScheduler(t)
	f := repotest.Seed(t, r, repotest.Options{Tests: 60, BatchSize: 3, Agents: 6, Status: domain.ExecutionRunning})

	var mu sync.Mutex
	owner := map[int64]string{}
	dupes := 0
	var wg sync.WaitGroup
	for _, agent := range f.Agents {
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(agent string) {
				defer wg.Done()
				for {
					b, err := s.GetBatch(ctx, agent)
					if !assert.NoError(t, err) || b.Empty() {
						return
					}
					mu.Lock()
					for _, bt := range b.Tests {
						if _, seen := owner[bt.TestExecutionID]; seen {
							dupes++
						}
						owner[bt.TestExecutionID] = agent
					}
					mu.Unlock()
				}
			}(agent)
		}
	}
	wg.Wait()

	assert.Zero(t, dupes)
	assert.Len(t, owner, 60)
	tes, err := r.ListTestExecutions(ctx, f.Execution.ID)
	require.NoError(t, err)
	for _, te := range tes {
		assert.Equal(t, domain.TestRunning, te.Status)
		assert.Equal(t, owner[te.ID], te.AgentID)
	}
	e, err := r.GetExecution(ctx, f.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, e.RunningTests)
}

func TestSweepLocks(t *testing.T) {
	ctx := context.Background()
	s, r := newTestScheduler(t)
	live := repotest.Seed(t, r, repotest.Options{Tests: 2, Agents: 1, Status: domain.ExecutionRunning})
	done := repotest.Seed(t, r, repotest.Options{Tests: 2, Agents: 1, Status: domain.ExecutionRunning})

	_, err := s.GetBatch(ctx, live.Agents[0])
	require.NoError(t, err)
	_, err = s.GetBatch(ctx, done.Agents[0])
	require.NoError(t, err)
	assert.Equal(t, 2, s.Locks())

	_, err = r.DB.Exec(`UPDATE executions SET status='FINISHED' WHERE id=?`, done.Execution.ID)
	require.NoError(t, err)
	s.locks.acquire("vanished")()

	dropped, err := s.SweepLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 1, s.Locks())
}

func TestLockTableKeepsHeldLocks(t *testing.T) {
	tbl := newLockTable()
	release := tbl.acquire("a")
	assert.Empty(t, tbl.idleKeys())
	assert.False(t, tbl.drop("a"))

	acquired := make(chan struct{})
	go func() {
		r := tbl.acquire("a")
		close(acquired)
		r()
	}()
	select {
	case <-acquired:
		t.Fatal("second acquire should block while the lock is held")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	<-acquired
	assert.Eventually(t, func() bool { return tbl.drop("a") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tbl.size())
}

func TestLocksOnlyBlockTheSameExecution(t *testing.T) {
	tbl := newLockTable()
	release := tbl.acquire("a")

	other := make(chan struct{})
	go func() {
		tbl.acquire("b")()
		close(other)
	}()
	select {
	case <-other:
	case <-time.After(5 * time.Second):
		t.Fatal("lock of another execution blocked")
	}

	same := make(chan struct{})
	go func() {
		tbl.acquire("a")()
		close(same)
	}()
	select {
	case <-same:
		t.Fatal("second acquire of a held key should block")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	<-same
}

func TestGetBatchNotBlockedByOtherExecution(t *testing.T) {
	ctx := context.Background()
	s, r := newTestScheduler(t)
	busy := repotest.Seed(t, r, repotest.Options{Tests: 2, Agents: 1, Status: domain.ExecutionRunning})
	free := repotest.Seed(t, r, repotest.Options{Tests: 2, Agents: 1, Status: domain.ExecutionRunning})

	release := s.locks.acquire(busy.Execution.ID)
	defer release()

	got := make(chan int, 1)
	go func() {
		b, err := s.GetBatch(ctx, free.Agents[0])
		assert.NoError(t, err)
		got <- len(b.Tests)
	}()
	select {
	case n := <-got:
		assert.Equal(t, 2, n)
	case <-time.After(5 * time.Second):
		t.Fatal("claim blocked by another execution's lock")
	}
}
