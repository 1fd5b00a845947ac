// Package scheduler hands out batches of tests to agents, one claim per execution at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"suiteline/internal/domain"
	"suiteline/internal/logger"
	"suiteline/internal/metrics"
	"suiteline/internal/repo"
)

type Scheduler struct {
	Repo    repo.Repo
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time

	locks *lockTable
}

func New(r repo.Repo, log *zap.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		Repo:    r,
		Log:     logger.OrNop(log).Named("scheduler"),
		Metrics: m,
		Now:     time.Now,
		locks:   newLockTable(),
	}
}

func emptyBatch() domain.Batch {
	return domain.Batch{Tests: []domain.BatchTest{}, TestSuiteRootPathsByID: map[string]string{}}
}

// GetBatch claims the next batch of READY tests of the agent's execution.
// An empty batch means there is no more work for the agent.
func (s *Scheduler) GetBatch(ctx context.Context, agentID string) (domain.Batch, error) {
	agent, err := s.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("agent %s: %w", agentID, err)
	}
	e, err := s.Repo.GetExecution(ctx, agent.ExecutionID)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("execution %s: %w", agent.ExecutionID, err)
	}
	if !e.Status.Live() {
		return emptyBatch(), nil
	}

	release := s.locks.acquire(e.ID)
	start := time.Now()
	batch, err := s.Repo.ClaimBatch(ctx, e.ID, agentID, s.Now().UTC())
	release()
	if s.Metrics != nil {
		s.Metrics.BatchClaimDuration.Observe(time.Since(start).Seconds())
		s.Metrics.ClaimLocks.Set(float64(s.locks.size()))
	}
	if err != nil {
		return domain.Batch{}, fmt.Errorf("claim batch for %s: %w", agentID, err)
	}
	if s.Metrics != nil {
		s.Metrics.TestsClaimedTotal.Add(float64(len(batch.Tests)))
	}
	s.Log.Debug("batch claimed",
		zap.String("agent_id", agentID),
		zap.String("execution_id", e.ID),
		zap.Int("tests", len(batch.Tests)))
	return batch, nil
}

// SweepLocks drops idle claim locks of executions that can no longer hand out work.
func (s *Scheduler) SweepLocks(ctx context.Context) (int, error) {
	dropped := 0
	for _, id := range s.locks.idleKeys() {
		e, err := s.Repo.GetExecution(ctx, id)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return dropped, err
		}
		if err == nil && e.Status.Live() {
			continue
		}
		if s.locks.drop(id) {
			dropped++
		}
	}
	if s.Metrics != nil {
		s.Metrics.ClaimLocks.Set(float64(s.locks.size()))
	}
	if dropped > 0 {
		s.Log.Debug("claim locks swept", zap.Int("dropped", dropped))
	}
	return dropped, nil
}

// Locks returns the number of claim locks currently held in memory.
func (s *Scheduler) Locks() int {
	return s.locks.size()
}
