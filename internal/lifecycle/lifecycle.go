// Package lifecycle owns the execution status state machine.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"suiteline/internal/domain"
	"suiteline/internal/events"
	"suiteline/internal/logger"
	"suiteline/internal/metrics"
	"suiteline/internal/repo"
)

var ErrInvalidTransition = errors.New("invalid execution status transition")

// allowedFrom lists, per target status, the statuses it may be entered from.
var allowedFrom = map[domain.ExecutionStatus][]domain.ExecutionStatus{
	domain.ExecutionRunning:  {domain.ExecutionPending},
	domain.ExecutionFinished: {domain.ExecutionPending, domain.ExecutionRunning},
	domain.ExecutionError:    {domain.ExecutionPending, domain.ExecutionRunning},
	domain.ExecutionObsolete: {domain.ExecutionPending, domain.ExecutionRunning},
}

var transitionEvents = map[domain.ExecutionStatus]string{
	domain.ExecutionRunning:  events.ExecutionRunning,
	domain.ExecutionFinished: events.ExecutionFinished,
	domain.ExecutionError:    events.ExecutionErrored,
	domain.ExecutionObsolete: events.ExecutionObsoleted,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to domain.ExecutionStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

type Lifecycle struct {
	Repo    repo.Repo
	Events  events.Writer
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time

	stats sync.WaitGroup
}

func New(r repo.Repo, log *zap.Logger, m *metrics.Metrics) *Lifecycle {
	return &Lifecycle{
		Repo:    r,
		Events:  events.Writer{DB: r.DB},
		Log:     logger.OrNop(log).Named("lifecycle"),
		Metrics: m,
		Now:     time.Now,
	}
}

func (l *Lifecycle) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// Transition moves the execution to status to. Terminal targets resolve every
// in-flight test in the same transaction; OBSOLETE removes everything that
// references the execution before the status flips.
func (l *Lifecycle) Transition(ctx context.Context, executionID string, to domain.ExecutionStatus, reason string) (domain.Execution, error) {
	if _, ok := allowedFrom[to]; !ok {
		return domain.Execution{}, fmt.Errorf("%w: target %s", ErrInvalidTransition, to)
	}
	now := l.now()
	var from domain.ExecutionStatus
	err := l.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		e, err := l.Repo.GetExecutionTx(ctx, tx, executionID)
		if err != nil {
			return err
		}
		from = e.Status
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		payload := events.EventPayload{"from": string(from), "to": string(to)}
		if reason != "" {
			payload["reason"] = reason
		}
		change := repo.StatusChange{ID: executionID, From: []domain.ExecutionStatus{from}, To: to, FailReason: reason}

		switch to {
		case domain.ExecutionRunning:
			return l.markRunningTx(ctx, tx, executionID, now)
		case domain.ExecutionObsolete:
			counts, err := l.Repo.DeleteExecutionDependencies(ctx, tx, executionID)
			if err != nil {
				return fmt.Errorf("delete dependencies: %w", err)
			}
			payload["deleted_agents"] = counts.Agents
			payload["deleted_test_executions"] = counts.TestExecutions
		default:
			resolved, err := l.Repo.ResolveInFlight(ctx, tx, executionID, domain.TestInternalError, now)
			if err != nil {
				return fmt.Errorf("resolve in-flight tests: %w", err)
			}
			if err := l.Repo.RefreshCounters(ctx, tx, executionID); err != nil {
				return fmt.Errorf("refresh counters: %w", err)
			}
			payload["internal_errors"] = resolved
		}
		change.EndTime = &now
		changed, err := l.Repo.ChangeExecutionStatus(ctx, tx, change)
		if err != nil {
			return err
		}
		if !changed {
			return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, executionID)
		}
		return l.Events.Append(ctx, tx, transitionEvents[to], executionID, "execution", executionID, payload)
	})
	if err != nil {
		return domain.Execution{}, err
	}

	l.Log.Info("execution transitioned",
		zap.String("execution_id", executionID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	if to.Terminal() && l.Metrics != nil {
		l.Metrics.ExecutionsFinalizedTotal.WithLabelValues(string(to)).Inc()
	}
	if to == domain.ExecutionFinished {
		l.recomputeStats(executionID)
	}
	return l.Repo.GetExecution(ctx, executionID)
}

func (l *Lifecycle) markRunningTx(ctx context.Context, tx *sql.Tx, executionID string, now time.Time) error {
	changed, err := l.Repo.ChangeExecutionStatus(ctx, tx, repo.StatusChange{
		ID: executionID, From: []domain.ExecutionStatus{domain.ExecutionPending}, To: domain.ExecutionRunning, StartTime: &now,
	})
	if err != nil || !changed {
		return err
	}
	return l.Events.Append(ctx, tx, events.ExecutionRunning, executionID, "execution", executionID, nil)
}

// MarkRunning moves a PENDING execution to RUNNING. It is a no-op for any
// other status and reports whether it changed the execution.
func (l *Lifecycle) MarkRunning(ctx context.Context, executionID string) (bool, error) {
	changed, err := l.Repo.MarkExecutionRunning(ctx, executionID, l.now())
	if err != nil || !changed {
		return false, err
	}
	if err := l.Events.AppendNow(ctx, events.ExecutionRunning, executionID, "execution", executionID, nil); err != nil {
		l.Log.Warn("append running event failed", zap.String("execution_id", executionID), zap.Error(err))
	}
	l.Log.Info("execution running", zap.String("execution_id", executionID))
	return true, nil
}

func (l *Lifecycle) recomputeStats(executionID string) {
	l.stats.Add(1)
	go func() {
		defer l.stats.Done()
		if err := l.Repo.RecomputeTestStats(context.Background(), executionID, l.now()); err != nil {
			l.Log.Error("recompute test stats failed", zap.String("execution_id", executionID), zap.Error(err))
		}
	}()
}

// Wait blocks until background statistics work has finished.
func (l *Lifecycle) Wait() {
	l.stats.Wait()
}
