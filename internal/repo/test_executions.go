package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"suiteline/internal/domain"
)

// ErrNotOwner is returned when an agent reports a result for a test it does not hold.
var ErrNotOwner = errors.New("test execution not owned by agent")

// InsertTestExecutions queues every test as READY_FOR_TESTING for the execution.
func (r Repo) InsertTestExecutions(ctx context.Context, tx *sql.Tx, executionID string, tests []domain.Test, now time.Time) error {
	ts := formatTime(now)
	for _, t := range tests {
		if _, err := tx.ExecContext(ctx, `INSERT INTO test_executions(execution_id,test_id,status,updated_at) VALUES (?,?,?,?)`,
			executionID, t.ID, string(domain.TestReady), ts); err != nil {
			return fmt.Errorf("queue test %d: %w", t.ID, err)
		}
	}
	return nil
}

// ClaimBatch assigns up to batch_size READY tests of the execution to the agent
// in one transaction, in primary-key order.
func (r Repo) ClaimBatch(ctx context.Context, executionID, agentID string, now time.Time) (domain.Batch, error) {
	batch := domain.Batch{Tests: []domain.BatchTest{}, TestSuiteRootPathsByID: map[string]string{}}
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var batchSize int
		err := tx.QueryRowContext(ctx, `SELECT batch_size FROM executions WHERE id=?`, executionID).Scan(&batchSize)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `SELECT te.id, te.test_id, t.suite_id, t.path, s.root_path
FROM test_executions te
JOIN tests t ON t.id = te.test_id
JOIN test_suites s ON s.id = t.suite_id
WHERE te.execution_id=? AND te.status=?
ORDER BY te.id LIMIT ?`, executionID, string(domain.TestReady), batchSize)
		if err != nil {
			return err
		}
		var claimed []domain.BatchTest
		roots := map[string]string{}
		for rows.Next() {
			var bt domain.BatchTest
			var root string
			if err := rows.Scan(&bt.TestExecutionID, &bt.TestID, &bt.SuiteID, &bt.Path, &root); err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, bt)
			roots[bt.SuiteID] = root
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(claimed) == 0 {
			return nil
		}
		args := []any{string(domain.TestRunning), agentID, formatTime(now)}
		for _, bt := range claimed {
			args = append(args, bt.TestExecutionID)
		}
		args = append(args, string(domain.TestReady))
		res, err := tx.ExecContext(ctx, `UPDATE test_executions SET status=?, agent_id=?, updated_at=?
WHERE id IN (`+placeholders(len(claimed))+`) AND status=?`, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); int(n) != len(claimed) {
			return fmt.Errorf("%w: claimed %d of %d tests", ErrConflict, n, len(claimed))
		}
		if _, err := tx.ExecContext(ctx, `UPDATE executions SET running_tests=running_tests+? WHERE id=?`, len(claimed), executionID); err != nil {
			return err
		}
		batch.Tests = claimed
		batch.TestSuiteRootPathsByID = roots
		return nil
	})
	if err != nil {
		return domain.Batch{}, err
	}
	return batch, nil
}

// CountByStatus counts the execution's test executions in the given status.
func (r Repo) CountByStatus(ctx context.Context, executionID string, status domain.TestStatus) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM test_executions WHERE execution_id=? AND status=?`,
		executionID, string(status)).Scan(&n)
	return n, err
}

// CountRunningByAgent counts tests the agent currently holds.
func (r Repo) CountRunningByAgent(ctx context.Context, agentID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM test_executions WHERE agent_id=? AND status=?`,
		agentID, string(domain.TestRunning)).Scan(&n)
	return n, err
}

// FailAgentTests marks every test the agent still holds with status and
// refreshes the execution counters. It returns the number of tests changed.
func (r Repo) FailAgentTests(ctx context.Context, agentID string, status domain.TestStatus, now time.Time) (int64, error) {
	var changed int64
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var executionID string
		err := tx.QueryRowContext(ctx, `SELECT execution_id FROM agents WHERE id=?`, agentID).Scan(&executionID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE test_executions SET status=?, updated_at=? WHERE agent_id=? AND status=?`,
			string(status), formatTime(now), agentID, string(domain.TestRunning))
		if err != nil {
			return err
		}
		changed, _ = res.RowsAffected()
		if changed == 0 {
			return nil
		}
		return r.RefreshCounters(ctx, tx, executionID)
	})
	return changed, err
}

// ResolveInFlight moves every READY or RUNNING test of the execution to status.
func (r Repo) ResolveInFlight(ctx context.Context, tx *sql.Tx, executionID string, status domain.TestStatus, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE test_executions SET status=?, updated_at=? WHERE execution_id=? AND status IN (?,?)`,
		string(status), formatTime(now), executionID, string(domain.TestReady), string(domain.TestRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TestResult is one result reported by an agent.
type TestResult struct {
	TestExecutionID int64             `json:"test_execution_id"`
	Status          domain.TestStatus `json:"status"`
}

// ReportResults records results for tests the agent holds and refreshes counters.
// Every result must refer to a RUNNING test owned by the agent; otherwise nothing is written.
func (r Repo) ReportResults(ctx context.Context, agentID string, results []TestResult, now time.Time) (string, error) {
	var executionID string
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT execution_id FROM agents WHERE id=?`, agentID).Scan(&executionID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		for _, res := range results {
			out, err := tx.ExecContext(ctx, `UPDATE test_executions SET status=?, updated_at=?
WHERE id=? AND agent_id=? AND execution_id=? AND status=?`,
				string(res.Status), formatTime(now), res.TestExecutionID, agentID, executionID, string(domain.TestRunning))
			if err != nil {
				return err
			}
			if n, _ := out.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: %d", ErrNotOwner, res.TestExecutionID)
			}
		}
		return r.RefreshCounters(ctx, tx, executionID)
	})
	return executionID, err
}

// ListTestExecutions returns the execution's test executions in primary-key order.
func (r Repo) ListTestExecutions(ctx context.Context, executionID string) ([]domain.TestExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,execution_id,test_id,COALESCE(agent_id,''),status,updated_at
FROM test_executions WHERE execution_id=? ORDER BY id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TestExecution
	for rows.Next() {
		var te domain.TestExecution
		var status, updated string
		if err := rows.Scan(&te.ID, &te.ExecutionID, &te.TestID, &te.AgentID, &status, &updated); err != nil {
			return nil, err
		}
		te.Status = domain.TestStatus(status)
		te.UpdatedAt = parseTime(updated)
		res = append(res, te)
	}
	return res, rows.Err()
}

// RecomputeTestStats folds the execution's results into the per-test statistics.
func (r Repo) RecomputeTestStats(ctx context.Context, executionID string, now time.Time) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO test_stats(test_id,runs,passed,failed,skipped,last_status,updated_at)
SELECT test_id, 1,
  CASE WHEN status='PASSED' THEN 1 ELSE 0 END,
  CASE WHEN status IN ('FAILED','TEST_ERROR','INTERNAL_ERROR') THEN 1 ELSE 0 END,
  CASE WHEN status='IGNORED' THEN 1 ELSE 0 END,
  status, ?
FROM test_executions WHERE execution_id=? AND status NOT IN ('READY_FOR_TESTING','RUNNING')
ON CONFLICT(test_id) DO UPDATE SET
  runs=runs+excluded.runs,
  passed=passed+excluded.passed,
  failed=failed+excluded.failed,
  skipped=skipped+excluded.skipped,
  last_status=excluded.last_status,
  updated_at=excluded.updated_at`, formatTime(now), executionID)
		return err
	})
}

func (r Repo) GetTestStats(ctx context.Context, testID int64) (domain.TestStats, error) {
	var s domain.TestStats
	var status, updated string
	err := r.DB.QueryRowContext(ctx, `SELECT test_id,runs,passed,failed,skipped,last_status,updated_at FROM test_stats WHERE test_id=?`, testID).
		Scan(&s.TestID, &s.Runs, &s.Passed, &s.Failed, &s.Skipped, &status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.LastStatus = domain.TestStatus(status)
	s.UpdatedAt = parseTime(updated)
	return s, nil
}
