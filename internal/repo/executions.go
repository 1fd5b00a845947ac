package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"suiteline/internal/domain"
)

const executionColumns = `id,status,batch_size,running_tests,passed_tests,failed_tests,skipped_tests,all_tests,COALESCE(fail_reason,''),created_at,start_time,end_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var e domain.Execution
	var status, created string
	var start, end sql.NullString
	err := row.Scan(&e.ID, &status, &e.BatchSize, &e.RunningTests, &e.PassedTests, &e.FailedTests,
		&e.SkippedTests, &e.AllTests, &e.FailReason, &created, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Status = domain.ExecutionStatus(status)
	e.CreatedAt = parseTime(created)
	e.StartTime = parseNullTime(start)
	e.EndTime = parseNullTime(end)
	return e, nil
}

func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO executions(id,status,batch_size,all_tests,created_at) VALUES (?,?,?,?,?)`,
		e.ID, string(e.Status), e.BatchSize, e.AllTests, formatTime(e.CreatedAt))
	return err
}

// LinkSuites records which test suites an execution was built from.
func (r Repo) LinkSuites(ctx context.Context, tx *sql.Tx, executionID string, suiteIDs []string) error {
	for _, id := range suiteIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO execution_suites(execution_id,suite_id) VALUES (?,?)`, executionID, id); err != nil {
			return fmt.Errorf("link suite %s: %w", id, err)
		}
	}
	return nil
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id))
}

func (r Repo) GetExecutionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Execution, error) {
	return scanExecution(tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id))
}

// ListExecutions returns executions newest first, optionally filtered by status.
func (r Repo) ListExecutions(ctx context.Context, statuses ...domain.ExecutionStatus) ([]domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ExecutionsForSuite lists executions linked to a suite.
func (r Repo) ExecutionsForSuite(ctx context.Context, suiteID string) ([]domain.Execution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions
WHERE id IN (SELECT execution_id FROM execution_suites WHERE suite_id=?) ORDER BY created_at, id`, suiteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// MarkExecutionRunning flips PENDING to RUNNING; it reports whether the row changed.
func (r Repo) MarkExecutionRunning(ctx context.Context, id string, start time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE executions SET status=?, start_time=? WHERE id=? AND status=?`,
		string(domain.ExecutionRunning), formatTime(start), id, string(domain.ExecutionPending))
	if err != nil {
		return false, classify(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// StatusChange is a conditional execution status update.
type StatusChange struct {
	ID         string
	From       []domain.ExecutionStatus
	To         domain.ExecutionStatus
	StartTime  *time.Time
	EndTime    *time.Time
	FailReason string
}

// ChangeExecutionStatus applies c only when the current status is one of c.From.
// It reports whether the row changed.
func (r Repo) ChangeExecutionStatus(ctx context.Context, tx *sql.Tx, c StatusChange) (bool, error) {
	args := []any{string(c.To), nullableTime(c.StartTime), nullableTime(c.EndTime), nullable(c.FailReason), c.ID}
	for _, s := range c.From {
		args = append(args, string(s))
	}
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status=?, start_time=COALESCE(?, start_time), end_time=COALESCE(?, end_time), fail_reason=COALESCE(?, fail_reason)
WHERE id=? AND status IN (`+placeholders(len(c.From))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RefreshCounters recomputes an execution's counters from its test executions.
func (r Repo) RefreshCounters(ctx context.Context, tx *sql.Tx, executionID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE executions SET
  running_tests=(SELECT COUNT(*) FROM test_executions WHERE execution_id=?1 AND status='RUNNING'),
  passed_tests=(SELECT COUNT(*) FROM test_executions WHERE execution_id=?1 AND status='PASSED'),
  failed_tests=(SELECT COUNT(*) FROM test_executions WHERE execution_id=?1 AND status IN ('FAILED','TEST_ERROR','INTERNAL_ERROR')),
  skipped_tests=(SELECT COUNT(*) FROM test_executions WHERE execution_id=?1 AND status='IGNORED')
WHERE id=?1`, executionID)
	return err
}

// DependencyCounts reports what DeleteExecutionDependencies removed.
type DependencyCounts struct {
	SuiteLinks     int64
	AgentStatuses  int64
	Agents         int64
	TestExecutions int64
}

// DeleteExecutionDependencies removes every row that references the execution
// except the execution itself and its events.
func (r Repo) DeleteExecutionDependencies(ctx context.Context, tx *sql.Tx, executionID string) (DependencyCounts, error) {
	var c DependencyCounts
	steps := []struct {
		query string
		n     *int64
	}{
		{`DELETE FROM execution_suites WHERE execution_id=?`, &c.SuiteLinks},
		{`DELETE FROM agent_statuses WHERE agent_id IN (SELECT id FROM agents WHERE execution_id=?)`, &c.AgentStatuses},
		{`DELETE FROM test_executions WHERE execution_id=?`, &c.TestExecutions},
		{`DELETE FROM agents WHERE execution_id=?`, &c.Agents},
	}
	for _, s := range steps {
		res, err := tx.ExecContext(ctx, s.query, executionID)
		if err != nil {
			return c, err
		}
		*s.n, _ = res.RowsAffected()
	}
	return c, r.RefreshCounters(ctx, tx, executionID)
}
