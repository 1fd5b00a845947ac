package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"suiteline/internal/domain"
)

// Repo is the SQLite-backed store for executions, agents and test executions.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict signals lock contention or a concurrent modification; callers treat it as transient.
	ErrConflict = errors.New("store conflict")
)

// classify maps driver-level contention errors onto ErrConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

// IsTransient reports whether err is a store hiccup worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, context.DeadlineExceeded)
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (r Repo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// InsertSuite stores a test suite together with its tests.
func (r Repo) InsertSuite(ctx context.Context, suite domain.TestSuite, paths []string) ([]domain.Test, error) {
	var tests []domain.Test
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO test_suites(id,name,root_path,created_at) VALUES (?,?,?,?)`,
			suite.ID, suite.Name, suite.RootPath, formatTime(suite.CreatedAt)); err != nil {
			return fmt.Errorf("insert suite: %w", err)
		}
		for _, p := range paths {
			res, err := tx.ExecContext(ctx, `INSERT INTO tests(suite_id,path) VALUES (?,?)`, suite.ID, p)
			if err != nil {
				return fmt.Errorf("insert test %s: %w", p, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			tests = append(tests, domain.Test{ID: id, SuiteID: suite.ID, Path: p})
		}
		return nil
	})
	return tests, err
}

func (r Repo) GetSuite(ctx context.Context, id string) (domain.TestSuite, error) {
	var s domain.TestSuite
	var created string
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,root_path,created_at FROM test_suites WHERE id=?`, id).
		Scan(&s.ID, &s.Name, &s.RootPath, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.CreatedAt = parseTime(created)
	return s, nil
}

func (r Repo) ListSuites(ctx context.Context) ([]domain.TestSuite, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,root_path,created_at FROM test_suites ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TestSuite
	for rows.Next() {
		var s domain.TestSuite
		var created string
		if err := rows.Scan(&s.ID, &s.Name, &s.RootPath, &created); err != nil {
			return nil, err
		}
		s.CreatedAt = parseTime(created)
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListTests returns the tests of the given suites in primary-key order.
func (r Repo) ListTests(ctx context.Context, suiteIDs []string) ([]domain.Test, error) {
	if len(suiteIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(suiteIDs))
	for _, id := range suiteIDs {
		args = append(args, id)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,suite_id,path FROM tests WHERE suite_id IN (`+placeholders(len(suiteIDs))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Test
	for rows.Next() {
		var t domain.Test
		if err := rows.Scan(&t.ID, &t.SuiteID, &t.Path); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// DeleteSuite removes a suite; its tests, their stats and any remaining test executions cascade.
func (r Repo) DeleteSuite(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM execution_suites WHERE suite_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM test_suites WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
