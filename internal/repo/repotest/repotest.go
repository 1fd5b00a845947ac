// Package repotest opens throwaway stores and seeds executions for tests.
package repotest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"suiteline/internal/db"
	"suiteline/internal/domain"
	"suiteline/internal/migrate"
	"suiteline/internal/repo"
)

// Base is the fixed clock origin used by seeded rows.
var Base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Open returns a migrated store in a temporary workspace.
func Open(t testing.TB) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

type Options struct {
	Tests     int
	BatchSize int
	Agents    int
	Status    domain.ExecutionStatus
}

// Fixture is one seeded execution with its suite and agents.
type Fixture struct {
	Suite     domain.TestSuite
	Tests     []domain.Test
	Execution domain.Execution
	Agents    []string
}

// Seed creates a suite with opts.Tests tests, an execution queueing all of them
// and opts.Agents agents that each reported STARTING at Base.
func Seed(t testing.TB, r repo.Repo, opts Options) Fixture {
	t.Helper()
	ctx := context.Background()
	if opts.BatchSize == 0 {
		opts.BatchSize = 4
	}
	if opts.Status == "" {
		opts.Status = domain.ExecutionPending
	}
	f := Fixture{Suite: domain.TestSuite{ID: uuid.NewString(), Name: "suite", RootPath: "/work/suite", CreatedAt: Base}}
	paths := make([]string, opts.Tests)
	for i := range paths {
		paths[i] = fmt.Sprintf("tests/case_%03d", i)
	}
	tests, err := r.InsertSuite(ctx, f.Suite, paths)
	if err != nil {
		t.Fatalf("insert suite: %v", err)
	}
	f.Tests = tests
	f.Execution = domain.Execution{ID: uuid.NewString(), Status: opts.Status, BatchSize: opts.BatchSize, AllTests: len(tests), CreatedAt: Base}
	err = r.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.InsertExecution(ctx, tx, f.Execution); err != nil {
			return err
		}
		if err := r.LinkSuites(ctx, tx, f.Execution.ID, []string{f.Suite.ID}); err != nil {
			return err
		}
		return r.InsertTestExecutions(ctx, tx, f.Execution.ID, tests, Base)
	})
	if err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	var agents []domain.Agent
	var statuses []domain.AgentStatus
	for i := 0; i < opts.Agents; i++ {
		id := fmt.Sprintf("agent-%d-%s", i, f.Execution.ID[:8])
		f.Agents = append(f.Agents, id)
		agents = append(agents, domain.Agent{ID: id, ExecutionID: f.Execution.ID, CreatedAt: Base})
		statuses = append(statuses, domain.AgentStatus{AgentID: id, State: domain.AgentStarting, Timestamp: Base})
	}
	if err := r.InsertAgents(ctx, agents); err != nil {
		t.Fatalf("insert agents: %v", err)
	}
	if err := r.InsertAgentStatuses(ctx, statuses); err != nil {
		t.Fatalf("insert statuses: %v", err)
	}
	return f
}

// SetState appends a status row for the agent at Base plus offset.
func SetState(t testing.TB, r repo.Repo, agentID string, state domain.AgentState, offset time.Duration) {
	t.Helper()
	if _, err := r.AppendAgentStatus(context.Background(), domain.AgentStatus{AgentID: agentID, State: state, Timestamp: Base.Add(offset)}); err != nil {
		t.Fatalf("append status: %v", err)
	}
}

// Count returns the number of rows matching a single-table query.
func Count(t testing.TB, r repo.Repo, query string, args ...any) int {
	t.Helper()
	var n int
	if err := r.DB.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
