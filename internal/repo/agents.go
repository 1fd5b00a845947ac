package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"suiteline/internal/domain"
)

// InsertAgents registers agents in one transaction.
func (r Repo) InsertAgents(ctx context.Context, agents []domain.Agent) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		for _, a := range agents {
			if _, err := tx.ExecContext(ctx, `INSERT INTO agents(id,execution_id,created_at) VALUES (?,?,?)`,
				a.ID, a.ExecutionID, formatTime(a.CreatedAt)); err != nil {
				return fmt.Errorf("insert agent %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

// InsertAgentStatuses appends status rows in one transaction.
func (r Repo) InsertAgentStatuses(ctx context.Context, statuses []domain.AgentStatus) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		for _, s := range statuses {
			if _, err := appendStatus(ctx, tx, s); err != nil {
				return fmt.Errorf("insert status for %s: %w", s.AgentID, err)
			}
		}
		return nil
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendStatus(ctx context.Context, db execer, s domain.AgentStatus) (bool, error) {
	res, err := db.ExecContext(ctx, `INSERT INTO agent_statuses(agent_id,state,ts) VALUES (?,?,?)
ON CONFLICT(agent_id,state,ts) DO NOTHING`, s.AgentID, string(s.State), s.Timestamp.UnixNano())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AppendAgentStatus records one status row. Recording an identical
// (agent, state, timestamp) again is a no-op and reports false.
func (r Repo) AppendAgentStatus(ctx context.Context, s domain.AgentStatus) (bool, error) {
	inserted, err := appendStatus(ctx, r.DB, s)
	return inserted, classify(err)
}

// AppendServerStatus records a state decided by the server rather than
// reported by the agent. The row is stamped at now or just after the agent's
// newest row, whichever is later, so it becomes the current state even when
// the agent's clock runs ahead of ours.
func (r Repo) AppendServerStatus(ctx context.Context, agentID string, state domain.AgentState, now time.Time) (domain.AgentStatus, error) {
	s := domain.AgentStatus{AgentID: agentID, State: state, Timestamp: now.UTC()}
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(ts) FROM agent_statuses WHERE agent_id=?`, agentID).Scan(&latest); err != nil {
			return err
		}
		if latest.Valid && latest.Int64 >= s.Timestamp.UnixNano() {
			s.Timestamp = time.Unix(0, latest.Int64+1).UTC()
		}
		_, err := appendStatus(ctx, tx, s)
		return err
	})
	return s, err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var a domain.Agent
	var created string
	err := r.DB.QueryRowContext(ctx, `SELECT id,execution_id,created_at FROM agents WHERE id=?`, id).
		Scan(&a.ID, &a.ExecutionID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.CreatedAt = parseTime(created)
	return a, nil
}

const latestStateSQL = `(SELECT s.state FROM agent_statuses s WHERE s.agent_id=a.id ORDER BY s.ts DESC, s.id DESC LIMIT 1)`
const latestTSSQL = `(SELECT s.ts FROM agent_statuses s WHERE s.agent_id=a.id ORDER BY s.ts DESC, s.id DESC LIMIT 1)`

// ListAgents returns the agents of an execution with their current state.
func (r Repo) ListAgents(ctx context.Context, executionID string) ([]domain.AgentView, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT a.id,a.execution_id,a.created_at,COALESCE(`+latestStateSQL+`,''),`+latestTSSQL+`
FROM agents a WHERE a.execution_id=? ORDER BY a.id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentView
	for rows.Next() {
		var v domain.AgentView
		var created, state string
		var ts sql.NullInt64
		if err := rows.Scan(&v.ID, &v.ExecutionID, &created, &state, &ts); err != nil {
			return nil, err
		}
		v.CreatedAt = parseTime(created)
		v.State = domain.AgentState(state)
		if ts.Valid {
			t := time.Unix(0, ts.Int64).UTC()
			v.StateTime = &t
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// CurrentAgentStates maps every agent of the execution to its latest state.
// Agents without any status row map to the empty state.
func (r Repo) CurrentAgentStates(ctx context.Context, executionID string) (map[string]domain.AgentState, error) {
	views, err := r.ListAgents(ctx, executionID)
	if err != nil {
		return nil, err
	}
	states := make(map[string]domain.AgentState, len(views))
	for _, v := range views {
		states[v.ID] = v.State
	}
	return states, nil
}

// CurrentAgentState returns the latest state of one agent.
func (r Repo) CurrentAgentState(ctx context.Context, agentID string) (domain.AgentState, error) {
	var state string
	err := r.DB.QueryRowContext(ctx, `SELECT state FROM agent_statuses WHERE agent_id=? ORDER BY ts DESC, id DESC LIMIT 1`, agentID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return domain.AgentState(state), err
}

// AgentStatusHistory returns every status row of an agent, oldest first.
func (r Repo) AgentStatusHistory(ctx context.Context, agentID string) ([]domain.AgentStatus, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,agent_id,state,ts FROM agent_statuses WHERE agent_id=? ORDER BY ts, id`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentStatus
	for rows.Next() {
		var s domain.AgentStatus
		var state string
		var ts int64
		if err := rows.Scan(&s.ID, &s.AgentID, &state, &ts); err != nil {
			return nil, err
		}
		s.State = domain.AgentState(state)
		s.Timestamp = time.Unix(0, ts).UTC()
		res = append(res, s)
	}
	return res, rows.Err()
}
