package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the lifecycle and the orchestrator.
const (
	ExecutionCreated   = "execution.created"
	ExecutionRunning   = "execution.running"
	ExecutionFinished  = "execution.finished"
	ExecutionErrored   = "execution.error"
	ExecutionObsoleted = "execution.obsolete"
	AgentsRegistered   = "agents.registered"
	AgentCrashed       = "agent.crashed"
	SuiteCreated       = "suite.created"
	SuiteDeleted       = "suite.deleted"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, executionID, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,execution_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(executionID), entityKind, nullable(entityID), string(data))
	return err
}

// AppendNow writes a single event in its own transaction.
func (w Writer) AppendNow(ctx context.Context, evtType, executionID, entityKind, entityID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, executionID, entityKind, entityID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
