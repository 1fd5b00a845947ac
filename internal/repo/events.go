package repo

import (
	"context"
	"fmt"
	"strings"

	"suiteline/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(execution_id,''),entity_kind,COALESCE(entity_id,''),payload_json`

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.ExecutionID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		e.TS = parseTime(ts)
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with id greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// ExecutionEvents returns the audit trail of one execution, oldest first.
func (r Repo) ExecutionEvents(ctx context.Context, executionID string, types ...string) ([]domain.Event, error) {
	clauses := []string{"execution_id=?"}
	args := []any{executionID}
	if len(types) > 0 {
		clauses = append(clauses, "type IN ("+placeholders(len(types))+")")
		for _, t := range types {
			args = append(args, t)
		}
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC`, eventColumns, strings.Join(clauses, " AND "))
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
