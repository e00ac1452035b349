package store

import (
	"context"
	"database/sql"

	"github.com/spawner/orchestrator/internal/domain"
)

// EventRepo handles persistence for OrchestrationEvent records.
type EventRepo struct{}

// AppendTx inserts an event within an existing transaction.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, sessionID string, seq int64, e domain.OrchestrationEvent) error {
	payload, err := encodeJSON(orEmptyMap(e.Data))
	if err != nil {
		return err
	}
	const q = `INSERT INTO orchestration_events (session_id, seq_no, event_type, payload_json, created_at)
VALUES (?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q, sessionID, seq, string(e.Type), payload, unixNano(e.Timestamp))
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "append event", err)
	}
	return nil
}

// ListBySession returns events for a session with sequence numbers greater
// than sinceSeq, ordered by sequence number ascending.
func (r *EventRepo) ListBySession(ctx context.Context, db querier, sessionID string, sinceSeq int64) ([]domain.OrchestrationEvent, error) {
	const q = `SELECT event_type, payload_json, created_at
FROM orchestration_events
WHERE session_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, sessionID, sinceSeq)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list events", err)
	}
	defer rows.Close()

	evs := []domain.OrchestrationEvent{}
	for rows.Next() {
		var (
			e       domain.OrchestrationEvent
			typ     string
			payload string
			created int64
		)
		if err := rows.Scan(&typ, &payload, &created); err != nil {
			return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "scan event", err)
		}
		e.Type = domain.EventType(typ)
		e.Timestamp = fromUnixNano(created)
		if err := decodeJSON(payload, &e.Data); err != nil {
			return nil, err
		}
		evs = append(evs, e)
	}
	return evs, rows.Err()
}
