package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/spawner/orchestrator/internal/domain"
)

// TeamRepo handles persistence for PersistedTeamState records.
type TeamRepo struct{}

const teamColumns = `id, team_id, team_name, current_lead, members, state_data, communication_log,
	started_at, updated_at, completed_at, user_id`

// Upsert inserts rec or overwrites the stored record with the same id.
func (r *TeamRepo) Upsert(ctx context.Context, db querier, rec domain.PersistedTeamState) error {
	members, err := encodeJSON(orEmptyStrings(rec.Members))
	if err != nil {
		return err
	}
	data, err := encodeJSON(orEmptyMap(rec.StateData))
	if err != nil {
		return err
	}
	log := rec.CommunicationLog
	if log == nil {
		log = []domain.CommunicationEntry{}
	}
	comm, err := encodeJSON(log)
	if err != nil {
		return err
	}

	const q = `INSERT INTO team_state (` + teamColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	team_id = excluded.team_id,
	team_name = excluded.team_name,
	current_lead = excluded.current_lead,
	members = excluded.members,
	state_data = excluded.state_data,
	communication_log = excluded.communication_log,
	started_at = excluded.started_at,
	updated_at = excluded.updated_at,
	completed_at = excluded.completed_at,
	user_id = excluded.user_id`

	_, err = db.ExecContext(ctx, q,
		rec.ID,
		rec.TeamID,
		rec.TeamName,
		rec.CurrentLead,
		members,
		data,
		comm,
		unixNano(rec.StartedAt),
		unixNano(rec.UpdatedAt),
		nullTime(rec.CompletedAt),
		rec.UserID,
	)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "save team "+rec.ID, err)
	}
	return nil
}

// GetByID retrieves a team record by its id.
func (r *TeamRepo) GetByID(ctx context.Context, db querier, id string) (*domain.PersistedTeamState, error) {
	q := `SELECT ` + teamColumns + ` FROM team_state WHERE id = ?`
	rec, err := scanTeam(db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("team", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListActive returns teams without a completion time, most recently updated first.
func (r *TeamRepo) ListActive(ctx context.Context, db querier, f domain.ListFilter) ([]domain.PersistedTeamState, error) {
	q := `SELECT ` + teamColumns + ` FROM team_state WHERE completed_at IS NULL`
	var args []any
	if f.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	q += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, f.EffectiveLimit())

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list teams", err)
	}
	defer rows.Close()

	out := []domain.PersistedTeamState{}
	for rows.Next() {
		rec, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanTeam(row rowScanner) (*domain.PersistedTeamState, error) {
	var (
		rec                 domain.PersistedTeamState
		members, data, comm string
		started, updated    int64
		completed           sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.TeamID, &rec.TeamName, &rec.CurrentLead, &members, &data, &comm,
		&started, &updated, &completed, &rec.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "scan team", err)
	}
	rec.StartedAt = fromUnixNano(started)
	rec.UpdatedAt = fromUnixNano(updated)
	rec.CompletedAt = timePtr(completed)
	for _, f := range []struct {
		src string
		dst any
	}{{members, &rec.Members}, {data, &rec.StateData}, {comm, &rec.CommunicationLog}} {
		if err := decodeJSON(f.src, f.dst); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
