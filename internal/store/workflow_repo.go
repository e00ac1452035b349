package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spawner/orchestrator/internal/domain"
)

// WorkflowRepo handles persistence for PersistedWorkflowState records.
type WorkflowRepo struct{}

const workflowColumns = `id, workflow_id, workflow_name, status, current_step, total_steps,
	state_data, history, started_at, updated_at, completed_at, error, user_id`

// Upsert inserts rec or overwrites the stored record with the same id.
func (r *WorkflowRepo) Upsert(ctx context.Context, db querier, rec domain.PersistedWorkflowState) error {
	data, err := encodeJSON(orEmptyMap(rec.StateData))
	if err != nil {
		return err
	}
	history, err := encodeJSON(orEmptyHistory(rec.History))
	if err != nil {
		return err
	}

	const q = `INSERT INTO workflow_state (` + workflowColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	workflow_id = excluded.workflow_id,
	workflow_name = excluded.workflow_name,
	status = excluded.status,
	current_step = excluded.current_step,
	total_steps = excluded.total_steps,
	state_data = excluded.state_data,
	history = excluded.history,
	started_at = excluded.started_at,
	updated_at = excluded.updated_at,
	completed_at = excluded.completed_at,
	error = excluded.error,
	user_id = excluded.user_id`

	_, err = db.ExecContext(ctx, q,
		rec.ID,
		rec.WorkflowID,
		rec.WorkflowName,
		string(rec.Status),
		rec.CurrentStep,
		rec.TotalSteps,
		data,
		history,
		unixNano(rec.StartedAt),
		unixNano(rec.UpdatedAt),
		nullTime(rec.CompletedAt),
		rec.Error,
		rec.UserID,
	)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "save workflow "+rec.ID, err)
	}
	return nil
}

// GetByID retrieves a workflow record by its id.
func (r *WorkflowRepo) GetByID(ctx context.Context, db querier, id string) (*domain.PersistedWorkflowState, error) {
	q := `SELECT ` + workflowColumns + ` FROM workflow_state WHERE id = ?`
	rec, err := scanWorkflow(db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Patch updates the non-nil fields of p and stamps updated_at.
func (r *WorkflowRepo) Patch(ctx context.Context, db querier, id string, p domain.WorkflowPatch, now time.Time) error {
	sets := []string{"updated_at = ?"}
	args := []any{now.UnixNano()}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *p.CurrentStep)
	}
	if p.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *p.Error)
	}
	if p.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, p.CompletedAt.UnixNano())
	}
	args = append(args, id)

	q := fmt.Sprintf("UPDATE workflow_state SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "update workflow "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "check rows affected", err)
	}
	if n == 0 {
		return notFound("workflow", id)
	}
	return nil
}

// ListActive returns non-terminal workflows, most recently updated first.
func (r *WorkflowRepo) ListActive(ctx context.Context, db querier, f domain.ListFilter) ([]domain.PersistedWorkflowState, error) {
	marks := make([]string, len(domain.ActiveWorkflowStatuses))
	args := make([]any, 0, len(marks)+2)
	for i, s := range domain.ActiveWorkflowStatuses {
		marks[i] = "?"
		args = append(args, string(s))
	}
	q := `SELECT ` + workflowColumns + ` FROM workflow_state WHERE status IN (` + strings.Join(marks, ", ") + `)`
	if f.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	q += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, f.EffectiveLimit())

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list workflows", err)
	}
	defer rows.Close()

	out := []domain.PersistedWorkflowState{}
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*domain.PersistedWorkflowState, error) {
	var (
		rec                domain.PersistedWorkflowState
		status, data, hist string
		started, updated   int64
		completed          sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.WorkflowName, &status, &rec.CurrentStep, &rec.TotalSteps,
		&data, &hist, &started, &updated, &completed, &rec.Error, &rec.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "scan workflow", err)
	}
	rec.Status = domain.WorkflowStatus(status)
	rec.StartedAt = fromUnixNano(started)
	rec.UpdatedAt = fromUnixNano(updated)
	rec.CompletedAt = timePtr(completed)
	if err := decodeJSON(data, &rec.StateData); err != nil {
		return nil, err
	}
	if err := decodeJSON(hist, &rec.History); err != nil {
		return nil, err
	}
	return &rec, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyHistory(h []domain.StepResult) []domain.StepResult {
	if h == nil {
		return []domain.StepResult{}
	}
	return h
}
