package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spawner/orchestrator/internal/domain"
)

// schemaV1 defines the initial database schema. Timestamps are unix nanoseconds.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS workflow_state (
	id            TEXT PRIMARY KEY,
	workflow_id   TEXT NOT NULL,
	workflow_name TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	current_step  INTEGER NOT NULL DEFAULT 0,
	total_steps   INTEGER NOT NULL DEFAULT 0,
	state_data    TEXT NOT NULL DEFAULT '{}',
	history       TEXT NOT NULL DEFAULT '[]',
	started_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	completed_at  INTEGER,
	error         TEXT NOT NULL DEFAULT '',
	user_id       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_workflow_state_active ON workflow_state(status, user_id, updated_at);

CREATE TABLE IF NOT EXISTS team_state (
	id                TEXT PRIMARY KEY,
	team_id           TEXT NOT NULL,
	team_name         TEXT NOT NULL DEFAULT '',
	current_lead      TEXT NOT NULL DEFAULT '',
	members           TEXT NOT NULL DEFAULT '[]',
	state_data        TEXT NOT NULL DEFAULT '{}',
	communication_log TEXT NOT NULL DEFAULT '[]',
	started_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	completed_at      INTEGER,
	user_id           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_team_state_active ON team_state(completed_at, user_id, updated_at);

CREATE TABLE IF NOT EXISTS orchestration_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	seq_no       INTEGER NOT NULL,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	UNIQUE(session_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_events_session_seq ON orchestration_events(session_id, seq_no);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "open database", err)
	}

	// Single writer; WAL still serves concurrent reads.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, domain.WrapEngineError(domain.ErrSchemaMigration.Code, "migrate schema", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

// SQLiteStore is the default StateStore.
type SQLiteStore struct {
	DB        *sql.DB
	Workflows *WorkflowRepo
	Teams     *TeamRepo
	Events    *EventRepo
	Now       func() time.Time
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, domain.NewEngineError(domain.ErrStoreInit.Code, "sqlite store requires a path")
	}
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{
		DB:        db,
		Workflows: &WorkflowRepo{},
		Teams:     &TeamRepo{},
		Events:    &EventRepo{},
		Now:       time.Now,
	}, nil
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, rec domain.PersistedWorkflowState) error {
	return s.Workflows.Upsert(ctx, s.DB, rec)
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*domain.PersistedWorkflowState, error) {
	return s.Workflows.GetByID(ctx, s.DB, id)
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, id string, patch domain.WorkflowPatch) error {
	return s.Workflows.Patch(ctx, s.DB, id, patch, s.Now().UTC())
}

func (s *SQLiteStore) ListActiveWorkflows(ctx context.Context, filter domain.ListFilter) ([]domain.PersistedWorkflowState, error) {
	return s.Workflows.ListActive(ctx, s.DB, filter)
}

func (s *SQLiteStore) SaveTeam(ctx context.Context, rec domain.PersistedTeamState) error {
	return s.Teams.Upsert(ctx, s.DB, rec)
}

func (s *SQLiteStore) GetTeam(ctx context.Context, id string) (*domain.PersistedTeamState, error) {
	return s.Teams.GetByID(ctx, s.DB, id)
}

func (s *SQLiteStore) ListActiveTeams(ctx context.Context, filter domain.ListFilter) ([]domain.PersistedTeamState, error) {
	return s.Teams.ListActive(ctx, s.DB, filter)
}

// AppendEvents writes evs in one transaction, numbering them from firstSeq.
func (s *SQLiteStore) AppendEvents(ctx context.Context, sessionID string, firstSeq int64, evs []domain.OrchestrationEvent) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "begin tx", err)
	}
	for i, e := range evs {
		if err := s.Events.AppendTx(ctx, tx, sessionID, firstSeq+int64(i), e); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "commit events", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, sinceSeq int64) ([]domain.OrchestrationEvent, error) {
	return s.Events.ListBySession(ctx, s.DB, sessionID, sinceSeq)
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}
