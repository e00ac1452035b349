// Package store persists workflow and team state behind a driver-neutral
// StateStore. SQLite is the default driver; a flock-guarded JSON directory
// and Redis are also available.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spawner/orchestrator/internal/domain"
)

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
	DriverRedis  = "redis"
)

// StateStore is the persistence adapter for orchestration state.
// Get* return an error matching domain.ErrRecordNotFound for unknown ids.
type StateStore interface {
	SaveWorkflow(ctx context.Context, rec domain.PersistedWorkflowState) error
	GetWorkflow(ctx context.Context, id string) (*domain.PersistedWorkflowState, error)
	UpdateWorkflow(ctx context.Context, id string, patch domain.WorkflowPatch) error
	ListActiveWorkflows(ctx context.Context, filter domain.ListFilter) ([]domain.PersistedWorkflowState, error)

	SaveTeam(ctx context.Context, rec domain.PersistedTeamState) error
	GetTeam(ctx context.Context, id string) (*domain.PersistedTeamState, error)
	ListActiveTeams(ctx context.Context, filter domain.ListFilter) ([]domain.PersistedTeamState, error)

	Close() error
}

// EventLog is implemented by stores that also keep the event stream of a
// session. Sequence numbers start at 1 and are assigned by the caller.
type EventLog interface {
	AppendEvents(ctx context.Context, sessionID string, firstSeq int64, evs []domain.OrchestrationEvent) error
	ListEvents(ctx context.Context, sessionID string, sinceSeq int64) ([]domain.OrchestrationEvent, error)
}

// Options selects and configures a driver.
type Options struct {
	Driver    string
	Path      string
	RedisAddr string
	RedisDB   int
	RedisKey  string
}

// Open returns the StateStore for opts.Driver. An empty driver means sqlite.
func Open(ctx context.Context, opts Options) (StateStore, error) {
	var (
		s   StateStore
		err error
	)
	switch opts.Driver {
	case "", DriverSQLite:
		s, err = OpenSQLite(opts.Path)
	case DriverFile:
		s, err = OpenFile(opts.Path)
	case DriverRedis:
		s, err = OpenRedis(ctx, opts.RedisAddr, opts.RedisDB, opts.RedisKey)
	default:
		return nil, domain.NewEngineError(domain.ErrUnknownDriver.Code,
			fmt.Sprintf("unknown store driver %q", opts.Driver))
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func notFound(kind, id string) error {
	return domain.NewEngineError(domain.ErrRecordNotFound.Code, fmt.Sprintf("%s %s not found", kind, id))
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", domain.WrapEngineError(domain.ErrStoreWrite.Code, "encode record", err)
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return domain.WrapEngineError(domain.ErrStoreQuery.Code, "decode record", err)
	}
	return nil
}

// applyPatch applies the non-nil fields of p to rec and stamps UpdatedAt.
func applyPatch(rec *domain.PersistedWorkflowState, p domain.WorkflowPatch, now time.Time) {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.CurrentStep != nil {
		rec.CurrentStep = *p.CurrentStep
	}
	if p.Error != nil {
		rec.Error = *p.Error
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		rec.CompletedAt = &t
	}
	rec.UpdatedAt = now
}

func isActiveStatus(s domain.WorkflowStatus) bool {
	for _, a := range domain.ActiveWorkflowStatuses {
		if s == a {
			return true
		}
	}
	return false
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
