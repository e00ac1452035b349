package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/spawner/orchestrator/internal/domain"
)

// FileStore keeps one JSON document per record under Dir. A flock on
// Dir/.lock serializes writers across processes; readers take a shared lock.
type FileStore struct {
	Dir  string
	Now  func() time.Time
	lock *flock.Flock
}

// OpenFile creates dir (and its workflows/ and teams/ subdirectories) if needed.
func OpenFile(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, domain.NewEngineError(domain.ErrStoreInit.Code, "file store requires a directory")
	}
	for _, sub := range []string{"workflows", "teams"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "create store directory", err)
		}
	}
	return &FileStore{
		Dir:  dir,
		Now:  time.Now,
		lock: flock.New(filepath.Join(dir, ".lock")),
	}, nil
}

func (s *FileStore) SaveWorkflow(ctx context.Context, rec domain.PersistedWorkflowState) error {
	return s.withLock(func() error { return s.write("workflows", rec.ID, rec) })
}

func (s *FileStore) GetWorkflow(ctx context.Context, id string) (*domain.PersistedWorkflowState, error) {
	var rec domain.PersistedWorkflowState
	err := s.withRLock(func() error { return s.read("workflows", "workflow", id, &rec) })
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *FileStore) UpdateWorkflow(ctx context.Context, id string, patch domain.WorkflowPatch) error {
	return s.withLock(func() error {
		var rec domain.PersistedWorkflowState
		if err := s.read("workflows", "workflow", id, &rec); err != nil {
			return err
		}
		applyPatch(&rec, patch, s.Now().UTC())
		return s.write("workflows", id, rec)
	})
}

func (s *FileStore) ListActiveWorkflows(ctx context.Context, f domain.ListFilter) ([]domain.PersistedWorkflowState, error) {
	out := []domain.PersistedWorkflowState{}
	err := s.withRLock(func() error {
		return s.scan("workflows", func(b []byte) error {
			var rec domain.PersistedWorkflowState
			if err := json.Unmarshal(b, &rec); err != nil {
				return err
			}
			if isActiveStatus(rec.Status) && (f.UserID == "" || rec.UserID == f.UserID) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if n := f.EffectiveLimit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *FileStore) SaveTeam(ctx context.Context, rec domain.PersistedTeamState) error {
	return s.withLock(func() error { return s.write("teams", rec.ID, rec) })
}

func (s *FileStore) GetTeam(ctx context.Context, id string) (*domain.PersistedTeamState, error) {
	var rec domain.PersistedTeamState
	err := s.withRLock(func() error { return s.read("teams", "team", id, &rec) })
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *FileStore) ListActiveTeams(ctx context.Context, f domain.ListFilter) ([]domain.PersistedTeamState, error) {
	out := []domain.PersistedTeamState{}
	err := s.withRLock(func() error {
		return s.scan("teams", func(b []byte) error {
			var rec domain.PersistedTeamState
			if err := json.Unmarshal(b, &rec); err != nil {
				return err
			}
			if rec.CompletedAt == nil && (f.UserID == "" || rec.UserID == f.UserID) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if n := f.EffectiveLimit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Close releases the lock file handle.
func (s *FileStore) Close() error {
	return s.lock.Close()
}

func (s *FileStore) withLock(fn func() error) error {
	if err := s.lock.Lock(); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "acquire store lock", err)
	}
	defer s.lock.Unlock()
	return fn()
}

func (s *FileStore) withRLock(fn func() error) error {
	if err := s.lock.RLock(); err != nil {
		return domain.WrapEngineError(domain.ErrStoreQuery.Code, "acquire store read lock", err)
	}
	defer s.lock.Unlock()
	return fn()
}

func (s *FileStore) path(kind, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", domain.NewEngineError(domain.ErrStoreWrite.Code, fmt.Sprintf("invalid record id %q", id))
	}
	return filepath.Join(s.Dir, kind, id+".json"), nil
}

func (s *FileStore) read(kind, label, id string, v any) error {
	p, err := s.path(kind, id)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return notFound(label, id)
	}
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreQuery.Code, "read "+label+" "+id, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return domain.WrapEngineError(domain.ErrStoreQuery.Code, "decode "+label+" "+id, err)
	}
	return nil
}

// write replaces the record file through a temp file and rename so readers
// never observe a partial document.
func (s *FileStore) write(kind, id string, v any) error {
	p, err := s.path(kind, id)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "encode record", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "create temp file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "close temp file", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "rename record file", err)
	}
	return nil
}

func (s *FileStore) scan(kind string, fn func([]byte) error) error {
	paths, err := filepath.Glob(filepath.Join(s.Dir, kind, "*.json"))
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreQuery.Code, "list "+kind, err)
	}
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return domain.WrapEngineError(domain.ErrStoreQuery.Code, "read "+p, err)
		}
		if err := fn(b); err != nil {
			return domain.WrapEngineError(domain.ErrStoreQuery.Code, "decode "+p, err)
		}
	}
	return nil
}
