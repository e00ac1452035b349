package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spawner/orchestrator/internal/domain"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "spawner"

// RedisStore keeps records as JSON strings and tracks active records in
// sorted sets scored by updated_at.
type RedisStore struct {
	Client redis.UniversalClient
	Prefix string
	Now    func() time.Time
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr string, db int, prefix string) (*RedisStore, error) {
	if addr == "" {
		return nil, domain.NewEngineError(domain.ErrStoreInit.Code, "redis store requires an address")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "connect to redis "+addr, err)
	}
	return NewRedisStore(client, prefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{Client: client, Prefix: prefix, Now: time.Now}
}

func (s *RedisStore) key(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.Prefix, kind, id)
}

func (s *RedisStore) activeKey(kind string) string {
	return fmt.Sprintf("%s:%ss:active", s.Prefix, kind)
}

func (s *RedisStore) SaveWorkflow(ctx context.Context, rec domain.PersistedWorkflowState) error {
	return s.save(ctx, "workflow", rec.ID, rec, isActiveStatus(rec.Status), rec.UpdatedAt)
}

func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*domain.PersistedWorkflowState, error) {
	var rec domain.PersistedWorkflowState
	if err := s.get(ctx, s.Client, "workflow", id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateWorkflow applies patch under WATCH so concurrent writers retry
// rather than overwrite each other.
func (s *RedisStore) UpdateWorkflow(ctx context.Context, id string, patch domain.WorkflowPatch) error {
	key := s.key("workflow", id)
	err := s.Client.Watch(ctx, func(tx *redis.Tx) error {
		var rec domain.PersistedWorkflowState
		if err := s.get(ctx, tx, "workflow", id, &rec); err != nil {
			return err
		}
		applyPatch(&rec, patch, s.Now().UTC())
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			s.index(ctx, pipe, "workflow", id, isActiveStatus(rec.Status), rec.UpdatedAt)
			return nil
		})
		return err
	}, key)
	if err == nil || errors.Is(err, domain.ErrRecordNotFound) {
		return err
	}
	return domain.WrapEngineError(domain.ErrStoreWrite.Code, "update workflow "+id, err)
}

func (s *RedisStore) ListActiveWorkflows(ctx context.Context, f domain.ListFilter) ([]domain.PersistedWorkflowState, error) {
	out := []domain.PersistedWorkflowState{}
	err := s.listActive(ctx, "workflow", func(b []byte) (bool, error) {
		var rec domain.PersistedWorkflowState
		if err := json.Unmarshal(b, &rec); err != nil {
			return false, err
		}
		if f.UserID != "" && rec.UserID != f.UserID {
			return false, nil
		}
		out = append(out, rec)
		return len(out) >= f.EffectiveLimit(), nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) SaveTeam(ctx context.Context, rec domain.PersistedTeamState) error {
	return s.save(ctx, "team", rec.ID, rec, rec.CompletedAt == nil, rec.UpdatedAt)
}

func (s *RedisStore) GetTeam(ctx context.Context, id string) (*domain.PersistedTeamState, error) {
	var rec domain.PersistedTeamState
	if err := s.get(ctx, s.Client, "team", id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) ListActiveTeams(ctx context.Context, f domain.ListFilter) ([]domain.PersistedTeamState, error) {
	out := []domain.PersistedTeamState{}
	err := s.listActive(ctx, "team", func(b []byte) (bool, error) {
		var rec domain.PersistedTeamState
		if err := json.Unmarshal(b, &rec); err != nil {
			return false, err
		}
		if f.UserID != "" && rec.UserID != f.UserID {
			return false, nil
		}
		out = append(out, rec)
		return len(out) >= f.EffectiveLimit(), nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}

func (s *RedisStore) save(ctx context.Context, kind, id string, rec any, active bool, updated time.Time) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "encode "+kind, err)
	}
	_, err = s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(kind, id), b, 0)
		s.index(ctx, pipe, kind, id, active, updated)
		return nil
	})
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "save "+kind+" "+id, err)
	}
	return nil
}

func (s *RedisStore) index(ctx context.Context, pipe redis.Pipeliner, kind, id string, active bool, updated time.Time) {
	if active {
		pipe.ZAdd(ctx, s.activeKey(kind), redis.Z{Score: float64(updated.UnixMilli()), Member: id})
		return
	}
	pipe.ZRem(ctx, s.activeKey(kind), id)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c stringGetter, kind, id string, v any) error {
	b, err := c.Get(ctx, s.key(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return notFound(kind, id)
	}
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreQuery.Code, "get "+kind+" "+id, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return domain.WrapEngineError(domain.ErrStoreQuery.Code, "decode "+kind+" "+id, err)
	}
	return nil
}

// listActive walks the active index newest first, handing each document to
// fn until fn reports it has enough.
func (s *RedisStore) listActive(ctx context.Context, kind string, fn func([]byte) (bool, error)) error {
	ids, err := s.Client.ZRevRange(ctx, s.activeKey(kind), 0, -1).Result()
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreQuery.Code, "list "+kind, err)
	}
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(kind, id)
	}
	vals, err := s.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreQuery.Code, "load "+kind, err)
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		done, err := fn([]byte(str))
		if err != nil {
			return domain.WrapEngineError(domain.ErrStoreQuery.Code, "decode "+kind, err)
		}
		if done {
			return nil
		}
	}
	return nil
}
