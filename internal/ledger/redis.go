package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/specialistvlad/smelter/internal/formula"
)

// RedisStore keeps records in Redis so several machines can share one
// ledger for a network-mounted prefix. Keys are namespaced:
//
//	smelter:{namespace}:record:{name}  JSON record
//	smelter:{namespace}:records        set of recorded names
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisStore creates a store for the given namespace, usually the prefix.
func NewRedisStore(opts *redis.Options, namespace string) (*RedisStore, error) {
	if namespace == "" {
		return nil, fmt.Errorf("ledger: namespace cannot be empty")
	}
	return &RedisStore{rdb: redis.NewClient(opts), namespace: namespace}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) recordKey(name string) string {
	return fmt.Sprintf("smelter:%s:record:%s", s.namespace, formula.NormalizeName(name))
}

func (s *RedisStore) indexKey() string {
	return fmt.Sprintf("smelter:%s:records", s.namespace)
}

func (s *RedisStore) Record(ctx context.Context, rec *Record) error {
	normalize(rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", rec.Name, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(rec.Name), data, 0)
		pipe.SAdd(ctx, s.indexKey(), rec.Name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: write %s: %w", rec.Name, err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, name string) (*Record, error) {
	data, err := s.rdb.Get(ctx, s.recordKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotInstalled
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", name, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("ledger: decode %s: %w", name, err)
	}
	return &rec, nil
}

func (s *RedisStore) Remove(ctx context.Context, name string) error {
	rec, err := s.Lookup(ctx, name)
	if err != nil {
		return err
	}
	if err := removePaths(rec); err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(rec.Name))
		pipe.SRem(ctx, s.indexKey(), rec.Name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: delete record %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Record, error) {
	names, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	sort.Strings(names)

	recs := make([]*Record, 0, len(names))
	for _, name := range names {
		rec, err := s.Lookup(ctx, name)
		if errors.Is(err, ErrNotInstalled) {
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
