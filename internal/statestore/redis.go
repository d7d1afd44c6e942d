package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the remote-KV backend, adapted from the teacher's
// internal/infra/redis_adapter.go: a hash per source (HSET source_id key
// value) plus a set of known source ids for ListSources.
type Redis struct {
	rdb *redis.Client
}

const sourcesSetKey = "helvault:state:sources"

func sourceHashKey(sourceID string) string { return "helvault:state:" + sourceID }

// NewRedis connects to addr and verifies connectivity with a ping, matching
// the teacher's connect-then-ping pattern.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, wrapErr("redis", fmt.Errorf("ping %s: %w", addr, err))
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Get(ctx context.Context, sourceID, key string) (string, bool, error) {
	val, err := r.rdb.HGet(ctx, sourceHashKey(sourceID), key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("redis", err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, sourceID, key, value string) error {
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, sourceHashKey(sourceID), key, value)
	pipe.SAdd(ctx, sourcesSetKey, sourceID)
	_, err := pipe.Exec(ctx)
	return wrapErr("redis", err)
}

func (r *Redis) ListKeys(ctx context.Context, sourceID string) ([]string, error) {
	keys, err := r.rdb.HKeys(ctx, sourceHashKey(sourceID)).Result()
	if err != nil {
		return nil, wrapErr("redis", err)
	}
	return keys, nil
}

func (r *Redis) ListSources(ctx context.Context) ([]string, error) {
	sources, err := r.rdb.SMembers(ctx, sourcesSetKey).Result()
	if err != nil {
		return nil, wrapErr("redis", err)
	}
	return sources, nil
}

func (r *Redis) ClearSource(ctx context.Context, sourceID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, sourceHashKey(sourceID))
	pipe.SRem(ctx, sourcesSetKey, sourceID)
	_, err := pipe.Exec(ctx)
	return wrapErr("redis", err)
}

func (r *Redis) Close() error { return r.rdb.Close() }
