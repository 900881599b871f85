package tagstore

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps one hash per container at <prefix>tags:<id> and the set of ids at
// <prefix>containers.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func OpenRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if prefix == "" {
		prefix = "stashcraft:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) key(id string) string { return s.prefix + "tags:" + id }
func (s *RedisStore) index() string        { return s.prefix + "containers" }

func (s *RedisStore) Load(ctx context.Context) (map[string]map[string]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.index()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string, len(ids))
	for _, id := range ids {
		m, err := s.rdb.HGetAll(ctx, s.key(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("container %s: %w", id, err)
		}
		if len(m) > 0 {
			out[id] = m
		}
	}
	return out, nil
}

func (s *RedisStore) Save(ctx context.Context, containerID string, tags map[string]string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key(containerID))
		if len(tags) > 0 {
			fields := make(map[string]interface{}, len(tags))
			for k, v := range tags {
				fields[k] = v
			}
			p.HSet(ctx, s.key(containerID), fields)
			p.SAdd(ctx, s.index(), containerID)
		} else {
			p.SRem(ctx, s.index(), containerID)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, containerID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key(containerID))
		p.SRem(ctx, s.index(), containerID)
		return nil
	})
	return err
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
