package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var storeErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "seasonsync_kvstore_errors_total",
		Help: "Total number of key-value store operation errors",
	},
	[]string{"operation"}, // "upsert", "insert", "get", "query", "delete"
)

// DefaultNamespace prefixes every Redis key written by RedisStore.
const DefaultNamespace = "seasonsync"

// RedisStore implements Store on Redis.
//
// Each table is a hash (key -> JSON) plus a sorted set holding every key with score 0,
// which Redis orders lexicographically and which backs prefix/offset queries.
type RedisStore struct {
	redis     *redis.Client
	namespace string
}

// NewRedisStore creates a store using the given Redis client.
func NewRedisStore(redisClient *redis.Client, namespace string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RedisStore{
		redis:     redisClient,
		namespace: namespace,
	}
}

func (s *RedisStore) dataKey(table string) string {
	return fmt.Sprintf("%s:%s", s.namespace, table)
}

func (s *RedisStore) indexKey(table string) string {
	return fmt.Sprintf("%s:%s:idx", s.namespace, table)
}

// Upsert implements Store.
func (s *RedisStore) Upsert(ctx context.Context, table, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		storeErrors.WithLabelValues("upsert").Inc()
		return fmt.Errorf("marshal %s/%s: %w", table, key, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.dataKey(table), key, data)
		pipe.ZAdd(ctx, s.indexKey(table), redis.Z{Score: 0, Member: key})
		return nil
	})
	if err != nil {
		storeErrors.WithLabelValues("upsert").Inc()
		return fmt.Errorf("redis upsert %s/%s: %w", table, key, err)
	}
	return nil
}

// Insert implements Store.
func (s *RedisStore) Insert(ctx context.Context, table, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		storeErrors.WithLabelValues("insert").Inc()
		return fmt.Errorf("marshal %s/%s: %w", table, key, err)
	}

	created, err := s.redis.HSetNX(ctx, s.dataKey(table), key, data).Result()
	if err != nil {
		storeErrors.WithLabelValues("insert").Inc()
		return fmt.Errorf("redis insert %s/%s: %w", table, key, err)
	}
	if !created {
		return ErrExists
	}

	if err := s.redis.ZAdd(ctx, s.indexKey(table), redis.Z{Score: 0, Member: key}).Err(); err != nil {
		storeErrors.WithLabelValues("insert").Inc()
		return fmt.Errorf("redis index %s/%s: %w", table, key, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, table, key string, dest any) error {
	data, err := s.redis.HGet(ctx, s.dataKey(table), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		storeErrors.WithLabelValues("get").Inc()
		return fmt.Errorf("redis get %s/%s: %w", table, key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		storeErrors.WithLabelValues("get").Inc()
		return fmt.Errorf("decode %s/%s: %w", table, key, err)
	}
	return nil
}

// Query implements Store.
func (s *RedisStore) Query(ctx context.Context, table string, q Query) ([]Entry, error) {
	by := &redis.ZRangeBy{Min: "-", Max: "+"}
	if q.Prefix != "" {
		by.Min = "[" + q.Prefix
		by.Max = "[" + q.Prefix + "\xff"
	}
	if q.Offset > 0 || q.Limit > 0 {
		by.Offset = int64(q.Offset)
		by.Count = -1
		if q.Limit > 0 {
			by.Count = int64(q.Limit)
		}
	}

	keys, err := s.redis.ZRangeByLex(ctx, s.indexKey(table), by).Result()
	if err != nil {
		storeErrors.WithLabelValues("query").Inc()
		return nil, fmt.Errorf("redis query %s: %w", table, err)
	}
	if len(keys) == 0 {
		return []Entry{}, nil
	}

	values, err := s.redis.HMGet(ctx, s.dataKey(table), keys...).Result()
	if err != nil {
		storeErrors.WithLabelValues("query").Inc()
		return nil, fmt.Errorf("redis query values %s: %w", table, err)
	}

	entries := make([]Entry, 0, len(keys))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Deleted between the index read and the value read.
			continue
		}
		entries = append(entries, Entry{Key: keys[i], Value: json.RawMessage(str)})
	}
	return entries, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, table, key string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.dataKey(table), key)
		pipe.ZRem(ctx, s.indexKey(table), key)
		return nil
	})
	if err != nil {
		storeErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis delete %s/%s: %w", table, key, err)
	}
	return nil
}
