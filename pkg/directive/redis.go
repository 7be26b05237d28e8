package directive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drove/pkg/transport"
)

// RedisRegistry is a Registry shared by every process of an instance.
//
// The envelope of a directive is a string at drove:{instance}:directive:{key} and its
// values a list at drove:{instance}:directive:{key}:values. Multi-key operations run in
// MULTI/EXEC transactions.
type RedisRegistry struct {
	rdb          *redis.Client
	instanceName string
	ttl          time.Duration
}

// NewRedisRegistry creates a registry namespaced by instanceName.
// Entries expire after ttl; a ttl of 0 keeps them until removed.
func NewRedisRegistry(rdb *redis.Client, instanceName string, ttl time.Duration) (*RedisRegistry, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &RedisRegistry{rdb: rdb, instanceName: instanceName, ttl: ttl}, nil
}

func (r *RedisRegistry) keys(key string) (string, string) {
	return transport.DirectiveKey(r.instanceName, key), transport.DirectiveValuesKey(r.instanceName, key)
}

func (r *RedisRegistry) Save(ctx context.Context, key string, entry Entry) error {
	envelopeKey, valuesKey := r.keys(key)

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, envelopeKey, entry.Envelope, r.ttl)
		pipe.Del(ctx, valuesKey)
		if len(entry.Values) > 0 {
			values := make([]interface{}, len(entry.Values))
			for i, v := range entry.Values {
				values[i] = v
			}
			pipe.RPush(ctx, valuesKey, values...)
			if r.ttl > 0 {
				pipe.Expire(ctx, valuesKey, r.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write directive to Redis: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, key string) (Entry, error) {
	envelopeKey, valuesKey := r.keys(key)

	var (
		getCmd   *redis.StringCmd
		rangeCmd *redis.StringSliceCmd
	)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		getCmd = pipe.Get(ctx, envelopeKey)
		rangeCmd = pipe.LRange(ctx, valuesKey, 0, -1)
		return nil
	})
	return r.entry(key, getCmd, rangeCmd, err)
}

func (r *RedisRegistry) Remove(ctx context.Context, key string) (Entry, error) {
	envelopeKey, valuesKey := r.keys(key)

	var (
		getCmd   *redis.StringCmd
		rangeCmd *redis.StringSliceCmd
	)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		getCmd = pipe.Get(ctx, envelopeKey)
		rangeCmd = pipe.LRange(ctx, valuesKey, 0, -1)
		pipe.Del(ctx, envelopeKey, valuesKey)
		return nil
	})
	return r.entry(key, getCmd, rangeCmd, err)
}

func (r *RedisRegistry) entry(key string, getCmd *redis.StringCmd, rangeCmd *redis.StringSliceCmd, err error) (Entry, error) {
	if err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, fmt.Errorf("failed to read directive from Redis: %w", err)
	}

	envelope, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read directive from Redis: %w", err)
	}

	raws, err := rangeCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, fmt.Errorf("failed to read directive values from Redis: %w", err)
	}

	entry := Entry{Envelope: envelope}
	if len(raws) > 0 {
		entry.Values = make([][]byte, len(raws))
		for i, raw := range raws {
			entry.Values[i] = []byte(raw)
		}
	}
	return entry, nil
}

func (r *RedisRegistry) Pop(ctx context.Context, key string) ([]byte, bool, error) {
	envelopeKey, valuesKey := r.keys(key)

	value, err := r.rdb.LPop(ctx, valuesKey).Bytes()
	if err == nil {
		return value, true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("failed to pop directive value from Redis: %w", err)
	}

	exists, err := r.rdb.Exists(ctx, envelopeKey).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to check directive existence: %w", err)
	}
	if exists == 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil, false, nil
}
