package nvs

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// RedisConfig holds Redis engine configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Capacity int
}

// RedisEngine keeps each namespace in one hash under Prefix. It lets a
// simulated device share its store with bench tooling.
type RedisEngine struct {
	client   *redis.Client
	prefix   string
	capacity int
}

// NewRedisEngine connects to Redis and verifies the connection
func NewRedisEngine(cfg RedisConfig) (*RedisEngine, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "smart-clock:nvs"
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to connect to Redis: %v", ErrStoreUnavailable, err)
	}

	return &RedisEngine{
		client:   client,
		prefix:   cfg.Prefix,
		capacity: cfg.Capacity,
	}, nil
}

func (e *RedisEngine) metaKey() string {
	return e.prefix + ":meta"
}

func (e *RedisEngine) namespaceKey(namespace string) string {
	return e.prefix + ":ns:" + namespace
}

// Check stamps a fresh store and validates version and capacity
func (e *RedisEngine) Check(ctx context.Context) error {
	raw, err := e.client.HGet(ctx, e.metaKey(), "format_version").Result()
	switch {
	case errors.Is(err, redis.Nil):
		if err := e.client.HSet(ctx, e.metaKey(), "format_version", FormatVersion).Err(); err != nil {
			return fmt.Errorf("%w: failed to stamp format version: %v", ErrStoreUnavailable, err)
		}
	case err != nil:
		return fmt.Errorf("%w: failed to read format version: %v", ErrStoreUnavailable, err)
	default:
		version, convErr := strconv.Atoi(raw)
		if convErr != nil || version != FormatVersion {
			return fmt.Errorf("%w: found %q, want %d", ErrNewVersionFound, raw, FormatVersion)
		}
	}

	count, err := e.Count(ctx)
	if err != nil {
		return err
	}
	if count > e.capacity {
		return fmt.Errorf("%w: %d entries exceed capacity %d", ErrNoFreePages, count, e.capacity)
	}
	return nil
}

// Get returns a committed entry. Values are stored as one type byte followed by the payload.
func (e *RedisEngine) Get(ctx context.Context, namespace, key string) (Entry, error) {
	raw, err := e.client.HGet(ctx, e.namespaceKey(namespace), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to get %s/%s: %w", namespace, key, err)
	}
	if len(raw) == 0 {
		return Entry{}, fmt.Errorf("%w: empty record for %s/%s", ErrStoreCorrupt, namespace, key)
	}
	return Entry{
		Key:   key,
		Type:  EntryType(raw[0]),
		Value: raw[1:],
	}, nil
}

// Apply writes entries in a MULTI/EXEC block
func (e *RedisEngine) Apply(ctx context.Context, namespace string, entries []Entry) error {
	hash := e.namespaceKey(namespace)

	count, err := e.Count(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		exists, err := e.client.HExists(ctx, hash, entry.Key).Result()
		if err != nil {
			return fmt.Errorf("failed to check %s/%s: %w", namespace, entry.Key, err)
		}
		switch {
		case entry.Deleted && exists:
			count--
		case !entry.Deleted && !exists:
			count++
		}
	}
	if count > e.capacity {
		return fmt.Errorf("%w: commit needs %d entries, capacity is %d", ErrNoSpace, count, e.capacity)
	}

	_, err = e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, entry := range entries {
			if entry.Deleted {
				pipe.HDel(ctx, hash, entry.Key)
				continue
			}
			record := make([]byte, 0, len(entry.Value)+1)
			record = append(record, byte(entry.Type))
			record = append(record, entry.Value...)
			pipe.HSet(ctx, hash, entry.Key, record)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply %d entries to %s: %w", len(entries), namespace, err)
	}
	return nil
}

// Count sums the sizes of all namespace hashes
func (e *RedisEngine) Count(ctx context.Context) (int, error) {
	total := 0
	iter := e.client.Scan(ctx, 0, e.prefix+":ns:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := e.client.HLen(ctx, iter.Val()).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to size %s: %w", iter.Val(), err)
		}
		total += int(n)
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan namespaces: %w", err)
	}
	return total, nil
}

// Erase deletes every key under the prefix
func (e *RedisEngine) Erase(ctx context.Context) error {
	iter := e.client.Scan(ctx, 0, e.prefix+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: failed to scan keys: %v", ErrStoreUnavailable, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := e.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: failed to delete keys: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the Redis connection
func (e *RedisEngine) Close() error {
	return e.client.Close()
}
