// Package redis implements the control-state store on Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/santarrsgrotto/readarr-server/internal/store"
)

const maxUpdateRetries = 5

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Connect creates a client and checks the connection.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// KVStore implements store.KV with one Redis string per control key.
type KVStore struct {
	client redis.UniversalClient
	prefix string
}

// NewKVStore namespaces every key with prefix.
func NewKVStore(client redis.UniversalClient, prefix string) *KVStore {
	return &KVStore{client: client, prefix: prefix}
}

// Get returns the value stored at key.
func (s *KVStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return json.RawMessage(data), nil
}

// Set stores value at key without expiry.
func (s *KVStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := s.client.Set(ctx, s.prefix+key, []byte(value), 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Update watches keys, applies fn and commits the writes in MULTI/EXEC. A
// concurrent modification of a watched key retries the whole update.
func (s *KVStore) Update(ctx context.Context, keys []string, fn store.UpdateFunc) error {
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = s.prefix + key
	}
	txf := func(tx *redis.Tx) error {
		current := make(map[string]json.RawMessage, len(keys))
		if len(full) > 0 {
			values, err := tx.MGet(ctx, full...).Result()
			if err != nil {
				return fmt.Errorf("redis mget: %w", err)
			}
			for i, value := range values {
				if str, ok := value.(string); ok {
					current[keys[i]] = json.RawMessage(str)
				}
			}
		}
		writes, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for key, value := range writes {
				pipe.Set(ctx, s.prefix+key, []byte(value), 0)
			}
			return nil
		})
		return err
	}
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, full...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis update: %w", err)
		}
		return nil
	}
	return fmt.Errorf("redis update: %w", redis.TxFailedErr)
}

// Ping checks the Redis connection.
func (s *KVStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
