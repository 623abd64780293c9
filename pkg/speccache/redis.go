// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package speccache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// DefaultKeyPrefix namespaces all keys written by RedisStore.
const DefaultKeyPrefix = "openapi-discovery:"

// RedisOptions configure the connection of a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// ConnectTimeout bounds the initial ping retries.
	ConnectTimeout time.Duration
}

// NewRedisClient connects to Redis and pings it with exponential backoff
// until ConnectTimeout expires.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	logger := log.FromContext(ctx).WithValues("addr", opts.Addr)
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := 0
	var lastErr error
	backoff := wait.Backoff{Duration: 500 * time.Millisecond, Factor: 2, Jitter: 0.1, Steps: 32, Cap: 5 * time.Second}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempts++
		if lastErr = client.Ping(ctx).Err(); lastErr != nil {
			logger.Info("redis connection failed, retrying", "attempt", attempts, "error", lastErr.Error())
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		_ = client.Close()
		if lastErr != nil {
			err = lastErr
		}
		return nil, fmt.Errorf("redis unavailable at %s after %d attempts: %w", opts.Addr, attempts, err)
	}
	logger.Info("connected to redis", "attempts", attempts)
	return client, nil
}

// redisEntry is the stored form of an Entry. Body and metadata travel in one
// value so a single SET replaces both.
type redisEntry struct {
	Entry
	Body []byte `json:"body"`
}

// RedisStore keeps every entry under its own key and tracks the names in a set.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = &RedisStore{}

// NewRedisStore returns a store using client. An empty prefix selects DefaultKeyPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) entryKey(name string) string {
	return s.prefix + "spec:" + name
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "specs"
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, name string, entry Entry) error {
	if name == "" {
		return errors.New("spec cache entry needs a name")
	}
	entry.Name = name
	entry.ContentHash = Hash(entry.Body)
	data, err := json.Marshal(redisEntry{Entry: entry, Body: entry.Body})
	if err != nil {
		return fmt.Errorf("unable to encode entry %s: %w", name, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(name), data, 0)
	pipe.SAdd(ctx, s.indexKey(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save entry %s: %w", name, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, name string) (Entry, error) {
	data, err := s.client.Get(ctx, s.entryKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to get entry %s: %w", name, err)
	}

	var stored redisEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return Entry{}, fmt.Errorf("unable to decode entry %s: %w", name, err)
	}
	entry := stored.Entry
	entry.Body = stored.Body
	if Hash(entry.Body) != entry.ContentHash {
		return Entry{}, fmt.Errorf("%w: body of %s does not match its metadata", ErrTornEntry, name)
	}
	return entry, nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, name string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.entryKey(name))
	pipe.SRem(ctx, s.indexKey(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove entry %s: %w", name, err)
	}
	return nil
}
