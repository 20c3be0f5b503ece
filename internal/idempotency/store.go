// Package idempotency remembers the outcome of mutating requests so a client
// retrying with the same Idempotency-Key gets the original reply instead of
// a second transition.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/stageflow/model"
)

// Response is a recorded HTTP reply.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Store deduplicates requests by key.
type Store interface {
	// Check looks up a previous response. A key recorded with a different
	// request hash yields an IDEMPOTENCY_CONFLICT error.
	Check(ctx context.Context, key, requestHash string) (*Response, bool, error)

	// Store records the response for key until ttl passes.
	Store(ctx context.Context, key, requestHash string, resp Response, ttl time.Duration) error
}

type entry struct {
	RequestHash string   `json:"request_hash"`
	Response    Response `json:"response"`
}

func (e entry) match(key, requestHash string) (*Response, bool, error) {
	if e.RequestHash != requestHash {
		return nil, true, model.NewIdempotencyConflictError(key)
	}
	resp := e.Response
	return &resp, true, nil
}

// FormatKey builds the storage key for a client key. Keys are scoped to the
// actor and path so two callers never share a slot.
func FormatKey(actorID, path, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", actorID, path, key)
}

// MemoryStore keeps entries in process.
type MemoryStore struct {
	entries *cache.Cache
}

// NewMemoryStore creates an in-process store; expired entries are swept
// every cleanup interval.
func NewMemoryStore(cleanup time.Duration) *MemoryStore {
	return &MemoryStore{entries: cache.New(cache.NoExpiration, cleanup)}
}

func (s *MemoryStore) Check(_ context.Context, key, requestHash string) (*Response, bool, error) {
	v, ok := s.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.(entry).match(key, requestHash)
}

func (s *MemoryStore) Store(_ context.Context, key, requestHash string, resp Response, ttl time.Duration) error {
	s.entries.Set(key, entry{RequestHash: requestHash, Response: resp}, ttl)
	return nil
}

// Len returns the number of entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	return s.entries.ItemCount()
}

// RedisStore shares entries between replicas.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Check(ctx context.Context, key, requestHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return e.match(key, requestHash)
}

func (s *RedisStore) Store(ctx context.Context, key, requestHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{RequestHash: requestHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
