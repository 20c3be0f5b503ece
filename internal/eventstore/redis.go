package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/stageflow/model"
)

// appendScript extends a stream only if its length equals the expected
// version, so check and write are one atomic step on the server.
//
// KEYS[1] stream list, KEYS[2] aggregate set of the stream's type.
// ARGV[1] expected version, ARGV[2] aggregate id, ARGV[3..] encoded events.
// Returns {1, new_version} on success and {0, head} on conflict.
var appendScript = redis.NewScript(`
local head = redis.call('LLEN', KEYS[1])
if head ~= tonumber(ARGV[1]) then
	return {0, head}
end
for i = 3, #ARGV do
	redis.call('RPUSH', KEYS[1], ARGV[i])
end
redis.call('SADD', KEYS[2], ARGV[2])
return {1, head + #ARGV - 2}
`)

// RedisStore is a Redis-backed EventStore. Each aggregate is a list whose
// element i holds version i+1.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a Redis event store. Keys are namespaced by prefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stageflow"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// HealthCheck pings the Redis server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) streamKey(aggregateID string) string {
	return fmt.Sprintf("%s:stream:%s", s.prefix, aggregateID)
}

func (s *RedisStore) aggregatesKey(aggregateType string) string {
	return fmt.Sprintf("%s:aggregates:%s", s.prefix, aggregateType)
}

func (s *RedisStore) snapshotKey(aggregateID string) string {
	return fmt.Sprintf("%s:snapshot:%s", s.prefix, aggregateID)
}

// Append runs the append script.
func (s *RedisStore) Append(ctx context.Context, aggregateID string, expectedVersion int64, events ...model.WorkflowEvent) (int64, error) {
	prepared, err := prepare(aggregateID, expectedVersion, events)
	if err != nil {
		return 0, err
	}

	args := make([]any, 0, len(prepared)+2)
	args = append(args, expectedVersion, aggregateID)
	for _, ev := range prepared {
		data, err := json.Marshal(ev)
		if err != nil {
			return 0, model.NewPersistenceError("encode event", err)
		}
		args = append(args, data)
	}

	keys := []string{s.streamKey(aggregateID), s.aggregatesKey(prepared[0].AggregateType)}
	res, err := appendScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return 0, model.NewPersistenceError("redis append", err)
	}
	if len(res) != 2 {
		return 0, model.NewPersistenceError("redis append", fmt.Errorf("unexpected script reply %v", res))
	}
	if res[0] == 0 {
		return 0, model.NewVersionConflictError(aggregateID, expectedVersion, res[1])
	}
	return res[1], nil
}

// ReadStream returns the events with Version >= fromVersion.
func (s *RedisStore) ReadStream(ctx context.Context, aggregateID string, fromVersion int64) ([]model.WorkflowEvent, error) {
	start := fromVersion - 1
	if start < 0 {
		start = 0
	}
	raw, err := s.client.LRange(ctx, s.streamKey(aggregateID), start, -1).Result()
	if err != nil {
		return nil, model.NewPersistenceError("redis read stream", err)
	}
	return decodeEvents(raw)
}

// Version returns the head version of an aggregate.
func (s *RedisStore) Version(ctx context.Context, aggregateID string) (int64, error) {
	n, err := s.client.LLen(ctx, s.streamKey(aggregateID)).Result()
	if err != nil {
		return 0, model.NewPersistenceError("redis stream length", err)
	}
	return n, nil
}

// Aggregates lists aggregate ids of a type.
func (s *RedisStore) Aggregates(ctx context.Context, aggregateType string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.aggregatesKey(aggregateType)).Result()
	if err != nil {
		return nil, model.NewPersistenceError("redis aggregates", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadAll returns every event of an aggregate type.
func (s *RedisStore) ReadAll(ctx context.Context, aggregateType string) ([]model.WorkflowEvent, error) {
	ids, err := s.Aggregates(ctx, aggregateType)
	if err != nil {
		return nil, err
	}
	var out []model.WorkflowEvent
	for _, id := range ids {
		events, err := s.ReadStream(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	sortEvents(out)
	return out, nil
}

// SaveSnapshot stores snap unless a newer snapshot exists.
func (s *RedisStore) SaveSnapshot(ctx context.Context, snap model.WorkflowSnapshot) error {
	cur, ok, err := s.LoadSnapshot(ctx, snap.AggregateID)
	if err != nil {
		return err
	}
	if ok && cur.Version >= snap.Version {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return model.NewPersistenceError("encode snapshot", err)
	}
	if err := s.client.Set(ctx, s.snapshotKey(snap.AggregateID), data, 0).Err(); err != nil {
		return model.NewPersistenceError("redis save snapshot", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot of an aggregate.
func (s *RedisStore) LoadSnapshot(ctx context.Context, aggregateID string) (model.WorkflowSnapshot, bool, error) {
	raw, err := s.client.Get(ctx, s.snapshotKey(aggregateID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.WorkflowSnapshot{}, false, nil
	}
	if err != nil {
		return model.WorkflowSnapshot{}, false, model.NewPersistenceError("redis load snapshot", err)
	}
	var snap model.WorkflowSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return model.WorkflowSnapshot{}, false, model.NewPersistenceError("decode snapshot", err)
	}
	return snap, true, nil
}

func decodeEvents(raw []string) ([]model.WorkflowEvent, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]model.WorkflowEvent, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal([]byte(r), &out[i]); err != nil {
			return nil, model.NewPersistenceError("decode event", err)
		}
	}
	return out, nil
}
