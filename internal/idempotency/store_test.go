package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/stageflow/model"
)

func testResponse() Response {
	return Response{Status: 200, Body: json.RawMessage(`{"status":"advanced","state":{"current_stage":"Review"}}`)}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore(time.Minute) },
		"redis": func(t *testing.T) Store {
			s, _ := newRedisStore(t)
			return s
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := FormatKey("ravi", "/v1/work-items/wi-1/advance", "k1")

			t.Run("not found", func(t *testing.T) {
				resp, found, err := newStore(t).Check(ctx, key, "hash-a")
				if err != nil || found || resp != nil {
					t.Errorf("Check() = %v, %v, %v", resp, found, err)
				}
			})

			t.Run("replay", func(t *testing.T) {
				s := newStore(t)
				if err := s.Store(ctx, key, "hash-a", testResponse(), time.Minute); err != nil {
					t.Fatalf("Store() error = %v", err)
				}
				resp, found, err := s.Check(ctx, key, "hash-a")
				if err != nil || !found {
					t.Fatalf("Check() = %v, %v", found, err)
				}
				if resp.Status != 200 || string(resp.Body) != string(testResponse().Body) {
					t.Errorf("response = %d %s", resp.Status, resp.Body)
				}
			})

			t.Run("conflict", func(t *testing.T) {
				s := newStore(t)
				if err := s.Store(ctx, key, "hash-a", testResponse(), time.Minute); err != nil {
					t.Fatalf("Store() error = %v", err)
				}
				_, found, err := s.Check(ctx, key, "hash-b")
				if !found {
					t.Error("found = false, want true")
				}
				if !model.IsCode(err, model.ErrIdempotencyConflict) {
					t.Errorf("err = %v, want %s", err, model.ErrIdempotencyConflict)
				}
			})

			t.Run("keys are independent", func(t *testing.T) {
				s := newStore(t)
				if err := s.Store(ctx, key, "hash-a", testResponse(), time.Minute); err != nil {
					t.Fatalf("Store() error = %v", err)
				}
				other := FormatKey("fran", "/v1/work-items/wi-1/advance", "k1")
				if _, found, _ := s.Check(ctx, other, "hash-a"); found {
					t.Error("a different actor saw the entry")
				}
			})
		})
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	if err := s.Store(ctx, "k", "h", testResponse(), 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
	time.Sleep(50 * time.Millisecond)

	if _, found, _ := s.Check(ctx, "k", "h"); found {
		t.Error("expired entry still found")
	}
}

func TestRedisStore_Expiry(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	if err := s.Store(ctx, "k", "h", testResponse(), time.Minute); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("k"); ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}
	mr.FastForward(2 * time.Minute)

	if _, found, _ := s.Check(ctx, "k", "h"); found {
		t.Error("expired entry still found")
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()

	if _, _, err := s.Check(context.Background(), "k", "h"); err == nil {
		t.Error("Check() should fail when redis is down")
	}
}
