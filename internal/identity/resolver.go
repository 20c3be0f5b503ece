package identity

import (
	"context"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/pitabwire/stageflow/model"
)

// Recorder receives role cache measurements.
type Recorder interface {
	RecordIdentityCacheHit()
	RecordIdentityCacheMiss()
}

type nopRecorder struct{}

func (nopRecorder) RecordIdentityCacheHit()  {}
func (nopRecorder) RecordIdentityCacheMiss() {}

// CachedResolver wraps a Resolver with a TTL cache of resolved actors.
// Failed resolutions are not cached.
type CachedResolver struct {
	next     Resolver
	cache    *cache.Cache
	recorder Recorder
}

// NewCachedResolver caches actors resolved by next for ttl.
func NewCachedResolver(next Resolver, ttl time.Duration, rec Recorder) *CachedResolver {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &CachedResolver{
		next:     next,
		cache:    cache.New(ttl, 2*ttl),
		recorder: rec,
	}
}

// Resolve returns the cached actor or resolves it through the wrapped
// Resolver.
func (r *CachedResolver) Resolve(ctx context.Context, actorID string) (model.Actor, error) {
	if v, ok := r.cache.Get(actorID); ok {
		r.recorder.RecordIdentityCacheHit()
		actor := v.(model.Actor)
		actor.Roles = slices.Clone(actor.Roles)
		return actor, nil
	}
	r.recorder.RecordIdentityCacheMiss()

	actor, err := r.next.Resolve(ctx, actorID)
	if err != nil {
		return model.Actor{}, err
	}
	r.cache.SetDefault(actorID, actor)
	return actor, nil
}

// Invalidate drops the cached roles of one actor.
func (r *CachedResolver) Invalidate(actorID string) {
	r.cache.Delete(actorID)
}

// Flush drops every cached actor, for example after the directory reloads.
func (r *CachedResolver) Flush() {
	r.cache.Flush()
}
