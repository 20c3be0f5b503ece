// Package workitem holds the externally owned work requests the workflow
// core reads priority and capacity signals from.
package workitem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/stageflow/model"
)

// Repository stores work items.
type Repository interface {
	// Get returns the work item with the given id or NOT_FOUND.
	Get(ctx context.Context, id string) (model.WorkItem, error)
	// Save inserts or replaces a work item.
	Save(ctx context.Context, item model.WorkItem) error
	// List returns the work items of a scope, all scopes when scope is "".
	List(ctx context.Context, scope string) ([]model.WorkItem, error)
}

// MemoryRepository is an in-memory Repository for testing.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[string]model.WorkItem
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(items ...model.WorkItem) *MemoryRepository {
	r := &MemoryRepository{items: make(map[string]model.WorkItem, len(items))}
	for _, it := range items {
		r.items[it.ID] = it
	}
	return r
}

// Get returns a work item by id.
func (r *MemoryRepository) Get(_ context.Context, id string) (model.WorkItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	it, ok := r.items[id]
	if !ok {
		return model.WorkItem{}, model.NewNotFoundError(fmt.Sprintf("work item %q not found", id))
	}
	return it, nil
}

// Save inserts or replaces a work item.
func (r *MemoryRepository) Save(_ context.Context, item model.WorkItem) error {
	if item.ID == "" {
		return model.NewBadRequestError("work item id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.ID] = item
	return nil
}

// List returns work items ordered by creation time.
func (r *MemoryRepository) List(_ context.Context, scope string) ([]model.WorkItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.WorkItem
	for _, it := range r.items {
		if scope != "" && it.Scope != scope {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
