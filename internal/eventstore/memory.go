package eventstore

import (
	"context"
	"sort"
	"sync"

	"github.com/pitabwire/stageflow/model"
)

// MemoryStore is an in-memory EventStore for tests and single-instance
// deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[string][]model.WorkflowEvent // key: aggregate ID
	types     map[string]string                // aggregate ID -> aggregate type
	snapshots map[string]model.WorkflowSnapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]model.WorkflowEvent),
		types:     make(map[string]string),
		snapshots: make(map[string]model.WorkflowSnapshot),
	}
}

// Append writes events after expectedVersion.
func (s *MemoryStore) Append(_ context.Context, aggregateID string, expectedVersion int64, events ...model.WorkflowEvent) (int64, error) {
	prepared, err := prepare(aggregateID, expectedVersion, events)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[aggregateID]
	if head := headOf(stream); head != expectedVersion {
		return 0, model.NewVersionConflictError(aggregateID, expectedVersion, head)
	}

	s.streams[aggregateID] = append(stream, prepared...)
	if _, ok := s.types[aggregateID]; !ok {
		s.types[aggregateID] = prepared[0].AggregateType
	}
	return headOf(prepared), nil
}

// ReadStream returns the events with Version >= fromVersion.
func (s *MemoryStore) ReadStream(_ context.Context, aggregateID string, fromVersion int64) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[aggregateID]
	start := int(fromVersion - 1)
	if start < 0 {
		start = 0
	}
	if start >= len(stream) {
		return nil, nil
	}
	out := make([]model.WorkflowEvent, len(stream)-start)
	copy(out, stream[start:])
	return out, nil
}

// Version returns the head version of an aggregate.
func (s *MemoryStore) Version(_ context.Context, aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return headOf(s.streams[aggregateID]), nil
}

// Aggregates lists aggregate ids of a type in lexical order.
func (s *MemoryStore) Aggregates(_ context.Context, aggregateType string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, typ := range s.types {
		if typ == aggregateType {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadAll returns every event of an aggregate type.
func (s *MemoryStore) ReadAll(_ context.Context, aggregateType string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WorkflowEvent
	for id, typ := range s.types {
		if typ == aggregateType {
			out = append(out, s.streams[id]...)
		}
	}
	sortEvents(out)
	return out, nil
}

// SaveSnapshot stores snap if it is newer than the stored one.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snap model.WorkflowSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.snapshots[snap.AggregateID]; ok && cur.Version >= snap.Version {
		return nil
	}
	s.snapshots[snap.AggregateID] = snap
	return nil
}

// LoadSnapshot returns the latest snapshot of an aggregate.
func (s *MemoryStore) LoadSnapshot(_ context.Context, aggregateID string) (model.WorkflowSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[aggregateID]
	return snap, ok, nil
}

// Len returns the total number of stored events. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, stream := range s.streams {
		n += len(stream)
	}
	return n
}

func sortEvents(events []model.WorkflowEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.AggregateID != b.AggregateID {
			return a.AggregateID < b.AggregateID
		}
		return a.Version < b.Version
	})
}
