// Package eventstore is the append-only, versioned log of workflow events.
// Every aggregate owns a stream whose versions start at 1 and have no gaps;
// writers name the version they expect to extend and lose with
// VERSION_CONFLICT when somebody else got there first.
package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/stageflow/model"
)

// TimestampPrecision is the finest event time every backend keeps;
// Postgres TIMESTAMPTZ stores microseconds. Events are truncated to it on
// append so that a folded stream reads back identical from any backend.
const TimestampPrecision = time.Microsecond

// Stamp normalizes t to the stored form of an event timestamp.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}

// Store persists workflow events.
type Store interface {
	// Append writes events after expectedVersion and returns the new head
	// version. Versions and missing ids are assigned by the store. It fails
	// with VERSION_CONFLICT when the stream head is not expectedVersion;
	// nothing is written in that case.
	Append(ctx context.Context, aggregateID string, expectedVersion int64, events ...model.WorkflowEvent) (int64, error)

	// ReadStream returns the events of an aggregate with Version >=
	// fromVersion in version order. An unknown aggregate yields no events.
	ReadStream(ctx context.Context, aggregateID string, fromVersion int64) ([]model.WorkflowEvent, error)

	// Version returns the head version of an aggregate, 0 when empty.
	Version(ctx context.Context, aggregateID string) (int64, error)

	// Aggregates lists the ids of every aggregate of the given type.
	Aggregates(ctx context.Context, aggregateType string) ([]string, error)

	// ReadAll returns every event of the given aggregate type ordered by
	// timestamp, then aggregate and version.
	ReadAll(ctx context.Context, aggregateType string) ([]model.WorkflowEvent, error)
}

// SnapshotStore caches materialized aggregate state. Snapshots are never a
// source of truth.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap model.WorkflowSnapshot) error
	// LoadSnapshot returns the latest snapshot of an aggregate, if any.
	LoadSnapshot(ctx context.Context, aggregateID string) (model.WorkflowSnapshot, bool, error)
}

// EventStore is a Store that also keeps snapshots.
type EventStore interface {
	Store
	SnapshotStore
}

// prepare validates an append request and stamps aggregate id, version, id,
// type and timestamp on each event.
func prepare(aggregateID string, expectedVersion int64, events []model.WorkflowEvent) ([]model.WorkflowEvent, error) {
	if aggregateID == "" {
		return nil, model.NewBadRequestError("aggregate id is required")
	}
	if expectedVersion < 0 {
		return nil, model.NewBadRequestError(fmt.Sprintf("expected version %d is negative", expectedVersion))
	}
	if len(events) == 0 {
		return nil, model.NewBadRequestError("no events to append")
	}

	out := make([]model.WorkflowEvent, len(events))
	now := Stamp(time.Now())
	for i, ev := range events {
		if ev.Type == "" {
			return nil, model.NewBadRequestError(fmt.Sprintf("event %d has no type", i))
		}
		ev.AggregateID = aggregateID
		ev.Version = expectedVersion + int64(i) + 1
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.AggregateType == "" {
			ev.AggregateType = model.AggregateWorkItem
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		} else {
			ev.Timestamp = Stamp(ev.Timestamp)
		}
		out[i] = ev
	}
	return out, nil
}

func headOf(events []model.WorkflowEvent) int64 {
	if n := len(events); n > 0 {
		return events[n-1].Version
	}
	return 0
}

// Recorder receives event store measurements.
type Recorder interface {
	RecordEventsAppended(aggregateType string, n int)
	RecordVersionConflict(aggregateType string)
	RecordStoreError(op string)
}

// Instrumented wraps an EventStore and reports appends, conflicts and
// failures to a Recorder.
type Instrumented struct {
	EventStore
	rec Recorder
}

// WithRecorder decorates store with measurements.
func WithRecorder(store EventStore, rec Recorder) *Instrumented {
	return &Instrumented{EventStore: store, rec: rec}
}

// Append records the outcome of the underlying append.
func (s *Instrumented) Append(ctx context.Context, aggregateID string, expectedVersion int64, events ...model.WorkflowEvent) (int64, error) {
	v, err := s.EventStore.Append(ctx, aggregateID, expectedVersion, events...)
	aggType := model.AggregateWorkItem
	if len(events) > 0 && events[0].AggregateType != "" {
		aggType = events[0].AggregateType
	}
	switch {
	case err == nil:
		s.rec.RecordEventsAppended(aggType, len(events))
	case model.IsCode(err, model.ErrVersionConflict):
		s.rec.RecordVersionConflict(aggType)
	default:
		s.rec.RecordStoreError("append")
	}
	return v, err
}

// ReadStream records failed reads.
func (s *Instrumented) ReadStream(ctx context.Context, aggregateID string, fromVersion int64) ([]model.WorkflowEvent, error) {
	events, err := s.EventStore.ReadStream(ctx, aggregateID, fromVersion)
	if err != nil {
		s.rec.RecordStoreError("read_stream")
	}
	return events, err
}
