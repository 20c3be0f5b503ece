package eventstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/stageflow/model"
)

// Schema creates the tables used by PgStore. The primary key on
// (aggregate_id, version) is what makes a lost race fail instead of
// forking a stream.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_events (
	aggregate_id   TEXT        NOT NULL,
	version        BIGINT      NOT NULL CHECK (version > 0),
	id             TEXT        NOT NULL UNIQUE,
	aggregate_type TEXT        NOT NULL,
	event_type     TEXT        NOT NULL,
	payload        JSONB,
	actor_id       TEXT        NOT NULL,
	correlation_id TEXT        NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS workflow_events_type_idx ON workflow_events (aggregate_type, created_at);

CREATE TABLE IF NOT EXISTS workflow_snapshots (
	aggregate_id TEXT        PRIMARY KEY,
	version      BIGINT      NOT NULL,
	state        JSONB       NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);`

const pgUniqueViolation = "23505"

// PgStore is a PostgreSQL-backed EventStore using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL event store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the event and snapshot tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return model.NewPersistenceError("migrate event store", err)
	}
	return nil
}

// HealthCheck pings the connection pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append inserts events in one transaction after checking the head version.
func (s *PgStore) Append(ctx context.Context, aggregateID string, expectedVersion int64, events ...model.WorkflowEvent) (int64, error) {
	prepared, err := prepare(aggregateID, expectedVersion, events)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, model.NewPersistenceError("begin append", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var head int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&head)
	if err != nil {
		return 0, model.NewPersistenceError("read stream head", err)
	}
	if head != expectedVersion {
		return 0, model.NewVersionConflictError(aggregateID, expectedVersion, head)
	}

	batch := &pgx.Batch{}
	for _, ev := range prepared {
		batch.Queue(`
			INSERT INTO workflow_events (
				aggregate_id, version, id, aggregate_type, event_type,
				payload, actor_id, correlation_id, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ev.AggregateID, ev.Version, ev.ID, ev.AggregateType, string(ev.Type),
			nullableJSON(ev.Payload), ev.ActorID, ev.CorrelationID, ev.Timestamp,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, model.NewVersionConflictError(aggregateID, expectedVersion, expectedVersion+1)
		}
		return 0, model.NewPersistenceError("insert events", err)
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, model.NewVersionConflictError(aggregateID, expectedVersion, expectedVersion+1)
		}
		return 0, model.NewPersistenceError("commit append", err)
	}
	return headOf(prepared), nil
}

// ReadStream returns the events with version >= fromVersion.
func (s *PgStore) ReadStream(ctx context.Context, aggregateID string, fromVersion int64) ([]model.WorkflowEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT aggregate_id, version, id, aggregate_type, event_type,
		       payload, actor_id, correlation_id, created_at
		FROM workflow_events
		WHERE aggregate_id = $1 AND version >= $2
		ORDER BY version ASC`,
		aggregateID, fromVersion,
	)
	if err != nil {
		return nil, model.NewPersistenceError("query stream", err)
	}
	return scanEvents(rows)
}

// Version returns the head version of an aggregate.
func (s *PgStore) Version(ctx context.Context, aggregateID string) (int64, error) {
	var head int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&head)
	if err != nil {
		return 0, model.NewPersistenceError("read stream head", err)
	}
	return head, nil
}

// Aggregates lists aggregate ids of a type.
func (s *PgStore) Aggregates(ctx context.Context, aggregateType string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT aggregate_id FROM workflow_events
		WHERE aggregate_type = $1
		ORDER BY aggregate_id`,
		aggregateType,
	)
	if err != nil {
		return nil, model.NewPersistenceError("query aggregates", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, model.NewPersistenceError("scan aggregates", err)
	}
	return ids, nil
}

// ReadAll returns every event of an aggregate type.
func (s *PgStore) ReadAll(ctx context.Context, aggregateType string) ([]model.WorkflowEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT aggregate_id, version, id, aggregate_type, event_type,
		       payload, actor_id, correlation_id, created_at
		FROM workflow_events
		WHERE aggregate_type = $1
		ORDER BY created_at ASC, aggregate_id ASC, version ASC`,
		aggregateType,
	)
	if err != nil {
		return nil, model.NewPersistenceError("query events", err)
	}
	return scanEvents(rows)
}

// SaveSnapshot upserts a snapshot unless a newer one is stored.
func (s *PgStore) SaveSnapshot(ctx context.Context, snap model.WorkflowSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_snapshots (aggregate_id, version, state, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (aggregate_id) DO UPDATE
		SET version = EXCLUDED.version, state = EXCLUDED.state, created_at = EXCLUDED.created_at
		WHERE workflow_snapshots.version < EXCLUDED.version`,
		snap.AggregateID, snap.Version, []byte(snap.State), snap.CreatedAt,
	)
	if err != nil {
		return model.NewPersistenceError("save snapshot", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot of an aggregate.
func (s *PgStore) LoadSnapshot(ctx context.Context, aggregateID string) (model.WorkflowSnapshot, bool, error) {
	var snap model.WorkflowSnapshot
	var state []byte
	err := s.pool.QueryRow(ctx, `
		SELECT aggregate_id, version, state, created_at
		FROM workflow_snapshots WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&snap.AggregateID, &snap.Version, &state, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowSnapshot{}, false, nil
	}
	if err != nil {
		return model.WorkflowSnapshot{}, false, model.NewPersistenceError("load snapshot", err)
	}
	snap.State = state
	return snap, true, nil
}

func scanEvents(rows pgx.Rows) ([]model.WorkflowEvent, error) {
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var ev model.WorkflowEvent
		var eventType string
		var payload []byte
		if err := rows.Scan(
			&ev.AggregateID, &ev.Version, &ev.ID, &ev.AggregateType, &eventType,
			&payload, &ev.ActorID, &ev.CorrelationID, &ev.Timestamp,
		); err != nil {
			return nil, model.NewPersistenceError("scan event", err)
		}
		ev.Type = model.EventType(eventType)
		ev.Payload = payload
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewPersistenceError("iterate events", err)
	}
	return events, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
