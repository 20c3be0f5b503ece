package workitem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/stageflow/model"
)

// Schema creates the work_items table used by PgRepository.
const Schema = `
CREATE TABLE IF NOT EXISTS work_items (
	id             TEXT             PRIMARY KEY,
	scope          TEXT             NOT NULL DEFAULT '',
	title          TEXT             NOT NULL DEFAULT '',
	priority_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	business_value DOUBLE PRECISION NOT NULL DEFAULT 0,
	urgency        DOUBLE PRECISION NOT NULL DEFAULT 0,
	capacity       DOUBLE PRECISION NOT NULL DEFAULT 0,
	attributes     JSONB,
	created_at     TIMESTAMPTZ      NOT NULL
);
CREATE INDEX IF NOT EXISTS work_items_scope_idx ON work_items (scope);`

// PgRepository is a PostgreSQL-backed Repository using pgx/v5.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository creates a PostgreSQL work item repository.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Migrate creates the work_items table if it does not exist.
func (r *PgRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return model.NewPersistenceError("migrate work items", err)
	}
	return nil
}

// Get retrieves a work item by id.
func (r *PgRepository) Get(ctx context.Context, id string) (model.WorkItem, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, scope, title, priority_score, business_value, urgency, capacity, attributes, created_at
		FROM work_items WHERE id = $1`, id)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkItem{}, model.NewNotFoundError(fmt.Sprintf("work item %q not found", id))
	}
	if err != nil {
		return model.WorkItem{}, model.NewPersistenceError("query work item", err)
	}
	return it, nil
}

// Save upserts a work item.
func (r *PgRepository) Save(ctx context.Context, it model.WorkItem) error {
	if it.ID == "" {
		return model.NewBadRequestError("work item id is required")
	}
	var attrs []byte
	if len(it.Attributes) > 0 {
		var err error
		if attrs, err = json.Marshal(it.Attributes); err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO work_items (id, scope, title, priority_score, business_value, urgency, capacity, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			scope = EXCLUDED.scope,
			title = EXCLUDED.title,
			priority_score = EXCLUDED.priority_score,
			business_value = EXCLUDED.business_value,
			urgency = EXCLUDED.urgency,
			capacity = EXCLUDED.capacity,
			attributes = EXCLUDED.attributes`,
		it.ID, it.Scope, it.Title, it.PriorityScore, it.BusinessValue, it.Urgency, it.Capacity, attrs, it.CreatedAt,
	)
	if err != nil {
		return model.NewPersistenceError("upsert work item", err)
	}
	return nil
}

// List returns the work items of a scope ordered by creation time.
func (r *PgRepository) List(ctx context.Context, scope string) ([]model.WorkItem, error) {
	query := `SELECT id, scope, title, priority_score, business_value, urgency, capacity, attributes, created_at
	          FROM work_items`
	var args []any
	if scope != "" {
		query += " WHERE scope = $1"
		args = append(args, scope)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.NewPersistenceError("query work items", err)
	}
	defer rows.Close()

	var out []model.WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, model.NewPersistenceError("scan work item", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewPersistenceError("iterate work items", err)
	}
	return out, nil
}

func scanItem(row pgx.Row) (model.WorkItem, error) {
	var it model.WorkItem
	var attrs []byte
	if err := row.Scan(
		&it.ID, &it.Scope, &it.Title, &it.PriorityScore, &it.BusinessValue,
		&it.Urgency, &it.Capacity, &attrs, &it.CreatedAt,
	); err != nil {
		return model.WorkItem{}, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &it.Attributes); err != nil {
			return model.WorkItem{}, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	it.CreatedAt = it.CreatedAt.UTC()
	return it, nil
}
