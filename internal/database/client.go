package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/bencyrus/chatterbox/batcher/internal/types"
)

const schema = `
create table if not exists batches (
	id        uuid primary key,
	type      text not null,
	author    text not null,
	created   timestamptz not null,
	completed timestamptz,
	records   jsonb not null default '[]'::jsonb
);
create index if not exists batches_incomplete_idx on batches (type, created) where completed is null;
`

// Client wraps a sql.DB holding the batches table.
type Client struct {
	db *sql.DB
}

func NewClient(databaseURL string) (*Client, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

// EnsureSchema creates the batches table and its partial index when missing
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// RetrieveBatches returns batches matching filter, ordered by sort.
// A limit of 0 returns every matching row.
func (c *Client) RetrieveBatches(ctx context.Context, filter types.BatchFilter, skip, limit int, sort types.BatchSort) ([]*types.Batch, error) {
	query, args, err := buildRetrieveQuery(filter, skip, limit, sort)
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve batches: %w", err)
	}
	defer rows.Close()

	batches := []*types.Batch{}
	for rows.Next() {
		var (
			batch     types.Batch
			completed sql.NullTime
			records   []byte
		)
		if err := rows.Scan(&batch.ID, &batch.Type, &batch.Author, &batch.Created, &completed, &records); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			batch.Completed = &t
		}
		if err := json.Unmarshal(records, &batch.Records); err != nil {
			return nil, fmt.Errorf("failed to unmarshal records of batch %s: %w", batch.ID, err)
		}
		batches = append(batches, &batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batches: %w", err)
	}
	return batches, nil
}

// UpsertBatch inserts the batch or replaces its records
func (c *Client) UpsertBatch(ctx context.Context, batch *types.Batch) error {
	records, err := json.Marshal(batch.Records)
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	const query = `
		insert into batches (id, type, author, created, completed, records)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (id) do update set
			records = excluded.records,
			completed = excluded.completed`

	var completed sql.NullTime
	if batch.Completed != nil {
		completed = sql.NullTime{Time: *batch.Completed, Valid: true}
	}
	if _, err := c.db.ExecContext(ctx, query, batch.ID, batch.Type, batch.Author, batch.Created, completed, records); err != nil {
		return fmt.Errorf("failed to upsert batch %s: %w", batch.ID, err)
	}
	return nil
}

// CompleteBatch stamps the batch as handed off
func (c *Client) CompleteBatch(ctx context.Context, id uuid.UUID, completed time.Time) error {
	const query = `update batches set completed = $2 where id = $1`
	res, err := c.db.ExecContext(ctx, query, id, completed)
	if err != nil {
		return fmt.Errorf("failed to complete batch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete batch %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to complete batch %s: not found", id)
	}
	return nil
}

var sortColumns = map[string]string{
	types.SortByCreated: "created",
	types.SortByID:      "id",
}

func buildRetrieveQuery(filter types.BatchFilter, skip, limit int, sort types.BatchSort) (string, []any, error) {
	if skip < 0 || limit < 0 {
		return "", nil, fmt.Errorf("invalid pagination: skip=%d limit=%d", skip, limit)
	}

	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Author != "" {
		args = append(args, filter.Author)
		where = append(where, fmt.Sprintf("author = $%d", len(args)))
	}
	if filter.Incomplete {
		where = append(where, "completed is null")
	}

	var b strings.Builder
	b.WriteString("select id, type, author, created, completed, records from batches")
	if len(where) > 0 {
		b.WriteString(" where ")
		b.WriteString(strings.Join(where, " and "))
	}

	field := sort.Field
	if field == "" {
		field = types.SortByCreated
	}
	column, ok := sortColumns[field]
	if !ok {
		return "", nil, fmt.Errorf("unsupported sort field: %s", sort.Field)
	}
	direction := "asc"
	if sort.Descending {
		direction = "desc"
	}
	// id breaks ties so equal timestamps replay in a stable order
	fmt.Fprintf(&b, " order by %s %s, id %s", column, direction, direction)

	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&b, " limit $%d", len(args))
	}
	if skip > 0 {
		args = append(args, skip)
		fmt.Fprintf(&b, " offset $%d", len(args))
	}
	return b.String(), args, nil
}
