package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/reid-catalog/internal/database"
)

// CatalogRepository implements database.Backend for PostgreSQL.
type CatalogRepository struct {
	pool *Pool
}

// NewCatalogRepository creates a repository on an open pool.
func NewCatalogRepository(pool *Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// LoadRows returns every row ordered by row index.
func (r *CatalogRepository) LoadRows(ctx context.Context) ([]database.StoredRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT row_index, identity_id, embedding, created_at
		FROM identity_features
		ORDER BY row_index
	`)
	if err != nil {
		return nil, fmt.Errorf("query identity features: %w", err)
	}
	defer rows.Close()

	var out []database.StoredRow
	for rows.Next() {
		var row database.StoredRow
		var vec pgvector.Vector
		if err := rows.Scan(&row.RowIndex, &row.IdentityID, &vec, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan identity feature: %w", err)
		}
		row.Embedding = vec.Slice()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity features: %w", err)
	}
	return out, nil
}

// CountRows returns the number of stored rows.
func (r *CatalogRepository) CountRows(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM identity_features").Scan(&n); err != nil {
		return 0, fmt.Errorf("count identity features: %w", err)
	}
	return n, nil
}

// CountIdentities returns the number of stored identities.
func (r *CatalogRepository) CountIdentities(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM identities").Scan(&n); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return n, nil
}

// SaveRows inserts rows and their identities in one transaction.
func (r *CatalogRepository) SaveRows(ctx context.Context, rows []database.StoredRow) error {
	if len(rows) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.IdentityID)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO identities (id)
		SELECT unnest($1::bigint[])
		ON CONFLICT (id) DO NOTHING
	`, pq.Array(ids)); err != nil {
		return fmt.Errorf("insert identities: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO identity_features (row_index, identity_id, embedding, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (row_index) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare feature insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		createdAt := row.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, row.RowIndex, row.IdentityID, pgvector.NewVector(row.Embedding), createdAt); err != nil {
			return fmt.Errorf("insert feature row %d: %w", row.RowIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit feature rows: %w", err)
	}
	return nil
}

// NearestIdentities returns identities ordered by the cosine distance of their closest row.
func (r *CatalogRepository) NearestIdentities(ctx context.Context, embedding []float32, limit int) ([]database.Neighbor, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (identity_id) row_index, identity_id, embedding <=> $1 AS distance
		FROM identity_features
		ORDER BY identity_id, distance
	`, pgvector.NewVector(embedding))
	if err != nil {
		return nil, fmt.Errorf("query nearest identities: %w", err)
	}
	defer rows.Close()

	var out []database.Neighbor
	for rows.Next() {
		var n database.Neighbor
		if err := rows.Scan(&n.RowIndex, &n.IdentityID, &n.Distance); err != nil {
			return nil, fmt.Errorf("scan nearest identity: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest identities: %w", err)
	}
	slices.SortStableFunc(out, func(a, b database.Neighbor) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close closes the connection pool.
func (r *CatalogRepository) Close() error {
	return r.pool.Close()
}

var _ database.Backend = (*CatalogRepository)(nil)
