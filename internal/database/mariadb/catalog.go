package mariadb

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/kozaktomas/reid-catalog/internal/database"
)

// CatalogRepository implements database.Backend for MariaDB.
type CatalogRepository struct {
	pool *Pool
}

// EncodeEmbedding packs an embedding as little-endian float32 values.
func EncodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// DecodeEmbedding reverses EncodeEmbedding.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes, not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// LoadRows returns every row ordered by row index.
func (r *CatalogRepository) LoadRows(ctx context.Context) ([]database.StoredRow, error) {
	rows, err := r.pool.db.QueryContext(ctx, `
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
		var blob []byte
		if err := rows.Scan(&row.RowIndex, &row.IdentityID, &blob, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan identity feature: %w", err)
		}
		if row.Embedding, err = DecodeEmbedding(blob); err != nil {
			return nil, fmt.Errorf("row %d: %w", row.RowIndex, err)
		}
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
	if err := r.pool.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM identity_features").Scan(&n); err != nil {
		return 0, fmt.Errorf("count identity features: %w", err)
	}
	return n, nil
}

// CountIdentities returns the number of stored identities.
func (r *CatalogRepository) CountIdentities(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM identities").Scan(&n); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return n, nil
}

// SaveRows inserts rows and their identities in one transaction.
func (r *CatalogRepository) SaveRows(ctx context.Context, rows []database.StoredRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, `INSERT IGNORE INTO identities (id) VALUES (?)`, row.IdentityID); err != nil {
			return fmt.Errorf("insert identity %d: %w", row.IdentityID, err)
		}
		createdAt := row.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT IGNORE INTO identity_features (row_index, identity_id, embedding, created_at)
			VALUES (?, ?, ?, ?)
		`, row.RowIndex, row.IdentityID, EncodeEmbedding(row.Embedding), createdAt); err != nil {
			return fmt.Errorf("insert feature row %d: %w", row.RowIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit feature rows: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (r *CatalogRepository) Close() error {
	return r.pool.Close()
}

var _ database.Backend = (*CatalogRepository)(nil)
