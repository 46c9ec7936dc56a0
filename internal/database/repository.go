package database

import (
	"context"
)

// CatalogReader provides read-only access to the persisted feature index
type CatalogReader interface {
	// LoadRows returns every persisted row ordered by row index
	LoadRows(ctx context.Context) ([]StoredRow, error)
	// CountRows returns the total number of rows stored
	CountRows(ctx context.Context) (int, error)
	// CountIdentities returns the number of distinct identities stored
	CountIdentities(ctx context.Context) (int, error)
}

// CatalogWriter provides write access to the persisted feature index
type CatalogWriter interface {
	CatalogReader

	// SaveRows appends rows to the index. Rows whose row index is already
	// stored are skipped, so replaying the same batch is harmless.
	SaveRows(ctx context.Context, rows []StoredRow) error
}

// Backend is a CatalogWriter that owns a connection or file handle.
type Backend interface {
	CatalogWriter

	// Close releases the underlying resources
	Close() error
}
