package database

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
	"github.com/kozaktomas/reid-catalog/internal/feature"
)

// ErrRowGap is returned when persisted rows do not form a contiguous 0..n-1 sequence.
var ErrRowGap = errors.New("database: persisted rows are not contiguous")

// StoredRow represents one row of the global feature index stored in the database
type StoredRow struct {
	RowIndex   int64
	IdentityID int64
	Embedding  []float32
	CreatedAt  time.Time
}

// RowsFromChanges converts drained catalog changes into rows ready to persist.
func RowsFromChanges(changes []catalog.Change, now time.Time) []StoredRow {
	rows := make([]StoredRow, len(changes))
	for i, c := range changes {
		rows[i] = StoredRow{
			RowIndex:   int64(c.Row),
			IdentityID: int64(c.IdentityID),
			Embedding:  c.Feature,
			CreatedAt:  now,
		}
	}
	return rows
}

// CatalogRows orders stored rows by row index and converts them for catalog.Restore.
func CatalogRows(rows []StoredRow) ([]catalog.Row, error) {
	sorted := slices.Clone(rows)
	slices.SortFunc(sorted, func(a, b StoredRow) int {
		switch {
		case a.RowIndex < b.RowIndex:
			return -1
		case a.RowIndex > b.RowIndex:
			return 1
		}
		return 0
	})

	out := make([]catalog.Row, len(sorted))
	for i, r := range sorted {
		if r.RowIndex != int64(i) {
			return nil, fmt.Errorf("%w: expected row %d, found %d", ErrRowGap, i, r.RowIndex)
		}
		out[i] = catalog.Row{IdentityID: int(r.IdentityID), Feature: feature.Vector(r.Embedding)}
	}
	return out, nil
}
