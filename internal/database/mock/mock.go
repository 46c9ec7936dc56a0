// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/kozaktomas/reid-catalog/internal/database"
)

// MockBackend is a mock implementation of database.Backend
type MockBackend struct {
	mu     sync.RWMutex
	rows   map[int64]database.StoredRow
	closed bool

	// Error injection
	LoadRowsError        error
	CountRowsError       error
	CountIdentitiesError error
	SaveRowsError        error

	// SaveCalls counts SaveRows invocations
	SaveCalls int
}

// NewMockBackend creates a new mock backend
func NewMockBackend() *MockBackend {
	return &MockBackend{
		rows: make(map[int64]database.StoredRow),
	}
}

// AddRow adds a row to the mock store
func (m *MockBackend) AddRow(row database.StoredRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.RowIndex] = row
}

// LoadRows returns every row ordered by row index
func (m *MockBackend) LoadRows(ctx context.Context) ([]database.StoredRow, error) {
	if m.LoadRowsError != nil {
		return nil, m.LoadRowsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]database.StoredRow, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b database.StoredRow) int {
		return int(a.RowIndex - b.RowIndex)
	})
	return out, nil
}

// CountRows returns the number of rows
func (m *MockBackend) CountRows(ctx context.Context) (int, error) {
	if m.CountRowsError != nil {
		return 0, m.CountRowsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows), nil
}

// CountIdentities returns the number of distinct identities
func (m *MockBackend) CountIdentities(ctx context.Context) (int, error) {
	if m.CountIdentitiesError != nil {
		return 0, m.CountIdentitiesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make(map[int64]struct{})
	for _, r := range m.rows {
		ids[r.IdentityID] = struct{}{}
	}
	return len(ids), nil
}

// SaveRows stores rows, skipping row indices already present
func (m *MockBackend) SaveRows(ctx context.Context, rows []database.StoredRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCalls++
	if m.SaveRowsError != nil {
		return m.SaveRowsError
	}
	for _, r := range rows {
		if _, ok := m.rows[r.RowIndex]; ok {
			continue
		}
		m.rows[r.RowIndex] = r
	}
	return nil
}

// Close marks the backend closed
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called
func (m *MockBackend) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Compile-time interface check
var _ database.Backend = (*MockBackend)(nil)
