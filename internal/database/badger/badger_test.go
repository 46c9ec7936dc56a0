package badger

import (
	"context"
	"testing"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
	"github.com/kozaktomas/reid-catalog/internal/database"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(MemoryDir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadRows(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	rows := []database.StoredRow{
		{RowIndex: 2, IdentityID: 0, Embedding: []float32{0.5, 0.5}},
		{RowIndex: 0, IdentityID: 0, Embedding: []float32{1, 0}},
		{RowIndex: 1, IdentityID: 1, Embedding: []float32{0, 1}},
		// 256 sorts after 255 only with big-endian keys.
		{RowIndex: 256, IdentityID: 1, Embedding: []float32{0, 2}},
	}
	if err := s.SaveRows(ctx, rows); err != nil {
		t.Fatalf("SaveRows: %v", err)
	}

	got, err := s.LoadRows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{0, 1, 2, 256}
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].RowIndex != w {
			t.Errorf("row %d index = %d, want %d", i, got[i].RowIndex, w)
		}
	}
	if got[1].IdentityID != 1 || got[1].Embedding[1] != 1 {
		t.Errorf("row 1 = %+v", got[1])
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestSaveRowsIsIdempotent(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	first := []database.StoredRow{{RowIndex: 0, IdentityID: 0, Embedding: []float32{1}}}
	if err := s.SaveRows(ctx, first); err != nil {
		t.Fatal(err)
	}
	replay := []database.StoredRow{{RowIndex: 0, IdentityID: 5, Embedding: []float32{9}}}
	if err := s.SaveRows(ctx, replay); err != nil {
		t.Fatal(err)
	}

	n, _ := s.CountRows(ctx)
	if n != 1 {
		t.Errorf("CountRows() = %d, want 1", n)
	}
	rows, _ := s.LoadRows(ctx)
	if rows[0].IdentityID != 0 {
		t.Errorf("stored row overwritten: %+v", rows[0])
	}
}

func TestRestoreCatalogFromBadger(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	store, _ := catalog.NewStore(catalog.Options{Dim: 2, MaxBankSize: 3, RecordChanges: true})
	a := store.CreateIdentity([]float32{1, 0})
	store.CreateIdentity([]float32{0, 1})
	_ = store.AppendFeature(a, []float32{1, 1})

	if err := s.SaveRows(ctx, database.RowsFromChanges(store.DrainChanges(), store.Snapshot().CreatedAt)); err != nil {
		t.Fatal(err)
	}
	ids, err := s.CountIdentities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ids != 2 {
		t.Errorf("CountIdentities() = %d, want 2", ids)
	}

	restored, err := database.LoadStore(ctx, s, catalog.Options{Dim: 2, MaxBankSize: 3})
	if err != nil {
		t.Fatal(err)
	}
	if restored.Stats() != store.Stats() {
		t.Errorf("restored %+v, want %+v", restored.Stats(), store.Stats())
	}
}

func TestOpenThroughRegistry(t *testing.T) {
	b, err := database.Open(context.Background(), "badger://"+MemoryDir, database.BackendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if n, _ := b.CountRows(context.Background()); n != 0 {
		t.Errorf("CountRows() = %d, want 0", n)
	}
}
