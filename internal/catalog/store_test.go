package catalog

import (
	"errors"
	"sync"
	"testing"

	"github.com/kozaktomas/reid-catalog/internal/feature"
)

func newTestStore(t *testing.T, dim, maxBank int) *Store {
	t.Helper()
	s, err := NewStore(Options{Dim: dim, MaxBankSize: maxBank, RecordChanges: true})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func vec(vals ...float32) feature.Vector { return feature.Vector(vals) }

func TestNewStoreRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"zero dimension", Options{Dim: 0, MaxBankSize: 10}},
		{"negative dimension", Options{Dim: -1, MaxBankSize: 10}},
		{"zero bank", Options{Dim: 2, MaxBankSize: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewStore(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCreateIdentitySequentialIDs(t *testing.T) {
	s := newTestStore(t, 2, 10)

	for want := range 5 {
		got := s.CreateIdentity(vec(float32(want), 0))
		if got != want {
			t.Fatalf("CreateIdentity #%d = %d, want %d", want, got, want)
		}
	}
	if n := s.IdentityCount(); n != 5 {
		t.Errorf("IdentityCount() = %d, want 5", n)
	}
	if n := s.RowCount(); n != 5 {
		t.Errorf("RowCount() = %d, want 5", n)
	}
}

func TestCreateIdentityCopiesFeature(t *testing.T) {
	s := newTestStore(t, 2, 10)
	f := vec(1, 2)
	id := s.CreateIdentity(f)
	f[0] = 99

	bank, err := s.Bank(id)
	if err != nil {
		t.Fatalf("Bank: %v", err)
	}
	if bank.Data[0] != 1 {
		t.Errorf("bank mutated through caller slice: %v", bank.Data)
	}
}

func TestCreateIdentityPanicsOnWrongDimension(t *testing.T) {
	s := newTestStore(t, 3, 10)
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	s.CreateIdentity(vec(1, 2))
}

func TestAppendFeatureCapacity(t *testing.T) {
	s := newTestStore(t, 2, 3)
	id := s.CreateIdentity(vec(0, 0))

	for i := 1; i < 3; i++ {
		if err := s.AppendFeature(id, vec(float32(i), 0)); err != nil {
			t.Fatalf("AppendFeature #%d: %v", i, err)
		}
	}
	full, ok := s.IsFull(id)
	if !ok || !full {
		t.Fatalf("IsFull() = %v, %v; want true, true", full, ok)
	}

	err := s.AppendFeature(id, vec(9, 9))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("AppendFeature on full bank = %v, want ErrCapacityExceeded", err)
	}
	bank, _ := s.Bank(id)
	if bank.Rows != 3 {
		t.Errorf("bank rows = %d, want 3", bank.Rows)
	}
	if s.RowCount() != 3 {
		t.Errorf("RowCount() = %d, want 3", s.RowCount())
	}
	if err := s.CheckInvariants(); err != nil {
		t.Error(err)
	}
}

func TestAppendFeatureUnknownIdentity(t *testing.T) {
	s := newTestStore(t, 2, 3)
	s.CreateIdentity(vec(0, 0))

	for _, id := range []int{-1, 1, 42} {
		if err := s.AppendFeature(id, vec(1, 1)); !errors.Is(err, ErrUnknownIdentity) {
			t.Errorf("AppendFeature(%d) = %v, want ErrUnknownIdentity", id, err)
		}
	}
	if _, ok := s.IsFull(7); ok {
		t.Error("IsFull(7) reported an existing identity")
	}
}

func TestBankKeepsInsertionOrder(t *testing.T) {
	s := newTestStore(t, 1, 10)
	id := s.CreateIdentity(vec(1))
	_ = s.AppendFeature(id, vec(2))
	_ = s.AppendFeature(id, vec(3))

	bank, err := s.Bank(id)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{1, 2, 3}
	for i, v := range want {
		if bank.Data[i] != v {
			t.Errorf("bank[%d] = %v, want %v", i, bank.Data[i], v)
		}
	}
}

func TestGlobalViewOwnersAndIsolation(t *testing.T) {
	s := newTestStore(t, 2, 10)
	a := s.CreateIdentity(vec(1, 0))
	b := s.CreateIdentity(vec(0, 1))
	_ = s.AppendFeature(a, vec(1, 1))

	view := s.GlobalView()
	if view.Features.Rows != 3 || view.Features.Cols != 2 {
		t.Fatalf("view shape = %dx%d, want 3x2", view.Features.Rows, view.Features.Cols)
	}
	wantOwners := []int{a, b, a}
	for i, o := range wantOwners {
		if view.Owners[i] != o {
			t.Errorf("owner[%d] = %d, want %d", i, view.Owners[i], o)
		}
	}

	// Later writes must not leak into an existing view.
	s.CreateIdentity(vec(5, 5))
	view.Features.Data[0] = -1
	if view.Features.Rows != 3 || len(view.Owners) != 3 {
		t.Error("view grew after a later write")
	}
	if got := s.GlobalView().Features.Data[0]; got != 1 {
		t.Errorf("store row mutated through view: %v", got)
	}
}

func TestIndexConsistencyAfterMixedOperations(t *testing.T) {
	s := newTestStore(t, 2, 4)
	var ids []int
	for i := range 20 {
		if i%3 == 0 || len(ids) == 0 {
			ids = append(ids, s.CreateIdentity(vec(float32(i), 0)))
			continue
		}
		_ = s.AppendFeature(ids[i%len(ids)], vec(float32(i), 1))
	}

	if err := s.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, sum := range s.Summaries() {
		if sum.BankSize > 4 {
			t.Errorf("identity %d bank size %d exceeds capacity", sum.ID, sum.BankSize)
		}
		total += sum.BankSize
	}
	if total != s.RowCount() {
		t.Errorf("sum of banks = %d, rows = %d", total, s.RowCount())
	}
}

func TestConcurrentWritersKeepInvariants(t *testing.T) {
	s := newTestStore(t, 4, 10)
	for range 4 {
		s.CreateIdentity(vec(0, 0, 0, 0))
	}

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				if i%5 == 0 {
					s.CreateIdentity(vec(float32(w), float32(i), 0, 0))
				} else {
					_ = s.AppendFeature((w+i)%4, vec(float32(w), float32(i), 1, 1))
				}
				_ = s.GlobalView()
			}
		}()
	}
	wg.Wait()

	if err := s.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
	for id := range s.IdentityCount() {
		bank, err := s.Bank(id)
		if err != nil {
			t.Fatal(err)
		}
		if bank.Rows > 10 {
			t.Errorf("identity %d holds %d features", id, bank.Rows)
		}
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t, 1, 2)
	a := s.CreateIdentity(vec(1))
	s.CreateIdentity(vec(2))
	_ = s.AppendFeature(a, vec(3))

	got := s.Stats()
	want := Stats{Identities: 2, Rows: 3, FullIdentities: 1, Dim: 1, MaxBankSize: 2}
	if got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}
