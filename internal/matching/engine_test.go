package matching

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
	"github.com/kozaktomas/reid-catalog/internal/feature"
	"github.com/kozaktomas/reid-catalog/internal/rerank"
)

// euclidean is a deterministic oracle that is zero on identical inputs.
type euclidean struct {
	calls int
}

func (e *euclidean) Rerank(_ context.Context, q, g feature.Matrix, _ rerank.Params) (rerank.Distances, error) {
	e.calls++
	d := rerank.NewDistances(q.Rows, g.Rows)
	for i := range q.Rows {
		for j := range g.Rows {
			d.Data[i*g.Rows+j] = math.Sqrt(feature.SquaredEuclidean(q.Row(i), g.Row(j)))
		}
	}
	return d, nil
}

func newTestEngine(t *testing.T, maxBank int, oracle rerank.Oracle) *Engine {
	t.Helper()
	store, err := catalog.NewStore(catalog.Options{Dim: 2, MaxBankSize: maxBank})
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(store, oracle, DefaultConfig(), nil)
}

func ids(rs []Resolution) []int {
	out := make([]int, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var (
	f1 = feature.Vector{0, 0}
	f2 = feature.Vector{5, 0}
	f3 = feature.Vector{0, 5}
)

func TestQueryBootstrap(t *testing.T) {
	oracle := &euclidean{}
	e := newTestEngine(t, 10, oracle)

	got, err := e.Query(context.Background(), []feature.Vector{f1, f1, f2, f3})
	if err != nil {
		t.Fatal(err)
	}
	if want := []int{0, 1, 2, 3}; !equalInts(ids(got), want) {
		t.Errorf("ids = %v, want %v", ids(got), want)
	}
	for i, r := range got {
		if r.Status != StatusCreated {
			t.Errorf("result %d status = %s, want created", i, r.Status)
		}
	}
	if n := e.Store().IdentityCount(); n != 4 {
		t.Errorf("IdentityCount() = %d, want 4", n)
	}
	if oracle.calls != 0 {
		t.Errorf("oracle called %d times during bootstrap", oracle.calls)
	}
}

func TestQuerySelfMatch(t *testing.T) {
	e := newTestEngine(t, 10, &euclidean{})
	ctx := context.Background()

	if _, err := e.Query(ctx, []feature.Vector{f1, f2}); err != nil {
		t.Fatal(err)
	}
	got, err := e.Query(ctx, []feature.Vector{f2})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].ID != 1 || got[0].Status != StatusMerged {
		t.Errorf("got %+v, want id 1 merged", got[0])
	}
}

func TestQueryScenario(t *testing.T) {
	oracle := &euclidean{}
	e := newTestEngine(t, 10, oracle)
	ctx := context.Background()

	got, err := e.Query(ctx, []feature.Vector{f1, f2})
	if err != nil {
		t.Fatal(err)
	}
	if !equalInts(ids(got), []int{0, 1}) {
		t.Fatalf("first query ids = %v, want [0 1]", ids(got))
	}

	got, err = e.Query(ctx, []feature.Vector{f1})
	if err != nil {
		t.Fatal(err)
	}
	if !equalInts(ids(got), []int{0}) {
		t.Fatalf("second query ids = %v, want [0]", ids(got))
	}
	bank, _ := e.Store().Bank(0)
	if bank.Rows != 2 {
		t.Errorf("identity 0 bank size = %d, want 2", bank.Rows)
	}

	got, err = e.Query(ctx, []feature.Vector{f3})
	if err != nil {
		t.Fatal(err)
	}
	if !equalInts(ids(got), []int{2}) || got[0].Status != StatusCreated {
		t.Fatalf("third query = %+v, want id 2 created", got)
	}
	if n := e.Store().IdentityCount(); n != 3 {
		t.Errorf("IdentityCount() = %d, want 3", n)
	}
	if oracle.calls != 2 {
		t.Errorf("oracle called %d times, want one call per non-bootstrap batch", oracle.calls)
	}
}

func TestQueryFullBankReportsMatched(t *testing.T) {
	e := newTestEngine(t, 2, &euclidean{})
	ctx := context.Background()
	_, _ = e.Query(ctx, []feature.Vector{f1})
	_, _ = e.Query(ctx, []feature.Vector{f1})

	got, err := e.Query(ctx, []feature.Vector{f1})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].ID != 0 || got[0].Status != StatusMatched {
		t.Errorf("got %+v, want id 0 matched", got[0])
	}
	if rows := e.Store().RowCount(); rows != 2 {
		t.Errorf("RowCount() = %d, want 2", rows)
	}
}

func TestQueryTieResolvesToLowestRow(t *testing.T) {
	e := newTestEngine(t, 10, &euclidean{})
	ctx := context.Background()
	// Two identities with the same feature.
	_, _ = e.Query(ctx, []feature.Vector{f1, f1})

	got, err := e.Query(ctx, []feature.Vector{f1})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].ID != 0 {
		t.Errorf("tie resolved to %d, want 0", got[0].ID)
	}
}

func TestQueryThresholdIsStrict(t *testing.T) {
	e := newTestEngine(t, 10, &euclidean{})
	ctx := context.Background()
	_, _ = e.Query(ctx, []feature.Vector{f1})

	got, err := e.Query(ctx, []feature.Vector{{0.2, 0}, {0.19, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Status != StatusCreated {
		t.Errorf("distance equal to threshold: status %s, want created", got[0].Status)
	}
	if got[1].Status != StatusMerged || got[1].ID != 0 {
		t.Errorf("distance below threshold: %+v, want id 0 merged", got[1])
	}
}

func TestQueryMalformedOracleCommitsNothing(t *testing.T) {
	tests := []struct {
		name string
		d    rerank.Distances
		err  error
	}{
		{"wrong shape", rerank.Distances{Rows: 1, Cols: 5, Data: make([]float64, 5)}, nil},
		{"nan", rerank.Distances{Rows: 1, Cols: 1, Data: []float64{math.NaN()}}, nil},
		{"negative", rerank.Distances{Rows: 1, Cols: 1, Data: []float64{-1}}, nil},
		{"oracle error", rerank.Distances{}, rerank.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := rerank.OracleFunc(func(context.Context, feature.Matrix, feature.Matrix, rerank.Params) (rerank.Distances, error) {
				return tt.d, tt.err
			})
			e := newTestEngine(t, 10, oracle)
			ctx := context.Background()
			_, _ = e.Query(ctx, []feature.Vector{f1})

			_, err := e.Query(ctx, []feature.Vector{f1})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Errorf("got %v, want %v", err, tt.err)
			}
			if tt.err == nil && !errors.Is(err, rerank.ErrMalformedDistances) {
				t.Errorf("got %v, want ErrMalformedDistances", err)
			}
			if rows := e.Store().RowCount(); rows != 1 {
				t.Errorf("RowCount() = %d after failed batch, want 1", rows)
			}
		})
	}
}

func TestQueryRejectsWrongDimension(t *testing.T) {
	e := newTestEngine(t, 10, &euclidean{})
	if _, err := e.Query(context.Background(), []feature.Vector{{1, 2, 3}}); !errors.Is(err, feature.ErrShape) {
		t.Errorf("got %v, want ErrShape", err)
	}
	if e.Store().IdentityCount() != 0 {
		t.Error("catalog changed after rejected batch")
	}
}

func TestNonFiniteFeaturesCommitNothing(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(-1))
	ctx := context.Background()

	oracle := &euclidean{}
	e := newTestEngine(t, 10, oracle)
	for _, batch := range [][]feature.Vector{{{nan, 0}}, {f1, {0, inf}}} {
		if _, err := e.Query(ctx, batch); !errors.Is(err, feature.ErrShape) {
			t.Errorf("Query(%v) error = %v, want ErrShape", batch, err)
		}
	}
	if n := e.Store().IdentityCount(); n != 0 {
		t.Fatalf("IdentityCount() = %d after rejected bootstrap, want 0", n)
	}

	if _, err := e.Query(ctx, []feature.Vector{f1}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Update(ctx, []feature.Vector{{nan, nan}}, []int{0}); !errors.Is(err, feature.ErrShape) {
		t.Errorf("Update error = %v, want ErrShape", err)
	}
	if rows := e.Store().RowCount(); rows != 1 {
		t.Errorf("RowCount() = %d after rejected update, want 1", rows)
	}
	if oracle.calls != 0 {
		t.Errorf("oracle called %d times, want 0", oracle.calls)
	}
}

func TestUpdateEmptyCatalog(t *testing.T) {
	e := newTestEngine(t, 10, &euclidean{})
	_, err := e.Update(context.Background(), []feature.Vector{f1}, []int{0})
	if !errors.Is(err, ErrEmptyCatalog) {
		t.Errorf("got %v, want ErrEmptyCatalog", err)
	}
}

func TestUpdateComparesOnlyAgainstTarget(t *testing.T) {
	oracle := &euclidean{}
	e := newTestEngine(t, 10, oracle)
	ctx := context.Background()
	_, _ = e.Query(ctx, []feature.Vector{f1, f2})

	// f1 is identical to identity 0 but is offered to identity 1.
	got, err := e.Update(ctx, []feature.Vector{f1, {5, 0.1}}, []int{1, 1})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Status != StatusRejectedDistance {
		t.Errorf("offer to wrong identity: %s, want rejected_distance", got[0].Status)
	}
	if got[1].Status != StatusMerged || got[1].TargetID != 1 {
		t.Errorf("offer to right identity: %+v, want merged into 1", got[1])
	}
	if b, _ := e.Store().Bank(0); b.Rows != 1 {
		t.Errorf("identity 0 bank size = %d, want 1", b.Rows)
	}
}

func TestUpdateUsesSharedMergeThreshold(t *testing.T) {
	e := newTestEngine(t, 10, &euclidean{})
	ctx := context.Background()
	_, _ = e.Query(ctx, []feature.Vector{f1})

	// 0.17 lies between 0.15 and 0.2: the single merge threshold accepts it.
	got, err := e.Update(ctx, []feature.Vector{{0.17, 0}}, []int{0})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Status != StatusMerged {
		t.Errorf("status = %s, want merged", got[0].Status)
	}
}

func TestUpdateCapacityAndUnknown(t *testing.T) {
	e := newTestEngine(t, 2, &euclidean{})
	ctx := context.Background()
	_, _ = e.Query(ctx, []feature.Vector{f1})

	got, err := e.Update(ctx,
		[]feature.Vector{{0.01, 0}, {0.02, 0}, {0.03, 0}},
		[]int{0, 0, 7},
	)
	if err != nil {
		t.Fatal(err)
	}
	want := []Status{StatusMerged, StatusRejectedCapacity, StatusRejectedUnknown}
	for i, w := range want {
		if got[i].Status != w {
			t.Errorf("result %d status = %s, want %s", i, got[i].Status, w)
		}
	}

	got, err = e.Update(ctx, []feature.Vector{{0.01, 0}}, []int{0})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Status != StatusRejectedCapacity {
		t.Errorf("full bank: status = %s, want rejected_capacity", got[0].Status)
	}
}

func TestUpdateRedundancyFilter(t *testing.T) {
	store, _ := catalog.NewStore(catalog.Options{Dim: 2, MaxBankSize: 10})
	cfg := DefaultConfig()
	cfg.NoveltyDistance = 0.05
	e := NewEngine(store, &euclidean{}, cfg, nil)
	ctx := context.Background()
	_, _ = e.Query(ctx, []feature.Vector{f1})

	got, err := e.Update(ctx, []feature.Vector{{0.01, 0}, {0.1, 0}}, []int{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Status != StatusRejectedRedundant {
		t.Errorf("near-duplicate: status = %s, want rejected_redundant", got[0].Status)
	}
	if got[1].Status != StatusMerged {
		t.Errorf("novel feature: status = %s, want merged", got[1].Status)
	}
}

func TestUpdateOracleFailureCommitsNothing(t *testing.T) {
	calls := 0
	oracle := rerank.OracleFunc(func(ctx context.Context, q, g feature.Matrix, p rerank.Params) (rerank.Distances, error) {
		calls++
		if calls > 1 {
			return rerank.Distances{}, rerank.ErrTimeout
		}
		return rerank.NewDistances(q.Rows, g.Rows), nil
	})
	e := newTestEngine(t, 10, oracle)
	ctx := context.Background()
	_, _ = e.Query(ctx, []feature.Vector{f1})

	_, err := e.Update(ctx, []feature.Vector{f1, f1}, []int{0, 0})
	if !errors.Is(err, rerank.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if rows := e.Store().RowCount(); rows != 1 {
		t.Errorf("RowCount() = %d, want 1", rows)
	}
}

func TestUpdateLengthMismatch(t *testing.T) {
	e := newTestEngine(t, 10, &euclidean{})
	_, err := e.Update(context.Background(), []feature.Vector{f1}, nil)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("got %v, want ErrLengthMismatch", err)
	}
}
