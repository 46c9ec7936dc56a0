// Package rerank defines the similarity oracle contract used by the matching
// engine together with several implementations: k-reciprocal re-ranking,
// plain cosine distance and a remote scoring service.
package rerank

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kozaktomas/reid-catalog/internal/constants"
	"github.com/kozaktomas/reid-catalog/internal/feature"
)

var (
	// ErrMalformedDistances is returned when an oracle produces a matrix with the
	// wrong shape, non-finite values or negative distances.
	ErrMalformedDistances = errors.New("rerank: malformed distance matrix")
	// ErrTimeout is returned when an oracle does not answer before its deadline.
	ErrTimeout = errors.New("rerank: oracle timed out")
	// ErrInvalidParams is returned for unusable hyperparameters.
	ErrInvalidParams = errors.New("rerank: invalid parameters")
)

// Params are the re-ranking hyperparameters.
type Params struct {
	K1     int     `msgpack:"k1" json:"k1" yaml:"k1"`
	K2     int     `msgpack:"k2" json:"k2" yaml:"k2"`
	Lambda float64 `msgpack:"lambda" json:"lambda" yaml:"lambda"`
}

// DefaultParams returns k1=20, k2=6, lambda=0.5.
func DefaultParams() Params {
	return Params{K1: constants.DefaultK1, K2: constants.DefaultK2, Lambda: constants.DefaultLambda}
}

// Check validates the hyperparameters.
func (p Params) Check() error {
	switch {
	case p.K1 < 1:
		return fmt.Errorf("%w: k1 must be at least 1, got %d", ErrInvalidParams, p.K1)
	case p.K2 < 1:
		return fmt.Errorf("%w: k2 must be at least 1, got %d", ErrInvalidParams, p.K2)
	case p.Lambda < 0 || p.Lambda > 1 || math.IsNaN(p.Lambda):
		return fmt.Errorf("%w: lambda must be within [0, 1], got %v", ErrInvalidParams, p.Lambda)
	}
	return nil
}

// Distances is a dense row-major query x gallery distance matrix.
type Distances struct {
	Rows int       `msgpack:"rows" json:"rows"`
	Cols int       `msgpack:"cols" json:"cols"`
	Data []float64 `msgpack:"data" json:"data"`
}

// NewDistances allocates a zeroed rows x cols matrix.
func NewDistances(rows, cols int) Distances {
	return Distances{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// At returns the distance between query i and gallery row j.
func (d Distances) At(i, j int) float64 {
	return d.Data[i*d.Cols+j]
}

// Row returns the distances of query i, aliasing the matrix buffer.
func (d Distances) Row(i int) []float64 {
	return d.Data[i*d.Cols : (i+1)*d.Cols]
}

// ArgMin returns the index and value of the smallest entry of row i.
// Ties resolve to the lowest column. It returns -1 for an empty row.
func (d Distances) ArgMin(i int) (int, float64) {
	best, bestDist := -1, math.Inf(1)
	for j, v := range d.Row(i) {
		if v < bestDist {
			best, bestDist = j, v
		}
	}
	return best, bestDist
}

// Oracle scores every query row against every gallery row.
// Implementations must be deterministic, return non-negative distances where
// lower means more similar, and produce a query.Rows x gallery.Rows matrix.
type Oracle interface {
	Rerank(ctx context.Context, query, gallery feature.Matrix, p Params) (Distances, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, query, gallery feature.Matrix, p Params) (Distances, error)

// Rerank calls f.
func (f OracleFunc) Rerank(ctx context.Context, query, gallery feature.Matrix, p Params) (Distances, error) {
	return f(ctx, query, gallery, p)
}

// Validate checks that d is an nq x ng matrix of finite, non-negative values.
func Validate(d Distances, nq, ng int) error {
	if d.Rows != nq || d.Cols != ng || len(d.Data) != nq*ng {
		return fmt.Errorf("%w: got %dx%d with %d values, want %dx%d",
			ErrMalformedDistances, d.Rows, d.Cols, len(d.Data), nq, ng)
	}
	for k, v := range d.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value at (%d, %d)", ErrMalformedDistances, k/ng, k%ng)
		}
		if v < 0 {
			return fmt.Errorf("%w: negative value %v at (%d, %d)", ErrMalformedDistances, v, k/ng, k%ng)
		}
	}
	return nil
}

func checkInputs(query, gallery feature.Matrix) error {
	if err := query.Validate(); err != nil {
		return fmt.Errorf("query: %w", err)
	}
	if err := gallery.Validate(); err != nil {
		return fmt.Errorf("gallery: %w", err)
	}
	if query.Rows > 0 && gallery.Rows > 0 && query.Cols != gallery.Cols {
		return fmt.Errorf("%w: query has %d columns, gallery has %d", feature.ErrShape, query.Cols, gallery.Cols)
	}
	return nil
}
