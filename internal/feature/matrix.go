// Package feature holds the fixed-width numeric types exchanged between the
// identity catalog, the similarity oracles and the feature extractor.
package feature

import (
	"errors"
	"fmt"
	"math"
)

// ErrShape is returned when a vector or matrix does not have the expected dimensions.
var ErrShape = errors.New("feature: shape mismatch")

// Vector is a single appearance embedding.
type Vector []float32

// Matrix is a dense row-major matrix of feature vectors.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// NewMatrix allocates a zeroed rows x cols matrix.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// Stack copies the given vectors into a new matrix. Every vector must have
// length dim and only finite components.
func Stack(vectors []Vector, dim int) (Matrix, error) {
	m := NewMatrix(len(vectors), dim)
	for i, v := range vectors {
		if len(v) != dim {
			return Matrix{}, fmt.Errorf("%w: vector %d has %d values, want %d", ErrShape, i, len(v), dim)
		}
		if !v.Finite() {
			return Matrix{}, fmt.Errorf("%w: vector %d contains NaN or Inf", ErrShape, i)
		}
		copy(m.Data[i*dim:(i+1)*dim], v)
	}
	return m, nil
}

// Row returns row i as a slice aliasing the matrix buffer.
func (m Matrix) Row(i int) Vector {
	return Vector(m.Data[i*m.Cols : (i+1)*m.Cols])
}

// Vectors returns copies of every row.
func (m Matrix) Vectors() []Vector {
	out := make([]Vector, m.Rows)
	for i := range m.Rows {
		v := make(Vector, m.Cols)
		copy(v, m.Row(i))
		out[i] = v
	}
	return out
}

// Validate checks that the buffer length agrees with the declared dimensions.
func (m Matrix) Validate() error {
	if m.Rows < 0 || m.Cols < 0 || len(m.Data) != m.Rows*m.Cols {
		return fmt.Errorf("%w: %dx%d matrix with %d values", ErrShape, m.Rows, m.Cols, len(m.Data))
	}
	return nil
}

// Finite reports whether every component of v is a finite number.
func (v Vector) Finite() bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

// SquaredEuclidean returns the squared L2 distance between a and b.
func SquaredEuclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// CosineDistance computes the cosine distance between two vectors
// Returns a value between 0 (identical) and 2 (opposite)
// Cosine distance = 1 - cosine similarity
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0 // Maximum distance for invalid input
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 2.0 // Maximum distance for zero vectors
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}

	return 1 - similarity
}
