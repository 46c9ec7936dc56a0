package rerank

import (
	"context"
	"math"
	"slices"

	"github.com/kozaktomas/reid-catalog/internal/feature"
)

// KReciprocal implements k-reciprocal encoding re-ranking.
//
// Query and gallery rows are pooled; each row gets a k1-reciprocal neighbour
// set, expanded with the sets of its members when they overlap by more than
// two thirds. Sets are weighted by exp(-distance), smoothed over the k2
// nearest rows and compared by Jaccard distance. The result blends Jaccard and
// the normalised squared Euclidean distance:
//
//	final = (1-lambda)*jaccard + lambda*original
//
// Neighbour ranks use a stable sort, so equal distances order by row index
// and identical inputs always produce identical output.
type KReciprocal struct{}

// Rerank implements Oracle.
func (KReciprocal) Rerank(ctx context.Context, query, gallery feature.Matrix, p Params) (Distances, error) {
	if err := p.Check(); err != nil {
		return Distances{}, err
	}
	if err := checkInputs(query, gallery); err != nil {
		return Distances{}, err
	}
	nq, ng := query.Rows, gallery.Rows
	if nq == 0 || ng == 0 {
		return NewDistances(nq, ng), nil
	}

	n := nq + ng
	row := func(i int) []float32 {
		if i < nq {
			return query.Row(i)
		}
		return gallery.Row(i - nq)
	}

	original := pairwiseSquared(n, row)
	normaliseRows(original, n)

	rank := make([][]int, n)
	for i := range n {
		if err := ctx.Err(); err != nil {
			return Distances{}, err
		}
		rank[i] = argsort(original[i*n : (i+1)*n])
	}

	v := make([]float64, n*n)
	halfK := int(math.RoundToEven(float64(p.K1)/2)) + 1
	inSet := make([]bool, n)
	for i := range n {
		if err := ctx.Err(); err != nil {
			return Distances{}, err
		}
		recip := reciprocalNeighbours(rank, i, p.K1+1)
		for _, r := range recip {
			inSet[r] = true
		}
		expansion := slices.Clone(recip)
		for _, cand := range recip {
			candRecip := reciprocalNeighbours(rank, cand, halfK)
			overlap := 0
			for _, c := range candRecip {
				if inSet[c] {
					overlap++
				}
			}
			if float64(overlap) > 2.0/3.0*float64(len(candRecip)) {
				expansion = append(expansion, candRecip...)
			}
		}
		for _, r := range recip {
			inSet[r] = false
		}

		slices.Sort(expansion)
		expansion = slices.Compact(expansion)

		vi := v[i*n : (i+1)*n]
		var sum float64
		for _, j := range expansion {
			w := math.Exp(-original[i*n+j])
			vi[j] = w
			sum += w
		}
		for _, j := range expansion {
			vi[j] /= sum
		}
	}

	if p.K2 != 1 {
		v = queryExpand(v, rank, n, p.K2)
	}

	// Rows with a non-zero weight on each column.
	inverted := make([][]int, n)
	for r := range n {
		for c, w := range v[r*n : (r+1)*n] {
			if w != 0 {
				inverted[c] = append(inverted[c], r)
			}
		}
	}

	out := NewDistances(nq, ng)
	tempMin := make([]float64, n)
	for i := range nq {
		if err := ctx.Err(); err != nil {
			return Distances{}, err
		}
		clear(tempMin)
		vi := v[i*n : (i+1)*n]
		for c, w := range vi {
			if w == 0 {
				continue
			}
			for _, r := range inverted[c] {
				tempMin[r] += min(w, v[r*n+c])
			}
		}
		dst := out.Row(i)
		for j := range ng {
			tm := tempMin[nq+j]
			jaccard := max(0, 1-tm/(2-tm))
			dst[j] = jaccard*(1-p.Lambda) + original[i*n+nq+j]*p.Lambda
		}
	}
	return out, nil
}

// pairwiseSquared returns the symmetric n x n matrix of squared Euclidean distances.
func pairwiseSquared(n int, row func(int) []float32) []float64 {
	d := make([]float64, n*n)
	for i := range n {
		for j := i + 1; j < n; j++ {
			v := feature.SquaredEuclidean(row(i), row(j))
			d[i*n+j] = v
			d[j*n+i] = v
		}
	}
	return d
}

// normaliseRows divides every row by its maximum. All-zero rows stay zero.
func normaliseRows(d []float64, n int) {
	for i := range n {
		r := d[i*n : (i+1)*n]
		m := slices.Max(r)
		if m <= 0 {
			continue
		}
		for j := range r {
			r[j] /= m
		}
	}
}

// argsort returns the indices of values in ascending order, ties by index.
func argsort(values []float64) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case values[a] < values[b]:
			return -1
		case values[a] > values[b]:
			return 1
		}
		return 0
	})
	return idx
}

// reciprocalNeighbours returns the members of the first k ranks of row i
// that also rank i within their own first k.
func reciprocalNeighbours(rank [][]int, i, k int) []int {
	forward := head(rank[i], k)
	out := make([]int, 0, len(forward))
	for _, cand := range forward {
		if slices.Contains(head(rank[cand], k), i) {
			out = append(out, cand)
		}
	}
	return out
}

// queryExpand replaces each weight row by the mean of the rows of its k2 nearest neighbours.
func queryExpand(v []float64, rank [][]int, n, k2 int) []float64 {
	out := make([]float64, n*n)
	for i := range n {
		neigh := head(rank[i], k2)
		dst := out[i*n : (i+1)*n]
		for _, r := range neigh {
			for c, w := range v[r*n : (r+1)*n] {
				dst[c] += w
			}
		}
		scale := 1 / float64(len(neigh))
		for c := range dst {
			dst[c] *= scale
		}
	}
	return out
}

func head(s []int, k int) []int {
	return s[:min(k, len(s))]
}
