package rerank

import (
	"context"

	"github.com/kozaktomas/reid-catalog/internal/feature"
)

// Cosine scores pairs by plain cosine distance. Hyperparameters are ignored.
type Cosine struct{}

// Rerank implements Oracle.
func (Cosine) Rerank(ctx context.Context, query, gallery feature.Matrix, _ Params) (Distances, error) {
	if err := checkInputs(query, gallery); err != nil {
		return Distances{}, err
	}
	d := NewDistances(query.Rows, gallery.Rows)
	for i := range query.Rows {
		if err := ctx.Err(); err != nil {
			return Distances{}, err
		}
		q := query.Row(i)
		row := d.Row(i)
		for j := range gallery.Rows {
			row[j] = feature.CosineDistance(q, gallery.Row(j))
		}
	}
	return d, nil
}
