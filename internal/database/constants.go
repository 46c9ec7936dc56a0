package database

// HNSW index parameters for identity feature search
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	// Higher values improve recall but slow down search.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// so enough distinct identities remain after grouping rows by owner.
	HNSWSearchMultiplier = 3
)

// Persistence constants
const (
	// SaveBatchSize is the number of rows inserted per statement batch
	SaveBatchSize = 500
)
