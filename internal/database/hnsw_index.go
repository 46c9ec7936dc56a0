package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/reid-catalog/internal/feature"
)

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	RowCount      int64     `json:"row_count"`
	IdentityCount int64     `json:"identity_count"`
	BuildTime     time.Time `json:"build_time"`
	Version       int       `json:"version"` // For future compatibility
}

const hnswMetadataVersion = 1

// ErrIndexEmpty is returned by searches on an index without rows.
var ErrIndexEmpty = errors.New("index not initialized")

// HNSWIndex is an approximate nearest-neighbour index over catalog rows.
// Node keys are global row indices; owners maps each row to its identity.
type HNSWIndex struct {
	graph  *hnsw.Graph[int64]
	owners map[int64]int64
	mu     sync.RWMutex
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{
		owners: make(map[int64]int64),
	}
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// BuildFromRows replaces the index contents with rows.
func (h *HNSWIndex) BuildFromRows(rows []StoredRow) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.graph = nil
	h.owners = make(map[int64]int64, len(rows))
	h.addLocked(rows)
}

// AddRows adds rows to the index. Rows already present are skipped.
func (h *HNSWIndex) AddRows(rows []StoredRow) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addLocked(rows)
}

func (h *HNSWIndex) addLocked(rows []StoredRow) {
	for i := range rows {
		r := &rows[i]
		if len(r.Embedding) == 0 {
			continue
		}
		if _, ok := h.owners[r.RowIndex]; ok {
			continue
		}
		if h.graph == nil {
			h.graph = newGraph()
		}
		h.graph.Add(hnsw.MakeNode(r.RowIndex, r.Embedding))
		h.owners[r.RowIndex] = r.IdentityID
	}
}

// Neighbor is one search hit.
type Neighbor struct {
	RowIndex   int64   `json:"row"`
	IdentityID int64   `json:"identity_id"`
	Distance   float64 `json:"distance"`
}

// Search finds the k nearest rows to the query embedding.
func (h *HNSWIndex) Search(query []float32, k int) ([]Neighbor, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil || h.graph.Len() == 0 {
		return nil, ErrIndexEmpty
	}

	nodes := h.graph.Search(query, k)
	out := make([]Neighbor, 0, len(nodes))
	for _, n := range nodes {
		owner, ok := h.owners[n.Key]
		if !ok {
			continue
		}
		// Compute actual cosine distance using the embedding from the node directly.
		out = append(out, Neighbor{
			RowIndex:   n.Key,
			IdentityID: owner,
			Distance:   feature.CosineDistance(query, n.Value),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

// SearchIdentities returns up to limit distinct identities nearest to query,
// each with the distance of its closest row.
func (h *HNSWIndex) SearchIdentities(query []float32, limit int) ([]Neighbor, error) {
	rows, err := h.Search(query, limit*HNSWSearchMultiplier)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, limit)
	out := make([]Neighbor, 0, limit)
	for _, n := range rows {
		if seen[n.IdentityID] {
			continue
		}
		seen[n.IdentityID] = true
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of indexed rows.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.owners)
}

// SaveWithMetadata persists the graph, its row owners and a .meta file for staleness detection.
func (h *HNSWIndex) SaveWithMetadata(path string, metadata HNSWIndexMetadata) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		// Remove existing files if index is empty (best-effort cleanup).
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		_ = os.Remove(path + ".owners")
		return nil
	}

	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	defer f.Close()

	if err := h.graph.Export(f); err != nil {
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}

	owners, err := json.Marshal(h.owners)
	if err != nil {
		return fmt.Errorf("failed to marshal row owners: %w", err)
	}
	if err := os.WriteFile(path+".owners", owners, 0600); err != nil {
		return fmt.Errorf("failed to write owners file: %w", err)
	}

	metadata.Version = hnswMetadataVersion
	metadata.RowCount = int64(len(h.owners))
	metaData, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	return nil
}

// LoadHNSWMetadata loads metadata from a separate .meta file.
func LoadHNSWMetadata(path string) (HNSWIndexMetadata, error) {
	var metadata HNSWIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, nil
}

// Load reads a saved index. It returns false without error when no index file exists.
func (h *HNSWIndex) Load(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	saved, err := hnsw.LoadSavedGraph[int64](path)
	if err != nil {
		return false, fmt.Errorf("failed to load HNSW index: %w", err)
	}
	data, err := os.ReadFile(path + ".owners") //nolint:gosec // path is from trusted config
	if err != nil {
		return false, fmt.Errorf("failed to read owners file: %w", err)
	}
	owners := make(map[int64]int64)
	if err := json.Unmarshal(data, &owners); err != nil {
		return false, fmt.Errorf("failed to decode owners file: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.graph = saved.Graph
	h.owners = owners
	return true, nil
}

// LoadOrBuild loads the index at path when its metadata matches rowCount,
// and otherwise rebuilds it from rows. It reports whether the cache was used.
func (h *HNSWIndex) LoadOrBuild(path string, rows []StoredRow) (bool, error) {
	if path != "" {
		meta, err := LoadHNSWMetadata(path)
		if err == nil && meta.Version == hnswMetadataVersion && meta.RowCount == int64(len(rows)) {
			if ok, err := h.Load(path); err == nil && ok {
				return true, nil
			}
		}
	}
	h.BuildFromRows(rows)
	return false, nil
}
