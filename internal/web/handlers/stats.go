package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
	"github.com/kozaktomas/reid-catalog/internal/database"
	"github.com/kozaktomas/reid-catalog/internal/pipeline"
)

const persistedCacheTTL = 10 * time.Second

// persistedCache holds the backend row counts, which cost a query to compute.
type persistedCache struct {
	mu        sync.RWMutex
	data      *PersistedStats
	expiresAt time.Time
}

func (c *persistedCache) get() (*PersistedStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data == nil || time.Now().After(c.expiresAt) {
		return nil, false
	}
	return c.data, true
}

func (c *persistedCache) set(data *PersistedStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	c.expiresAt = time.Now().Add(persistedCacheTTL)
}

// StatsSource reports pipeline counters.
type StatsSource interface {
	Stats() pipeline.Stats
}

// StatsHandler handles statistics endpoints
type StatsHandler struct {
	store    *catalog.Store
	pipeline StatsSource
	index    *database.HNSWIndex
	reader   database.CatalogReader
	logger   *slog.Logger
	cache    persistedCache
}

// NewStatsHandler creates a new stats handler. pipeline, index and reader are optional.
func NewStatsHandler(store *catalog.Store, p StatsSource, index *database.HNSWIndex, reader database.CatalogReader, logger *slog.Logger) *StatsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsHandler{
		store:    store,
		pipeline: p,
		index:    index,
		reader:   reader,
		logger:   logger,
	}
}

// PersistedStats are the backend row counts.
type PersistedStats struct {
	Rows       int `json:"rows"`
	Identities int `json:"identities"`
}

// StatsResponse represents the statistics response
type StatsResponse struct {
	Catalog     catalog.Stats   `json:"catalog"`
	Pipeline    *pipeline.Stats `json:"pipeline,omitempty"`
	IndexedRows int             `json:"indexed_rows"`
	Persisted   *PersistedStats `json:"persisted,omitempty"`
}

// Get returns catalog, pipeline and persistence counters.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Catalog: h.store.Stats()}
	if h.pipeline != nil {
		ps := h.pipeline.Stats()
		resp.Pipeline = &ps
	}
	if h.index != nil {
		resp.IndexedRows = h.index.Count()
	}
	if h.reader != nil {
		persisted, err := h.persisted(r.Context())
		if err != nil {
			h.logger.Warn("counting persisted rows failed", "error", err)
		} else {
			resp.Persisted = persisted
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *StatsHandler) persisted(ctx context.Context) (*PersistedStats, error) {
	if cached, ok := h.cache.get(); ok {
		return cached, nil
	}
	rows, err := h.reader.CountRows(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := h.reader.CountIdentities(ctx)
	if err != nil {
		return nil, err
	}
	out := &PersistedStats{Rows: rows, Identities: ids}
	h.cache.set(out)
	return out, nil
}
