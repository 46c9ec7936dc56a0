package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
	"github.com/kozaktomas/reid-catalog/internal/config"
	"github.com/kozaktomas/reid-catalog/internal/database"
	"github.com/kozaktomas/reid-catalog/internal/matching"
	"github.com/kozaktomas/reid-catalog/internal/pipeline"
	"github.com/kozaktomas/reid-catalog/internal/rerank"
	"github.com/kozaktomas/reid-catalog/internal/router"
	"github.com/kozaktomas/reid-catalog/internal/snapshot"
)

// runtime holds the services shared by the serve, replay and catalog commands.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend database.Backend // nil without DATABASE_URL
	store   *catalog.Store
	source  string
}

// loadConfig reads and validates the configuration.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openRuntime connects the backend and restores the catalog.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger}

	if cfg.Database.URL != "" {
		rt.backend, err = database.Open(ctx, cfg.Database.URL, database.BackendOptions{
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog backend: %w", err)
		}
	}

	if err := rt.restore(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	logger.Info("catalog ready",
		"source", rt.source,
		"identities", rt.store.IdentityCount(),
		"rows", rt.store.RowCount())
	return rt, nil
}

func (rt *runtime) catalogOptions() catalog.Options {
	return catalog.Options{
		Dim:           rt.cfg.Catalog.Dim,
		MaxBankSize:   rt.cfg.Catalog.MaxBankSize,
		RecordChanges: true,
	}
}

// restore loads the catalog from the backend, falling back to the snapshot
// when the backend is empty or absent. A catalog restored from a snapshot is
// copied into an empty backend.
func (rt *runtime) restore(ctx context.Context) error {
	opts := rt.catalogOptions()

	if rt.backend != nil {
		store, err := database.LoadStore(ctx, rt.backend, opts)
		if err != nil {
			return fmt.Errorf("failed to restore catalog from backend: %w", err)
		}
		if store.RowCount() > 0 {
			rt.store, rt.source = store, "database"
			return nil
		}
	}

	if loc := rt.cfg.Snapshot.Location; loc != "" {
		st, err := rt.snapshotStore(ctx, loc)
		if err != nil {
			return err
		}
		store, err := snapshot.Restore(ctx, st, opts)
		switch {
		case err == nil:
			rt.store, rt.source = store, st.Location()
			return rt.seedBackend(ctx)
		case errors.Is(err, snapshot.ErrNotFound):
			rt.logger.Info("no snapshot yet", "location", st.Location())
		default:
			return fmt.Errorf("failed to restore catalog from snapshot: %w", err)
		}
	}

	store, err := catalog.NewStore(opts)
	if err != nil {
		return err
	}
	rt.store, rt.source = store, "empty"
	return nil
}

func (rt *runtime) seedBackend(ctx context.Context) error {
	if rt.backend == nil {
		return nil
	}
	now := time.Now()
	rows := rt.store.Rows()
	stored := make([]database.StoredRow, len(rows))
	for i, r := range rows {
		stored[i] = database.StoredRow{RowIndex: int64(i), IdentityID: int64(r.IdentityID), Embedding: r.Feature, CreatedAt: now}
	}
	for start := 0; start < len(stored); start += database.SaveBatchSize {
		end := min(start+database.SaveBatchSize, len(stored))
		if err := rt.backend.SaveRows(ctx, stored[start:end]); err != nil {
			return fmt.Errorf("failed to seed backend from snapshot: %w", err)
		}
	}
	return nil
}

func (rt *runtime) snapshotStore(ctx context.Context, location string) (snapshot.Store, error) {
	return snapshot.Open(ctx, location, snapshot.Options{
		S3Endpoint: rt.cfg.Snapshot.S3Endpoint,
		S3Region:   rt.cfg.Snapshot.S3Region,
	})
}

// saveSnapshot writes the catalog to the configured snapshot location, if any.
func (rt *runtime) saveSnapshot(ctx context.Context) error {
	if rt.cfg.Snapshot.Location == "" {
		return nil
	}
	st, err := rt.snapshotStore(ctx, rt.cfg.Snapshot.Location)
	if err != nil {
		return err
	}
	if err := st.Save(ctx, rt.store.Snapshot()); err != nil {
		return err
	}
	rt.logger.Info("snapshot saved", "location", st.Location(), "rows", rt.store.RowCount())
	return nil
}

// engine builds the oracle selected by RERANK_METHOD and a matching engine over the catalog.
func (rt *runtime) engine() (*matching.Engine, error) {
	oracle, err := rerank.New(rerank.Options{
		Method:  rt.cfg.Rerank.Method,
		URL:     rt.cfg.Rerank.URL,
		Timeout: rt.cfg.Rerank.Timeout,
		Retries: uint64(max(0, rt.cfg.Rerank.Retries)),
	}, rt.logger)
	if err != nil {
		return nil, err
	}
	cfg := matching.Config{
		MergeThreshold:  rt.cfg.Matching.MergeThreshold,
		NoveltyDistance: rt.cfg.Matching.NoveltyDistance,
		Params: rerank.Params{
			K1:     rt.cfg.Rerank.K1,
			K2:     rt.cfg.Rerank.K2,
			Lambda: rt.cfg.Rerank.Lambda,
		},
	}
	if err := cfg.Params.Check(); err != nil {
		return nil, err
	}
	return matching.NewEngine(rt.store, oracle, cfg, rt.logger), nil
}

// storedRows returns the catalog rows in the form the index consumes.
func (rt *runtime) storedRows() []database.StoredRow {
	rows := rt.store.Rows()
	out := make([]database.StoredRow, len(rows))
	for i, r := range rows {
		out[i] = database.StoredRow{RowIndex: int64(i), IdentityID: int64(r.IdentityID), Embedding: r.Feature}
	}
	return out
}

// index loads the persisted HNSW index when it matches the catalog, otherwise rebuilds it.
func (rt *runtime) index() *database.HNSWIndex {
	idx := database.NewHNSWIndex()
	path := rt.cfg.Database.HNSWIndexPath
	cached, err := idx.LoadOrBuild(path, rt.storedRows())
	switch {
	case err != nil:
		rt.logger.Warn("failed to prepare identity index", "error", err)
	case cached:
		rt.logger.Info("identity index loaded", "path", path, "rows", idx.Count())
	default:
		rt.logger.Info("identity index built", "rows", idx.Count())
	}
	return idx
}

// saveIndex persists the HNSW index when HNSW_INDEX_PATH is set.
func (rt *runtime) saveIndex(idx *database.HNSWIndex) error {
	path := rt.cfg.Database.HNSWIndexPath
	if path == "" {
		return nil
	}
	return idx.SaveWithMetadata(path, database.HNSWIndexMetadata{
		IdentityCount: int64(rt.store.IdentityCount()),
		BuildTime:     time.Now(),
	})
}

// processor builds the cycle pipeline. withWriter controls whether committed
// rows are written to the backend.
func (rt *runtime) processor(engine *matching.Engine, idx *database.HNSWIndex, notifier pipeline.Notifier, withWriter bool, rateLimited bool) *pipeline.Processor {
	opts := pipeline.Options{
		Router:        router.Router{AspectMin: rt.cfg.Router.AspectMin, AspectMax: rt.cfg.Router.AspectMax},
		Extractor:     pipeline.NewHTTPExtractor(rt.cfg.Extractor.URL, rt.cfg.Catalog.Dim, nil),
		BlurThreshold: rt.cfg.Pipeline.BlurThreshold,
		Index:         idx,
		Logger:        rt.logger,
	}
	if notifier != nil {
		opts.Notifier = notifier
	}
	if withWriter && rt.backend != nil {
		opts.Writer = rt.backend
	}
	if rateLimited {
		opts.MaxCyclesPerSecond = rt.cfg.Pipeline.MaxCyclesPerSecond
	}
	return pipeline.NewProcessor(engine, opts)
}

// Close releases the backend.
func (rt *runtime) Close() {
	if rt.backend == nil {
		return
	}
	if err := rt.backend.Close(); err != nil {
		rt.logger.Warn("closing backend", "error", err)
	}
}
