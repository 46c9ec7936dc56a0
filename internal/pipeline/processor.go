// Package pipeline runs one processing cycle: admission, blur gate, routing,
// feature extraction, matching and persistence of the resulting changes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
	"github.com/kozaktomas/reid-catalog/internal/database"
	"github.com/kozaktomas/reid-catalog/internal/feature"
	"github.com/kozaktomas/reid-catalog/internal/matching"
	"github.com/kozaktomas/reid-catalog/internal/router"
)

var (
	// ErrBusy is returned when a cycle arrives while another is running or
	// the cycle rate limit is exhausted. The cycle is discarded.
	ErrBusy = errors.New("pipeline busy, cycle discarded")
	// ErrNoImage is returned when a detection without a feature needs a crop but the cycle has no image.
	ErrNoImage = errors.New("detection has no feature and cycle has no image")
	// ErrNoExtractor is returned when crops must be embedded but no extractor is configured.
	ErrNoExtractor = errors.New("no feature extractor configured")
	// ErrBoxOutside is returned when a box that needs a crop lies outside the image.
	ErrBoxOutside = errors.New("box lies outside the image")
)

// SkipBlurry is the skip reason of a cycle rejected by the blur gate.
const SkipBlurry = "blurry"

// Detection is one tracked box. Feature is optional; without it the box is
// cropped from the cycle image and embedded by the extractor.
type Detection struct {
	ProvisionalID int            `json:"id" msgpack:"id"`
	BBox          router.BBox    `json:"bbox" msgpack:"bbox"`
	Feature       feature.Vector `json:"feature,omitempty" msgpack:"feature,omitempty"`
}

// Cycle is one frame's worth of tracker output.
type Cycle struct {
	Image      []byte      `json:"image,omitempty" msgpack:"image,omitempty"`
	Detections []Detection `json:"detections" msgpack:"detections"`
}

// Labeled is a query-path detection with its resolved identity.
type Labeled struct {
	Index    int             `json:"index" msgpack:"index"`
	BBox     router.BBox     `json:"bbox" msgpack:"bbox"`
	ID       int             `json:"id" msgpack:"id"`
	Status   matching.Status `json:"status" msgpack:"status"`
	Distance float64         `json:"distance,omitempty" msgpack:"distance,omitempty"`
}

// Updated is an update-path detection with its outcome.
type Updated struct {
	Index    int             `json:"index" msgpack:"index"`
	TargetID int             `json:"target_id" msgpack:"target_id"`
	Status   matching.Status `json:"status" msgpack:"status"`
	Distance float64         `json:"distance,omitempty" msgpack:"distance,omitempty"`
}

// Result is the outcome of one cycle.
type Result struct {
	CycleID    string        `json:"cycle_id" msgpack:"cycle_id"`
	Skipped    bool          `json:"skipped,omitempty" msgpack:"skipped,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty" msgpack:"skip_reason,omitempty"`
	BlurScore  float64       `json:"blur_score,omitempty" msgpack:"blur_score,omitempty"`
	Labeled    []Labeled     `json:"labeled" msgpack:"labeled"`
	Updated    []Updated     `json:"updated" msgpack:"updated"`
	Dropped    []router.Drop `json:"dropped" msgpack:"dropped"`
	Duration   time.Duration `json:"duration_ns" msgpack:"duration_ns"`
}

// Notifier receives the catalog changes committed by a cycle.
type Notifier interface {
	Notify(cycleID string, changes []catalog.Change)
}

// Options configures a Processor. Zero values disable the optional stages.
type Options struct {
	Router             router.Router
	Extractor          Extractor
	BlurThreshold      float64 // 0 disables the blur gate
	MaxCyclesPerSecond float64 // 0 disables rate limiting
	Writer             database.CatalogWriter
	Index              *database.HNSWIndex
	Notifier           Notifier
	Logger             *slog.Logger
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Cycles          int64 `json:"cycles"`
	Discarded       int64 `json:"discarded"`
	Skipped         int64 `json:"skipped"`
	Failed          int64 `json:"failed"`
	QueryFeatures   int64 `json:"query_features"`
	UpdateFeatures  int64 `json:"update_features"`
	Dropped         int64 `json:"dropped"`
	Created         int64 `json:"created"`
	Merged          int64 `json:"merged"`
	Matched         int64 `json:"matched"`
	UpdatesRejected int64 `json:"updates_rejected"`
	PendingRows     int64 `json:"pending_rows"`
}

type counters struct {
	cycles, discarded, skipped, failed       atomic.Int64
	queryFeatures, updateFeatures, dropped   atomic.Int64
	created, merged, matched, updateRejected atomic.Int64
}

// Processor runs cycles against one matching engine, one at a time.
type Processor struct {
	engine  *matching.Engine
	opts    Options
	limiter *rate.Limiter
	busy    sync.Mutex
	logger  *slog.Logger

	pendingMu sync.Mutex
	pending   []database.StoredRow

	stats counters
}

// NewProcessor creates a processor over engine.
func NewProcessor(engine *matching.Engine, opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.MaxCyclesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxCyclesPerSecond), max(1, int(opts.MaxCyclesPerSecond)))
	}
	return &Processor{
		engine:  engine,
		opts:    opts,
		limiter: limiter,
		logger:  logger.With("component", "pipeline"),
	}
}

// Engine returns the matching engine.
func (p *Processor) Engine() *matching.Engine { return p.engine }

// Process runs one cycle. A cycle arriving while another one runs, or over
// the rate limit, is discarded with ErrBusy.
func (p *Processor) Process(ctx context.Context, c Cycle) (*Result, error) {
	if !p.busy.TryLock() {
		p.stats.discarded.Add(1)
		return nil, ErrBusy
	}
	defer p.busy.Unlock()
	if !p.limiter.Allow() {
		p.stats.discarded.Add(1)
		return nil, ErrBusy
	}

	start := time.Now()
	res := &Result{CycleID: uuid.New().String()}
	p.stats.cycles.Add(1)

	err := p.run(ctx, c, res)
	// Whatever the engine committed before a failure still has to be persisted.
	p.publish(ctx, res.CycleID)
	res.Duration = time.Since(start)

	if err != nil {
		p.stats.failed.Add(1)
		p.logger.Error("cycle failed", "cycle", res.CycleID, "error", err)
		return nil, err
	}
	p.logger.Debug("cycle processed",
		"cycle", res.CycleID,
		"labeled", len(res.Labeled),
		"updated", len(res.Updated),
		"dropped", len(res.Dropped),
		"duration", res.Duration)
	return res, nil
}

func (p *Processor) run(ctx context.Context, c Cycle, res *Result) error {
	res.Labeled = []Labeled{}
	res.Updated = []Updated{}
	res.Dropped = []router.Drop{}

	var img image.Image
	if len(c.Image) > 0 {
		var err error
		if img, err = DecodeImage(c.Image); err != nil {
			return err
		}
		if p.opts.BlurThreshold > 0 {
			res.BlurScore = BlurScore(img)
			if res.BlurScore < p.opts.BlurThreshold {
				p.stats.skipped.Add(1)
				res.Skipped = true
				res.SkipReason = SkipBlurry
				return nil
			}
		}
	}

	store := p.engine.Store()
	routed := make([]router.Detection, len(c.Detections))
	for i, d := range c.Detections {
		routed[i] = router.Detection{ProvisionalID: d.ProvisionalID, BBox: d.BBox}
	}
	plan := p.opts.Router.Route(routed, store)
	res.Dropped = append(res.Dropped, plan.Dropped...)
	p.stats.dropped.Add(int64(len(plan.Dropped)))

	var queryFeats, updateFeats []feature.Vector
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		queryFeats, err = p.features(gctx, img, c.Detections, plan.Query)
		return err
	})
	g.Go(func() error {
		var err error
		updateFeats, err = p.features(gctx, img, c.Detections, plan.Update)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("acquire features: %w", err)
	}

	resolutions, err := p.engine.Query(ctx, queryFeats)
	if err != nil {
		return err
	}
	p.stats.queryFeatures.Add(int64(len(queryFeats)))
	for k, r := range resolutions {
		i := plan.Query[k]
		res.Labeled = append(res.Labeled, Labeled{Index: i, BBox: c.Detections[i].BBox, ID: r.ID, Status: r.Status, Distance: r.Distance})
		switch r.Status {
		case matching.StatusCreated:
			p.stats.created.Add(1)
		case matching.StatusMerged:
			p.stats.merged.Add(1)
		case matching.StatusMatched:
			p.stats.matched.Add(1)
		}
	}

	if len(updateFeats) == 0 {
		return nil
	}
	targets := make([]int, len(plan.Update))
	for k, i := range plan.Update {
		targets[k] = c.Detections[i].ProvisionalID
	}
	updates, err := p.engine.Update(ctx, updateFeats, targets)
	if errors.Is(err, matching.ErrEmptyCatalog) {
		p.logger.Warn("update path skipped on empty catalog", "features", len(updateFeats))
		return nil
	}
	if err != nil {
		return err
	}
	p.stats.updateFeatures.Add(int64(len(updateFeats)))
	for k, u := range updates {
		res.Updated = append(res.Updated, Updated{Index: plan.Update[k], TargetID: u.TargetID, Status: u.Status, Distance: u.Distance})
		if u.Status.Committed() {
			p.stats.merged.Add(1)
		} else {
			p.stats.updateRejected.Add(1)
		}
	}
	return nil
}

// features returns the features of the detections at idx, in order, embedding
// crops for the detections that do not carry one.
func (p *Processor) features(ctx context.Context, img image.Image, dets []Detection, idx []int) ([]feature.Vector, error) {
	out := make([]feature.Vector, len(idx))
	var crops [][]byte
	var slots []int
	for k, i := range idx {
		if len(dets[i].Feature) > 0 {
			if !dets[i].Feature.Finite() {
				return nil, fmt.Errorf("detection %d: %w: feature contains NaN or Inf", i, feature.ErrShape)
			}
			out[k] = dets[i].Feature
			continue
		}
		if img == nil {
			return nil, fmt.Errorf("detection %d: %w", i, ErrNoImage)
		}
		crop, ok := CropResize(img, dets[i].BBox)
		if !ok {
			return nil, fmt.Errorf("detection %d: %w: %s", i, ErrBoxOutside, dets[i].BBox)
		}
		data, err := EncodeJPEG(crop)
		if err != nil {
			return nil, err
		}
		crops = append(crops, data)
		slots = append(slots, k)
	}
	if len(crops) == 0 {
		return out, nil
	}
	if p.opts.Extractor == nil {
		return nil, ErrNoExtractor
	}
	vecs, err := p.opts.Extractor.Extract(ctx, crops)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(crops) {
		return nil, fmt.Errorf("%w: %d embeddings for %d crops", ErrBadEmbeddings, len(vecs), len(crops))
	}
	for j, k := range slots {
		out[k] = vecs[j]
	}
	return out, nil
}

// publish drains the store's change log into the index, the writer and the notifier.
func (p *Processor) publish(ctx context.Context, cycleID string) {
	changes := p.engine.Store().DrainChanges()
	if len(changes) == 0 {
		return
	}
	rows := database.RowsFromChanges(changes, time.Now())
	if p.opts.Index != nil {
		p.opts.Index.AddRows(rows)
	}
	if p.opts.Notifier != nil {
		p.opts.Notifier.Notify(cycleID, changes)
	}
	if p.opts.Writer == nil {
		return
	}

	p.pendingMu.Lock()
	p.pending = append(p.pending, rows...)
	p.pendingMu.Unlock()
	if err := p.Flush(context.WithoutCancel(ctx)); err != nil {
		p.logger.Error("persisting catalog changes failed, will retry", "cycle", cycleID, "error", err)
	}
}

// Flush writes rows that could not be persisted earlier. Writes are
// idempotent, so a retried batch may overlap rows already stored.
func (p *Processor) Flush(ctx context.Context) error {
	if p.opts.Writer == nil {
		return nil
	}
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	for len(p.pending) > 0 {
		n := min(len(p.pending), database.SaveBatchSize)
		if err := p.opts.Writer.SaveRows(ctx, p.pending[:n]); err != nil {
			return err
		}
		p.pending = p.pending[n:]
	}
	p.pending = nil
	return nil
}

// Stats returns a copy of the counters.
func (p *Processor) Stats() Stats {
	p.pendingMu.Lock()
	pending := len(p.pending)
	p.pendingMu.Unlock()
	return Stats{
		Cycles:          p.stats.cycles.Load(),
		Discarded:       p.stats.discarded.Load(),
		Skipped:         p.stats.skipped.Load(),
		Failed:          p.stats.failed.Load(),
		QueryFeatures:   p.stats.queryFeatures.Load(),
		UpdateFeatures:  p.stats.updateFeatures.Load(),
		Dropped:         p.stats.dropped.Load(),
		Created:         p.stats.created.Load(),
		Merged:          p.stats.merged.Load(),
		Matched:         p.stats.matched.Load(),
		UpdatesRejected: p.stats.updateRejected.Load(),
		PendingRows:     int64(pending),
	}
}
