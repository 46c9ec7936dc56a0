// Package matching resolves feature vectors to catalog identities.
//
// The engine owns no catalog state. Each batch runs to completion under the
// engine mutex: one gallery snapshot, one oracle call, validation of the
// returned distances and only then the commits.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
	"github.com/kozaktomas/reid-catalog/internal/constants"
	"github.com/kozaktomas/reid-catalog/internal/feature"
	"github.com/kozaktomas/reid-catalog/internal/rerank"
)

var (
	// ErrEmptyCatalog is returned by Update when no identity exists yet.
	ErrEmptyCatalog = errors.New("matching: catalog is empty")
	// ErrLengthMismatch is returned by Update when features and targets differ in length.
	ErrLengthMismatch = errors.New("matching: features and target ids differ in length")
)

// Status is the outcome of one query or update item.
type Status string

const (
	// StatusCreated: a new identity was minted from the feature.
	StatusCreated Status = "created"
	// StatusMerged: the feature was appended to an existing identity.
	StatusMerged Status = "merged"
	// StatusMatched: an existing identity matched but its bank was full.
	StatusMatched Status = "matched"
	// StatusRejectedCapacity: the update target bank was full.
	StatusRejectedCapacity Status = "rejected_capacity"
	// StatusRejectedDistance: the feature was too far from the update target.
	StatusRejectedDistance Status = "rejected_distance"
	// StatusRejectedRedundant: the feature was too close to the target bank to add information.
	StatusRejectedRedundant Status = "rejected_redundant"
	// StatusRejectedUnknown: the update target does not exist.
	StatusRejectedUnknown Status = "rejected_unknown"
)

// Committed reports whether the status left a new row in the catalog.
func (s Status) Committed() bool {
	return s == StatusCreated || s == StatusMerged
}

// Config holds the decision thresholds.
type Config struct {
	// MergeThreshold: distances strictly below it merge into the nearest identity.
	MergeThreshold float64
	// NoveltyDistance: with a positive value, update-path features closer
	// than this to the target bank are not stored.
	NoveltyDistance float64
	// Params are passed to the oracle on every call.
	Params rerank.Params
}

// DefaultConfig returns a 0.2 merge threshold, no redundancy filter and default oracle parameters.
func DefaultConfig() Config {
	return Config{
		MergeThreshold: constants.DefaultMergeThreshold,
		Params:         rerank.DefaultParams(),
	}
}

// Resolution is the outcome of one query-path feature.
type Resolution struct {
	ID       int     `json:"id" msgpack:"id"`
	Status   Status  `json:"status" msgpack:"status"`
	Distance float64 `json:"distance,omitempty" msgpack:"distance,omitempty"`
}

// UpdateResult is the outcome of one update-path feature.
type UpdateResult struct {
	TargetID int     `json:"target_id" msgpack:"target_id"`
	Status   Status  `json:"status" msgpack:"status"`
	Distance float64 `json:"distance,omitempty" msgpack:"distance,omitempty"`
}

// Engine applies the matching policy to a catalog.
type Engine struct {
	mu     sync.Mutex
	store  *catalog.Store
	oracle rerank.Oracle
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an engine over store using oracle for distances.
func NewEngine(store *catalog.Store, oracle rerank.Oracle, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		oracle: oracle,
		cfg:    cfg,
		logger: logger.With("component", "matching"),
	}
}

// Store returns the catalog the engine writes to.
func (e *Engine) Store() *catalog.Store { return e.store }

// Config returns the engine thresholds.
func (e *Engine) Config() Config { return e.cfg }

// Query resolves every feature to an identity, in input order.
//
// On an empty catalog every feature mints a new identity. Otherwise the whole
// batch is scored once against the current gallery; the nearest row (lowest
// row on ties) wins when its distance is below the merge threshold and the
// feature is appended to its owner, or silently kept out if that bank is
// full. Features that match nothing mint new identities. Identities created
// by this batch are not visible to later features of the same batch.
//
// An oracle failure or malformed distance matrix aborts the batch before
// any commit.
func (e *Engine) Query(ctx context.Context, features []feature.Vector) ([]Resolution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(features) == 0 {
		return nil, nil
	}
	query, err := feature.Stack(features, e.store.Dim())
	if err != nil {
		return nil, err
	}

	out := make([]Resolution, len(features))
	if e.store.IdentityCount() == 0 {
		for i, f := range features {
			out[i] = Resolution{ID: e.store.CreateIdentity(f), Status: StatusCreated}
		}
		e.logger.Debug("bootstrapped catalog", "identities", len(features))
		return out, nil
	}

	view := e.store.GlobalView()
	dist, err := e.oracle.Rerank(ctx, query, view.Features, e.cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("rerank query batch: %w", err)
	}
	if err := rerank.Validate(dist, query.Rows, view.Features.Rows); err != nil {
		return nil, err
	}

	for i, f := range features {
		row, d := dist.ArgMin(i)
		if d < e.cfg.MergeThreshold {
			owner := view.Owners[row]
			err := e.store.AppendFeature(owner, f)
			switch {
			case err == nil:
				out[i] = Resolution{ID: owner, Status: StatusMerged, Distance: d}
			case errors.Is(err, catalog.ErrCapacityExceeded):
				out[i] = Resolution{ID: owner, Status: StatusMatched, Distance: d}
			default:
				return nil, fmt.Errorf("commit query %d: %w", i, err)
			}
			continue
		}
		out[i] = Resolution{ID: e.store.CreateIdentity(f), Status: StatusCreated, Distance: d}
	}
	return out, nil
}

type scored struct {
	dist   float64
	scored bool
}

// Update offers each feature to its target identity only.
//
// The feature is compared against the target's own bank and appended when
// the nearest distance is below the merge threshold and the bank has room.
// All distances are computed before anything is committed, so an oracle
// failure leaves the catalog untouched. Update on an empty catalog returns
// ErrEmptyCatalog and does nothing.
func (e *Engine) Update(ctx context.Context, features []feature.Vector, targets []int) ([]UpdateResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(features) != len(targets) {
		return nil, fmt.Errorf("%w: %d features, %d targets", ErrLengthMismatch, len(features), len(targets))
	}
	if len(features) == 0 {
		return nil, nil
	}
	if _, err := feature.Stack(features, e.store.Dim()); err != nil {
		return nil, err
	}
	if e.store.IdentityCount() == 0 {
		return nil, ErrEmptyCatalog
	}

	out := make([]UpdateResult, len(features))
	scores := make([]scored, len(features))
	for i, f := range features {
		target := targets[i]
		out[i].TargetID = target

		bank, err := e.store.Bank(target)
		if errors.Is(err, catalog.ErrUnknownIdentity) {
			out[i].Status = StatusRejectedUnknown
			continue
		}
		if err != nil {
			return nil, err
		}
		if bank.Rows >= e.store.MaxBankSize() {
			out[i].Status = StatusRejectedCapacity
			continue
		}

		query := feature.Matrix{Rows: 1, Cols: len(f), Data: f}
		dist, err := e.oracle.Rerank(ctx, query, bank, e.cfg.Params)
		if err != nil {
			return nil, fmt.Errorf("rerank update %d against identity %d: %w", i, target, err)
		}
		if err := rerank.Validate(dist, 1, bank.Rows); err != nil {
			return nil, err
		}
		_, d := dist.ArgMin(0)
		scores[i] = scored{dist: d, scored: true}
	}

	for i, f := range features {
		if !scores[i].scored {
			continue
		}
		d := scores[i].dist
		out[i].Distance = d
		switch {
		case d >= e.cfg.MergeThreshold:
			out[i].Status = StatusRejectedDistance
		case e.cfg.NoveltyDistance > 0 && d < e.cfg.NoveltyDistance:
			out[i].Status = StatusRejectedRedundant
		default:
			err := e.store.AppendFeature(targets[i], f)
			switch {
			case err == nil:
				out[i].Status = StatusMerged
			case errors.Is(err, catalog.ErrCapacityExceeded):
				out[i].Status = StatusRejectedCapacity
			default:
				return nil, fmt.Errorf("commit update %d: %w", i, err)
			}
		}
	}
	return out, nil
}
