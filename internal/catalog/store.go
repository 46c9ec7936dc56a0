// Package catalog implements the identity store: a dense arena of identities,
// each owning a bounded bank of feature vectors, plus the flattened global
// feature index used as the matching gallery.
//
// The store makes no outbound calls. Every mutation happens under a single
// writer lock so the global index always holds exactly the sum of all bank
// sizes, and readers only ever see copies taken under the read lock.
package catalog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kozaktomas/reid-catalog/internal/feature"
)

var (
	// ErrCapacityExceeded is returned by AppendFeature when the target bank is full.
	ErrCapacityExceeded = errors.New("catalog: identity bank is full")
	// ErrUnknownIdentity is returned when an id has not been assigned yet.
	ErrUnknownIdentity = errors.New("catalog: unknown identity")
	// ErrInvariant is returned when restored rows cannot form a valid store.
	ErrInvariant = errors.New("catalog: store invariant violated")
)

// Options configures a Store.
type Options struct {
	// Dim is the fixed feature dimensionality D.
	Dim int
	// MaxBankSize bounds the number of features retained per identity.
	MaxBankSize int
	// RecordChanges keeps a log of mutations for DrainChanges.
	RecordChanges bool
}

// identity is one arena slot. bank holds size rows of dim values, oldest first.
type identity struct {
	bank []float32
	size int
}

// Store owns every identity and the global feature index.
type Store struct {
	mu      sync.RWMutex
	dim     int
	maxBank int
	record  bool

	identities []identity
	index      []float32 // global rows, row-major
	owners     []int     // owner id per global row
	changes    []Change
}

// NewStore creates an empty store.
func NewStore(opts Options) (*Store, error) {
	if opts.Dim <= 0 {
		return nil, fmt.Errorf("catalog: feature dimension must be positive, got %d", opts.Dim)
	}
	if opts.MaxBankSize <= 0 {
		return nil, fmt.Errorf("catalog: max bank size must be positive, got %d", opts.MaxBankSize)
	}
	return &Store{
		dim:     opts.Dim,
		maxBank: opts.MaxBankSize,
		record:  opts.RecordChanges,
	}, nil
}

// Dim returns the feature dimensionality.
func (s *Store) Dim() int { return s.dim }

// MaxBankSize returns the per-identity bank capacity.
func (s *Store) MaxBankSize() int { return s.maxBank }

// CreateIdentity mints a new identity whose bank holds only f and returns its id.
// Ids are assigned sequentially from 0. f must have Dim values.
func (s *Store) CreateIdentity(f feature.Vector) int {
	s.mustHaveDim(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createLocked(f)
}

func (s *Store) createLocked(f feature.Vector) int {
	id := len(s.identities)
	bank := make([]float32, s.dim, s.dim*min(s.maxBank, 4))
	copy(bank, f)
	s.identities = append(s.identities, identity{bank: bank, size: 1})
	row := s.appendRowLocked(id, f)
	s.recordLocked(ChangeCreated, row, id, f)
	return id
}

// AppendFeature adds f to the bank of identity id and to the global index.
// It returns ErrCapacityExceeded, leaving the store untouched, when the bank is full.
func (s *Store) AppendFeature(id int, f feature.Vector) error {
	s.mustHaveDim(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(id, f)
}

func (s *Store) appendLocked(id int, f feature.Vector) error {
	if id < 0 || id >= len(s.identities) {
		return fmt.Errorf("%w: %d", ErrUnknownIdentity, id)
	}
	ident := &s.identities[id]
	if ident.size >= s.maxBank {
		return fmt.Errorf("%w: identity %d holds %d features", ErrCapacityExceeded, id, ident.size)
	}
	ident.bank = append(ident.bank, f...)
	ident.size++
	row := s.appendRowLocked(id, f)
	s.recordLocked(ChangeAppended, row, id, f)
	return nil
}

func (s *Store) appendRowLocked(owner int, f feature.Vector) int {
	s.index = append(s.index, f...)
	s.owners = append(s.owners, owner)
	return len(s.owners) - 1
}

func (s *Store) recordLocked(kind ChangeKind, row, id int, f feature.Vector) {
	if !s.record {
		return
	}
	cp := make(feature.Vector, len(f))
	copy(cp, f)
	s.changes = append(s.changes, Change{Kind: kind, Row: row, IdentityID: id, Feature: cp})
}

func (s *Store) mustHaveDim(f feature.Vector) {
	if len(f) != s.dim {
		panic(fmt.Sprintf("catalog: feature has %d values, store dimension is %d", len(f), s.dim))
	}
}

// View is a consistent, caller-owned copy of the global feature index.
type View struct {
	Features feature.Matrix
	Owners   []int
}

// GlobalView returns a snapshot of the global index and its row owners.
func (s *Store) GlobalView() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := make([]float32, len(s.index))
	copy(data, s.index)
	owners := make([]int, len(s.owners))
	copy(owners, s.owners)
	return View{
		Features: feature.Matrix{Rows: len(owners), Cols: s.dim, Data: data},
		Owners:   owners,
	}
}

// IdentityCount returns how many identities have been created.
func (s *Store) IdentityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.identities)
}

// RowCount returns the number of rows in the global index.
func (s *Store) RowCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.owners)
}

// Bank returns a copy of the feature bank of identity id.
func (s *Store) Bank(id int) (feature.Matrix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id < 0 || id >= len(s.identities) {
		return feature.Matrix{}, fmt.Errorf("%w: %d", ErrUnknownIdentity, id)
	}
	ident := s.identities[id]
	data := make([]float32, len(ident.bank))
	copy(data, ident.bank)
	return feature.Matrix{Rows: ident.size, Cols: s.dim, Data: data}, nil
}

// IsFull reports whether identity id has reached bank capacity.
// ok is false when the id does not exist.
func (s *Store) IsFull(id int) (full, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id < 0 || id >= len(s.identities) {
		return false, false
	}
	return s.identities[id].size >= s.maxBank, true
}

// Summary describes one identity without exposing its features.
type Summary struct {
	ID       int  `json:"id"`
	BankSize int  `json:"bank_size"`
	Full     bool `json:"full"`
}

// Summaries lists every identity in id order.
func (s *Store) Summaries() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, len(s.identities))
	for id, ident := range s.identities {
		out[id] = Summary{ID: id, BankSize: ident.size, Full: ident.size >= s.maxBank}
	}
	return out
}

// Stats aggregates store counters.
type Stats struct {
	Identities     int `json:"identities"`
	Rows           int `json:"rows"`
	FullIdentities int `json:"full_identities"`
	Dim            int `json:"dim"`
	MaxBankSize    int `json:"max_bank_size"`
}

// Stats returns aggregate counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	full := 0
	for _, ident := range s.identities {
		if ident.size >= s.maxBank {
			full++
		}
	}
	return Stats{
		Identities:     len(s.identities),
		Rows:           len(s.owners),
		FullIdentities: full,
		Dim:            s.dim,
		MaxBankSize:    s.maxBank,
	}
}

// CheckInvariants verifies that the global index agrees with the banks.
func (s *Store) CheckInvariants() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	perOwner := make([]int, len(s.identities))
	for id, ident := range s.identities {
		if ident.size < 1 || ident.size > s.maxBank {
			return fmt.Errorf("%w: identity %d bank size %d", ErrInvariant, id, ident.size)
		}
		if len(ident.bank) != ident.size*s.dim {
			return fmt.Errorf("%w: identity %d bank buffer has %d values", ErrInvariant, id, len(ident.bank))
		}
		total += ident.size
	}
	if len(s.owners) != total || len(s.index) != total*s.dim {
		return fmt.Errorf("%w: %d index rows for %d bank features", ErrInvariant, len(s.owners), total)
	}
	for row, owner := range s.owners {
		if owner < 0 || owner >= len(s.identities) {
			return fmt.Errorf("%w: row %d owned by unknown identity %d", ErrInvariant, row, owner)
		}
		perOwner[owner]++
	}
	for id, n := range perOwner {
		if n != s.identities[id].size {
			return fmt.Errorf("%w: identity %d owns %d rows, bank holds %d", ErrInvariant, id, n, s.identities[id].size)
		}
	}
	return nil
}
