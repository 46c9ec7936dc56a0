package catalog

import (
	"fmt"
	"time"

	"github.com/kozaktomas/reid-catalog/internal/feature"
)

// ChangeKind classifies a store mutation.
type ChangeKind uint8

const (
	// ChangeCreated marks the first row of a newly minted identity.
	ChangeCreated ChangeKind = iota + 1
	// ChangeAppended marks a feature added to an existing identity.
	ChangeAppended
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "identity_created"
	case ChangeAppended:
		return "feature_appended"
	default:
		return fmt.Sprintf("change(%d)", uint8(k))
	}
}

// Change is one recorded mutation of the global index.
type Change struct {
	Kind       ChangeKind
	Row        int
	IdentityID int
	Feature    feature.Vector
}

// DrainChanges returns the mutations recorded since the last drain, in commit order.
// It returns nil when change recording is disabled.
func (s *Store) DrainChanges() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.changes
	s.changes = nil
	return out
}

// Row is one row of the global index together with its owner.
type Row struct {
	IdentityID int
	Feature    feature.Vector
}

// Rows returns a copy of the global index in row order.
func (s *Store) Rows() []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Row, len(s.owners))
	for i, owner := range s.owners {
		f := make(feature.Vector, s.dim)
		copy(f, s.index[i*s.dim:(i+1)*s.dim])
		out[i] = Row{IdentityID: owner, Feature: f}
	}
	return out
}

// SnapshotVersion is bumped when the Snapshot layout changes.
const SnapshotVersion = 1

// Snapshot is a self-describing copy of a store.
type Snapshot struct {
	Version     int
	Dim         int
	MaxBankSize int
	CreatedAt   time.Time
	Rows        []Row
}

// Snapshot copies the whole store.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Version:     SnapshotVersion,
		Dim:         s.dim,
		MaxBankSize: s.maxBank,
		CreatedAt:   time.Now().UTC(),
		Rows:        s.Rows(),
	}
}

// Restore rebuilds a store from global index rows.
//
// Rows must replay as a valid history: the first row of every identity
// appears in id order (0, 1, 2, ...), every feature has opts.Dim values and
// no identity owns more than opts.MaxBankSize rows. Restored rows are not
// recorded as changes.
func Restore(opts Options, rows []Row) (*Store, error) {
	s, err := NewStore(opts)
	if err != nil {
		return nil, err
	}
	record := s.record
	s.record = false
	defer func() { s.record = record }()

	for i, r := range rows {
		if len(r.Feature) != s.dim {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrInvariant, i, len(r.Feature), s.dim)
		}
		switch n := len(s.identities); {
		case r.IdentityID == n:
			s.createLocked(r.Feature)
		case r.IdentityID >= 0 && r.IdentityID < n:
			if err := s.appendLocked(r.IdentityID, r.Feature); err != nil {
				return nil, fmt.Errorf("%w: row %d: %v", ErrInvariant, i, err)
			}
		default:
			return nil, fmt.Errorf("%w: row %d references identity %d before identity %d exists", ErrInvariant, i, r.IdentityID, n)
		}
	}
	return s, nil
}

// FromSnapshot restores a snapshot. Zero fields of opts default to the snapshot's own settings.
func FromSnapshot(snap Snapshot, opts Options) (*Store, error) {
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("catalog: unsupported snapshot version %d", snap.Version)
	}
	if opts.Dim == 0 {
		opts.Dim = snap.Dim
	}
	if opts.MaxBankSize == 0 {
		opts.MaxBankSize = snap.MaxBankSize
	}
	if opts.Dim != snap.Dim {
		return nil, fmt.Errorf("%w: snapshot dimension %d, configured %d", ErrInvariant, snap.Dim, opts.Dim)
	}
	return Restore(opts, snap.Rows)
}
