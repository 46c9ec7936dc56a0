package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
)

// Store saves and loads a single snapshot.
type Store interface {
	Save(ctx context.Context, snap catalog.Snapshot) error
	Load(ctx context.Context) (catalog.Snapshot, error)
	Location() string
}

// Options configures S3 access.
type Options struct {
	S3Endpoint string // custom endpoint, e.g. MinIO; enables path-style addressing
	S3Region   string
}

// Open returns the store for location: s3://bucket/key or a local file path.
func Open(ctx context.Context, location string, opts Options) (Store, error) {
	if location == "" {
		return nil, fmt.Errorf("snapshot location is empty")
	}
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return NewFileStore(location), nil
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid S3 location %q, want s3://bucket/key", location)
	}
	return NewS3Store(ctx, bucket, key, opts)
}

// Restore loads the snapshot from st and rebuilds a store from it.
func Restore(ctx context.Context, st Store, opts catalog.Options) (*catalog.Store, error) {
	snap, err := st.Load(ctx)
	if err != nil {
		return nil, err
	}
	s, err := catalog.FromSnapshot(snap, opts)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot %s: %w", st.Location(), err)
	}
	return s, nil
}
