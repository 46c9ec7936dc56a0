package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
)

// ErrNoBackend is returned by Open when no DATABASE_URL is configured.
var ErrNoBackend = errors.New("no database backend configured")

// BackendOptions are passed to every backend constructor.
type BackendOptions struct {
	MaxOpenConns int
	MaxIdleConns int
	Logger       *slog.Logger
}

// Opener constructs a backend from a DATABASE_URL.
type Opener func(ctx context.Context, url string, opts BackendOptions) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Opener)
)

// RegisterBackend registers a backend constructor for a URL scheme.
// This is called by the backend packages to avoid import cycles.
func RegisterBackend(scheme string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[scheme] = open
}

// RegisteredSchemes lists the schemes with a registered backend.
func RegisteredSchemes() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	out := make([]string, 0, len(backends))
	for s := range backends {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open connects to the backend selected by the URL scheme.
func Open(ctx context.Context, url string, opts BackendOptions) (Backend, error) {
	if url == "" {
		return nil, ErrNoBackend
	}
	scheme, _, ok := strings.Cut(url, "://")
	if !ok {
		return nil, fmt.Errorf("DATABASE_URL %q has no scheme", redactURL(url))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	backendsMu.RLock()
	open, found := backends[scheme]
	backendsMu.RUnlock()
	if !found {
		return nil, fmt.Errorf("no database backend registered for scheme %q (available: %s)",
			scheme, strings.Join(RegisteredSchemes(), ", "))
	}
	return open(ctx, url, opts)
}

// LoadStore restores a catalog store from the persisted rows.
func LoadStore(ctx context.Context, r CatalogReader, opts catalog.Options) (*catalog.Store, error) {
	stored, err := r.LoadRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rows: %w", err)
	}
	rows, err := CatalogRows(stored)
	if err != nil {
		return nil, err
	}
	store, err := catalog.Restore(opts, rows)
	if err != nil {
		return nil, fmt.Errorf("restore catalog: %w", err)
	}
	return store, nil
}

// redactURL hides credentials in a connection URL for log output.
func redactURL(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return url
}
