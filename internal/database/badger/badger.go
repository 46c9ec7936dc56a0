// Package badger stores the catalog feature index in an embedded BadgerDB,
// for edge deployments without a database server.
//
// Keys are "row/" followed by the big-endian row index, so iteration order is
// row order. Values are msgpack-encoded records.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kozaktomas/reid-catalog/internal/database"
)

// MemoryDir selects an in-memory database: badger://:memory:
const MemoryDir = ":memory:"

var rowPrefix = []byte("row/")

func init() {
	database.RegisterBackend("badger", func(_ context.Context, url string, opts database.BackendOptions) (database.Backend, error) {
		_, dir, _ := strings.Cut(url, "://")
		return Open(dir, opts.Logger)
	})
}

// Store implements database.Backend on BadgerDB.
type Store struct {
	db *badgerdb.DB
}

// record is the stored value of one row.
type record struct {
	IdentityID int64     `msgpack:"id"`
	Embedding  []float32 `msgpack:"emb"`
	CreatedAt  time.Time `msgpack:"ts"`
}

// Open opens or creates a database in dir. MemoryDir keeps everything in memory.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("badger: directory is required (use badger://:memory: for an in-memory store)")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := badgerdb.DefaultOptions(dir)
	if dir == MemoryDir {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(slogLogger{logger.With("backend", "badger")})

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func rowKey(rowIndex int64) []byte {
	k := make([]byte, len(rowPrefix)+8)
	copy(k, rowPrefix)
	binary.BigEndian.PutUint64(k[len(rowPrefix):], uint64(rowIndex))
	return k
}

// LoadRows returns every row ordered by row index.
func (s *Store) LoadRows(ctx context.Context) ([]database.StoredRow, error) {
	var out []database.StoredRow
	err := s.db.View(func(txn *badgerdb.Txn) error {
		iterOpts := badgerdb.DefaultIteratorOptions
		iterOpts.Prefix = rowPrefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(rowPrefix); it.ValidForPrefix(rowPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := item.Key()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec record
			if err := msgpack.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decode row: %w", err)
			}
			out = append(out, database.StoredRow{
				RowIndex:   int64(binary.BigEndian.Uint64(key[len(rowPrefix):])),
				IdentityID: rec.IdentityID,
				Embedding:  rec.Embedding,
				CreatedAt:  rec.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load rows: %w", err)
	}
	return out, nil
}

// CountRows returns the number of stored rows.
func (s *Store) CountRows(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badgerdb.Txn) error {
		iterOpts := badgerdb.DefaultIteratorOptions
		iterOpts.Prefix = rowPrefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(rowPrefix); it.ValidForPrefix(rowPrefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// CountIdentities returns the number of distinct identities.
func (s *Store) CountIdentities(ctx context.Context) (int, error) {
	rows, err := s.LoadRows(ctx)
	if err != nil {
		return 0, err
	}
	ids := make(map[int64]struct{})
	for _, r := range rows {
		ids[r.IdentityID] = struct{}{}
	}
	return len(ids), nil
}

// SaveRows writes rows that are not stored yet.
func (s *Store) SaveRows(_ context.Context, rows []database.StoredRow) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		for _, r := range rows {
			key := rowKey(r.RowIndex)
			if _, err := txn.Get(key); err == nil {
				continue
			} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
				return err
			}
			createdAt := r.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}
			val, err := msgpack.Marshal(record{IdentityID: r.IdentityID, Embedding: r.Embedding, CreatedAt: createdAt})
			if err != nil {
				return fmt.Errorf("encode row %d: %w", r.RowIndex, err)
			}
			if err := txn.Set(key, val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save rows: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ database.Backend = (*Store)(nil)

// slogLogger routes badger output to slog, suppressing debug and info messages.
type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Errorf(f string, v ...interface{})   { s.l.Error(strings.TrimSpace(fmt.Sprintf(f, v...))) }
func (s slogLogger) Warningf(f string, v ...interface{}) { s.l.Warn(strings.TrimSpace(fmt.Sprintf(f, v...))) }
func (slogLogger) Infof(string, ...interface{})          {}
func (slogLogger) Debugf(string, ...interface{})         {}
