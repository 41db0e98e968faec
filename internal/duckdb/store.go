// Package duckdb stores metric samples in DuckDB and serves read-only SQL
// as data frames for the SQL datasource.
package duckdb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/tinytelemetry/panels/internal/duckdb/migrate"
)

// DefaultMaxConcurrentQueries bounds parallel read queries.
const DefaultMaxConcurrentQueries = 8

// Store manages the DuckDB connection.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	QueryTimeout time.Duration
	MaxRows      int

	sem    *semaphore.Weighted
	logger logrus.FieldLogger
}

// NewStore opens or creates a DuckDB database and migrates it.
// If dbPath is empty, an in-memory database is used.
// An optional queryTimeout can be passed; it defaults to 30s.
func NewStore(dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, errors.Wrap(err, "duckdb: create data dir")
		}
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "duckdb: open")
	}

	qt := 30 * time.Second
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		qt = queryTimeout[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), qt)
	defer cancel()
	if err := migrate.NewRunner(db).Run(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:           db,
		dbPath:       dbPath,
		QueryTimeout: qt,
		MaxRows:      DefaultMaxRows,
		sem:          semaphore.NewWeighted(DefaultMaxConcurrentQueries),
		logger:       logrus.StandardLogger().WithField("component", "duckdb"),
	}, nil
}

// SetMaxConcurrentQueries limits how many read queries run at once.
// Values <= 0 are ignored.
func (s *Store) SetMaxConcurrentQueries(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sem = semaphore.NewWeighted(int64(n))
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(l logrus.FieldLogger) {
	if l != nil {
		s.logger = l
	}
}

// DBPath returns the configured path. Empty means in-memory.
func (s *Store) DBPath() string {
	return s.dbPath
}

// SnapshotTo copies the database into a new DuckDB file at dstPath.
// Writes wait until the copy is done.
func (s *Store) SnapshotTo(dstPath string) error {
	if s.dbPath == "" {
		return errors.New("duckdb: cannot snapshot an in-memory database")
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return errors.Wrap(err, "duckdb: create snapshot dir")
	}
	if err := os.Remove(dstPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "duckdb: remove old snapshot")
	}

	ctx, cancel := s.queryCtx(context.Background())
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	// ATTACH and COPY must share one connection.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "duckdb: snapshot connection")
	}
	defer conn.Close()

	var current string
	if err := conn.QueryRowContext(ctx, "SELECT current_database()").Scan(&current); err != nil {
		return errors.Wrap(err, "duckdb: current database")
	}
	if _, err := conn.ExecContext(ctx, "ATTACH "+quoteLiteral(dstPath)+" AS panels_snapshot"); err != nil {
		return errors.Wrap(err, "duckdb: attach snapshot")
	}
	_, copyErr := conn.ExecContext(ctx, "COPY FROM DATABASE "+quoteIdent(current)+" TO panels_snapshot")
	if _, err := conn.ExecContext(ctx, "DETACH panels_snapshot"); err != nil && copyErr == nil {
		return errors.Wrap(err, "duckdb: detach snapshot")
	}
	if copyErr != nil {
		os.Remove(dstPath)
		return errors.Wrap(copyErr, "duckdb: copy database")
	}
	return nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// queryCtx derives a context bounded by the store's query timeout.
func (s *Store) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, s.QueryTimeout)
}

// acquire takes a read slot, waiting until one is free or ctx is done.
func (s *Store) acquire(ctx context.Context) (release func(), err error) {
	s.mu.RLock()
	sem := s.sem
	s.mu.RUnlock()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "duckdb: waiting for query slot")
	}
	return func() { sem.Release(1) }, nil
}
