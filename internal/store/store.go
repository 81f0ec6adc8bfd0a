// Package store persists harvested entities into a relational database.
//
// Writes are idempotent upserts keyed by entity id. Child rows (post media)
// and link rows owned by a record are deleted and re-inserted inside the
// same transaction as the parent, so readers never observe a partial set.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/producthuntdb/internal/metrics"
)

const defaultBatchSize = 50

var (
	ErrUnsupportedDSN = errors.New("unsupported database dsn")
	ErrUnknownTable   = errors.New("unknown table")
	ErrInvalidColumn  = errors.New("invalid column name")
	// ErrMissingParent rejects a record whose referenced post, comment or
	// user is not stored yet.
	ErrMissingParent = errors.New("referenced parent is not stored")
	// ErrInvalidParent rejects a comment whose parent is newer than itself.
	ErrInvalidParent = errors.New("parent comment is newer than reply")
)

type Options struct {
	// BatchSize bounds the number of ids per existence lookup.
	BatchSize int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

type Store struct {
	db        *sql.DB
	dialect   dialect
	batchSize int
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// afterWrite runs after each record is written inside a batch
	// transaction; tests use it to inject failures.
	afterWrite func(index int) error
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Open connects to the database named by dsn and creates the schema if
// needed. See resolveDSN for accepted forms.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	return openWith(ctx, dsn, opts, sql.Open)
}

func openWith(ctx context.Context, dsn string, opts Options, open sqlOpenFunc) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty dsn", ErrUnsupportedDSN)
	}
	if i := strings.Index(dsn, "://"); i > 0 {
		if factory, ok := lookupFactory(dsn[:i]); ok {
			return factory(ctx, dsn, opts)
		}
	}
	tgt, err := resolveDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := open(tgt.dialect.driver, tgt.source)
	if err != nil {
		return nil, err
	}
	if tgt.dialect.singleWriter {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}
	s := newStore(db, tgt.dialect, opts)
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Debug("store opened", zap.String("dialect", tgt.dialect.name))
	return s, nil
}

func newStore(db *sql.DB, d dialect, opts Options) *Store {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:        db,
		dialect:   d,
		batchSize: batchSize,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       time.Now,
	}
}

func (s *Store) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.dialect.name, err)
	}
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dialect reports the SQL dialect in use ("sqlite" or "postgres").
func (s *Store) Dialect() string {
	return s.dialect.name
}

// inTx runs fn in a transaction and commits only if fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(q *txQuerier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&txQuerier{tx: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

type txQuerier struct {
	tx      *sql.Tx
	dialect dialect
}

func (q *txQuerier) exec(ctx context.Context, query string, args ...any) error {
	_, err := q.tx.ExecContext(ctx, q.dialect.rebind(query), args...)
	return err
}

func (q *txQuerier) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.tx.QueryRowContext(ctx, q.dialect.rebind(query), args...)
}

func (q *txQuerier) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.tx.QueryContext(ctx, q.dialect.rebind(query), args...)
}

func (q *txQuerier) exists(ctx context.Context, table, id string) (bool, error) {
	var one int
	err := q.queryRow(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseStoredTime(raw sql.NullString) (time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", raw.String, err)
	}
	return ts.UTC(), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
