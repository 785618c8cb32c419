// Package store implements transactional persistence for AEX: agents,
// executions, reservations, rate windows, and the hash-chained event log.
//
// Two engines back the same code path: the embedded SQLite database
// (modernc.org/sqlite, WAL mode) and PostgreSQL via the pgx stdlib driver.
// Every cross-row transition runs in one transaction; SQLite serializes
// writers with an immediate write lock, PostgreSQL runs SERIALIZABLE and
// transitions retry on serialization failure.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Sentinel errors returned by the transition primitives. Handlers map
// these onto the HTTP error taxonomy.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrInvalidState    = errors.New("store: invalid state transition")
	ErrBudgetExceeded  = errors.New("store: agent budget exceeded")
	ErrConflict        = errors.New("store: idempotency conflict")
	ErrAgentNotReady   = errors.New("store: agent lifecycle blocks execution")
	ErrStoreOverloaded = errors.New("store: overloaded, rejecting writes")
)

// Clock abstracts time for rate windows and reservation TTLs. Tests
// substitute a fake; production uses SystemClock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

const timeFormat = time.RFC3339Nano

// Store is the single persistence handle shared by all components.
type Store struct {
	db      *sql.DB
	dialect dialect
	clock   Clock

	breaker breaker
}

// Open selects the engine from the supplied settings: a non-empty pgDSN
// wins, otherwise the SQLite file at dbPath is created/opened. The schema
// is applied idempotently before Open returns.
func Open(ctx context.Context, dbPath, pgDSN string, clock Clock) (*Store, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if strings.TrimSpace(pgDSN) != "" {
		return openPostgres(ctx, pgDSN, clock)
	}
	return openSQLite(ctx, dbPath, clock)
}

func openSQLite(ctx context.Context, path string, clock Clock) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY storms under concurrent
	// transitions; the WAL keeps reads cheap.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dialect: dialectSQLite, clock: clock}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openPostgres(ctx context.Context, dsn string, clock Clock) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	db.SetMaxOpenConns(25)

	s := &Store{db: db, dialect: dialectPostgres, clock: clock}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports database reachability for the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Clock returns the clock the store was opened with.
func (s *Store) Clock() Clock { return s.clock }

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

// rebind rewrites ? placeholders into $n for postgres. SQL in this package
// is written against the sqlite form.
func (s *Store) rebind(query string) string {
	if s.dialect == dialectSQLite {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const (
	txMaxAttempts = 5
	txBaseBackoff = 10 * time.Millisecond
)

// withTx runs fn inside a writer transaction, retrying serialization
// failures with exponential backoff. When the breaker is open it fails
// fast with ErrStoreOverloaded so admission sheds load instead of queueing.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.breaker.open(s.now()) {
		return ErrStoreOverloaded
	}

	var lastErr error
	for attempt := 0; attempt < txMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := txBaseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := s.runTx(ctx, fn)
		if err == nil {
			s.breaker.success()
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}

	s.breaker.failure(s.now())
	log.Warn().Err(lastErr).Msg("store transaction exhausted serialization retries")
	return fmt.Errorf("%w: %v", ErrStoreOverloaded, lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	opts := &sql.TxOptions{}
	if s.dialect == dialectPostgres {
		opts.Isolation = sql.LevelSerializable
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isSerializationFailure detects the retryable conflict class for both
// engines: SQLSTATE 40001/40P01 on postgres, SQLITE_BUSY/LOCKED on sqlite.
func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// breaker trips after repeated retry exhaustion and holds admissions off
// the store for a cooldown period.
type breaker struct {
	mu       sync.Mutex
	failures int
	until    time.Time
}

const (
	breakerThreshold = 3
	breakerCooldown  = 5 * time.Second
)

func (b *breaker) open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Before(b.until)
}

func (b *breaker) failure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= breakerThreshold {
		b.until = now.Add(breakerCooldown)
		b.failures = 0
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}
