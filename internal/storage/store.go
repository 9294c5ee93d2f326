// Package storage is the transactional store both engines coordinate
// through. Every state change is a named operation running in one
// transaction; engines never read-modify-write rows themselves.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/segmentio/ksuid"

	"github.com/cuongbtq/taskorch/internal/backoff"
	"github.com/cuongbtq/taskorch/internal/domain"
	"github.com/cuongbtq/taskorch/internal/workflow"
)

// Expander resolves a job's workflow into the tasks it should have.
type Expander interface {
	Expand(name string, jobParams map[string]any) ([]workflow.TaskSpec, error)
}

// Store handles all database operations for the builder, the agent and the API
type Store struct {
	db         *sqlx.DB
	dialect    string
	logger     *slog.Logger
	workflows  Expander
	backoff    backoff.Strategy
	clock      domain.Clock
	isolation  sql.IsolationLevel
	txAttempts int
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithWorkflows sets the workflow expander used by InstantiateJobTasks.
func WithWorkflows(e Expander) Option {
	return func(s *Store) { s.workflows = e }
}

// WithBackoff sets the retry delay strategy used by ApplyRetryBackoff.
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Store) { s.backoff = b }
}

// WithClock sets the time source for timestamps the callers do not supply.
func WithClock(c domain.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIsolation sets the transaction isolation level. Only honored on postgres.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(s *Store) { s.isolation = level }
}

// WithTxAttempts bounds how many times a transaction is retried after a
// serialization conflict.
func WithTxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.txAttempts = n
		}
	}
}

// New creates a Store on top of an open database handle. The dialect is taken
// from the handle's driver name.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:         db,
		dialect:    db.DriverName(),
		logger:     slog.Default(),
		backoff:    backoff.DefaultStrategy(),
		clock:      domain.SystemClock,
		isolation:  sql.LevelSerializable,
		txAttempts: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Store) txOptions() *sql.TxOptions {
	if s.dialect != "postgres" {
		return nil
	}
	return &sql.TxOptions{Isolation: s.isolation}
}

// withTx runs fn in a transaction, retrying on serialization conflicts. fn
// must reset any state it accumulates, since it may run more than once.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.txAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !IsTransient(err) {
			return err
		}
		s.logger.Warn("Transaction conflict, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
	return domain.NewRetryableError(fmt.Errorf("%s: %w", op, err))
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, s.txOptions())
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsTransient reports whether err is a conflict or connectivity failure that
// is expected to clear on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var retryable *domain.RetryableError
	if errors.As(err, &retryable) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return pqErr.Code.Class() == "08" // connection exception
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	return errors.Is(err, sql.ErrConnDone)
}

func newID() string {
	return uuid.New().String()
}

func newEventID() string {
	return ksuid.New().String()
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
