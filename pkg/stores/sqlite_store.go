package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/pyrite-env/pyrite/pkg/envstate"
	"github.com/pyrite-env/pyrite/pkg/pyver"
	"github.com/pyrite-env/pyrite/pkg/transaction"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// CreateEnvironment inserts a new environment record
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, rec *EnvironmentRecord) error {
	packages, err := encodePackages(rec.Metadata.Packages)
	if err != nil {
		return fmt.Errorf("failed to encode packages: %w", err)
	}

	query := `
		INSERT INTO environments (name, status, interpreter, path, revision, packages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.Metadata.Name,
		rec.Status,
		rec.Metadata.Interpreter.String(),
		rec.Metadata.Path,
		rec.Metadata.Revision,
		packages,
		rec.Metadata.CreatedAt,
		rec.Metadata.UpdatedAt,
	)

	if err != nil {
		if exists, checkErr := s.environmentExists(ctx, rec.Metadata.Name); checkErr == nil && exists {
			return fmt.Errorf("environment %s: %w", rec.Metadata.Name, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create environment: %w", err)
	}

	return nil
}

// GetEnvironment retrieves an environment by name
func (s *SQLiteStore) GetEnvironment(ctx context.Context, name string) (*EnvironmentRecord, error) {
	query := `
		SELECT name, status, interpreter, path, revision, packages, created_at, updated_at
		FROM environments
		WHERE name = ?
	`

	rec, err := scanEnvironment(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("environment %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}

	return rec, nil
}

// ListEnvironments lists all environments ordered by name
func (s *SQLiteStore) ListEnvironments(ctx context.Context) ([]*EnvironmentRecord, error) {
	query := `
		SELECT name, status, interpreter, path, revision, packages, created_at, updated_at
		FROM environments
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	records := []*EnvironmentRecord{}
	for rows.Next() {
		rec, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating environments: %w", err)
	}

	return records, nil
}

// UpdateEnvironmentStatus updates the lifecycle status of an environment
func (s *SQLiteStore) UpdateEnvironmentStatus(ctx context.Context, name string, status envstate.Status) error {
	if err := status.Validate(); err != nil {
		return err
	}

	query := `UPDATE environments SET status = ?, updated_at = ? WHERE name = ?`

	result, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("failed to update environment status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("environment %s: %w", name, ErrNotFound)
	}

	return nil
}

// DeleteEnvironment deletes an environment by name. Transaction history
// is retained.
func (s *SQLiteStore) DeleteEnvironment(ctx context.Context, name string) error {
	query := `DELETE FROM environments WHERE name = ?`

	result, err := s.db.ExecContext(ctx, query, name)
	if err != nil {
		return fmt.Errorf("failed to delete environment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("environment %s: %w", name, ErrNotFound)
	}

	return nil
}

// Head returns the latest committed snapshot of an environment.
func (s *SQLiteStore) Head(ctx context.Context, name string) (envstate.Metadata, error) {
	rec, err := s.GetEnvironment(ctx, name)
	if err != nil {
		return envstate.Metadata{}, err
	}
	return rec.Metadata, nil
}

// Replace swaps the stored snapshot for the next one, but only if the
// stored revision still matches expectedRevision. A lost race returns
// ErrRevisionConflict.
func (s *SQLiteStore) Replace(ctx context.Context, name string, expectedRevision int64, next envstate.Metadata) error {
	packages, err := encodePackages(next.Packages)
	if err != nil {
		return fmt.Errorf("failed to encode packages: %w", err)
	}

	query := `
		UPDATE environments
		SET revision = ?, packages = ?, path = ?, updated_at = ?
		WHERE name = ? AND revision = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		next.Revision,
		packages,
		next.Path,
		next.UpdatedAt,
		name,
		expectedRevision,
	)
	if err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		exists, checkErr := s.environmentExists(ctx, name)
		if checkErr != nil {
			return checkErr
		}
		if !exists {
			return fmt.Errorf("environment %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("environment %s at revision %d: %w", name, expectedRevision, ErrRevisionConflict)
	}

	return nil
}

// SaveTransaction inserts or updates a sync transaction record
func (s *SQLiteStore) SaveTransaction(ctx context.Context, tx *transaction.Transaction) error {
	operations, err := json.Marshal(tx.Operations)
	if err != nil {
		return fmt.Errorf("failed to encode operations: %w", err)
	}
	rollbackLog, err := json.Marshal(tx.RollbackLog)
	if err != nil {
		return fmt.Errorf("failed to encode rollback log: %w", err)
	}

	var errMsg *string
	if tx.Error != "" {
		errMsg = &tx.Error
	}
	var finishedAt *time.Time
	if !tx.FinishedAt.IsZero() {
		finishedAt = &tx.FinishedAt
	}

	query := `
		INSERT INTO sync_transactions (
			id, environment, plan_id, base_revision, status,
			operations, rollback_log, error, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			operations = excluded.operations,
			rollback_log = excluded.rollback_log,
			error = excluded.error,
			finished_at = excluded.finished_at
	`

	_, err = s.db.ExecContext(ctx, query,
		tx.ID,
		tx.Environment,
		tx.PlanID,
		tx.BaseRevision,
		tx.Status,
		string(operations),
		string(rollbackLog),
		errMsg,
		tx.StartedAt,
		finishedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}

	return nil
}

// GetTransaction retrieves a sync transaction by ID
func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*transaction.Transaction, error) {
	query := `
		SELECT id, environment, plan_id, base_revision, status,
			   operations, rollback_log, error, started_at, finished_at
		FROM sync_transactions
		WHERE id = ?
	`

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	return tx, nil
}

// ListTransactions lists sync transactions for an environment, newest
// first, with pagination. An empty environment lists across all
// environments.
func (s *SQLiteStore) ListTransactions(ctx context.Context, environment string, limit, offset int) ([]*transaction.Transaction, error) {
	query := `
		SELECT id, environment, plan_id, base_revision, status,
			   operations, rollback_log, error, started_at, finished_at
		FROM sync_transactions
		WHERE (? = '' OR environment = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, environment, environment, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txs := []*transaction.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txs, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) environmentExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM environments WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check environment: %w", err)
	}
	return true, nil
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanEnvironment(row scanner) (*EnvironmentRecord, error) {
	var (
		rec         EnvironmentRecord
		interpreter string
		packages    string
	)
	err := row.Scan(
		&rec.Metadata.Name,
		&rec.Status,
		&interpreter,
		&rec.Metadata.Path,
		&rec.Metadata.Revision,
		&packages,
		&rec.Metadata.CreatedAt,
		&rec.Metadata.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Metadata.Interpreter, err = pyver.Parse(interpreter)
	if err != nil {
		return nil, fmt.Errorf("stored interpreter version %q: %w", interpreter, err)
	}
	if err := json.Unmarshal([]byte(packages), &rec.Metadata.Packages); err != nil {
		return nil, fmt.Errorf("stored package set: %w", err)
	}
	if rec.Metadata.Packages == nil {
		rec.Metadata.Packages = make(map[string]pyver.Version)
	}
	return &rec, nil
}

func scanTransaction(row scanner) (*transaction.Transaction, error) {
	var (
		tx          transaction.Transaction
		operations  string
		rollbackLog string
		errMsg      *string
		finishedAt  *time.Time
	)
	err := row.Scan(
		&tx.ID,
		&tx.Environment,
		&tx.PlanID,
		&tx.BaseRevision,
		&tx.Status,
		&operations,
		&rollbackLog,
		&errMsg,
		&tx.StartedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(operations), &tx.Operations); err != nil {
		return nil, fmt.Errorf("stored operations: %w", err)
	}
	if err := json.Unmarshal([]byte(rollbackLog), &tx.RollbackLog); err != nil {
		return nil, fmt.Errorf("stored rollback log: %w", err)
	}
	if errMsg != nil {
		tx.Error = *errMsg
	}
	if finishedAt != nil {
		tx.FinishedAt = *finishedAt
	}
	return &tx, nil
}

func encodePackages(packages map[string]pyver.Version) (string, error) {
	if packages == nil {
		packages = map[string]pyver.Version{}
	}
	data, err := json.Marshal(packages)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Interface guards.
var (
	_ Store                     = (*SQLiteStore)(nil)
	_ transaction.MetadataStore = (*SQLiteStore)(nil)
)
