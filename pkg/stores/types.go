package stores

import (
	"context"
	"database/sql"
	"errors"

	"github.com/pyrite-env/pyrite/pkg/envstate"
	"github.com/pyrite-env/pyrite/pkg/transaction"
)

// Sentinel errors returned by store operations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrRevisionConflict is returned when a snapshot replacement loses
	// to a concurrent writer: the stored revision no longer matches the
	// revision the caller read.
	ErrRevisionConflict = errors.New("revision conflict")
)

// EnvironmentRecord is a persisted environment: its latest committed
// snapshot plus its lifecycle status.
type EnvironmentRecord struct {
	// Metadata is the latest committed snapshot.
	Metadata envstate.Metadata `json:"metadata"`

	// Status is the environment's lifecycle status.
	Status envstate.Status `json:"status"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Environment operations
	CreateEnvironment(ctx context.Context, rec *EnvironmentRecord) error
	GetEnvironment(ctx context.Context, name string) (*EnvironmentRecord, error)
	ListEnvironments(ctx context.Context) ([]*EnvironmentRecord, error)
	UpdateEnvironmentStatus(ctx context.Context, name string, status envstate.Status) error
	DeleteEnvironment(ctx context.Context, name string) error

	// Snapshot operations. Head and Replace together form the
	// compare-and-swap surface the sync pipeline commits through.
	Head(ctx context.Context, name string) (envstate.Metadata, error)
	Replace(ctx context.Context, name string, expectedRevision int64, next envstate.Metadata) error

	// Sync transaction history
	SaveTransaction(ctx context.Context, tx *transaction.Transaction) error
	GetTransaction(ctx context.Context, id string) (*transaction.Transaction, error)
	ListTransactions(ctx context.Context, environment string, limit, offset int) ([]*transaction.Transaction, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
