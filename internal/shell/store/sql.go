package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/deployforge/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// =============================================================================
// Dialects
// =============================================================================

// Dialect selects the SQL flavour and the admission locking strategy.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config describes how to open a store.
type Config struct {
	Driver       Dialect
	DSN          string
	MaxOpenConns int
}

// Open opens the store selected by cfg.Driver and runs migrations.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	switch cfg.Driver {
	case DialectSQLite, "":
		return NewSQLiteStore(cfg.DSN)
	case DialectPostgres:
		return NewPostgresStore(ctx, cfg.DSN, cfg.MaxOpenConns)
	default:
		return nil, NewStoreError("Open", "", "", fmt.Sprintf("unsupported driver %q", cfg.Driver), ErrConnectionFailed)
	}
}

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

// =============================================================================
// SQLStore
// =============================================================================

// SQLStore implements Store on top of sqlx for SQLite and Postgres.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
//
// Transactions are opened with BEGIN IMMEDIATE so the database write lock is
// held from the first statement, which makes count-then-insert admission
// atomic across connections.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	params := "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	inMemory := strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
	if !inMemory {
		params += "&_journal_mode=WAL"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	db, err := sqlx.Open("sqlite3", dsn+sep+params)
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB, DialectSQLite); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLStore{db: db, dialect: DialectSQLite}, nil
}

// NewPostgresStore connects to Postgres through the pgx stdlib driver and runs
// migrations.
func NewPostgresStore(ctx context.Context, dsn string, maxOpenConns int) (*SQLStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, NewStoreError("NewPostgresStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 10
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, NewStoreError("NewPostgresStore", "", "", "failed to ping database: "+err.Error(), ErrConnectionFailed)
	}

	if err := runMigrations(db.DB, DialectPostgres); err != nil {
		db.Close()
		return nil, NewStoreError("NewPostgresStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLStore{db: db, dialect: DialectPostgres}, nil
}

// NewWithDB wraps an already migrated connection.
func NewWithDB(db *sqlx.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB, dialect Dialect) error {
	source, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch dialect {
	case DialectPostgres:
		driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
		if err != nil {
			return fmt.Errorf("failed to create migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", source, "pgx5", driver)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	default:
		driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
		if err != nil {
			return fmt.Errorf("failed to create migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", source, "sqlite3", driver)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Dialect reports the backend in use.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return NewStoreError("Ping", "", "", err.Error(), ErrConnectionFailed)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// User Operations
// =============================================================================

func (s *SQLStore) CreateUser(ctx context.Context, user *domain.User) error {
	return createUser(ctx, s.db, user)
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return getUser(ctx, s.db, "id", id)
}

func (s *SQLStore) GetUserByGithubID(ctx context.Context, githubID string) (*domain.User, error) {
	return getUser(ctx, s.db, "github_id", githubID)
}

func (s *SQLStore) FirstUser(ctx context.Context) (*domain.User, error) {
	return firstUser(ctx, s.db)
}

// =============================================================================
// Project Operations
// =============================================================================

func (s *SQLStore) CreateProject(ctx context.Context, project *domain.Project) error {
	return createProject(ctx, s.db, project)
}

func (s *SQLStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	return getProject(ctx, s.db, id, "")
}

func (s *SQLStore) GetProjectForUser(ctx context.Context, id, userID string) (*domain.Project, error) {
	return getProject(ctx, s.db, id, userID)
}

func (s *SQLStore) GetProjectByName(ctx context.Context, userID, name string) (*domain.Project, error) {
	return getProjectByName(ctx, s.db, userID, name)
}

func (s *SQLStore) ListProjectsByUser(ctx context.Context, userID string, opts ListOptions) ([]domain.Project, error) {
	return listProjectsByUser(ctx, s.db, userID, opts)
}

// =============================================================================
// Deployment Operations
// =============================================================================

func (s *SQLStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.CreateDeployment(ctx, deployment)
	})
}

func (s *SQLStore) AdmitDeployment(ctx context.Context, deployment *domain.Deployment, maxActive int) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.AdmitDeployment(ctx, deployment, maxActive)
	})
}

func (s *SQLStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id, "")
}

func (s *SQLStore) GetDeploymentForUser(ctx context.Context, id, userID string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id, userID)
}

func (s *SQLStore) ListDeploymentsByUser(ctx context.Context, userID string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByUser(ctx, s.db, userID, opts)
}

func (s *SQLStore) ListDeploymentsByStatus(ctx context.Context, statuses []domain.DeploymentStatus, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByStatus(ctx, s.db, statuses, opts)
}

func (s *SQLStore) CountActiveDeployments(ctx context.Context, userID string) (int, error) {
	return countActiveDeployments(ctx, s.db, userID)
}

func (s *SQLStore) UpdateDeploymentStatus(ctx context.Context, deployment *domain.Deployment, from domain.DeploymentStatus, message string) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.UpdateDeploymentStatus(ctx, deployment, from, message)
	})
}

func (s *SQLStore) ListDeploymentEvents(ctx context.Context, deploymentID string) ([]domain.DeploymentEvent, error) {
	return listDeploymentEvents(ctx, s.db, deploymentID)
}

// =============================================================================
// Transaction Support
// =============================================================================

// WithTx executes fn within a database transaction.
// If fn returns an error, the transaction is rolled back.
func (s *SQLStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction: "+err.Error(), ErrTxFailed)
	}

	txS := &txStore{tx: tx, dialect: s.dialect}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txStore implements Store within a transaction.
type txStore struct {
	tx      *sqlx.Tx
	dialect Dialect
}

func (s *txStore) CreateUser(ctx context.Context, user *domain.User) error {
	return createUser(ctx, s.tx, user)
}

func (s *txStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return getUser(ctx, s.tx, "id", id)
}

func (s *txStore) GetUserByGithubID(ctx context.Context, githubID string) (*domain.User, error) {
	return getUser(ctx, s.tx, "github_id", githubID)
}

func (s *txStore) FirstUser(ctx context.Context) (*domain.User, error) {
	return firstUser(ctx, s.tx)
}

func (s *txStore) CreateProject(ctx context.Context, project *domain.Project) error {
	return createProject(ctx, s.tx, project)
}

func (s *txStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	return getProject(ctx, s.tx, id, "")
}

func (s *txStore) GetProjectForUser(ctx context.Context, id, userID string) (*domain.Project, error) {
	return getProject(ctx, s.tx, id, userID)
}

func (s *txStore) GetProjectByName(ctx context.Context, userID, name string) (*domain.Project, error) {
	return getProjectByName(ctx, s.tx, userID, name)
}

func (s *txStore) ListProjectsByUser(ctx context.Context, userID string, opts ListOptions) ([]domain.Project, error) {
	return listProjectsByUser(ctx, s.tx, userID, opts)
}

func (s *txStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if err := createDeployment(ctx, s.tx, deployment); err != nil {
		return err
	}
	return appendDeploymentEvent(ctx, s.tx, deployment.ID, "", deployment.Status, "created", deployment.CreatedAt)
}

func (s *txStore) AdmitDeployment(ctx context.Context, deployment *domain.Deployment, maxActive int) error {
	if s.dialect == DialectPostgres {
		// Serializes admissions per user until the transaction ends.
		if _, err := s.tx.ExecContext(ctx, s.tx.Rebind(`SELECT pg_advisory_xact_lock(hashtext(?))`), deployment.UserID); err != nil {
			return NewStoreError("AdmitDeployment", "deployment", deployment.ID, "failed to acquire admission lock: "+err.Error(), ErrTxFailed)
		}
	}
	return admitDeployment(ctx, s.tx, deployment, maxActive)
}

func (s *txStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id, "")
}

func (s *txStore) GetDeploymentForUser(ctx context.Context, id, userID string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id, userID)
}

func (s *txStore) ListDeploymentsByUser(ctx context.Context, userID string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByUser(ctx, s.tx, userID, opts)
}

func (s *txStore) ListDeploymentsByStatus(ctx context.Context, statuses []domain.DeploymentStatus, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByStatus(ctx, s.tx, statuses, opts)
}

func (s *txStore) CountActiveDeployments(ctx context.Context, userID string) (int, error) {
	return countActiveDeployments(ctx, s.tx, userID)
}

func (s *txStore) UpdateDeploymentStatus(ctx context.Context, deployment *domain.Deployment, from domain.DeploymentStatus, message string) error {
	if err := updateDeploymentStatus(ctx, s.tx, deployment, from); err != nil {
		return err
	}
	return appendDeploymentEvent(ctx, s.tx, deployment.ID, from, deployment.Status, message, deployment.UpdatedAt)
}

func (s *txStore) ListDeploymentEvents(ctx context.Context, deploymentID string) ([]domain.DeploymentEvent, error) {
	return listDeploymentEvents(ctx, s.tx, deploymentID)
}

func (s *txStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just execute the function
	return fn(s)
}

func (s *txStore) Ping(ctx context.Context) error {
	return nil
}

func (s *txStore) Close() error {
	// Transaction store doesn't own the connection
	return nil
}
