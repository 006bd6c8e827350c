package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
	"github.com/mvds-io/NextKalk-sub000/pkg/resilience"
)

// Database wraps the local SQL store: planning table sets, users, the action
// log, documents and app configuration.
type Database struct {
	DB     *sqlx.DB
	Driver string // normalized driver name so SQL builders can stay declarative
	Exec   *resilience.Executor
	logf   func(string, ...any)
}

// Config holds the configuration details for initializing the database.
type Config struct {
	DBType    string // "sqlite" or "pgx" (PostgreSQL)
	DBPath    string // file path for SQLite
	DBConn    string // raw DSN for pgx; wins over the discrete fields
	DBHost    string
	DBPort    int
	DBUser    string
	DBPass    string
	DBName    string
	PGSSLMode string
	Port      int // used in the default SQLite file name

	// Concurrency bounds simultaneous statements issued through Exec.
	Concurrency int
	Logf        func(string, ...any)
}

func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// DSN assembles the connection string for cfg.
func DSN(cfg Config) (string, error) {
	switch normalizeDBType(cfg.DBType) {
	case "sqlite":
		if cfg.DBPath != "" {
			return cfg.DBPath, nil
		}
		return fmt.Sprintf("kalk-planner-%d.sqlite", cfg.Port), nil
	case "pgx":
		if strings.TrimSpace(cfg.DBConn) != "" {
			return cfg.DBConn, nil
		}
		sslmode := cfg.PGSSLMode
		if sslmode == "" {
			sslmode = "prefer"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName, sslmode), nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", cfg.DBType)
	}
}

// NewDatabase opens DB and configures connection pooling.
// SQLite runs over a single connection; PostgreSQL gets a small pool.
func NewDatabase(config Config) (*Database, error) {
	driverName := normalizeDBType(config.DBType)
	dsn, err := DSN(config)
	if err != nil {
		return nil, err
	}
	logf := config.Logf
	if logf == nil {
		logf = log.Printf
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %w", err)
	}

	switch driverName {
	case "sqlite":
		// One physical connection; no concurrent statements at DB layer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := tuneSQLiteConnection(tuneCtx, db.DB, logf); err != nil {
			logf("sqlite tuning skipped: %v", err)
		}
		cancel()
	case "pgx":
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(8)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error connecting to the database: %w", err)
		}
	}

	logf("Using database driver: %s", driverName)
	return newWithDB(db, driverName, resilience.NewExecutor(config.Concurrency, logf), logf), nil
}

// newWithDB wraps an already opened handle. Tests use it with sqlmock.
func newWithDB(db *sqlx.DB, driver string, exec *resilience.Executor, logf func(string, ...any)) *Database {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Database{DB: db, Driver: driver, Exec: exec, logf: logf}
}

// Close releases the pool.
func (db *Database) Close() error {
	return db.DB.Close()
}

// tuneSQLiteConnection applies WAL/synchronous/busy pragmas.
// The steps run through a small channel pipeline outside the caller goroutine.
func tuneSQLiteConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	type pragma struct {
		label     string
		query     string
		expectRow bool
	}

	steps := []pragma{
		{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
		{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
		{label: "foreign_keys", query: "PRAGMA foreign_keys=ON;"},
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	}

	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}
			if step.expectRow {
				var mode string
				if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
					errs <- fmt.Errorf("apply %s: %w", step.label, err)
					return
				}
				logf("SQLite tuning %s -> %s", step.label, mode)
				continue
			}
			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				return
			}
		}
		errs <- nil
	}()

	go func() {
		defer close(jobs)
		for _, step := range steps {
			jobs <- step
		}
	}()

	return <-errs
}

// run executes op through the resilience executor.
func (db *Database) run(ctx context.Context, name string, op func(context.Context) error) error {
	return db.Exec.Do(ctx, name, op)
}

// tx runs fn inside a transaction, retried as a whole on transient errors.
func (db *Database) tx(ctx context.Context, name string, fn func(context.Context, *sqlx.Tx) error) error {
	return db.run(ctx, name, func(ctx context.Context) error {
		tx, err := db.DB.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// q rebinds '?' placeholders for the active driver.
func (db *Database) q(query string) string {
	return db.DB.Rebind(query)
}

// notFound maps sql.ErrNoRows to planner.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return planner.ErrNotFound
	}
	return err
}

// mustAffect returns ErrNotFound when a statement touched no rows.
func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return planner.ErrNotFound
	}
	return nil
}

func nowUnix() int64 { return time.Now().Unix() }
