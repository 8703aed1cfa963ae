// Package sqlitestore stores job records in SQLite.
//
// Each run is one row keyed by execution ID; the JSON record is kept whole
// and the columns used for lookups are denormalised next to it. A partial
// unique index on job_key over non-terminal rows enforces one active run
// per device+target.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"fotaflow/internal/config"
	"fotaflow/internal/job"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds SQLite store configuration.
type Config struct {
	Path         string
	MaxOpenConns int
}

// LoadConfigFromEnv loads SQLite configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Path:         config.GetEnv("SQLITE_PATH", "fota.db"),
		MaxOpenConns: config.GetIntEnv("SQLITE_MAX_OPEN_CONNS", 1),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 1
	}
	return c
}

// Store is a job.Backend over SQLite.
type Store struct {
	db *sql.DB
}

// Open opens the database and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Migrate runs the embedded migrations against db.
func Migrate(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Insert stores a new record unless the key has an active run.
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fota_jobs (execution_id, job_key, device_id, status, revision, created_at, updated_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ExecutionID, j.Key, j.DeviceID, string(j.Status), j.Revision,
		j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(), string(data))
	if isConstraintViolation(err) {
		return job.ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", j.Key, err)
	}
	return nil
}

// Load returns the newest run for key.
func (s *Store) Load(ctx context.Context, key string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record FROM fota_jobs WHERE job_key = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, key)
	return scanOne(row)
}

// LoadExecution returns the record for executionID.
func (s *Store) LoadExecution(ctx context.Context, executionID string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT record FROM fota_jobs WHERE execution_id = ?`, executionID)
	return scanOne(row)
}

// Swap replaces the record if the stored revision matches.
func (s *Store) Swap(ctx context.Context, j *job.Job, expectRevision int64) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE fota_jobs SET status = ?, revision = ?, updated_at = ?, record = ?
		WHERE execution_id = ? AND revision = ?`,
		string(j.Status), j.Revision, j.UpdatedAt.UnixNano(), string(data), j.ExecutionID, expectRevision)
	if err != nil {
		return fmt.Errorf("failed to swap job %s: %w", j.ExecutionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM fota_jobs WHERE execution_id = ?`, j.ExecutionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return job.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check job %s: %w", j.ExecutionID, err)
	}
	return job.ErrRevisionMismatch
}

// ListByDevice returns every run for deviceID, newest first.
func (s *Store) ListByDevice(ctx context.Context, deviceID string) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM fota_jobs WHERE device_id = ? ORDER BY created_at DESC, rowid DESC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device %s: %w", deviceID, err)
	}
	return scanAll(rows)
}

// ListActive returns all non-terminal runs, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM fota_jobs
		WHERE status NOT IN ('succeeded', 'failed', 'aborted')
		ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return scanAll(rows)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanOne(row *sql.Row) (*job.Job, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return decode(data)
}

func scanAll(rows *sql.Rows) ([]*job.Job, error) {
	defer rows.Close()
	var jobs []*job.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j, err := decode(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

func decode(data string) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &j, nil
}

func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

var _ job.Backend = (*Store)(nil)
