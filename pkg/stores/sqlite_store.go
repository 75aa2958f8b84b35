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
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a ledger record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance.
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
	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
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

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
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

// BeginTx starts a new transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction.
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction.
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const renderColumns = `id, feedstock, status, fingerprint, config_count, warnings, error, started_at, completed_at, created_at, updated_at`

// CreateRender creates a new render record.
func (s *SQLiteStore) CreateRender(ctx context.Context, render *Render) error {
	return s.createRender(ctx, s.db, render)
}

func (s *SQLiteStore) createRender(ctx context.Context, ex execer, render *Render) error {
	now := s.now().UTC()
	if render.CreatedAt.IsZero() {
		render.CreatedAt = now
	}
	if render.UpdatedAt.IsZero() {
		render.UpdatedAt = now
	}
	if render.Warnings == "" {
		render.Warnings = "[]"
	}

	query := `INSERT INTO renders (` + renderColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := ex.ExecContext(ctx, query,
		render.ID,
		render.Feedstock,
		render.Status,
		render.Fingerprint,
		render.ConfigCount,
		render.Warnings,
		render.Error,
		render.StartedAt.UTC(),
		utcPtr(render.CompletedAt),
		render.CreatedAt.UTC(),
		render.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create render: %w", err)
	}

	return nil
}

// GetRender retrieves a render by ID.
func (s *SQLiteStore) GetRender(ctx context.Context, id string) (*Render, error) {
	query := `SELECT ` + renderColumns + ` FROM renders WHERE id = ?`

	render, err := scanRender(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("render %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get render: %w", err)
	}

	return render, nil
}

// UpdateRenderStatus updates the status of a render. Final statuses set the
// completion time.
func (s *SQLiteStore) UpdateRenderStatus(ctx context.Context, id string, status engine.RenderStatus, errMsg *string) error {
	query := `
		UPDATE renders
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := s.now().UTC()
	var completedAt *time.Time
	if status != engine.RenderStatusRunning {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update render status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("render %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListRenders lists renders, newest first, optionally for one feedstock.
func (s *SQLiteStore) ListRenders(ctx context.Context, feedstock *string, limit, offset int) ([]*Render, error) {
	query := `
		SELECT ` + renderColumns + `
		FROM renders
		WHERE (? IS NULL OR feedstock = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, feedstock, feedstock, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list renders: %w", err)
	}
	defer rows.Close()

	renders := []*Render{}
	for rows.Next() {
		render, err := scanRender(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan render: %w", err)
		}
		renders = append(renders, render)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating renders: %w", err)
	}

	return renders, nil
}

// LastRender returns the most recent render of a feedstock with the given
// status.
func (s *SQLiteStore) LastRender(ctx context.Context, feedstock string, status engine.RenderStatus) (*Render, error) {
	query := `
		SELECT ` + renderColumns + `
		FROM renders
		WHERE feedstock = ? AND status = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`

	render, err := scanRender(s.db.QueryRowContext(ctx, query, feedstock, status))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s render of %s: %w", status, feedstock, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last render: %w", err)
	}

	return render, nil
}

// DeleteRender deletes a render and its configurations.
func (s *SQLiteStore) DeleteRender(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM renders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete render: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("render %s: %w", id, ErrNotFound)
	}

	return nil
}

// PruneRenders deletes all but the newest keep renders of a feedstock.
func (s *SQLiteStore) PruneRenders(ctx context.Context, feedstock string, keep int) (int64, error) {
	query := `
		DELETE FROM renders
		WHERE feedstock = ? AND id NOT IN (
			SELECT id FROM renders
			WHERE feedstock = ?
			ORDER BY started_at DESC, rowid DESC
			LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, feedstock, feedstock, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune renders: %w", err)
	}

	return result.RowsAffected()
}

// ListRenderConfigs returns the configurations of a render in result order.
func (s *SQLiteStore) ListRenderConfigs(ctx context.Context, renderID string) ([]*RenderConfig, error) {
	query := `
		SELECT render_id, position, platform, build_platform, provider, name, short_name, priority, variant
		FROM render_configs
		WHERE render_id = ?
		ORDER BY position
	`

	rows, err := s.db.QueryContext(ctx, query, renderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list render configs: %w", err)
	}
	defer rows.Close()

	configs := []*RenderConfig{}
	for rows.Next() {
		c := &RenderConfig{}
		err := rows.Scan(
			&c.RenderID,
			&c.Position,
			&c.Platform,
			&c.BuildPlatform,
			&c.Provider,
			&c.Name,
			&c.ShortName,
			&c.Priority,
			&c.Variant,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan render config: %w", err)
		}
		configs = append(configs, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating render configs: %w", err)
	}

	return configs, nil
}

func (s *SQLiteStore) createRenderConfig(ctx context.Context, ex execer, c *RenderConfig) error {
	query := `
		INSERT INTO render_configs (
			render_id, position, platform, build_platform, provider, name, short_name, priority, variant
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := ex.ExecContext(ctx, query,
		c.RenderID,
		c.Position,
		c.Platform,
		c.BuildPlatform,
		c.Provider,
		c.Name,
		c.ShortName,
		c.Priority,
		c.Variant,
	)
	if err != nil {
		return fmt.Errorf("failed to create render config %s: %w", c.ShortName, err)
	}

	return nil
}

// RecordPinningSnapshot appends a pinning snapshot record.
func (s *SQLiteStore) RecordPinningSnapshot(ctx context.Context, snapshot *PinningSnapshot) error {
	return s.recordPinningSnapshot(ctx, s.db, snapshot)
}

func (s *SQLiteStore) recordPinningSnapshot(ctx context.Context, ex execer, snapshot *PinningSnapshot) error {
	if snapshot.RecordedAt.IsZero() {
		snapshot.RecordedAt = s.now().UTC()
	}

	query := `
		INSERT INTO pinning_snapshots (render_id, source, version, digest, from_cache, fetched_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := ex.ExecContext(ctx, query,
		snapshot.RenderID,
		snapshot.Source,
		snapshot.Version,
		snapshot.Digest,
		snapshot.FromCache,
		snapshot.FetchedAt.UTC(),
		snapshot.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record pinning snapshot: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get snapshot ID: %w", err)
	}
	snapshot.ID = id

	return nil
}

// ListPinningSnapshots lists pinning snapshots, newest first.
func (s *SQLiteStore) ListPinningSnapshots(ctx context.Context, source *string, limit, offset int) ([]*PinningSnapshot, error) {
	query := `
		SELECT id, render_id, source, version, digest, from_cache, fetched_at, recorded_at
		FROM pinning_snapshots
		WHERE (? IS NULL OR source = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, source, source, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pinning snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := []*PinningSnapshot{}
	for rows.Next() {
		snap := &PinningSnapshot{}
		err := rows.Scan(
			&snap.ID,
			&snap.RenderID,
			&snap.Source,
			&snap.Version,
			&snap.Digest,
			&snap.FromCache,
			&snap.FetchedAt,
			&snap.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pinning snapshot: %w", err)
		}
		snapshots = append(snapshots, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pinning snapshots: %w", err)
	}

	return snapshots, nil
}

// RecordMigrationCleanup appends a migration cleanup audit entry.
func (s *SQLiteStore) RecordMigrationCleanup(ctx context.Context, cleanup *MigrationCleanup) error {
	return s.recordMigrationCleanup(ctx, s.db, cleanup)
}

func (s *SQLiteStore) recordMigrationCleanup(ctx context.Context, ex execer, cleanup *MigrationCleanup) error {
	if cleanup.RemovedAt.IsZero() {
		cleanup.RemovedAt = s.now().UTC()
	}

	query := `
		INSERT INTO migration_cleanups (render_id, feedstock, file, reason, removed_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := ex.ExecContext(ctx, query,
		cleanup.RenderID,
		cleanup.Feedstock,
		cleanup.File,
		cleanup.Reason,
		cleanup.RemovedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration cleanup: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get cleanup ID: %w", err)
	}
	cleanup.ID = id

	return nil
}

// ListMigrationCleanups lists migration cleanups, newest first.
func (s *SQLiteStore) ListMigrationCleanups(ctx context.Context, feedstock *string, limit, offset int) ([]*MigrationCleanup, error) {
	query := `
		SELECT id, render_id, feedstock, file, reason, removed_at
		FROM migration_cleanups
		WHERE (? IS NULL OR feedstock = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, feedstock, feedstock, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list migration cleanups: %w", err)
	}
	defer rows.Close()

	cleanups := []*MigrationCleanup{}
	for rows.Next() {
		c := &MigrationCleanup{}
		err := rows.Scan(
			&c.ID,
			&c.RenderID,
			&c.Feedstock,
			&c.File,
			&c.Reason,
			&c.RemovedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migration cleanup: %w", err)
		}
		cleanups = append(cleanups, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration cleanups: %w", err)
	}

	return cleanups, nil
}

// RecordResult stores a finished render pass. The render row, its
// configurations, the pinning snapshot and the removed migrations are
// written in one transaction.
func (s *SQLiteStore) RecordResult(ctx context.Context, result *engine.Result, status engine.RenderStatus, errMsg *string) error {
	warnings := result.Warnings
	if warnings == nil {
		warnings = []engine.Warning{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("failed to encode warnings: %w", err)
	}

	completedAt := result.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.now()
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = s.RollbackTx(tx) }()

	render := &Render{
		ID:          result.ID,
		Feedstock:   result.Feedstock,
		Status:      status,
		Fingerprint: result.Fingerprint,
		ConfigCount: len(result.Configs),
		Warnings:    string(warningsJSON),
		Error:       errMsg,
		StartedAt:   result.StartedAt,
		CompletedAt: &completedAt,
	}
	if err := s.createRender(ctx, tx, render); err != nil {
		return err
	}

	for i, c := range result.Configs {
		axes, err := json.Marshal(c.Axes)
		if err != nil {
			return fmt.Errorf("failed to encode variant of %s: %w", c.Name, err)
		}
		rc := &RenderConfig{
			RenderID:      result.ID,
			Position:      i,
			Platform:      c.Platform.String(),
			BuildPlatform: c.BuildPlatform.String(),
			Provider:      c.Provider,
			Name:          c.Name,
			ShortName:     c.ShortName,
			Priority:      c.Priority,
			Variant:       string(axes),
		}
		if err := s.createRenderConfig(ctx, tx, rc); err != nil {
			return err
		}
	}

	renderID := result.ID
	if result.Pinning.Source != "" {
		snap := &PinningSnapshot{
			RenderID:  &renderID,
			Source:    result.Pinning.Source,
			Version:   result.Pinning.Version,
			Digest:    result.Pinning.Digest,
			FromCache: result.Pinning.FromCache,
			FetchedAt: result.Pinning.FetchedAt,
		}
		if err := s.recordPinningSnapshot(ctx, tx, snap); err != nil {
			return err
		}
	}

	for _, file := range result.StaleMigrations {
		cleanup := &MigrationCleanup{
			RenderID:  &renderID,
			Feedstock: result.Feedstock,
			File:      file,
			Reason:    string(engine.WarningStaleMigration),
			RemovedAt: completedAt,
		}
		if err := s.recordMigrationCleanup(ctx, tx, cleanup); err != nil {
			return err
		}
	}

	if err := s.CommitTx(tx); err != nil {
		return fmt.Errorf("failed to commit render: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRender(row scanner) (*Render, error) {
	render := &Render{}
	err := row.Scan(
		&render.ID,
		&render.Feedstock,
		&render.Status,
		&render.Fingerprint,
		&render.ConfigCount,
		&render.Warnings,
		&render.Error,
		&render.StartedAt,
		&render.CompletedAt,
		&render.CreatedAt,
		&render.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return render, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
