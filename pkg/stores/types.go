package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

// Render is one recorded render pass.
type Render struct {
	ID          string              `json:"id"`
	Feedstock   string              `json:"feedstock"`
	Status      engine.RenderStatus `json:"status"`
	Fingerprint string              `json:"fingerprint"`
	ConfigCount int                 `json:"config_count"`
	Warnings    string              `json:"warnings"` // JSON array of engine.Warning
	Error       *string             `json:"error,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// RenderConfig is one configuration of a recorded render, in result order.
type RenderConfig struct {
	RenderID      string `json:"render_id"`
	Position      int    `json:"position"`
	Platform      string `json:"platform"`
	BuildPlatform string `json:"build_platform"`
	Provider      string `json:"provider"`
	Name          string `json:"name"`
	ShortName     string `json:"short_name"`
	Priority      int    `json:"priority"`
	Variant       string `json:"variant"` // JSON array of engine.Assignment
}

// PinningSnapshot records which pinning set a render used.
type PinningSnapshot struct {
	ID         int64     `json:"id"`
	RenderID   *string   `json:"render_id,omitempty"`
	Source     string    `json:"source"`
	Version    string    `json:"version"`
	Digest     string    `json:"digest"`
	FromCache  bool      `json:"from_cache"`
	FetchedAt  time.Time `json:"fetched_at"`
	RecordedAt time.Time `json:"recorded_at"`
}

// MigrationCleanup is an audit entry for a removed migration overlay.
type MigrationCleanup struct {
	ID        int64     `json:"id"`
	RenderID  *string   `json:"render_id,omitempty"`
	Feedstock string    `json:"feedstock"`
	File      string    `json:"file"`
	Reason    string    `json:"reason"`
	RemovedAt time.Time `json:"removed_at"`
}

// Store defines the interface for the render ledger.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Render operations
	CreateRender(ctx context.Context, render *Render) error
	GetRender(ctx context.Context, id string) (*Render, error)
	UpdateRenderStatus(ctx context.Context, id string, status engine.RenderStatus, err *string) error
	ListRenders(ctx context.Context, feedstock *string, limit, offset int) ([]*Render, error)
	LastRender(ctx context.Context, feedstock string, status engine.RenderStatus) (*Render, error)
	DeleteRender(ctx context.Context, id string) error
	PruneRenders(ctx context.Context, feedstock string, keep int) (int64, error)

	// RenderConfig operations
	ListRenderConfigs(ctx context.Context, renderID string) ([]*RenderConfig, error)

	// PinningSnapshot operations
	RecordPinningSnapshot(ctx context.Context, snapshot *PinningSnapshot) error
	ListPinningSnapshots(ctx context.Context, source *string, limit, offset int) ([]*PinningSnapshot, error)

	// MigrationCleanup operations
	RecordMigrationCleanup(ctx context.Context, cleanup *MigrationCleanup) error
	ListMigrationCleanups(ctx context.Context, feedstock *string, limit, offset int) ([]*MigrationCleanup, error)

	// RecordResult stores a finished render pass with its configurations,
	// pinning snapshot and removed migrations in one transaction.
	RecordResult(ctx context.Context, result *engine.Result, status engine.RenderStatus, err *string) error

	// Utility
	HealthCheck(ctx context.Context) error
}
