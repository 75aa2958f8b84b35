package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/feedstock-tools/smithy/pkg/render"
	"github.com/feedstock-tools/smithy/pkg/stores"
	"github.com/feedstock-tools/smithy/pkg/telemetry"
)

const (
	// ledgerEnv overrides the ledger location; "off" disables the ledger.
	ledgerEnv = "SMITHY_LEDGER"
	ledgerOff = "off"
)

// runtime holds what a command needs to run render passes.
type runtime struct {
	logger   zerolog.Logger
	tel      *telemetry.Telemetry
	ledger   *stores.SQLiteStore
	renderer *render.Renderer
}

// newRuntime builds telemetry from the global flags and a renderer on top of
// it. The ledger is opened only when withLedger is set.
func newRuntime(ctx context.Context, withLedger bool) (*runtime, error) {
	cfg := telemetry.DefaultConfig()
	if configPath != "" {
		loaded, err := telemetry.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if verbose {
		cfg.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = metricsAddr
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	rt := &runtime{
		logger: tel.Logger.Zerolog(),
		tel:    tel,
	}
	log.Logger = rt.logger
	opts := []render.Option{
		render.WithLogger(rt.logger),
		render.WithTelemetry(tel),
	}
	if withLedger {
		ledger, err := openLedger(ctx)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		if ledger != nil {
			rt.ledger = ledger
			opts = append(opts, render.WithLedger(ledger))
		}
	}
	rt.renderer = render.New(opts...)
	return rt, nil
}

// Close flushes telemetry and closes the ledger.
func (rt *runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := []error{rt.tel.Shutdown(ctx)}
	if rt.ledger != nil {
		errs = append(errs, rt.ledger.Close())
	}
	return errors.Join(errs...)
}

// resolveLedgerPath picks the ledger location from --ledger, SMITHY_LEDGER
// or the XDG state directory, in that order.
func resolveLedgerPath() (string, error) {
	if ledgerPath != "" {
		return ledgerPath, nil
	}
	if p := os.Getenv(ledgerEnv); p != "" {
		return p, nil
	}
	state := os.Getenv("XDG_STATE_HOME")
	if state == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate home directory: %w", err)
		}
		state = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(state, "smithy", "ledger.db"), nil
}

// openLedger opens and migrates the ledger. It returns nil when the ledger
// is switched off.
func openLedger(ctx context.Context) (*stores.SQLiteStore, error) {
	path, err := resolveLedgerPath()
	if err != nil {
		return nil, err
	}
	if path == ledgerOff {
		return nil, nil
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate ledger %s: %w", path, err)
	}
	return store, nil
}
