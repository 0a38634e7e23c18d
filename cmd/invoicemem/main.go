// Command invoicemem runs invoices through the memory-driven decision
// pipeline, either one file at a time or as an HTTP service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/invoicemem/internal/confidence"
	"github.com/scrypster/invoicemem/internal/config"
	"github.com/scrypster/invoicemem/internal/engine"
	"github.com/scrypster/invoicemem/internal/memory"
	"github.com/scrypster/invoicemem/internal/rules"
	"github.com/scrypster/invoicemem/internal/storage"
	"github.com/scrypster/invoicemem/internal/storage/file"
	"github.com/scrypster/invoicemem/internal/storage/postgres"
	"github.com/scrypster/invoicemem/internal/storage/sqlite"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "invoicemem",
		Short: "Memory-driven invoice decisions",
		Long: `invoicemem normalizes extracted invoices using what it has learned from
earlier invoices and human reviews, decides whether each one can be
auto-approved, and records what it learned.

Settings come from INVOICEMEM_* environment variables; the flags below
override them.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("data", "", "Data directory (overrides INVOICEMEM_DATA_PATH)")
	rootCmd.PersistentFlags().String("engine", "", "Storage engine: file, sqlite, postgres (overrides INVOICEMEM_STORAGE_ENGINE)")
	rootCmd.PersistentFlags().String("catalog", "", "Rule catalog YAML (overrides INVOICEMEM_RULE_CATALOG)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newProcessCmd(),
		newFeedbackCmd(),
		newDecayCmd(),
		newStatsCmd(),
		newAuditCmd(),
		newBackupCmd(),
		newServeCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "invoicemem version %s\n", version)
		},
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("data"); v != "" {
		cfg.Storage.DataPath = v
	}
	if v, _ := cmd.Flags().GetString("engine"); v != "" {
		cfg.Storage.StorageEngine = v
	}
	if v, _ := cmd.Flags().GetString("catalog"); v != "" {
		cfg.Rules.CatalogPath = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app is the wired pipeline with its storage.
type app struct {
	cfg      *config.Config
	backend  *storage.Guarded
	store    *memory.Store
	pipeline *engine.Pipeline
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	inner, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	backend := storage.NewGuarded(inner, storage.DefaultBreakerConfig())

	catalog := config.DefaultCatalog()
	if cfg.Rules.CatalogPath != "" {
		catalog, err = config.LoadCatalog(cfg.Rules.CatalogPath)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
	}

	ce := confidence.New(cfg.Pipeline)
	store := memory.New(ce, backend)
	if err := store.Init(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}

	matcher := rules.NewMatcher(ce, catalog, cfg.Pipeline)
	p, err := engine.New(store, matcher, cfg.Pipeline, engine.WithAuditSink(backend))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	return &app{cfg: cfg, backend: backend, store: store, pipeline: p}, nil
}

func openBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.StorageEngine {
	case "file":
		return file.NewStore(cfg.Storage.DataPath)
	case "sqlite":
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return sqlite.NewStore(filepath.Join(cfg.Storage.DataPath, "invoicemem.db"))
	case "postgres":
		return postgres.NewStore(cfg.Storage.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported storage engine %q", cfg.Storage.StorageEngine)
	}
}

// closeTimeout bounds the final flush.
const closeTimeout = 10 * time.Second

// Close flushes pending memory and releases the backend. It runs on its own
// deadline so a cancelled command context cannot drop unsaved memory.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_, flushErr := a.pipeline.Flush(ctx)
	if err := a.backend.Close(); err != nil {
		log.Printf("failed to close storage: %v", err)
	}
	return flushErr
}

// withApp opens the app for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to persist memory: %w", cerr)
		}
	}()
	return fn(ctx, a)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
