package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/docsift/docsift/internal/config"
	"github.com/docsift/docsift/internal/docstore"
	"github.com/docsift/docsift/internal/embed"
	"github.com/docsift/docsift/internal/extract"
	"github.com/docsift/docsift/internal/index"
	"github.com/docsift/docsift/internal/ingest"
	"github.com/docsift/docsift/internal/logging"
	"github.com/docsift/docsift/internal/queue"
	"github.com/docsift/docsift/internal/scan"
	"github.com/docsift/docsift/internal/search"
	"github.com/docsift/docsift/internal/server"
	"github.com/docsift/docsift/internal/watcher"
)

// vectorSaveInterval is how often the in-memory vector index is
// flushed to disk while the service runs.
const vectorSaveInterval = 5 * time.Minute

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the docsift service",
		Long: `Start the ingestion pipeline and the HTTP API.

Recovers interrupted scan jobs and unacknowledged ingestion tasks from
the previous run, then serves until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe wires the whole pipeline and serves until interrupted.
func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	cleanup, err := logging.SetupDefault(logging.Config{
		Level:         cfg.Server.LogLevel,
		FilePath:      cfg.LogPath(),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer cleanup()

	if err := os.MkdirAll(cfg.Paths.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// One process per data directory. The lock protects the sqlite
	// databases and the vector index snapshot.
	lock := flock.New(filepath.Join(cfg.Paths.DataDir, "docsift.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire data directory lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("data directory %s is in use by another docsift instance", cfg.Paths.DataDir)
	}
	defer func() { _ = lock.Unlock() }()

	store, err := docstore.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer func() { _ = store.Close() }()

	fulltext, err := index.NewFullTextIndex(cfg.Search.FulltextBackend, cfg.FulltextIndexPath())
	if err != nil {
		return fmt.Errorf("open full-text index: %w", err)
	}
	defer func() { _ = fulltext.Close() }()

	embedder := embed.NewCachedEmbedder(embed.NewStaticEmbedder(), cfg.Embeddings.CacheSize)
	defer func() { _ = embedder.Close() }()

	if cfg.Embeddings.Dimensions != embedder.Dimensions() {
		return fmt.Errorf("embeddings.dimensions is %d but the embedding model %s produces %d dimensions",
			cfg.Embeddings.Dimensions, embedder.ModelName(), embedder.Dimensions())
	}

	vectors, err := index.OpenVectorIndex(cfg.VectorIndexPath(), index.VectorConfig{
		Dimensions: cfg.Embeddings.Dimensions,
	})
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}
	defer func() { _ = vectors.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := scan.NewTracker(store)
	if err := tracker.Recover(ctx); err != nil {
		return fmt.Errorf("recover scan jobs: %w", err)
	}

	extractor := extract.NewPlainTextExtractor()
	worker := ingest.NewWorker(store, extractor, embedder, fulltext, vectors).
		WithMaxRetries(cfg.Ingest.MaxRetries)

	q := queue.New(store, worker, tracker, cfg.Ingest.Workers)
	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("start ingestion queue: %w", err)
	}
	defer q.Stop()

	scanner := scan.NewScanner(store, extractor, tracker, q)
	aggregator := search.NewAggregator(store, fulltext, vectors, embedder, search.Limits{
		DefaultPageSize: cfg.Search.DefaultPageSize,
		MaxPageSize:     cfg.Search.MaxPageSize,
		DefaultTopK:     cfg.Search.DefaultTopK,
		MaxTopK:         cfg.Search.MaxTopK,
	})

	handlers := server.NewHandlers(cfg, configPath, store, tracker, scanner, q, aggregator)

	if cfg.Folder.AutoIngest && cfg.Folder.Path != "" {
		if err := startAutoIngest(ctx, cfg, handlers); err != nil {
			return err
		}
	}

	go saveVectorsPeriodically(ctx, vectors, cfg.VectorIndexPath())
	defer func() {
		if err := vectors.Save(cfg.VectorIndexPath()); err != nil {
			slog.Error("failed to save vector index on shutdown",
				slog.String("error", err.Error()))
		}
	}()

	srv := server.New(cfg.Server.Host, cfg.Server.Port, handlers)

	slog.Info("docsift_started",
		slog.String("addr", srv.Addr()),
		slog.String("data_dir", cfg.Paths.DataDir),
		slog.String("fulltext_backend", cfg.Search.FulltextBackend))

	return srv.Run(ctx)
}

// startAutoIngest triggers a startup scan and watches the folder for
// changes.
func startAutoIngest(ctx context.Context, cfg *config.Config, trigger watcher.ScanTrigger) error {
	if err := trigger.TriggerScan(ctx, "startup"); err != nil {
		slog.Warn("startup scan failed to start", slog.String("error", err.Error()))
	}

	debounce, err := time.ParseDuration(cfg.Ingest.WatchDebounce)
	if err != nil {
		return fmt.Errorf("invalid ingest.watch_debounce %q: %w", cfg.Ingest.WatchDebounce, err)
	}

	fw, err := watcher.NewFolderWatcher(watcher.Options{
		DebounceWindow:    debounce,
		IncludeSubfolders: cfg.Folder.IncludeSubfolders,
	})
	if err != nil {
		return fmt.Errorf("create folder watcher: %w", err)
	}

	auto := watcher.NewAutoIngest(fw, trigger)
	go func() {
		if err := auto.Run(ctx, cfg.Folder.Path); err != nil && ctx.Err() == nil {
			slog.Error("folder watcher stopped", slog.String("error", err.Error()))
		}
	}()

	slog.Info("auto_ingest_enabled",
		slog.String("folder", cfg.Folder.Path),
		slog.Duration("debounce", debounce))
	return nil
}

// saveVectorsPeriodically flushes the vector index on an interval so a
// crash loses at most one interval of additions.
func saveVectorsPeriodically(ctx context.Context, vectors *index.VectorIndex, path string) {
	ticker := time.NewTicker(vectorSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := vectors.Save(path); err != nil {
				slog.Warn("periodic vector index save failed",
					slog.String("error", err.Error()))
			}
		}
	}
}
