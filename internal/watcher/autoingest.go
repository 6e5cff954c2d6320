package watcher

import (
	"context"
	"log/slog"
)

// ScanTrigger starts a folder scan. Implemented by the server's scan
// launcher so the watcher doesn't depend on the scan pipeline.
type ScanTrigger interface {
	TriggerScan(ctx context.Context, reason string) error
}

// AutoIngest consumes debounced event batches and triggers a scan per
// batch. The scanner's fingerprint diff decides what actually needs
// re-ingestion, so over-triggering is cheap.
type AutoIngest struct {
	watcher *FolderWatcher
	trigger ScanTrigger
}

// NewAutoIngest wires a watcher to a scan trigger.
func NewAutoIngest(watcher *FolderWatcher, trigger ScanTrigger) *AutoIngest {
	return &AutoIngest{watcher: watcher, trigger: trigger}
}

// Run watches the folder until the context ends. Watch errors are
// logged and watching continues.
func (a *AutoIngest) Run(ctx context.Context, folder string) error {
	go a.consume(ctx)
	return a.watcher.Start(ctx, folder)
}

// consume drains event batches and triggers scans.
func (a *AutoIngest) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case events, ok := <-a.watcher.Events():
			if !ok {
				return
			}
			slog.Info("auto_ingest_triggered", slog.Int("changed_files", len(events)))
			if err := a.trigger.TriggerScan(ctx, "folder change detected"); err != nil {
				slog.Warn("auto-ingest scan failed to start",
					slog.String("error", err.Error()))
			}
		case err, ok := <-a.watcher.Errors():
			if !ok {
				return
			}
			slog.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// Stop stops the underlying watcher.
func (a *AutoIngest) Stop() error {
	return a.watcher.Stop()
}
