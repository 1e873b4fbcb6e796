package app

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/vk/keygraph/internal/blobstore/fsstore"
	"github.com/vk/keygraph/internal/index"
	"github.com/vk/keygraph/internal/maintenance"
)

// IndexFile is the name of the index kept in a cache root.
const IndexFile = "index.db"

func (a *App) verifyCache(ctx context.Context, appConfig *Config) error {
	store, err := fsstore.Open(appConfig.CacheRoot, fsstore.ExistingOnly())
	if err != nil {
		return err
	}
	report, err := maintenance.Verify(ctx, store, appConfig.Remove)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.outW, "checked %d, corrupt %d, removed %d\n", report.Checked, report.Corrupt, report.Removed)
	if report.Corrupt > report.Removed {
		return fmt.Errorf("%d corrupted cache entries left in %s: %w", report.Corrupt-report.Removed, appConfig.CacheRoot, report.Err)
	}
	return nil
}

func (a *App) pruneCache(ctx context.Context, appConfig *Config) error {
	store, err := fsstore.Open(appConfig.CacheRoot, fsstore.ExistingOnly())
	if err != nil {
		return err
	}
	report, err := maintenance.Prune(ctx, store, appConfig.OlderThan, time.Now())
	fmt.Fprintf(a.outW, "removed %d entries, %d bytes\n", report.Removed, report.Bytes)
	return err
}

func (a *App) indexCache(ctx context.Context, appConfig *Config) error {
	store, err := fsstore.Open(appConfig.CacheRoot, fsstore.ExistingOnly())
	if err != nil {
		return err
	}
	ix, err := index.Open(filepath.Join(appConfig.CacheRoot, IndexFile))
	if err != nil {
		return err
	}
	defer ix.Close()

	stats, err := ix.Rebuild(ctx, store)
	if err != nil {
		return err
	}
	a.logger.Info("Cache index rebuilt.", "path", ix.Path(), "entries", stats.Entries, "unreadable", stats.Unreadable)

	tw := tabwriter.NewWriter(a.outW, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tENTRIES\tBYTES")
	for _, f := range stats.Fields {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", f.Field, f.Entries, f.Bytes)
	}
	fmt.Fprintf(tw, "total\t%d\t%d\n", stats.Entries, stats.Bytes)
	if stats.Unreadable > 0 {
		fmt.Fprintf(tw, "unreadable\t%d\t\n", stats.Unreadable)
	}
	return tw.Flush()
}
