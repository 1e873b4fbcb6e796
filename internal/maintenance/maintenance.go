// Package maintenance implements offline operations on a cache store.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/vk/keygraph/internal/blobstore"
	"github.com/vk/keygraph/internal/cache/disk"
	"github.com/vk/keygraph/internal/ctxlog"
	"github.com/vk/keygraph/internal/fingerprint"
)

// VerifyReport is the outcome of Verify.
type VerifyReport struct {
	Checked int
	Corrupt int
	Removed int
	// Err holds one CorruptionError per corrupted entry.
	Err error
}

// Verify fully checks every entry in store: envelope, checksum, size and
// structural signature. With remove set, corrupted entries are deleted.
// The returned error is reserved for failures to read the store.
func Verify(ctx context.Context, store blobstore.Store, remove bool) (VerifyReport, error) {
	logger := ctxlog.FromContext(ctx)
	var (
		report VerifyReport
		merr   *multierror.Error
	)

	err := store.List(ctx, func(info blobstore.Info) error {
		fp, err := fingerprint.Parse(info.Name)
		if err != nil {
			return nil
		}
		data, err := blobstore.Peek(ctx, store, info.Name)
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		report.Checked++

		env, err := disk.Decode(fp, data)
		if err == nil {
			_, err = env.Open(fp, true)
		}
		if err == nil {
			return nil
		}

		report.Corrupt++
		merr = multierror.Append(merr, err)
		logger.Warn("Corrupted cache entry.", "fingerprint", info.Name, "error", err)
		if remove {
			if derr := store.Delete(ctx, info.Name); derr != nil {
				return fmt.Errorf("removing %s: %w", info.Name, derr)
			}
			report.Removed++
		}
		return nil
	})
	report.Err = merr.ErrorOrNil()
	if err != nil {
		return report, fmt.Errorf("verifying store: %w", err)
	}
	return report, nil
}

// PruneReport is the outcome of Prune.
type PruneReport struct {
	Removed int
	Bytes   int64
}

// Prune deletes entries not used since now minus olderThan. Last use is the
// blob's modification time, which readers refresh. Deletion is always safe:
// a pruned value is recomputed on its next request.
func Prune(ctx context.Context, store blobstore.Store, olderThan time.Duration, now time.Time) (PruneReport, error) {
	var report PruneReport
	cutoff := now.Add(-olderThan)

	var stale []blobstore.Info
	if err := store.List(ctx, func(info blobstore.Info) error {
		if info.ModTime.Before(cutoff) {
			stale = append(stale, info)
		}
		return nil
	}); err != nil {
		return report, fmt.Errorf("listing store: %w", err)
	}

	var merr *multierror.Error
	for _, info := range stale {
		if err := store.Delete(ctx, info.Name); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("removing %s: %w", info.Name, err))
			continue
		}
		report.Removed++
		report.Bytes += info.Size
	}
	ctxlog.FromContext(ctx).Info("Pruned cache store.", "removed", report.Removed, "bytes", report.Bytes, "cutoff", cutoff)
	return report, merr.ErrorOrNil()
}
