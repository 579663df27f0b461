package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/GreedyKomodoDragon/collection-backup/internal/partition"
	"github.com/GreedyKomodoDragon/collection-backup/internal/storage"
)

// ErrInvalidRetention is returned for a negative retention window
var ErrInvalidRetention = errors.New("retention days must not be negative")

// ObjectError records a failure for a single object
type ObjectError struct {
	Path string
	Err  error
}

// Result summarises one prune pass
type Result struct {
	Cutoff  time.Time
	Scanned int
	// Skipped holds paths whose first segment is not a partition key
	Skipped []string
	Expired []string
	Deleted []string
	Failed  []ObjectError
}

// Pruner deletes backup partitions older than the retention window
type Pruner struct {
	store    storage.ObjectStore
	location *time.Location
	logger   *slog.Logger
}

// NewPruner creates a pruner over store. Partition dates are interpreted in loc.
func NewPruner(store storage.ObjectStore, loc *time.Location, logger *slog.Logger) *Pruner {
	if loc == nil {
		loc = time.Local
	}
	return &Pruner{
		store:    store,
		location: loc,
		logger:   logger,
	}
}

// Expired splits objects into expired and skipped paths for the given cutoff.
// The decision depends only on each path, never on listing order or object
// metadata; both returned slices are sorted.
func Expired(objects []storage.ObjectDescriptor, cutoff time.Time) (expired, skipped []string) {
	for _, obj := range objects {
		key, err := partition.FromPath(obj.Path)
		if err != nil {
			skipped = append(skipped, obj.Path)
			continue
		}

		isExpired, err := key.Expired(cutoff)
		if err != nil {
			skipped = append(skipped, obj.Path)
			continue
		}
		if isExpired {
			expired = append(expired, obj.Path)
		}
	}

	sort.Strings(expired)
	sort.Strings(skipped)
	return expired, skipped
}

// Prune lists every object and deletes those whose partition date is strictly
// before now minus retentionDays days. Individual delete failures are logged
// and recorded in the result; only a failed listing aborts the pass.
func (p *Pruner) Prune(ctx context.Context, now time.Time, retentionDays int) (*Result, error) {
	if retentionDays < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRetention, retentionDays)
	}

	cutoff := partition.Cutoff(now, retentionDays, p.location)
	p.logger.Info("Managing backup retention",
		"retention_days", retentionDays,
		"cutoff", cutoff.Format(partition.Layout),
		"bucket", p.store.Bucket(),
	)

	objects, err := p.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list backup objects: %w", err)
	}

	result := &Result{Cutoff: cutoff, Scanned: len(objects)}
	result.Expired, result.Skipped = Expired(objects, cutoff)

	for _, path := range result.Skipped {
		p.logger.Debug("Skipping object without partition key", "key", path)
	}

	if len(result.Expired) == 0 {
		p.logger.Info("No backups to delete after retention analysis", "scanned", result.Scanned)
		return result, nil
	}

	for _, path := range result.Expired {
		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, ObjectError{Path: path, Err: err})
			continue
		}
		if err := p.store.Delete(ctx, path); err != nil {
			p.logger.Error("Failed to delete old backup", "key", path, "error", err)
			result.Failed = append(result.Failed, ObjectError{Path: path, Err: err})
			continue
		}
		p.logger.Info("Deleted old backup", "key", path)
		result.Deleted = append(result.Deleted, path)
	}

	p.logger.Info("Retention pass completed",
		"scanned", result.Scanned,
		"expired", len(result.Expired),
		"deleted", len(result.Deleted),
		"failed", len(result.Failed),
	)
	return result, nil
}
