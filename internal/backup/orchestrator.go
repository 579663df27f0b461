package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/GreedyKomodoDragon/collection-backup/internal/partition"
	"github.com/GreedyKomodoDragon/collection-backup/internal/storage"
)

// ErrCycleInProgress is returned when a cycle is triggered while another one is running
var ErrCycleInProgress = errors.New("backup cycle already in progress")

// Options configures a backup cycle
type Options struct {
	// RetentionDays is the number of days a partition is kept
	RetentionDays int
	// Concurrency bounds how many collections are backed up at once
	Concurrency int
	// Location is the time zone used to compute partition keys
	Location *time.Location
}

// Orchestrator drives backup cycles: snapshot every collection, upload it,
// then prune expired partitions.
type Orchestrator struct {
	snapshotter Snapshotter
	objects     *BackupObjectManager
	retention   RetentionManager
	clock       clock.Clock
	opts        Options
	recorder    Recorder
	logger      *slog.Logger

	// held for the duration of a cycle
	running sync.Mutex
}

// NewOrchestrator creates an orchestrator with explicitly injected collaborators
func NewOrchestrator(
	snapshotter Snapshotter,
	store storage.ObjectStore,
	retention RetentionManager,
	clk clock.Clock,
	opts Options,
	logger *slog.Logger,
) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	return &Orchestrator{
		snapshotter: snapshotter,
		objects:     NewBackupObjectManager(snapshotter, store, clk, logger),
		retention:   retention,
		clock:       clk,
		opts:        opts,
		recorder:    nopRecorder{},
		logger:      logger,
	}
}

// SetRecorder installs a recorder for cycle outcomes
func (o *Orchestrator) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	o.recorder = r
}

// ObjectManager exposes the per-collection uploader, mainly to tune retries
func (o *Orchestrator) ObjectManager() *BackupObjectManager {
	return o.objects
}

// PerformBackup runs one cycle over collections.
//
// Per-collection failures never abort the cycle; they are logged and carried
// by the result. An error is returned only when the cycle could not run at
// all, in which case nothing is uploaded or pruned: a collection name is
// invalid (partition.ErrInvalidCollection), another cycle is in progress
// (ErrCycleInProgress) or the database is unreachable
// (source.ErrSourceUnavailable).
func (o *Orchestrator) PerformBackup(ctx context.Context, collections []string) (*CycleResult, error) {
	if err := partition.ValidateCollections(collections); err != nil {
		return nil, err
	}

	if !o.running.TryLock() {
		o.logger.Warn("Skipping backup trigger, previous cycle still running")
		return nil, ErrCycleInProgress
	}
	defer o.running.Unlock()

	started := o.clock.Now()
	result := &CycleResult{
		PartitionKey: partition.ForTime(started, o.opts.Location),
		StartedAt:    started,
	}

	o.logger.Info("Starting backup cycle",
		"partition_key", result.PartitionKey,
		"collections", collections,
		"concurrency", o.opts.Concurrency,
	)

	if err := o.snapshotter.Ping(ctx); err != nil {
		result.FinishedAt = o.clock.Now()
		err = fmt.Errorf("backup cycle aborted: %w", err)
		o.logger.Error("Database unavailable, backup cycle aborted", "error", err)
		o.recorder.ObserveCycle(result, err)
		return result, err
	}

	result.Collections = o.backupCollections(ctx, result.PartitionKey, collections)

	// prune always runs, regardless of individual upload outcomes
	result.Prune, result.PruneErr = o.retention.Prune(ctx, started, o.opts.RetentionDays)
	if result.PruneErr != nil {
		o.logger.Error("Failed to apply retention policy", "error", result.PruneErr)
	}

	result.FinishedAt = o.clock.Now()
	o.recorder.ObserveCycle(result, nil)

	o.logger.Info("Backup cycle completed",
		"partition_key", result.PartitionKey,
		"succeeded", result.Succeeded(),
		"failed", result.Failed(),
		"errorCount", result.ErrorCount(),
		"duration", result.Duration(),
	)
	return result, nil
}

// backupCollections attempts every collection and returns results in input order
func (o *Orchestrator) backupCollections(ctx context.Context, key partition.Key, collections []string) []CollectionResult {
	results := make([]CollectionResult, len(collections))

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)

	for i, collection := range collections {
		i, collection := i, collection
		g.Go(func() error {
			o.logger.Info("Backing up collection", "collection", collection)

			res := o.objects.UploadCollection(ctx, key, collection)
			results[i] = res
			o.recorder.ObserveCollection(res)

			if res.Err != nil {
				o.logger.Error("Backup of collection failed",
					"collection", collection,
					"key", res.Path,
					"attempts", res.Attempts,
					"error", res.Err,
				)
				return nil
			}

			o.logger.Info("Backup of collection completed",
				"collection", collection,
				"key", res.Path,
				"documents", res.Stats.Documents,
				"size_bytes", res.Stats.CompressedBytes,
				"duration", res.Duration,
			)
			return nil
		})
	}

	_ = g.Wait()
	return results
}
