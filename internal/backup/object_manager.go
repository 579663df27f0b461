package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"

	"github.com/GreedyKomodoDragon/collection-backup/internal/partition"
	"github.com/GreedyKomodoDragon/collection-backup/internal/snapshot"
	"github.com/GreedyKomodoDragon/collection-backup/internal/source"
	"github.com/GreedyKomodoDragon/collection-backup/internal/storage"
)

// UploadedBy is stored in every object's metadata
const UploadedBy = "collection-backup"

var errUploadAborted = errors.New("upload aborted")

// BackupObjectManager streams one collection snapshot into the object store
type BackupObjectManager struct {
	snapshotter Snapshotter
	store       storage.ObjectStore
	clock       clock.Clock
	logger      *slog.Logger

	uploadRetries int
	newBackOff    func() backoff.BackOff
}

// NewBackupObjectManager creates a new backup object manager
func NewBackupObjectManager(snapshotter Snapshotter, store storage.ObjectStore, clk clock.Clock, logger *slog.Logger) *BackupObjectManager {
	return &BackupObjectManager{
		snapshotter: snapshotter,
		store:       store,
		clock:       clk,
		logger:      logger,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// SetRetryConfig configures how many times a failed upload is retried and
// the backoff between attempts. A nil newBackOff keeps the current policy.
func (bom *BackupObjectManager) SetRetryConfig(uploadRetries int, newBackOff func() backoff.BackOff) {
	if uploadRetries < 0 {
		uploadRetries = 0
	}
	bom.uploadRetries = uploadRetries
	if newBackOff != nil {
		bom.newBackOff = newBackOff
	}
}

// UploadCollection backs up one collection under key. It never panics or
// returns an error; the outcome is carried by the result.
func (bom *BackupObjectManager) UploadCollection(ctx context.Context, key partition.Key, collection string) CollectionResult {
	started := bom.clock.Now()
	result := CollectionResult{
		Collection: collection,
		Path:       key.ObjectPath(collection),
	}

	opts := storage.PutOptions{
		ContentType:     snapshot.ContentType,
		ContentEncoding: snapshot.ContentEncoding,
		Metadata: map[string]string{
			"uploaded-by":   UploadedBy,
			"collection":    collection,
			"partition-key": key.String(),
			"timestamp":     fmt.Sprintf("%d", started.Unix()),
		},
	}

	operation := func() error {
		result.Attempts++
		stats, err := bom.streamCollection(ctx, result.Path, collection, opts)
		result.Stats = stats
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrUpload) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		bom.logger.Warn("Backup upload failed",
			"collection", collection,
			"key", result.Path,
			"attempt", result.Attempts,
			"error", err,
		)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bom.newBackOff(), uint64(bom.uploadRetries)),
		ctx,
	)
	result.Err = backoff.Retry(operation, policy)
	result.Duration = bom.clock.Now().Sub(started)
	return result
}

// streamCollection pipes the serializer straight into Put so only one
// compressor window of the collection is held in memory.
func (bom *BackupObjectManager) streamCollection(ctx context.Context, path, collection string, opts storage.PutOptions) (snapshot.Stats, error) {
	type serialized struct {
		stats snapshot.Stats
		err   error
	}

	pr, pw := io.Pipe()
	done := make(chan serialized, 1)

	go func() {
		stats, err := bom.snapshotter.WriteTo(ctx, collection, pw)
		pw.CloseWithError(err)
		done <- serialized{stats: stats, err: err}
	}()

	putErr := bom.store.Put(ctx, path, pr, opts)
	// unblock the serializer if Put stopped reading early
	pr.CloseWithError(errUploadAborted)
	out := <-done

	switch {
	case errors.Is(out.err, snapshot.ErrCollectionRead), errors.Is(out.err, source.ErrSourceUnavailable):
		return out.stats, out.err
	case putErr != nil:
		return out.stats, putErr
	case out.err != nil:
		return out.stats, out.err
	}
	return out.stats, nil
}
