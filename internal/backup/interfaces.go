package backup

import (
	"context"
	"io"
	"time"

	"github.com/GreedyKomodoDragon/collection-backup/internal/retention"
	"github.com/GreedyKomodoDragon/collection-backup/internal/snapshot"
)

// Snapshotter streams the compressed snapshot of one collection
type Snapshotter interface {
	// Ping reports whether the database connection is established
	Ping(ctx context.Context) error

	// WriteTo streams the snapshot of collection into w
	WriteTo(ctx context.Context, collection string, w io.Writer) (snapshot.Stats, error)
}

// RetentionManager interface for handling backup retention
type RetentionManager interface {
	// Prune deletes partitions older than retentionDays days before now
	Prune(ctx context.Context, now time.Time, retentionDays int) (*retention.Result, error)
}

// Recorder observes backup outcomes, typically to export metrics
type Recorder interface {
	ObserveCollection(result CollectionResult)
	ObserveCycle(result *CycleResult, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCollection(CollectionResult) {}
func (nopRecorder) ObserveCycle(*CycleResult, error) {}
