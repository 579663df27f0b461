package backup

import (
	"time"

	"github.com/GreedyKomodoDragon/collection-backup/internal/partition"
	"github.com/GreedyKomodoDragon/collection-backup/internal/retention"
	"github.com/GreedyKomodoDragon/collection-backup/internal/snapshot"
)

// CollectionResult is the outcome of backing up a single collection
type CollectionResult struct {
	Collection string
	Path       string
	Stats      snapshot.Stats
	Attempts   int
	Duration   time.Duration
	Err        error
}

// Succeeded reports whether the collection was uploaded
func (r CollectionResult) Succeeded() bool {
	return r.Err == nil
}

// CycleResult aggregates every outcome of one backup cycle
type CycleResult struct {
	PartitionKey partition.Key
	StartedAt    time.Time
	FinishedAt   time.Time
	Collections  []CollectionResult
	Prune        *retention.Result
	PruneErr     error
}

// Succeeded returns the number of collections uploaded
func (r *CycleResult) Succeeded() int {
	n := 0
	for _, c := range r.Collections {
		if c.Succeeded() {
			n++
		}
	}
	return n
}

// Failed returns the number of collections that could not be backed up
func (r *CycleResult) Failed() int {
	return len(r.Collections) - r.Succeeded()
}

// ErrorCount counts every failure in the cycle: collections, the prune pass
// itself and individual deletes.
func (r *CycleResult) ErrorCount() int {
	n := r.Failed()
	if r.PruneErr != nil {
		n++
	}
	if r.Prune != nil {
		n += len(r.Prune.Failed)
	}
	return n
}

// Duration is the wall time of the cycle
func (r *CycleResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
