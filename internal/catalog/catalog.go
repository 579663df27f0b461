package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/GreedyKomodoDragon/collection-backup/internal/partition"
	"github.com/GreedyKomodoDragon/collection-backup/internal/storage"
)

// Partition is one day of backups
type Partition struct {
	Key     partition.Key
	Objects []storage.ObjectDescriptor
	Size    int64
}

// Collections returns the collection names backed up in the partition
func (p Partition) Collections() []string {
	names := make([]string, 0, len(p.Objects))
	for _, obj := range p.Objects {
		names = append(names, CollectionName(obj.Path))
	}
	return names
}

// Catalog is the inventory of backups held in a bucket
type Catalog struct {
	// Partitions are ordered newest first
	Partitions []Partition
	// Unrecognized holds objects outside the partition layout
	Unrecognized []string
}

// CollectionName returns the collection an object path was written for
func CollectionName(objectPath string) string {
	return strings.TrimSuffix(path.Base(objectPath), partition.ObjectSuffix)
}

// Scanner discovers backups in an object store
type Scanner struct {
	store  storage.ObjectStore
	logger *slog.Logger
}

// NewScanner creates a scanner over store
func NewScanner(store storage.ObjectStore, logger *slog.Logger) *Scanner {
	return &Scanner{store: store, logger: logger}
}

// Scan lists the bucket and groups backup objects by partition
func (s *Scanner) Scan(ctx context.Context) (*Catalog, error) {
	s.logger.Info("Searching for backups in bucket", "bucket", s.store.Bucket())

	objects, err := s.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list backup objects: %w", err)
	}

	byKey := make(map[partition.Key]*Partition)
	cat := &Catalog{}

	for _, obj := range objects {
		key, err := partition.FromPath(obj.Path)
		if err != nil || !strings.HasSuffix(obj.Path, partition.ObjectSuffix) {
			cat.Unrecognized = append(cat.Unrecognized, obj.Path)
			continue
		}

		p, ok := byKey[key]
		if !ok {
			p = &Partition{Key: key}
			byKey[key] = p
		}
		p.Objects = append(p.Objects, obj)
		p.Size += obj.Size
	}

	for _, p := range byKey {
		sort.Slice(p.Objects, func(i, j int) bool {
			return p.Objects[i].Path < p.Objects[j].Path
		})
		cat.Partitions = append(cat.Partitions, *p)
	}
	// YYYY-MM-DD sorts chronologically as a string
	sort.Slice(cat.Partitions, func(i, j int) bool {
		return cat.Partitions[i].Key > cat.Partitions[j].Key
	})
	sort.Strings(cat.Unrecognized)

	if len(cat.Partitions) > 0 {
		s.logger.Info("Found backups",
			"partitions", len(cat.Partitions),
			"latest", cat.Partitions[0].Key,
		)
	} else {
		s.logger.Info("No backups found in bucket")
	}
	return cat, nil
}

// Latest returns the most recent backup of collection, or nil when none exists
func (s *Scanner) Latest(ctx context.Context, collection string) (*storage.ObjectDescriptor, error) {
	cat, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	return cat.Latest(collection), nil
}

// Latest returns the most recent backup of collection held in the catalog
func (c *Catalog) Latest(collection string) *storage.ObjectDescriptor {
	for _, p := range c.Partitions {
		for i := range p.Objects {
			if CollectionName(p.Objects[i].Path) == collection {
				obj := p.Objects[i]
				return &obj
			}
		}
	}
	return nil
}
