package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"

	"github.com/GreedyKomodoDragon/collection-backup/internal/catalog"
	"github.com/GreedyKomodoDragon/collection-backup/internal/config"
	"github.com/GreedyKomodoDragon/collection-backup/internal/retention"
	"github.com/GreedyKomodoDragon/collection-backup/internal/scheduler"
	"github.com/GreedyKomodoDragon/collection-backup/internal/snapshot"
	"github.com/GreedyKomodoDragon/collection-backup/internal/source"
	"github.com/GreedyKomodoDragon/collection-backup/internal/storage"
)

// initTimeout bounds connecting to the database and object store at startup
const initTimeout = 30 * time.Second

// ServiceOptions tunes how the service is assembled
type ServiceOptions struct {
	// DryRun keeps uploads in memory instead of the configured bucket
	DryRun bool
	// Recorder receives cycle outcomes; nil disables recording
	Recorder Recorder
	// Clock defaults to the wall clock
	Clock clock.Clock
}

// BackupService wires the configured source and store into an orchestrator
// and exposes the service entry points
type BackupService struct {
	cfg          *config.Config
	source       source.DocumentSource
	store        storage.ObjectStore
	pruner       *retention.Pruner
	orchestrator *Orchestrator
	clock        clock.Clock
	logger       *slog.Logger
}

// NewBackupService connects to the configured database and object store
func NewBackupService(ctx context.Context, cfg *config.Config, opts ServiceOptions, logger *slog.Logger) (*BackupService, error) {
	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	src, err := newSource(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var store storage.ObjectStore
	if opts.DryRun {
		logger.Warn("Dry run enabled, backups are kept in memory only")
		store = storage.NewMemoryStore(cfg.S3.Bucket)
	} else {
		store, err = storage.NewS3Store(ctx, cfg.S3, logger)
		if err != nil {
			_ = src.Close(context.Background())
			return nil, fmt.Errorf("failed to create S3 store: %w", err)
		}
	}

	s := NewBackupServiceWith(cfg, src, store, opts, logger)

	logger.Info("Backup service initialized",
		"source_type", cfg.SourceType,
		"collections", cfg.Collections,
		"s3_bucket", store.Bucket(),
		"retention_days", cfg.RetentionDays,
		"schedule", cfg.ScheduleTime.String(),
		"timezone", cfg.Location.String(),
		"dry_run", opts.DryRun,
	)
	return s, nil
}

// NewBackupServiceWith assembles a service around an existing source and store
func NewBackupServiceWith(cfg *config.Config, src source.DocumentSource, store storage.ObjectStore, opts ServiceOptions, logger *slog.Logger) *BackupService {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	pruner := retention.NewPruner(store, cfg.Location, logger)
	orchestrator := NewOrchestrator(
		snapshot.NewSerializer(src, cfg.CompressionLevel),
		store,
		pruner,
		clk,
		Options{
			RetentionDays: cfg.RetentionDays,
			Concurrency:   cfg.Concurrency,
			Location:      cfg.Location,
		},
		logger,
	)
	orchestrator.ObjectManager().SetRetryConfig(cfg.UploadRetries, func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 5 * time.Minute
		return b
	})
	orchestrator.SetRecorder(opts.Recorder)

	return &BackupService{
		cfg:          cfg,
		source:       src,
		store:        store,
		pruner:       pruner,
		orchestrator: orchestrator,
		clock:        clk,
		logger:       logger,
	}
}

func newSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (source.DocumentSource, error) {
	switch cfg.SourceType {
	case config.SourceMongo:
		src, err := source.NewMongoSource(ctx, cfg.Mongo, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		return src, nil
	case config.SourceRedis:
		return source.NewRedisSource(cfg.Redis, logger), nil
	default:
		return nil, fmt.Errorf("unsupported source type %q", cfg.SourceType)
	}
}

// RunOnce performs one cycle over collections, or over the configured
// collections when none are given
func (s *BackupService) RunOnce(ctx context.Context, collections ...string) (*CycleResult, error) {
	if len(collections) == 0 {
		collections = s.cfg.Collections
	}
	return s.orchestrator.PerformBackup(ctx, collections)
}

// Prune applies the retention policy without taking a backup
func (s *BackupService) Prune(ctx context.Context) (*retention.Result, error) {
	return s.pruner.Prune(ctx, s.clock.Now(), s.cfg.RetentionDays)
}

// Catalog lists the backups currently held in the bucket
func (s *BackupService) Catalog(ctx context.Context) (*catalog.Catalog, error) {
	return catalog.NewScanner(s.store, s.logger).Scan(ctx)
}

// Start runs the daily schedule until ctx is cancelled
func (s *BackupService) Start(ctx context.Context) error {
	sched := scheduler.New(s.cfg.ScheduleTime, s.cfg.Location, s.clock, func(ctx context.Context) {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
			s.logger.Error("Scheduled backup failed", "error", err)
		}
	}, s.logger)

	err := sched.Run(ctx)
	s.logger.Info("Backup service shutting down")
	return err
}

// Store returns the object store backups are written to
func (s *BackupService) Store() storage.ObjectStore {
	return s.store
}

// Close releases the database connection and the object store
func (s *BackupService) Close(ctx context.Context) error {
	return errors.Join(s.source.Close(ctx), s.store.Close())
}
