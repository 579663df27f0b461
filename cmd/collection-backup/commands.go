package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GreedyKomodoDragon/collection-backup/internal/backup"
	"github.com/GreedyKomodoDragon/collection-backup/internal/catalog"
	"github.com/GreedyKomodoDragon/collection-backup/internal/config"
	"github.com/GreedyKomodoDragon/collection-backup/internal/metrics"
	"github.com/GreedyKomodoDragon/collection-backup/internal/retention"
	"github.com/GreedyKomodoDragon/collection-backup/internal/storage"
)

var errCollectionsFailed = errors.New("one or more collections failed to back up")

type rootOptions struct {
	envFiles []string
	dryRun   bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "collection-backup",
		Short:         "Daily snapshots of database collections into object storage",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "env files to load before reading configuration (default .env)")
	root.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "keep backups in memory instead of uploading them")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newRunCommand(opts))
	root.AddCommand(newPruneCommand(opts))
	root.AddCommand(newListCommand(opts))
	return root
}

// setup loads configuration, builds the logger and assembles the service
func setup(ctx context.Context, opts *rootOptions, serviceOpts backup.ServiceOptions) (*config.Config, *slog.Logger, *backup.BackupService, error) {
	if err := config.LoadDotEnv(opts.envFiles...); err != nil {
		return nil, nil, nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	logger := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	serviceOpts.DryRun = opts.dryRun
	svc, err := backup.NewBackupService(ctx, cfg, serviceOpts, logger)
	if err != nil {
		logger.Error("Failed to initialize backup service", "error", err)
		return nil, nil, nil, err
	}
	return cfg, logger, svc, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run backups every day at BACKUP_SCHEDULE_TIME",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			recorder := metrics.NewRecorder()
			cfg, logger, svc, err := setup(ctx, opts, backup.ServiceOptions{Recorder: recorder})
			if err != nil {
				return err
			}
			defer closeService(svc, logger)

			if cfg.MetricsAddr != "" {
				stopMetrics := serveMetrics(ctx, cfg.MetricsAddr, recorder.Handler(), logger)
				defer stopMetrics()
			}

			return svc.Start(ctx)
		},
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run [collections...]",
		Short: "Run one backup cycle now",
		Long:  "Run one backup cycle now over the given collections, or BACKUP_COLLECTIONS when none are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, logger, svc, err := setup(ctx, opts, backup.ServiceOptions{})
			if err != nil {
				return err
			}
			defer closeService(svc, logger)

			result, err := svc.RunOnce(ctx, args...)
			if err != nil {
				return err
			}

			writeCycleSummary(cmd.OutOrStdout(), result)
			if opts.dryRun {
				writeStoreContents(cmd.OutOrStdout(), svc.Store())
			}
			if result.Failed() > 0 {
				return errCollectionsFailed
			}
			return nil
		},
	}
}

func newPruneCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete backups older than BACKUP_RETENTION_DAYS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, logger, svc, err := setup(ctx, opts, backup.ServiceOptions{})
			if err != nil {
				return err
			}
			defer closeService(svc, logger)

			result, err := svc.Prune(ctx)
			if err != nil {
				return err
			}

			writePruneSummary(cmd.OutOrStdout(), result)
			if len(result.Failed) > 0 {
				return fmt.Errorf("failed to delete %d expired backups", len(result.Failed))
			}
			return nil
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the backups held in the bucket, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, svc, err := setup(cmd.Context(), opts, backup.ServiceOptions{})
			if err != nil {
				return err
			}
			defer closeService(svc, logger)

			cat, err := svc.Catalog(cmd.Context())
			if err != nil {
				return err
			}
			writeCatalog(cmd.OutOrStdout(), cat)
			return nil
		},
	}
}

func closeService(svc *backup.BackupService, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		logger.Warn("Failed to close backup service", "error", err)
	}
}

// serveMetrics exposes /metrics on addr until ctx is done. The returned
// func shuts the listener down.
func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Serving metrics", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}

func writeCycleSummary(w io.Writer, result *backup.CycleResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "COLLECTION\tSTATUS\tOBJECT\tDOCUMENTS\tBYTES\tATTEMPTS\n")
	for _, c := range result.Collections {
		status := "ok"
		if !c.Succeeded() {
			status = "failed: " + c.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
			c.Collection, status, c.Path, c.Stats.Documents, c.Stats.CompressedBytes, c.Attempts)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\npartition %s: %d succeeded, %d failed\n", result.PartitionKey, result.Succeeded(), result.Failed())
	switch {
	case result.PruneErr != nil:
		fmt.Fprintf(w, "retention: failed: %v\n", result.PruneErr)
	case result.Prune != nil:
		writePruneSummary(w, result.Prune)
	}
}

func writePruneSummary(w io.Writer, result *retention.Result) {
	fmt.Fprintf(w, "retention: cutoff %s, %d scanned, %d deleted, %d failed, %d skipped\n",
		result.Cutoff.Format(time.DateOnly), result.Scanned, len(result.Deleted), len(result.Failed), len(result.Skipped))
	for _, f := range result.Failed {
		fmt.Fprintf(w, "  failed to delete %s: %v\n", f.Path, f.Err)
	}
}

func writeStoreContents(w io.Writer, store storage.ObjectStore) {
	objects, err := store.List(context.Background(), "")
	if err != nil {
		fmt.Fprintf(w, "could not list dry-run objects: %v\n", err)
		return
	}
	fmt.Fprintf(w, "\ndry run, objects held in memory for bucket %s:\n", store.Bucket())
	for _, obj := range objects {
		fmt.Fprintf(w, "  %s (%d bytes)\n", obj.Path, obj.Size)
	}
}

func writeCatalog(w io.Writer, cat *catalog.Catalog) {
	if len(cat.Partitions) == 0 {
		fmt.Fprintln(w, "no backups found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "PARTITION\tOBJECTS\tBYTES\tCOLLECTIONS\n")
	for _, p := range cat.Partitions {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", p.Key, len(p.Objects), p.Size, strings.Join(p.Collections(), ","))
	}
	_ = tw.Flush()

	if len(cat.Unrecognized) > 0 {
		fmt.Fprintf(w, "\n%d objects outside the backup layout were ignored\n", len(cat.Unrecognized))
	}
}
