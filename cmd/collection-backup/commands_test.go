package main

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GreedyKomodoDragon/collection-backup/internal/backup"
	"github.com/GreedyKomodoDragon/collection-backup/internal/catalog"
	"github.com/GreedyKomodoDragon/collection-backup/internal/config"
	"github.com/GreedyKomodoDragon/collection-backup/internal/retention"
	"github.com/GreedyKomodoDragon/collection-backup/internal/snapshot"
	"github.com/GreedyKomodoDragon/collection-backup/internal/storage"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "run", "prune", "list"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("dry-run"))
	assert.NotNil(t, root.PersistentFlags().Lookup("env-file"))
}

func TestPruneCommandDryRunEmptyBucket(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("BACKUP_COLLECTIONS", "customers")
	t.Setenv("SOURCE_TYPE", "redis")
	t.Setenv("S3_BUCKET", "backups")
	t.Setenv("LOG_LEVEL", "error")

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"prune", "--dry-run"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "0 scanned, 0 deleted")
}

func TestCommandFailsOnInvalidConfig(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("BACKUP_COLLECTIONS", "")
	t.Setenv("S3_BUCKET", "")

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"run", "--dry-run"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKUP_COLLECTIONS")
}

func TestWriteCycleSummary(t *testing.T) {
	result := &backup.CycleResult{
		PartitionKey: "2024-03-15",
		Collections: []backup.CollectionResult{
			{Collection: "customers", Path: "2024-03-15/customers.json.gz", Attempts: 1,
				Stats: snapshot.Stats{Documents: 12, CompressedBytes: 512}},
			{Collection: "orders", Path: "2024-03-15/orders.json.gz", Attempts: 1,
				Err: errors.Join(storage.ErrUpload, errors.New("denied"))},
		},
		Prune: &retention.Result{
			Cutoff:  time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC),
			Scanned: 4,
			Deleted: []string{"2024-02-10/customers.json.gz"},
		},
	}

	var out bytes.Buffer
	writeCycleSummary(&out, result)

	text := out.String()
	assert.Contains(t, text, "customers")
	assert.Contains(t, text, "failed: upload error")
	assert.Contains(t, text, "partition 2024-03-15: 1 succeeded, 1 failed")
	assert.Contains(t, text, "cutoff 2024-02-14, 4 scanned, 1 deleted")
}

func TestWriteStoreContents(t *testing.T) {
	store := storage.NewMemoryStore("backups")
	store.AddObject("2024-03-15/customers.json.gz", []byte("abc"))

	var out bytes.Buffer
	writeStoreContents(&out, store)
	assert.Contains(t, out.String(), "2024-03-15/customers.json.gz (3 bytes)")
}

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{config.LogFormatText, config.LogFormatJSON, config.LogFormatPretty} {
		t.Run(format, func(t *testing.T) {
			var out bytes.Buffer
			logger := newLogger(&out, slog.LevelInfo, format)

			logger.Debug("hidden")
			logger.Info("Backup cycle completed", "succeeded", 2)

			text := out.String()
			assert.NotContains(t, text, "hidden")
			assert.Contains(t, text, "Backup cycle completed")
			assert.True(t, strings.Contains(text, "succeeded"))
		})
	}
}

func TestWriteCatalog(t *testing.T) {
	cat := &catalog.Catalog{
		Partitions: []catalog.Partition{{
			Key: "2024-03-15",
			Objects: []storage.ObjectDescriptor{
				{Path: "2024-03-15/customers.json.gz", Size: 10},
				{Path: "2024-03-15/orders.json.gz", Size: 20},
			},
			Size: 30,
		}},
		Unrecognized: []string{"exports/a.csv"},
	}

	var out bytes.Buffer
	writeCatalog(&out, cat)
	assert.Contains(t, out.String(), "customers,orders")
	assert.Contains(t, out.String(), "1 objects outside the backup layout")

	out.Reset()
	writeCatalog(&out, &catalog.Catalog{})
	assert.Equal(t, "no backups found\n", out.String())
}

// chdir changes the working directory for the duration of the test
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
