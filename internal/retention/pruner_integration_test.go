package retention_test

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/GreedyKomodoDragon/collection-backup/internal/retention"
	"github.com/GreedyKomodoDragon/collection-backup/internal/storage"
)

const (
	retentionTestBucket        = "retention-test-bucket"
	retentionMinioImage        = "minio/minio:RELEASE.2024-01-16T16-07-38Z"
	retentionMinioTerminateMsg = "failed to terminate MinIO container: %s"
	retentionHTTPPrefix        = "http://"
	retentionHTTPSPrefix       = "https://"
)

// setupMinIOForRetention sets up MinIO container and returns an S3 store on a fresh bucket
func setupMinIOForRetention(t *testing.T) (context.Context, *storage.S3Store, func()) {
	ctx := context.Background()

	minioContainer, err := minio.Run(ctx, retentionMinioImage)
	require.NoError(t, err)

	endpoint, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err)

	if !strings.HasPrefix(endpoint, retentionHTTPPrefix) && !strings.HasPrefix(endpoint, retentionHTTPSPrefix) {
		endpoint = retentionHTTPPrefix + endpoint
	}

	s3Config := storage.S3Config{
		Bucket:          retentionTestBucket,
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
	}

	s3Client, err := storage.NewS3Client(ctx, s3Config)
	require.NoError(t, err)

	_, err = s3Client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(retentionTestBucket),
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cleanup := func() {
		if err := minioContainer.Terminate(context.Background()); err != nil {
			t.Logf(retentionMinioTerminateMsg, err)
		}
	}

	return ctx, storage.NewS3StoreFromClient(s3Client, retentionTestBucket, logger), cleanup
}

// TestPrunerWithMinIO runs the end-to-end retention example against a real S3 API
func TestPrunerWithMinIO(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx, store, cleanup := setupMinIOForRetention(t)
	defer cleanup()

	for _, key := range []string{
		"2024-02-10/customers.json.gz",
		"2024-02-10/orders.json.gz",
		"2024-02-14/customers.json.gz",
		"2024-02-20/customers.json.gz",
		"2024-03-15/customers.json.gz",
		"profile_pictures/7_1700000000",
	} {
		require.NoError(t, store.Put(ctx, key, strings.NewReader("content"), storage.PutOptions{}))
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	pruner := retention.NewPruner(store, time.UTC, logger)

	now := time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC)
	result, err := pruner.Prune(ctx, now, 30)
	require.NoError(t, err)

	assert.Equal(t, 6, result.Scanned)
	assert.Equal(t, []string{"2024-02-10/customers.json.gz", "2024-02-10/orders.json.gz"}, result.Deleted)
	assert.Equal(t, []string{"profile_pictures/7_1700000000"}, result.Skipped)

	objects, err := store.List(ctx, "")
	require.NoError(t, err)

	var remaining []string
	for _, o := range objects {
		remaining = append(remaining, o.Path)
	}
	assert.ElementsMatch(t, []string{
		"2024-02-14/customers.json.gz",
		"2024-02-20/customers.json.gz",
		"2024-03-15/customers.json.gz",
		"profile_pictures/7_1700000000",
	}, remaining)
}
