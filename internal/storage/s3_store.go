package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultPartSize is the multipart chunk size used for streamed uploads
const DefaultPartSize = 8 * 1024 * 1024

// S3Store implements ObjectStore for AWS S3 or S3-compatible storage
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	logger   *slog.Logger
}

// NewS3Store creates a new S3Store for the configured bucket
func NewS3Store(ctx context.Context, s3Config S3Config, logger *slog.Logger) (*S3Store, error) {
	if s3Config.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}

	client, err := NewS3Client(ctx, s3Config)
	if err != nil {
		return nil, err
	}

	logger.Info("S3 client initialized",
		"bucket", s3Config.Bucket,
		"region", s3Config.Region,
		"custom_endpoint", s3Config.Endpoint != "",
	)

	return NewS3StoreFromClient(client, s3Config.Bucket, logger), nil
}

// NewS3StoreFromClient wraps an existing S3 client
func NewS3StoreFromClient(client *s3.Client, bucket string, logger *slog.Logger) *S3Store {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = DefaultPartSize
		u.LeavePartsOnError = false
	})

	return &S3Store{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		logger:   logger,
	}
}

// Put implements ObjectStore.Put. The body is streamed; payloads larger than
// one part are sent as a multipart upload which is aborted on error, so a
// failed Put never leaves a partial object behind.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.ContentEncoding != "" {
		input.ContentEncoding = aws.String(opts.ContentEncoding)
	}

	out, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrUpload, key, err)
	}

	s.logger.Debug("Object uploaded", "key", key, "location", out.Location)
	return nil
}

// List implements ObjectStore.List
func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectDescriptor, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var objects []ObjectDescriptor
	paginator := s3.NewListObjectsV2Paginator(s.client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 objects: %w", err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}

			desc := ObjectDescriptor{
				Path: *obj.Key,
				Name: path.Base(*obj.Key),
			}
			if obj.Size != nil {
				desc.Size = *obj.Size
			}
			if obj.LastModified != nil {
				desc.LastModified = *obj.LastModified
			}
			objects = append(objects, desc)
		}
	}

	return objects, nil
}

// Delete implements ObjectStore.Delete. Individual DeleteObject calls are used
// instead of bulk delete for MinIO compatibility (bulk delete needs Content-MD5).
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrDelete, key, err)
	}
	return nil
}

// Bucket implements ObjectStore.Bucket
func (s *S3Store) Bucket() string {
	return s.bucket
}

// Close implements ObjectStore.Close
func (s *S3Store) Close() error {
	// S3 client doesn't require explicit cleanup
	return nil
}
