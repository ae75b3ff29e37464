// Package s3 copies rollback point artifacts to an S3 compatible bucket.
package s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/blastware/sqlrollback/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Service defines the interface for S3 operations.
type Service interface {
	Upload(ctx context.Context, cfg models.S3Config, req models.OffsiteRequest) (*models.OffsiteResult, error)
	Delete(ctx context.Context, cfg models.S3Config, key string) error
}

// API is the subset of *s3.Client used here.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// ClientFactory builds an API client for cfg.
type ClientFactory func(ctx context.Context, cfg models.S3Config) (API, error)

// Impl implements the S3 Service interface.
type Impl struct {
	newClient ClientFactory
	logger    zerolog.Logger
}

// New creates a new S3 service backed by the AWS SDK.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		newClient: NewClient,
		logger:    logger,
	}
}

// NewWithClientFactory creates a new S3 service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory) *Impl {
	return &Impl{
		newClient: factory,
		logger:    logger,
	}
}

// NewClient creates an S3 client with static credentials. A custom endpoint selects an S3
// compatible store such as MinIO.
func NewClient(ctx context.Context, cfg models.S3Config) (API, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("AWS SDK config initialization error: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// ObjectKey returns the key an artifact file is stored under.
func ObjectKey(prefix, file string) string {
	return path.Join(prefix, filepath.Base(file))
}

// Upload puts the artifact at req.Path into the configured bucket. Failures are reported in
// the result.
func (s *Impl) Upload(ctx context.Context, cfg models.S3Config, req models.OffsiteRequest) (*models.OffsiteResult, error) {
	start := time.Now()
	key := ObjectKey(cfg.Prefix, req.Path)
	result := &models.OffsiteResult{Destination: key}

	client, err := s.newClient(ctx, cfg)
	if err != nil {
		result.Error = fmt.Errorf("failed to initialize S3 client: %w", err)
		return result, nil
	}

	file, err := os.Open(req.Path)
	if err != nil {
		result.Error = fmt.Errorf("failed to open artifact for S3 upload: %w", err)
		return result, nil
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		result.Error = fmt.Errorf("failed to stat artifact: %w", err)
		return result, nil
	}
	result.SizeBytes = info.Size()

	s.logger.Info().
		Str("bucket", cfg.Bucket).
		Str("key", key).
		Str("size", humanize.Bytes(uint64(info.Size()))).
		Msg("uploading artifact to S3")

	metadata := map[string]string{}
	if req.Host != "" {
		metadata["host"] = req.Host
	}
	for i, tag := range req.Tags {
		metadata[fmt.Sprintf("tag-%d", i)] = tag
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		Metadata:      metadata,
	})
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Errorf("failed to upload artifact to S3: %w", err)
		return result, nil
	}

	s.logger.Info().
		Str("location", fmt.Sprintf("s3://%s/%s", cfg.Bucket, key)).
		Dur("duration", result.Duration).
		Msg("artifact uploaded to S3")

	return result, nil
}

// Delete removes key from the configured bucket.
func (s *Impl) Delete(ctx context.Context, cfg models.S3Config, key string) error {
	client, err := s.newClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", cfg.Bucket, key, err)
	}

	s.logger.Info().Str("bucket", cfg.Bucket).Str("key", key).Msg("S3 object deleted")
	return nil
}
