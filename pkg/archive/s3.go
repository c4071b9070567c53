// Package archive uploads closed journal segments to object storage. The
// archive is a side channel: replay reads local files, never the archive.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/journal"
)

// Archiver uploads one closed segment and returns a content-addressed
// reference to it.
type Archiver interface {
	ArchiveSegment(ctx context.Context, localPath string) (string, error)
}

var _ journal.SegmentArchiver = (*S3Archiver)(nil)

// S3Archiver stores segments in an S3 bucket keyed by content hash.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// S3Config configures the S3 archiver. Endpoint is for MinIO/LocalStack
// style deployments.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: slog.Default(),
	}, nil
}

func (a *S3Archiver) WithLogger(l *slog.Logger) *S3Archiver {
	a.logger = l
	return a
}

// ArchiveSegment uploads the file at localPath. Upload is idempotent: a
// segment already present under its hash is not re-uploaded.
func (a *S3Archiver) ArchiveSegment(ctx context.Context, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("archive: read segment: %w", err)
	}
	hash := canonicalize.HashBytes(data)
	key := a.prefix + segmentKey(localPath, hash)

	_, err = a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return "s3://" + a.bucket + "/" + key, nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: upload segment: %w", err)
	}
	a.logger.Info("segment archived",
		slog.String("segment", localPath),
		slog.String("key", key),
		slog.Int("bytes", len(data)))
	return "s3://" + a.bucket + "/" + key, nil
}

// segmentKey names the object by content hash with the original basename
// kept for humans browsing the bucket.
func segmentKey(localPath, hash string) string {
	return hash + "/" + path.Base(localPath)
}
