//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
)

// GCSArchiver stores segments in a Google Cloud Storage bucket keyed by
// content hash.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewGCSArchiver uses application default credentials.
func NewGCSArchiver(ctx context.Context, bucket, prefix string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create gcs client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket, prefix: prefix, logger: slog.Default()}, nil
}

func (a *GCSArchiver) WithLogger(l *slog.Logger) *GCSArchiver {
	a.logger = l
	return a
}

// ArchiveSegment uploads the file at localPath, skipping segments already
// stored under their hash.
func (a *GCSArchiver) ArchiveSegment(ctx context.Context, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("archive: read segment: %w", err)
	}
	hash := canonicalize.HashBytes(data)
	key := a.prefix + segmentKey(localPath, hash)
	obj := a.client.Bucket(a.bucket).Object(key)

	if _, err := obj.Attrs(ctx); err == nil {
		return "gs://" + a.bucket + "/" + key, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("archive: stat object: %w", err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: upload segment: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: finalize upload: %w", err)
	}
	a.logger.Info("segment archived",
		slog.String("segment", localPath),
		slog.String("key", key),
		slog.Int("bytes", len(data)))
	return "gs://" + a.bucket + "/" + key, nil
}
