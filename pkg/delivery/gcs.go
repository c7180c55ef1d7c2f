//go:build gcp

package delivery

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSConfig holds the GCS mirror target.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCS mirrors export files into a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS builds a GCS uploader using Application Default Credentials.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCS{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCS) Upload(ctx context.Context, name string, data []byte) error {
	w := g.client.Bucket(g.bucket).Object(g.prefix + name).NewWriter(ctx)
	w.ContentType = ContentType(name)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s: %w", name, err)
	}
	return nil
}

func newGCSFromEnv(ctx context.Context, bucket, prefix string) (Uploader, error) {
	return NewGCS(ctx, GCSConfig{Bucket: bucket, Prefix: prefix})
}
