package delivery

import (
	"context"
	"fmt"
	"os"
)

// Mirror backends selected by SABT_MIRROR.
const (
	KindOff = "off"
	KindS3  = "s3"
	KindGCS = "gcs"
)

// FromEnv builds the configured mirror uploader. A nil Uploader with a
// nil error means mirroring is off.
//
// Environment variables:
//   - SABT_MIRROR: "off" (default), "s3" or "gcs"
//   - SABT_MIRROR_S3_BUCKET (required for s3)
//   - SABT_MIRROR_S3_REGION (falls back to AWS_REGION, then us-east-1)
//   - SABT_MIRROR_S3_ENDPOINT, SABT_MIRROR_S3_PREFIX (optional)
//   - SABT_MIRROR_GCS_BUCKET (required for gcs)
//   - SABT_MIRROR_GCS_PREFIX (optional)
func FromEnv(ctx context.Context) (Uploader, error) {
	kind := os.Getenv("SABT_MIRROR")
	if kind == "" {
		kind = KindOff
	}
	switch kind {
	case KindOff:
		return nil, nil
	case KindS3:
		bucket := os.Getenv("SABT_MIRROR_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("SABT_MIRROR_S3_BUCKET is required for s3 mirroring")
		}
		region := os.Getenv("SABT_MIRROR_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("SABT_MIRROR_S3_ENDPOINT"),
			Prefix:   os.Getenv("SABT_MIRROR_S3_PREFIX"),
		})
	case KindGCS:
		bucket := os.Getenv("SABT_MIRROR_GCS_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("SABT_MIRROR_GCS_BUCKET is required for gcs mirroring")
		}
		return newGCSFromEnv(ctx, bucket, os.Getenv("SABT_MIRROR_GCS_PREFIX"))
	default:
		return nil, fmt.Errorf("unsupported mirror kind: %s", kind)
	}
}
