//go:build !gcp

package delivery

import (
	"context"
	"fmt"
)

func newGCSFromEnv(_ context.Context, _, _ string) (Uploader, error) {
	return nil, fmt.Errorf("GCS mirroring is not enabled in this build (use -tags gcp)")
}
