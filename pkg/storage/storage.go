// Package storage abstracts the object store holding raw and transcoded
// media. Locations are opaque "s3://bucket/key" strings.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"transcode-orchestrator/pkg/job"
)

type Gateway interface {
	// Put stores the object and returns its location.
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error)
	// Get opens the object at the given location.
	Get(ctx context.Context, location string) (io.ReadCloser, error)
	// PresignDownload returns a time-limited download URL for the location.
	PresignDownload(ctx context.Context, location string, ttl time.Duration) (*url.URL, error)
}

// Location formats a bucket/key pair as an object location.
func Location(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// ParseLocation splits an "s3://bucket/key" location.
func ParseLocation(location string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: location %q lacks s3:// scheme", job.ErrValidation, location)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: location %q lacks bucket or key", job.ErrValidation, location)
	}
	return bucket, key, nil
}
