package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"transcode-orchestrator/pkg/job"
	"transcode-orchestrator/pkg/observability"
)

// MinioGateway implements Gateway against a MinIO/S3 endpoint.
type MinioGateway struct {
	client *minio.Client
	bucket string
}

func NewMinio(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioGateway, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioGateway{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the configured bucket if it does not exist yet.
func (g *MinioGateway) EnsureBucket(ctx context.Context) error {
	exists, err := g.client.BucketExists(ctx, g.bucket)
	if err != nil {
		return classify(err)
	}
	if exists {
		return nil
	}
	if err := g.client.MakeBucket(ctx, g.bucket, minio.MakeBucketOptions{}); err != nil {
		return classify(err)
	}
	return nil
}

func (g *MinioGateway) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	timer := time.Now()
	_, err := g.client.PutObject(ctx, g.bucket, key, r, size, minio.PutObjectOptions{})
	observability.ExternalCallDuration.WithLabelValues("storage_put").Observe(time.Since(timer).Seconds())
	if err != nil {
		return "", classify(err)
	}
	return Location(g.bucket, key), nil
}

func (g *MinioGateway) Get(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	obj, err := g.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err)
	}
	// GetObject is lazy; surface missing objects at call time.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classify(err)
	}
	return obj, nil
}

func (g *MinioGateway) PresignDownload(ctx context.Context, location string, ttl time.Duration) (*url.URL, error) {
	bucket, key, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	u, err := g.client.PresignedGetObject(ctx, bucket, key, ttl, url.Values{})
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

// classify maps object store failures onto the retry taxonomy. Missing
// objects and denied access will not heal on retry; everything else
// (network, throttling, server errors) is worth retrying with backoff.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return job.Transient(err)
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return job.Permanent(err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
		return job.Permanent(err)
	}
	return job.Transient(err)
}
