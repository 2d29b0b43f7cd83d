package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("media-upload-storage")

// MinioClient wraps object storage operations with tracing. It is the
// only place bytes leave the process for durable storage.
type MinioClient struct {
	client        *minio.Client
	bucketName    string
	publicBaseURL string
}

// NewMinioClient initializes a new MinIO client and ensures the media
// bucket exists.
func NewMinioClient(endpoint, accessKey, secretKey, bucketName, publicBaseURL string, useSSL bool) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	mc := &MinioClient{
		client:        client,
		bucketName:    bucketName,
		publicBaseURL: publicBaseURL,
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		logrus.WithField("bucket", bucketName).Info("creating media bucket")
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return mc, nil
}

// Publish streams content into the bucket under objectKey and returns
// the public URL of the stored object.
func (mc *MinioClient) Publish(ctx context.Context, r io.Reader, size int64, objectKey, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.publish",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
			attribute.Int64("size_bytes", size),
			attribute.String("content_type", contentType),
		),
	)
	defer span.End()

	_, err := mc.client.PutObject(ctx, mc.bucketName, objectKey, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish object: %w", err)
	}

	span.SetAttributes(attribute.Bool("publish_success", true))
	return mc.PublicURL(objectKey), nil
}

// PresignPut issues a pre-authorized PUT target for objectKey, valid for
// expiry. Resumable clients stream the whole file against it directly.
func (mc *MinioClient) PresignPut(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.presign_put",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
			attribute.Int64("expiry_seconds", int64(expiry.Seconds())),
		),
	)
	defer span.End()

	u, err := mc.client.PresignedPutObject(ctx, mc.bucketName, objectKey, expiry)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to presign upload target: %w", err)
	}
	return u.String(), nil
}

// Stat reports whether objectKey exists and its size. A missing object
// is not an error.
func (mc *MinioClient) Stat(ctx context.Context, objectKey string) (int64, bool, error) {
	ctx, span := tracer.Start(ctx, "minio.stat",
		trace.WithAttributes(attribute.String("object_key", objectKey)),
	)
	defer span.End()

	info, err := mc.client.StatObject(ctx, mc.bucketName, objectKey, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			span.SetAttributes(attribute.Bool("found", false))
			return 0, false, nil
		}
		span.RecordError(err)
		return 0, false, fmt.Errorf("failed to stat object: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true), attribute.Int64("size_bytes", info.Size))
	return info.Size, true, nil
}

// Remove deletes objectKey from the bucket.
func (mc *MinioClient) Remove(ctx context.Context, objectKey string) error {
	ctx, span := tracer.Start(ctx, "minio.remove",
		trace.WithAttributes(attribute.String("object_key", objectKey)),
	)
	defer span.End()

	if err := mc.client.RemoveObject(ctx, mc.bucketName, objectKey, minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to remove object: %w", err)
	}
	return nil
}

// PublicURL returns the publicly addressable URL for an object key.
func (mc *MinioClient) PublicURL(objectKey string) string {
	return fmt.Sprintf("%s/%s/%s", mc.publicBaseURL, mc.bucketName, escapeKey(objectKey))
}

func escapeKey(key string) string {
	// Keep path separators readable, escape everything else per segment.
	u := url.URL{Path: key}
	return u.EscapedPath()
}
