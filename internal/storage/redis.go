package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sharechat/media-upload/internal/models"
)

const (
	// CacheTTL covers the window in which a client that lost track of its
	// session may still come back asking where its file ended up.
	CacheTTL = 24 * time.Hour
)

// RedisClient caches upload-info lookups so recovery requests do not hit
// the database or probe object storage.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// GetUploadInfo retrieves a cached published asset by session id.
// A cache miss returns (nil, nil).
func (rc *RedisClient) GetUploadInfo(ctx context.Context, sessionID string) (*models.PublishedAsset, error) {
	ctx, span := tracer.Start(ctx, "redis.get_upload_info",
		trace.WithAttributes(attribute.String("session_id", sessionID)),
	)
	defer span.End()

	key := uploadKey(sessionID)
	data, err := rc.client.Get(ctx, key).Result()

	if err == redis.Nil {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var asset models.PublishedAsset
	if err := json.Unmarshal([]byte(data), &asset); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached asset: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &asset, nil
}

// SetUploadInfo caches the published asset for a session.
func (rc *RedisClient) SetUploadInfo(ctx context.Context, asset *models.PublishedAsset) error {
	ctx, span := tracer.Start(ctx, "redis.set_upload_info",
		trace.WithAttributes(
			attribute.String("session_id", asset.SessionID),
			attribute.String("object_key", asset.ObjectKey),
		),
	)
	defer span.End()

	data, err := json.Marshal(asset)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal asset: %w", err)
	}

	if err := rc.client.Set(ctx, uploadKey(asset.SessionID), data, CacheTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	span.SetAttributes(attribute.Int64("ttl_seconds", int64(CacheTTL.Seconds())))
	return nil
}

// InvalidateUploadInfo drops the cached entry for a session, e.g. after
// a resumable upload is cancelled.
func (rc *RedisClient) InvalidateUploadInfo(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_upload_info",
		trace.WithAttributes(attribute.String("session_id", sessionID)),
	)
	defer span.End()

	if err := rc.client.Del(ctx, uploadKey(sessionID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

func uploadKey(sessionID string) string {
	return fmt.Sprintf("upload:%s", sessionID)
}
