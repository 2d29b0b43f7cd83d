// Package handlers exposes the upload-session HTTP surface: direct,
// chunked, and resumable upload endpoints plus the recovery lookup.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/sharechat/media-upload/internal/assembler"
	"github.com/sharechat/media-upload/internal/chunkstore"
	"github.com/sharechat/media-upload/internal/models"
	"github.com/sharechat/media-upload/internal/session"
)

var tracer = otel.Tracer("media-upload-handlers")

// Publisher is the object-storage boundary: the only place bytes leave
// the process for durable storage.
type Publisher interface {
	Publish(ctx context.Context, r io.Reader, size int64, objectKey, contentType string) (string, error)
	PresignPut(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	Stat(ctx context.Context, objectKey string) (int64, bool, error)
	Remove(ctx context.Context, objectKey string) error
	PublicURL(objectKey string) string
}

// AssetStore is the durable published-assets record.
type AssetStore interface {
	RecordAsset(ctx context.Context, asset *models.PublishedAsset) error
	GetAssetBySession(ctx context.Context, sessionID string) (*models.PublishedAsset, error)
}

// AssetCache accelerates upload-info lookups.
type AssetCache interface {
	GetUploadInfo(ctx context.Context, sessionID string) (*models.PublishedAsset, error)
	SetUploadInfo(ctx context.Context, asset *models.PublishedAsset) error
	InvalidateUploadInfo(ctx context.Context, sessionID string) error
}

// Options carries the orchestrator's tunables.
type Options struct {
	// PublishRetries bounds publish attempts per completion.
	PublishRetries int
	// PresignExpiry is the lifetime of resumable upload targets.
	PresignExpiry time.Duration
	// MaxDirectBytes caps direct-upload payloads; larger files must go
	// through the chunked or resumable path.
	MaxDirectBytes int64
}

// UploadHandler is the HTTP-facing upload orchestrator.
type UploadHandler struct {
	registry  *session.Registry
	chunks    *chunkstore.ChunkStore
	assembler *assembler.Assembler
	publisher Publisher
	assets    AssetStore
	cache     AssetCache
	opts      Options
	log       *logrus.Entry
}

// NewUploadHandler creates the orchestrator. assets and cache may be nil;
// recording is then skipped (lookups fall back to probing).
func NewUploadHandler(
	registry *session.Registry,
	chunks *chunkstore.ChunkStore,
	asm *assembler.Assembler,
	publisher Publisher,
	assets AssetStore,
	cache AssetCache,
	opts Options,
) *UploadHandler {
	if opts.PublishRetries < 1 {
		opts.PublishRetries = 1
	}
	return &UploadHandler{
		registry:  registry,
		chunks:    chunks,
		assembler: asm,
		publisher: publisher,
		assets:    assets,
		cache:     cache,
		opts:      opts,
		log:       logrus.WithField("component", "upload-handler"),
	}
}

// recordAsset persists and caches the published asset. Failures here are
// logged, never surfaced: the upload itself already succeeded.
func (h *UploadHandler) recordAsset(ctx context.Context, asset *models.PublishedAsset) {
	if h.assets != nil {
		if err := h.assets.RecordAsset(ctx, asset); err != nil {
			h.log.WithError(err).WithField("session_id", asset.SessionID).Warn("failed to record published asset")
		}
	}
	if h.cache != nil {
		if err := h.cache.SetUploadInfo(ctx, asset); err != nil {
			h.log.WithError(err).WithField("session_id", asset.SessionID).Warn("failed to cache upload info")
		}
	}
}

// removeQuiet deletes a temp file; local cleanup failures are logged,
// never user-facing.
func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).WithField("path", path).Warn("failed to remove temp file")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
