package models

import (
	"path/filepath"
	"strings"
	"time"
)

// SessionStatus tracks where an upload session is in its lifecycle.
type SessionStatus string

const (
	StatusCreated    SessionStatus = "created"
	StatusReceiving  SessionStatus = "receiving"
	StatusAssembling SessionStatus = "assembling"
	StatusPublishing SessionStatus = "publishing"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
	StatusExpired    SessionStatus = "expired"
)

// SessionKind distinguishes server-assembled chunked sessions from
// resumable sessions where the client streams straight to storage.
type SessionKind string

const (
	KindChunked   SessionKind = "chunked"
	KindResumable SessionKind = "resumable"
)

// UploadSession is the server-side record of an in-progress upload.
type UploadSession struct {
	ID          string
	Owner       string
	FileName    string
	ContentType string
	Size        int64
	TotalChunks int

	// ChunkStatus[i] is true once chunk i has been staged on disk.
	// ReceivedChunks always equals the number of true entries.
	ChunkStatus    []bool
	ReceivedChunks int

	Kind      SessionKind
	Status    SessionStatus
	CreatedAt time.Time

	// Set during/after completion.
	ObjectKey     string
	PublicURL     string
	AssembledPath string
	CompletedAt   time.Time
}

// Terminal reports whether the session can no longer accept chunks.
func (s *UploadSession) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusExpired
}

// PublishedAsset is the durable record of a completed upload. Assets
// outlive the session that produced them.
type PublishedAsset struct {
	SessionID   string    `json:"session_id"`
	Owner       string    `json:"owner"`
	FileName    string    `json:"file_name"`
	ObjectKey   string    `json:"object_key"`
	PublicURL   string    `json:"public_url"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	IsVideo     bool      `json:"is_video"`
	CreatedAt   time.Time `json:"created_at"`
}

// allowedTypes is the media allow-list: photos and the handful of video
// containers the frontend players support.
var allowedTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/gif":       {},
	"image/webp":      {},
	"video/mp4":       {},
	"video/webm":      {},
	"video/quicktime": {},
	"video/x-msvideo": {},
}

// AllowedType reports whether contentType is an accepted media type.
func AllowedType(contentType string) bool {
	_, ok := allowedTypes[normalizeType(contentType)]
	return ok
}

// IsVideoType classifies a MIME type as video (vs. image).
func IsVideoType(contentType string) bool {
	return strings.HasPrefix(normalizeType(contentType), "video/")
}

func normalizeType(contentType string) string {
	// Strip any parameters, e.g. "video/webm;codecs=vp9".
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// extByType maps accepted MIME types to a canonical object-key extension,
// used when the original filename carries none.
var extByType = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
	"video/x-msvideo": ".avi",
}

// MediaExtensions lists every extension an uploaded asset may carry,
// in probe order for lookup recovery.
func MediaExtensions() []string {
	return []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".mp4", ".webm", ".mov", ".avi"}
}

// ExtensionFor picks an object-key extension from the original filename,
// falling back to the declared MIME type.
func ExtensionFor(fileName, contentType string) string {
	if ext := strings.ToLower(filepath.Ext(fileName)); ext != "" {
		return ext
	}
	if ext, ok := extByType[normalizeType(contentType)]; ok {
		return ext
	}
	return ".bin"
}
