package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sharechat/media-upload/internal/middleware"
	"github.com/sharechat/media-upload/internal/models"
)

type createResumableRequest struct {
	Filename string `json:"filename"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
}

type createResumableResponse struct {
	UploadURL string `json:"uploadUrl"`
	SessionID string `json:"sessionId"`
	ExpiresAt string `json:"expiresAt"`
}

type finalizeResumableResponse struct {
	ImageURL string `json:"imageUrl"`
	IsVideo  bool   `json:"isVideo"`
	FilePath string `json:"filePath"`
}

// CreateResumableTarget handles POST /create-resumable-upload: issues a
// session id and a pre-authorized PUT target the client streams the
// whole file against, bypassing this server.
func (h *UploadHandler) CreateResumableTarget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "create_resumable_target", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req createResumableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Filename == "" || req.FileType == "" || req.FileSize <= 0 {
		writeError(w, http.StatusBadRequest, "filename, fileType and fileSize are required")
		return
	}
	if !models.AllowedType(req.FileType) {
		writeError(w, http.StatusBadRequest, "unsupported media type; upload an image or video file")
		return
	}

	owner := middleware.SubjectFromContext(ctx)
	sessionID := uuid.New().String()
	objectKey := fmt.Sprintf("uploads/%s%s", sessionID, models.ExtensionFor(req.Filename, req.FileType))
	expiresAt := time.Now().Add(h.opts.PresignExpiry)

	uploadURL, err := h.publisher.PresignPut(ctx, objectKey, h.opts.PresignExpiry)
	if err != nil {
		span.RecordError(err)
		h.log.WithError(err).Error("failed to presign resumable target")
		writeError(w, http.StatusInternalServerError, "failed to create upload target")
		return
	}

	if err := h.registry.Create(models.UploadSession{
		ID:          sessionID,
		Owner:       owner,
		FileName:    req.Filename,
		ContentType: req.FileType,
		Size:        req.FileSize,
		Kind:        models.KindResumable,
		ObjectKey:   objectKey,
	}, false); err != nil {
		span.RecordError(err)
		writeError(w, http.StatusInternalServerError, "failed to register upload session")
		return
	}

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("object_key", objectKey),
	)
	h.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"owner":      owner,
		"file_name":  req.Filename,
	}).Info("resumable upload target created")
	writeJSON(w, http.StatusOK, createResumableResponse{
		UploadURL: uploadURL,
		SessionID: sessionID,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}

// FinalizeResumable handles POST /finalize-upload/{sessionId}: verifies
// the client's PUT landed at the expected key and finalizes the session.
func (h *UploadHandler) FinalizeResumable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "finalize_resumable", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	sessionID := mux.Vars(r)["sessionId"]
	span.SetAttributes(attribute.String("session_id", sessionID))

	sess, ok := h.registry.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.Kind != models.KindResumable {
		writeError(w, http.StatusBadRequest, "session is not a resumable upload")
		return
	}
	owner := middleware.SubjectFromContext(ctx)
	if sess.Owner != owner {
		writeError(w, http.StatusForbidden, "session belongs to another identity")
		return
	}

	if sess.Status == models.StatusCompleted {
		writeJSON(w, http.StatusOK, finalizeResumableResponse{
			ImageURL: sess.PublicURL,
			IsVideo:  models.IsVideoType(sess.ContentType),
			FilePath: sess.ObjectKey,
		})
		return
	}

	size, found, err := h.publisher.Stat(ctx, sess.ObjectKey)
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusInternalServerError, "failed to verify uploaded object")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "uploaded object not found; the upload may not have finished")
		return
	}

	publicURL := h.publisher.PublicURL(sess.ObjectKey)
	h.registry.Finalize(sessionID, sess.ObjectKey, publicURL)
	middleware.UploadedBytes.WithLabelValues("resumable").Add(float64(size))
	middleware.SessionsCompleted.WithLabelValues("completed").Inc()

	isVideo := models.IsVideoType(sess.ContentType)
	h.recordAsset(ctx, &models.PublishedAsset{
		SessionID:   sessionID,
		Owner:       sess.Owner,
		FileName:    sess.FileName,
		ObjectKey:   sess.ObjectKey,
		PublicURL:   publicURL,
		ContentType: sess.ContentType,
		Size:        size,
		IsVideo:     isVideo,
		CreatedAt:   time.Now(),
	})

	h.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"object_key": sess.ObjectKey,
		"size":       size,
	}).Info("resumable upload finalized")
	writeJSON(w, http.StatusOK, finalizeResumableResponse{
		ImageURL: publicURL,
		IsVideo:  isVideo,
		FilePath: sess.ObjectKey,
	})
}

// CancelResumable handles DELETE /cancel-upload/{sessionId}: best-effort
// removal of any partially uploaded object plus the session entry.
func (h *UploadHandler) CancelResumable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "cancel_resumable", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	sessionID := mux.Vars(r)["sessionId"]
	span.SetAttributes(attribute.String("session_id", sessionID))

	owner := middleware.SubjectFromContext(ctx)
	if sess, ok := h.registry.Get(sessionID); ok {
		if sess.Owner != owner {
			writeError(w, http.StatusForbidden, "session belongs to another identity")
			return
		}
		if sess.ObjectKey != "" {
			if err := h.publisher.Remove(ctx, sess.ObjectKey); err != nil {
				h.log.WithError(err).WithField("session_id", sessionID).Warn("failed to remove partial object")
			}
		}
		h.registry.Remove(sessionID)
	}
	if h.cache != nil {
		if err := h.cache.InvalidateUploadInfo(ctx, sessionID); err != nil {
			h.log.WithError(err).Warn("failed to invalidate upload info")
		}
	}

	h.log.WithField("session_id", sessionID).Info("resumable upload cancelled")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
