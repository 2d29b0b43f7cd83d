package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sharechat/media-upload/internal/chunkstore"
	"github.com/sharechat/media-upload/internal/middleware"
	"github.com/sharechat/media-upload/internal/models"
	"github.com/sharechat/media-upload/internal/session"
)

type directUploadResponse struct {
	ImageURL string `json:"imageUrl"`
	IsVideo  bool   `json:"isVideo"`
}

type openSessionRequest struct {
	Filename    string `json:"filename"`
	FileType    string `json:"fileType"`
	FileSize    int64  `json:"fileSize"`
	SessionID   string `json:"sessionId"`
	TotalChunks int    `json:"totalChunks"`
	Replace     bool   `json:"replace,omitempty"`
}

type uploadChunkResponse struct {
	Success        bool `json:"success"`
	ReceivedChunks int  `json:"receivedChunks"`
	TotalChunks    int  `json:"totalChunks"`
}

type completeSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type completeSessionResponse struct {
	ImageURL string `json:"imageUrl"`
	IsVideo  bool   `json:"isVideo"`
	FilePath string `json:"filePath"`
	FileName string `json:"fileName"`
}

type uploadInfoResponse struct {
	URL      string `json:"url"`
	IsVideo  bool   `json:"isVideo"`
	FileName string `json:"fileName"`
	FilePath string `json:"filePath"`
	Status   string `json:"status"`
}

// DirectUpload handles POST /upload: a single multipart request carrying
// the whole file. Payloads over the direct cap get 413 so clients switch
// to the chunked strategy.
func (h *UploadHandler) DirectUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "direct_upload", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	owner := middleware.SubjectFromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxDirectBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large for direct upload")
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse multipart form: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !models.AllowedType(contentType) {
		writeError(w, http.StatusBadRequest, "unsupported media type; upload an image or video file")
		return
	}

	objectKey := fmt.Sprintf("uploads/%d_%s%s",
		time.Now().UnixMilli(),
		uuid.NewString()[:8],
		models.ExtensionFor(header.Filename, contentType),
	)
	span.SetAttributes(
		attribute.String("object_key", objectKey),
		attribute.Int64("size_bytes", header.Size),
	)

	publicURL, err := h.publisher.Publish(ctx, file, header.Size, objectKey, contentType)
	if err != nil {
		span.RecordError(err)
		h.log.WithError(err).WithField("object_key", objectKey).Error("direct upload publish failed")
		writeError(w, http.StatusInternalServerError, "failed to store uploaded file")
		return
	}

	isVideo := models.IsVideoType(contentType)
	middleware.UploadedBytes.WithLabelValues("direct").Add(float64(header.Size))
	h.recordAsset(ctx, &models.PublishedAsset{
		SessionID:   uuid.NewString(),
		Owner:       owner,
		FileName:    header.Filename,
		ObjectKey:   objectKey,
		PublicURL:   publicURL,
		ContentType: contentType,
		Size:        header.Size,
		IsVideo:     isVideo,
		CreatedAt:   time.Now(),
	})

	h.log.WithFields(logrus.Fields{
		"owner":      owner,
		"object_key": objectKey,
		"size":       header.Size,
	}).Info("direct upload completed")
	writeJSON(w, http.StatusOK, directUploadResponse{ImageURL: publicURL, IsVideo: isVideo})
}

// OpenSession handles POST /upload-session: registers a chunked upload
// session. Retrying the identical request is idempotent; a live session
// under the same id with different parameters is rejected unless the
// request sets replace.
func (h *UploadHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "open_session", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Filename == "" || req.FileType == "" || req.SessionID == "" || req.FileSize <= 0 || req.TotalChunks <= 0 {
		writeError(w, http.StatusBadRequest, "filename, fileType, fileSize, sessionId and totalChunks are required")
		return
	}
	if !models.AllowedType(req.FileType) {
		writeError(w, http.StatusBadRequest, "unsupported media type; upload an image or video file")
		return
	}

	owner := middleware.SubjectFromContext(ctx)
	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.Int("total_chunks", req.TotalChunks),
	)

	err := h.registry.Create(models.UploadSession{
		ID:          req.SessionID,
		Owner:       owner,
		FileName:    req.Filename,
		ContentType: req.FileType,
		Size:        req.FileSize,
		TotalChunks: req.TotalChunks,
		Kind:        models.KindChunked,
	}, req.Replace)
	if errors.Is(err, session.ErrSessionExists) {
		// Retried identical open requests succeed; anything else is a
		// genuine collision.
		if existing, ok := h.registry.Get(req.SessionID); ok &&
			existing.Owner == owner &&
			existing.FileName == req.Filename &&
			existing.TotalChunks == req.TotalChunks &&
			!existing.Terminal() {
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		}
		writeError(w, http.StatusConflict, "session id already in use")
		return
	} else if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusInternalServerError, "failed to open session")
		return
	}

	h.log.WithFields(logrus.Fields{
		"session_id":   req.SessionID,
		"owner":        owner,
		"file_name":    req.Filename,
		"total_chunks": req.TotalChunks,
	}).Info("upload session opened")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// UploadChunk handles POST /upload-chunk: stages one chunk on disk and
// marks it received. Out-of-order and duplicate arrivals are fine.
func (h *UploadHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "upload_chunk", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse multipart form: %v", err))
		return
	}

	sessionID := r.FormValue("sessionId")
	indexStr := r.FormValue("chunkIndex")
	if sessionID == "" || indexStr == "" {
		writeError(w, http.StatusBadRequest, "sessionId and chunkIndex are required")
		return
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunkIndex must be an integer")
		return
	}

	sess, ok := h.registry.Get(sessionID)
	if !ok || sess.Terminal() {
		writeError(w, http.StatusNotFound, "session not found; reopen the upload session")
		return
	}
	owner := middleware.SubjectFromContext(ctx)
	if sess.Owner != owner {
		writeError(w, http.StatusForbidden, "session belongs to another identity")
		return
	}
	if index < 0 || index >= sess.TotalChunks {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("chunk index %d outside [0, %d)", index, sess.TotalChunks))
		return
	}

	chunk, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing chunk field")
		return
	}
	defer chunk.Close()

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("chunk_index", index),
	)

	n, received, total, err := h.stageChunk(sess.Owner, sessionID, index, chunk)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found; reopen the upload session")
		return
	case errors.Is(err, session.ErrInvalidChunkIndex):
		writeError(w, http.StatusBadRequest, "invalid chunk index")
		return
	case err != nil:
		span.RecordError(err)
		h.log.WithError(err).WithFields(logrus.Fields{
			"session_id":  sessionID,
			"chunk_index": index,
		}).Error("failed to stage chunk")
		writeError(w, http.StatusInternalServerError, "failed to store chunk")
		return
	}

	middleware.UploadedBytes.WithLabelValues("chunked").Add(float64(n))
	writeJSON(w, http.StatusOK, uploadChunkResponse{
		Success:        true,
		ReceivedChunks: received,
		TotalChunks:    total,
	})
}

// stageChunk writes one chunk to disk and records its receipt. A sweep
// can evict the session between the handler's liveness check and the
// write; the write would then recreate the staging dir for a session
// nothing will ever complete, so on a not-found the dir is deleted
// again.
func (h *UploadHandler) stageChunk(owner, sessionID string, index int, chunk io.Reader) (n int64, received, total int, err error) {
	n, err = h.chunks.WriteChunk(owner, sessionID, index, chunk)
	if err != nil {
		return 0, 0, 0, err
	}

	received, total, err = h.registry.MarkChunkReceived(sessionID, index)
	if errors.Is(err, session.ErrSessionNotFound) {
		if cerr := h.chunks.DeleteSessionDir(owner, sessionID); cerr != nil {
			h.log.WithError(cerr).WithField("session_id", sessionID).Warn("failed to delete orphan chunk dir")
		}
	}
	return n, received, total, err
}

// CompleteSession handles POST /upload-session/complete: assembles the
// staged chunks, publishes the result, and finalizes the session. A
// publish failure leaves the session failed but retryable.
func (h *UploadHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "complete_session", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req completeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	span.SetAttributes(attribute.String("session_id", req.SessionID))

	owner := middleware.SubjectFromContext(ctx)
	if existing, ok := h.registry.Get(req.SessionID); ok && existing.Owner != owner {
		writeError(w, http.StatusForbidden, "session belongs to another identity")
		return
	}

	sess, err := h.registry.BeginCompletion(req.SessionID)
	switch {
	case errors.Is(err, session.ErrAlreadyCompleted):
		writeJSON(w, http.StatusOK, completeSessionResponse{
			ImageURL: sess.PublicURL,
			IsVideo:  models.IsVideoType(sess.ContentType),
			FilePath: sess.ObjectKey,
			FileName: sess.FileName,
		})
		return
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found; reopen the upload session")
		return
	case errors.Is(err, session.ErrIncompleteSession):
		writeError(w, http.StatusBadRequest, "session is missing chunks; upload all chunks before completing")
		return
	case errors.Is(err, session.ErrCompletionInProgress):
		writeError(w, http.StatusConflict, "completion already in progress")
		return
	case err != nil:
		span.RecordError(err)
		writeError(w, http.StatusInternalServerError, "failed to complete session")
		return
	}

	// Assemble unless a previous attempt already produced the file and
	// only the publish step failed.
	assembledPath := sess.AssembledPath
	if assembledPath == "" {
		path, _, err := h.assembler.Assemble(ctx, sess)
		// The chunk directory is spent either way once assembly has run.
		if cerr := h.chunks.DeleteSessionDir(sess.Owner, sess.ID); cerr != nil {
			h.log.WithError(cerr).WithField("session_id", sess.ID).Warn("failed to delete chunk dir")
		}
		if err != nil {
			span.RecordError(err)
			h.registry.Fail(sess.ID)
			middleware.SessionsCompleted.WithLabelValues("failed").Inc()
			if errors.Is(err, session.ErrIncompleteSession) {
				writeError(w, http.StatusBadRequest, "session is missing chunks; upload all chunks before completing")
				return
			}
			if errors.Is(err, chunkstore.ErrMissingChunk) {
				h.log.WithError(err).WithField("session_id", sess.ID).Error("staged chunks lost before assembly")
			}
			writeError(w, http.StatusInternalServerError, "failed to assemble uploaded chunks")
			return
		}
		assembledPath = path
	}
	h.registry.SetAssembled(sess.ID, assembledPath)

	objectKey := fmt.Sprintf("uploads/%s%s", sess.ID, models.ExtensionFor(sess.FileName, sess.ContentType))
	publicURL, size, err := h.publishAssembled(ctx, assembledPath, objectKey, sess.ContentType)
	if err != nil {
		span.RecordError(err)
		// Keep the assembled file so a retried completion can re-publish.
		h.registry.Fail(sess.ID)
		middleware.SessionsCompleted.WithLabelValues("failed").Inc()
		h.log.WithError(err).WithFields(logrus.Fields{
			"session_id": sess.ID,
			"object_key": objectKey,
			"stage":      "publish",
		}).Error("failed to publish assembled upload")
		writeError(w, http.StatusInternalServerError, "failed to publish uploaded file")
		return
	}

	removeQuiet(assembledPath)
	h.registry.Finalize(sess.ID, objectKey, publicURL)
	middleware.SessionsCompleted.WithLabelValues("completed").Inc()

	isVideo := models.IsVideoType(sess.ContentType)
	h.recordAsset(ctx, &models.PublishedAsset{
		SessionID:   sess.ID,
		Owner:       sess.Owner,
		FileName:    sess.FileName,
		ObjectKey:   objectKey,
		PublicURL:   publicURL,
		ContentType: sess.ContentType,
		Size:        size,
		IsVideo:     isVideo,
		CreatedAt:   time.Now(),
	})

	h.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"object_key": objectKey,
		"size":       size,
	}).Info("upload session completed")
	writeJSON(w, http.StatusOK, completeSessionResponse{
		ImageURL: publicURL,
		IsVideo:  isVideo,
		FilePath: objectKey,
		FileName: sess.FileName,
	})
}

// publishAssembled pushes the assembled file to object storage with
// bounded retries, reopening the file for each attempt.
func (h *UploadHandler) publishAssembled(ctx context.Context, path, objectKey, contentType string) (string, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("assembled file vanished: %w", err)
	}
	size := info.Size()

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(h.opts.PublishRetries-1)),
		ctx,
	)
	url, err := backoff.RetryWithData(func() (string, error) {
		f, err := os.Open(path)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		defer f.Close()
		return h.publisher.Publish(ctx, f, size, objectKey, contentType)
	}, bo)
	if err != nil {
		return "", 0, err
	}
	return url, size, nil
}

// LookupUploadInfo handles GET /upload-info/{sessionId}: the best-effort
// recovery path for clients that lost track of a completion. Resolution
// order: live registry, cache, durable record, then a bounded probe of
// plausible object keys.
func (h *UploadHandler) LookupUploadInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "lookup_upload_info", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	sessionID := mux.Vars(r)["sessionId"]
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing sessionId")
		return
	}
	span.SetAttributes(attribute.String("session_id", sessionID))

	owner := middleware.SubjectFromContext(ctx)
	if sess, ok := h.registry.Get(sessionID); ok {
		if sess.Owner != owner {
			writeError(w, http.StatusForbidden, "session belongs to another identity")
			return
		}
		if sess.Status == models.StatusCompleted {
			writeJSON(w, http.StatusOK, uploadInfoResponse{
				URL:      sess.PublicURL,
				IsVideo:  models.IsVideoType(sess.ContentType),
				FileName: sess.FileName,
				FilePath: sess.ObjectKey,
				Status:   string(sess.Status),
			})
			return
		}
	}

	if h.cache != nil {
		if asset, err := h.cache.GetUploadInfo(ctx, sessionID); err != nil {
			h.log.WithError(err).Warn("upload-info cache lookup failed")
		} else if asset != nil {
			if asset.Owner != owner {
				writeError(w, http.StatusForbidden, "session belongs to another identity")
				return
			}
			writeJSON(w, http.StatusOK, assetInfoResponse(asset))
			return
		}
	}

	if h.assets != nil {
		if asset, err := h.assets.GetAssetBySession(ctx, sessionID); err != nil {
			h.log.WithError(err).Warn("upload-info record lookup failed")
		} else if asset != nil {
			if asset.Owner != owner {
				writeError(w, http.StatusForbidden, "session belongs to another identity")
				return
			}
			if h.cache != nil {
				if err := h.cache.SetUploadInfo(ctx, asset); err != nil {
					h.log.WithError(err).Warn("failed to cache upload info")
				}
			}
			writeJSON(w, http.StatusOK, assetInfoResponse(asset))
			return
		}
	}

	// Last resort: the object may exist even though every index of it was
	// lost. Probe the keys a completed session could have produced.
	for _, ext := range models.MediaExtensions() {
		key := fmt.Sprintf("uploads/%s%s", sessionID, ext)
		if _, found, err := h.publisher.Stat(ctx, key); err != nil {
			span.RecordError(err)
			break
		} else if found {
			writeJSON(w, http.StatusOK, uploadInfoResponse{
				URL:      h.publisher.PublicURL(key),
				IsVideo:  isVideoExt(ext),
				FileName: sessionID + ext,
				FilePath: key,
				Status:   string(models.StatusCompleted),
			})
			return
		}
	}

	writeError(w, http.StatusNotFound, "no upload found for session")
}

func assetInfoResponse(asset *models.PublishedAsset) uploadInfoResponse {
	return uploadInfoResponse{
		URL:      asset.PublicURL,
		IsVideo:  asset.IsVideo,
		FileName: asset.FileName,
		FilePath: asset.ObjectKey,
		Status:   string(models.StatusCompleted),
	}
}

func isVideoExt(ext string) bool {
	switch ext {
	case ".mp4", ".webm", ".mov", ".avi":
		return true
	}
	return false
}
