// Package uploadclient picks and executes an upload strategy — direct,
// chunked, or resumable — against the media upload service, with retries
// and transparent fallback so callers never hard-fail on transient
// upload problems.
package uploadclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Source describes the file to upload. ReaderAt must serve arbitrary
// byte ranges so chunks can be re-read on retry.
type Source struct {
	Name        string
	ContentType string
	Size        int64
	ReaderAt    io.ReaderAt
}

// Result is the outcome of an upload. When Fallback is set the upload
// did not confirm and URL carries the configured placeholder; Err then
// holds the diagnostic for logging, not for the end user.
type Result struct {
	URL       string
	IsVideo   bool
	FilePath  string
	FileName  string
	SessionID string
	Strategy  string
	Fallback  bool
	Err       string
}

// Config tunes the strategy selection. Zero values get defaults.
type Config struct {
	BaseURL string
	Token   string

	HTTPClient *http.Client

	// ChunkSize is fixed per upload, not derived from file size.
	ChunkSize int64
	// Files below SmallThreshold go direct; files at or above
	// LargeThreshold go resumable; the rest are chunked.
	SmallThreshold int64
	LargeThreshold int64

	// MaxAttempts bounds each retried operation (session open, chunk
	// send, completion).
	MaxAttempts uint64

	// PlaceholderURL is returned in fallback results so the calling flow
	// can proceed with a clearly-marked stand-in asset.
	PlaceholderURL string
}

const (
	defaultChunkSize      = 4 << 20
	defaultSmallThreshold = 8 << 20
	defaultLargeThreshold = 128 << 20
	defaultMaxAttempts    = 3
	defaultPlaceholderURL = "/placeholder-upload.png"
)

// errPayloadTooLarge signals the server rejected a direct upload for
// size, which routes the file to the chunked strategy.
var errPayloadTooLarge = errors.New("payload too large")

// Client executes uploads against the media upload service.
type Client struct {
	cfg  Config
	http *http.Client
	log  *logrus.Entry
}

// New creates a Client, applying defaults for unset config fields.
func New(cfg Config) *Client {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.SmallThreshold <= 0 {
		cfg.SmallThreshold = defaultSmallThreshold
	}
	if cfg.LargeThreshold <= 0 {
		cfg.LargeThreshold = defaultLargeThreshold
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.PlaceholderURL == "" {
		cfg.PlaceholderURL = defaultPlaceholderURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		cfg:  cfg,
		http: httpClient,
		log:  logrus.WithField("component", "upload-client"),
	}
}

// Upload sends src using the strategy its size calls for, falling back
// across strategies on recoverable failures. onProgress, if non-nil,
// receives a monotonically non-decreasing percentage that reaches 100
// only on confirmed success. The returned error is non-nil only for
// unrecoverable misuse (nil source, cancelled context); transient
// failures produce a fallback Result instead.
func (c *Client) Upload(ctx context.Context, src Source, onProgress func(int)) (*Result, error) {
	if src.ReaderAt == nil || src.Size <= 0 {
		return nil, errors.New("upload source must have content")
	}
	progress := newProgressTracker(onProgress)

	switch {
	case src.Size < c.cfg.SmallThreshold:
		res, err := c.uploadDirect(ctx, src, progress)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, errPayloadTooLarge) {
			c.log.Info("direct upload rejected for size, retrying chunked")
			return c.chunkedWithFallback(ctx, src, progress)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.WithError(err).Warn("direct upload failed, returning fallback result")
		return c.fallbackResult(src, "direct", err), nil

	case src.Size < c.cfg.LargeThreshold:
		return c.chunkedWithFallback(ctx, src, progress)

	default:
		res, err := c.uploadResumable(ctx, src, progress)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.WithError(err).Warn("resumable upload failed, falling back to chunked")
		return c.chunkedWithFallback(ctx, src, progress)
	}
}

func (c *Client) chunkedWithFallback(ctx context.Context, src Source, progress *progressTracker) (*Result, error) {
	res, err := c.uploadChunked(ctx, src, progress)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c.log.WithError(err).Warn("chunked upload failed, returning fallback result")
	return c.fallbackResult(src, "chunked", err), nil
}

func (c *Client) fallbackResult(src Source, strategy string, err error) *Result {
	return &Result{
		URL:      c.cfg.PlaceholderURL,
		FileName: src.Name,
		Strategy: strategy,
		Fallback: true,
		Err:      err.Error(),
	}
}

// uploadDirect sends the whole file in one multipart POST.
func (c *Client) uploadDirect(ctx context.Context, src Source, progress *progressTracker) (*Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := createFilePart(mw, "file", src.Name, src.ContentType)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, io.NewSectionReader(src.ReaderAt, 0, src.Size)); err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	progress.report(10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/upload", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("direct upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return nil, errPayloadTooLarge
	}
	if resp.StatusCode != http.StatusOK {
		return nil, serverError(resp)
	}

	var out struct {
		ImageURL string `json:"imageUrl"`
		IsVideo  bool   `json:"isVideo"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}

	progress.report(100)
	return &Result{
		URL:      out.ImageURL,
		IsVideo:  out.IsVideo,
		FileName: src.Name,
		Strategy: "direct",
	}, nil
}

// uploadChunked splits the file into fixed-size chunks, uploads each
// with bounded per-chunk retries, then requests completion. A failed
// completion is followed by an upload-info lookup before giving up,
// since the server may have finished the work without the response
// making it back.
func (c *Client) uploadChunked(ctx context.Context, src Source, progress *progressTracker) (*Result, error) {
	sessionID := uuid.New().String()
	totalChunks := int((src.Size + c.cfg.ChunkSize - 1) / c.cfg.ChunkSize)

	err := c.retry(ctx, func() error {
		return c.openSession(ctx, sessionID, src, totalChunks)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open upload session: %w", err)
	}

	for i := 0; i < totalChunks; i++ {
		offset := int64(i) * c.cfg.ChunkSize
		length := c.cfg.ChunkSize
		if offset+length > src.Size {
			length = src.Size - offset
		}

		index := i
		err := c.retry(ctx, func() error {
			return c.sendChunk(ctx, sessionID, index, totalChunks, io.NewSectionReader(src.ReaderAt, offset, length))
		})
		if err != nil {
			return nil, fmt.Errorf("failed to upload chunk %d: %w", index, err)
		}
		// Chunk transfer owns 0–90; completion confirms the last 10.
		progress.report((i + 1) * 90 / totalChunks)
	}

	res, err := c.completeSession(ctx, sessionID, src)
	if err != nil {
		c.log.WithError(err).WithField("session_id", sessionID).Warn("completion failed, checking upload info")
		if recovered, lookupErr := c.lookupUploadInfo(ctx, sessionID, src); lookupErr == nil {
			progress.report(100)
			return recovered, nil
		}
		return nil, fmt.Errorf("failed to complete session: %w", err)
	}

	progress.report(100)
	return res, nil
}

func (c *Client) openSession(ctx context.Context, sessionID string, src Source, totalChunks int) error {
	payload := map[string]interface{}{
		"filename":    src.Name,
		"fileType":    src.ContentType,
		"fileSize":    src.Size,
		"sessionId":   sessionID,
		"totalChunks": totalChunks,
	}
	return c.postJSON(ctx, "/upload-session", payload, nil)
}

func (c *Client) sendChunk(ctx context.Context, sessionID string, index, totalChunks int, chunk io.Reader) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("sessionId", sessionID); err != nil {
		return err
	}
	if err := mw.WriteField("chunkIndex", strconv.Itoa(index)); err != nil {
		return err
	}
	if err := mw.WriteField("totalChunks", strconv.Itoa(totalChunks)); err != nil {
		return err
	}
	part, err := createFilePart(mw, "chunk", fmt.Sprintf("chunk_%d", index), "application/octet-stream")
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, chunk); err != nil {
		return fmt.Errorf("failed to read chunk: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/upload-chunk", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chunk request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Session is gone; retrying this chunk cannot help.
		return backoff.Permanent(serverError(resp))
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}
	return nil
}

func (c *Client) completeSession(ctx context.Context, sessionID string, src Source) (*Result, error) {
	var out struct {
		ImageURL string `json:"imageUrl"`
		IsVideo  bool   `json:"isVideo"`
		FilePath string `json:"filePath"`
		FileName string `json:"fileName"`
	}
	err := c.retry(ctx, func() error {
		return c.postJSON(ctx, "/upload-session/complete", map[string]string{"sessionId": sessionID}, &out)
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		URL:       out.ImageURL,
		IsVideo:   out.IsVideo,
		FilePath:  out.FilePath,
		FileName:  out.FileName,
		SessionID: sessionID,
		Strategy:  "chunked",
	}, nil
}

func (c *Client) lookupUploadInfo(ctx context.Context, sessionID string, src Source) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/upload-info/"+sessionID, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, serverError(resp)
	}

	var out struct {
		URL      string `json:"url"`
		IsVideo  bool   `json:"isVideo"`
		FileName string `json:"fileName"`
		FilePath string `json:"filePath"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.URL == "" {
		return nil, errors.New("upload info has no URL")
	}
	return &Result{
		URL:       out.URL,
		IsVideo:   out.IsVideo,
		FilePath:  out.FilePath,
		FileName:  out.FileName,
		SessionID: sessionID,
		Strategy:  "chunked",
	}, nil
}

// uploadResumable asks the server for a pre-signed target, streams the
// whole file against it, then finalizes. Any failure bubbles up so the
// caller can fall back to the chunked strategy.
func (c *Client) uploadResumable(ctx context.Context, src Source, progress *progressTracker) (*Result, error) {
	var created struct {
		UploadURL string `json:"uploadUrl"`
		SessionID string `json:"sessionId"`
	}
	err := c.retry(ctx, func() error {
		payload := map[string]interface{}{
			"filename": src.Name,
			"fileType": src.ContentType,
			"fileSize": src.Size,
		}
		return c.postJSON(ctx, "/create-resumable-upload", payload, &created)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resumable target: %w", err)
	}
	progress.report(5)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, created.UploadURL,
		io.NewSectionReader(src.ReaderAt, 0, src.Size))
	if err != nil {
		return nil, err
	}
	req.ContentLength = src.Size
	req.Header.Set("Content-Type", src.ContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resumable PUT failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("resumable PUT returned status %d", resp.StatusCode)
	}
	progress.report(90)

	var finalized struct {
		ImageURL string `json:"imageUrl"`
		IsVideo  bool   `json:"isVideo"`
		FilePath string `json:"filePath"`
	}
	err = c.retry(ctx, func() error {
		return c.postJSON(ctx, "/finalize-upload/"+created.SessionID, nil, &finalized)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to finalize resumable upload: %w", err)
	}

	progress.report(100)
	return &Result{
		URL:       finalized.ImageURL,
		IsVideo:   finalized.IsVideo,
		FilePath:  finalized.FilePath,
		FileName:  src.Name,
		SessionID: created.SessionID,
		Strategy:  "resumable",
	}, nil
}

// retry runs op with exponential backoff up to the configured attempt
// bound. Permanent errors stop immediately.
func (c *Client) retry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxAttempts-1),
		ctx,
	)
	return backoff.Retry(op, bo)
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := serverError(resp)
		// Client-side mistakes will not improve on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout {
			return backoff.Permanent(err)
		}
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

func serverError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}

func createFilePart(mw *multipart.Writer, field, filename, contentType string) (io.Writer, error) {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	h.Set("Content-Type", contentType)
	return mw.CreatePart(h)
}
