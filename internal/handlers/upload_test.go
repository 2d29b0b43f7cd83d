package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharechat/media-upload/internal/assembler"
	"github.com/sharechat/media-upload/internal/chunkstore"
	"github.com/sharechat/media-upload/internal/models"
	"github.com/sharechat/media-upload/internal/session"
)

// fakePublisher keeps published objects in memory and can be told to
// fail the next N publish calls.
type fakePublisher struct {
	mu           sync.Mutex
	objects      map[string][]byte
	failPublishN int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{objects: map[string][]byte{}}
}

func (p *fakePublisher) Publish(_ context.Context, r io.Reader, _ int64, objectKey, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPublishN > 0 {
		p.failPublishN--
		return "", errors.New("object storage unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	p.objects[objectKey] = data
	return p.publicURL(objectKey), nil
}

func (p *fakePublisher) PresignPut(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "http://storage.test/put/" + objectKey, nil
}

func (p *fakePublisher) Stat(_ context.Context, objectKey string) (int64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.objects[objectKey]
	return int64(len(data)), ok, nil
}

func (p *fakePublisher) Remove(_ context.Context, objectKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, objectKey)
	return nil
}

func (p *fakePublisher) PublicURL(objectKey string) string { return p.publicURL(objectKey) }

func (p *fakePublisher) publicURL(objectKey string) string {
	return "http://cdn.test/sharechat-media/" + objectKey
}

func (p *fakePublisher) put(objectKey string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[objectKey] = data
}

func (p *fakePublisher) get(objectKey string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.objects[objectKey]
	return data, ok
}

type testEnv struct {
	server    *httptest.Server
	publisher *fakePublisher
	registry  *session.Registry
	chunks    *chunkstore.ChunkStore
	handler   *UploadHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cs, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	registry := session.NewRegistry(cs)
	asm, err := assembler.New(cs, registry, t.TempDir())
	require.NoError(t, err)
	publisher := newFakePublisher()

	h := NewUploadHandler(registry, cs, asm, publisher, nil, nil, Options{
		PublishRetries: 1,
		PresignExpiry:  time.Hour,
		MaxDirectBytes: 32 << 20,
	})

	router := mux.NewRouter()
	router.HandleFunc("/upload", h.DirectUpload).Methods("POST")
	router.HandleFunc("/upload-session", h.OpenSession).Methods("POST")
	router.HandleFunc("/upload-chunk", h.UploadChunk).Methods("POST")
	router.HandleFunc("/upload-session/complete", h.CompleteSession).Methods("POST")
	router.HandleFunc("/upload-info/{sessionId}", h.LookupUploadInfo).Methods("GET")
	router.HandleFunc("/create-resumable-upload", h.CreateResumableTarget).Methods("POST")
	router.HandleFunc("/finalize-upload/{sessionId}", h.FinalizeResumable).Methods("POST")
	router.HandleFunc("/cancel-upload/{sessionId}", h.CancelResumable).Methods("DELETE")

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testEnv{server: server, publisher: publisher, registry: registry, chunks: cs, handler: h}
}

func (e *testEnv) postJSON(t *testing.T, path string, payload interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) openSession(t *testing.T, sessionID string, totalChunks int) *http.Response {
	t.Helper()
	return e.postJSON(t, "/upload-session", map[string]interface{}{
		"filename":    "photo.jpg",
		"fileType":    "image/jpeg",
		"fileSize":    3,
		"sessionId":   sessionID,
		"totalChunks": totalChunks,
	})
}

func (e *testEnv) uploadChunk(t *testing.T, sessionID string, index int, data string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("sessionId", sessionID))
	require.NoError(t, mw.WriteField("chunkIndex", strconv.Itoa(index)))
	part, err := mw.CreateFormFile("chunk", fmt.Sprintf("chunk_%d", index))
	require.NoError(t, err)
	_, err = part.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.server.URL+"/upload-chunk", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestChunkedUploadEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	resp := env.openSession(t, "sess-abc", 3)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Out-of-order arrival: 1, 0, 2.
	for _, c := range []struct {
		index int
		data  string
	}{{1, "B"}, {0, "A"}, {2, "C"}} {
		resp := env.uploadChunk(t, "sess-abc", c.index, c.data)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp = env.postJSON(t, "/upload-session/complete", map[string]string{"sessionId": "sess-abc"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		ImageURL string `json:"imageUrl"`
		IsVideo  bool   `json:"isVideo"`
		FilePath string `json:"filePath"`
		FileName string `json:"fileName"`
	}
	decodeBody(t, resp, &out)

	assert.NotEmpty(t, out.ImageURL)
	assert.False(t, out.IsVideo)
	assert.Equal(t, "photo.jpg", out.FileName)

	data, ok := env.publisher.get(out.FilePath)
	require.True(t, ok)
	assert.Equal(t, "ABC", string(data))
}

func TestCompleteBeforeAllChunks(t *testing.T) {
	env := newTestEnv(t)

	resp := env.openSession(t, "sess-early", 3)
	resp.Body.Close()

	resp = env.postJSON(t, "/upload-session/complete", map[string]string{"sessionId": "sess-early"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Nothing was published.
	_, ok := env.publisher.get("uploads/sess-early.jpg")
	assert.False(t, ok)
}

func TestUploadChunkUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	resp := env.uploadChunk(t, "never-opened", 0, "A")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.openSession(t, "sess-dup", 2).Body.Close()

	var out struct {
		ReceivedChunks int `json:"receivedChunks"`
		TotalChunks    int `json:"totalChunks"`
	}
	resp := env.uploadChunk(t, "sess-dup", 0, "A")
	decodeBody(t, resp, &out)
	assert.Equal(t, 1, out.ReceivedChunks)

	for i := 0; i < 3; i++ {
		resp = env.uploadChunk(t, "sess-dup", 0, "A")
		decodeBody(t, resp, &out)
		assert.Equal(t, 1, out.ReceivedChunks)
		assert.Equal(t, 2, out.TotalChunks)
	}
}

func TestInvalidChunkIndex(t *testing.T) {
	env := newTestEnv(t)
	env.openSession(t, "sess-idx", 2).Body.Close()

	resp := env.uploadChunk(t, "sess-idx", 5, "X")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestPublishFailureThenRetry(t *testing.T) {
	env := newTestEnv(t)
	env.openSession(t, "sess-retry", 1).Body.Close()
	env.uploadChunk(t, "sess-retry", 0, "payload").Body.Close()

	env.publisher.failPublishN = 1
	resp := env.postJSON(t, "/upload-session/complete", map[string]string{"sessionId": "sess-retry"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close()

	sess, ok := env.registry.Get("sess-retry")
	require.True(t, ok)
	assert.Equal(t, models.StatusFailed, sess.Status)

	// The retry runs from the retained assembled file and succeeds.
	resp = env.postJSON(t, "/upload-session/complete", map[string]string{"sessionId": "sess-retry"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		ImageURL string `json:"imageUrl"`
		FilePath string `json:"filePath"`
	}
	decodeBody(t, resp, &out)
	assert.NotEmpty(t, out.ImageURL)

	data, ok := env.publisher.get(out.FilePath)
	require.True(t, ok)
	assert.Equal(t, "payload", string(data))

	sess, ok = env.registry.Get("sess-retry")
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, sess.Status)
}

func TestCompleteSessionIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.openSession(t, "sess-twice", 1).Body.Close()
	env.uploadChunk(t, "sess-twice", 0, "hello").Body.Close()

	first := env.postJSON(t, "/upload-session/complete", map[string]string{"sessionId": "sess-twice"})
	require.Equal(t, http.StatusOK, first.StatusCode)
	var a, b struct {
		ImageURL string `json:"imageUrl"`
	}
	decodeBody(t, first, &a)

	second := env.postJSON(t, "/upload-session/complete", map[string]string{"sessionId": "sess-twice"})
	require.Equal(t, http.StatusOK, second.StatusCode)
	decodeBody(t, second, &b)
	assert.Equal(t, a.ImageURL, b.ImageURL)
}

func TestOpenSessionValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postJSON(t, "/upload-session", map[string]interface{}{
		"filename": "photo.jpg",
		// fileType, fileSize, sessionId, totalChunks missing
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.postJSON(t, "/upload-session", map[string]interface{}{
		"filename":    "doc.pdf",
		"fileType":    "application/pdf",
		"fileSize":    10,
		"sessionId":   "sess-pdf",
		"totalChunks": 1,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestOpenSessionIdempotentAndConflicting(t *testing.T) {
	env := newTestEnv(t)

	resp := env.openSession(t, "sess-open", 3)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The identical retried request succeeds.
	resp = env.openSession(t, "sess-open", 3)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// A different upload under the same id is a conflict.
	resp = env.openSession(t, "sess-open", 7)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestLookupUploadInfo(t *testing.T) {
	env := newTestEnv(t)
	env.openSession(t, "sess-look", 1).Body.Close()
	env.uploadChunk(t, "sess-look", 0, "img").Body.Close()
	resp := env.postJSON(t, "/upload-session/complete", map[string]string{"sessionId": "sess-look"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(env.server.URL + "/upload-info/sess-look")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info struct {
		URL    string `json:"url"`
		Status string `json:"status"`
	}
	decodeBody(t, resp, &info)
	assert.NotEmpty(t, info.URL)
	assert.Equal(t, "completed", info.Status)
}

func TestLookupUploadInfoProbesNamespace(t *testing.T) {
	env := newTestEnv(t)

	// No registry entry, but the object exists: the probe finds it.
	env.publisher.put("uploads/lost-session.mp4", []byte("movie"))

	resp, err := http.Get(env.server.URL + "/upload-info/lost-session")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info struct {
		URL     string `json:"url"`
		IsVideo bool   `json:"isVideo"`
	}
	decodeBody(t, resp, &info)
	assert.True(t, info.IsVideo)
	assert.Contains(t, info.URL, "uploads/lost-session.mp4")
}

func TestLookupUploadInfoNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/upload-info/ghost")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestResumableLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postJSON(t, "/create-resumable-upload", map[string]interface{}{
		"filename": "movie.mp4",
		"fileType": "video/mp4",
		"fileSize": 1 << 20,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created struct {
		UploadURL string `json:"uploadUrl"`
		SessionID string `json:"sessionId"`
		ExpiresAt string `json:"expiresAt"`
	}
	decodeBody(t, resp, &created)
	assert.NotEmpty(t, created.UploadURL)
	assert.NotEmpty(t, created.SessionID)
	assert.NotEmpty(t, created.ExpiresAt)

	// Finalize before the object exists: not found.
	resp = env.postJSON(t, "/finalize-upload/"+created.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Simulate the client's PUT landing in storage, then finalize.
	objectKey := "uploads/" + created.SessionID + ".mp4"
	env.publisher.put(objectKey, []byte("movie-bytes"))

	resp = env.postJSON(t, "/finalize-upload/"+created.SessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var finalized struct {
		ImageURL string `json:"imageUrl"`
		IsVideo  bool   `json:"isVideo"`
		FilePath string `json:"filePath"`
	}
	decodeBody(t, resp, &finalized)
	assert.True(t, finalized.IsVideo)
	assert.Equal(t, objectKey, finalized.FilePath)
}

func TestCancelResumable(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postJSON(t, "/create-resumable-upload", map[string]interface{}{
		"filename": "movie.mp4",
		"fileType": "video/mp4",
		"fileSize": 1 << 20,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created struct {
		SessionID string `json:"sessionId"`
	}
	decodeBody(t, resp, &created)

	objectKey := "uploads/" + created.SessionID + ".mp4"
	env.publisher.put(objectKey, []byte("partial"))

	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/cancel-upload/"+created.SessionID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	_, ok := env.publisher.get(objectKey)
	assert.False(t, ok)
	_, ok = env.registry.Get(created.SessionID)
	assert.False(t, ok)
}

func TestDirectUpload(t *testing.T) {
	env := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="file"; filename="photo.png"`},
		"Content-Type":        {"image/png"},
	})
	require.NoError(t, err)
	_, err = part.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.server.URL+"/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		ImageURL string `json:"imageUrl"`
		IsVideo  bool   `json:"isVideo"`
	}
	decodeBody(t, resp, &out)
	assert.NotEmpty(t, out.ImageURL)
	assert.False(t, out.IsVideo)
}

func TestDirectUploadRejectsDisallowedType(t *testing.T) {
	env := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="file"; filename="doc.pdf"`},
		"Content-Type":        {"application/pdf"},
	})
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.server.URL+"/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

// Ownership checks: the test server runs without auth middleware, so
// every request carries the empty identity. Sessions seeded with a real
// owner must therefore be off limits.
func TestCancelResumableRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.Create(models.UploadSession{
		ID:          "sess-owned",
		Owner:       "user-1",
		FileName:    "movie.mp4",
		ContentType: "video/mp4",
		Size:        10,
		Kind:        models.KindResumable,
		ObjectKey:   "uploads/sess-owned.mp4",
	}, false))
	env.publisher.put("uploads/sess-owned.mp4", []byte("movie"))

	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/cancel-upload/sess-owned", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Nothing was destroyed.
	_, ok := env.publisher.get("uploads/sess-owned.mp4")
	assert.True(t, ok)
	_, ok = env.registry.Get("sess-owned")
	assert.True(t, ok)
}

func TestCompleteSessionRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	sess := models.UploadSession{
		ID:          "sess-foreign",
		Owner:       "user-1",
		FileName:    "photo.jpg",
		ContentType: "image/jpeg",
		Size:        1,
		TotalChunks: 1,
		Kind:        models.KindChunked,
	}
	require.NoError(t, env.registry.Create(sess, false))
	_, _, err := env.registry.MarkChunkReceived("sess-foreign", 0)
	require.NoError(t, err)

	resp := env.postJSON(t, "/upload-session/complete", map[string]string{"sessionId": "sess-foreign"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	got, ok := env.registry.Get("sess-foreign")
	require.True(t, ok)
	assert.NotEqual(t, models.StatusCompleted, got.Status)
}

func TestLookupUploadInfoRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.Create(models.UploadSession{
		ID:          "sess-secret",
		Owner:       "user-1",
		FileName:    "photo.jpg",
		ContentType: "image/jpeg",
		Size:        3,
		Kind:        models.KindChunked,
		Status:      models.StatusCompleted,
		ObjectKey:   "uploads/sess-secret.jpg",
		PublicURL:   "http://cdn.test/sharechat-media/uploads/sess-secret.jpg",
	}, false))

	resp, err := http.Get(env.server.URL + "/upload-info/sess-secret")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

// A sweep can evict a session after the handler's liveness check but
// before the chunk write; the write recreates the staging dir. The
// staging step must tear that dir back down or nothing ever will.
func TestChunkAfterEvictionLeavesNoStagingDir(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.Create(models.UploadSession{
		ID:          "sess-gone",
		FileName:    "photo.jpg",
		ContentType: "image/jpeg",
		Size:        1,
		TotalChunks: 1,
		Kind:        models.KindChunked,
	}, false))
	env.registry.Remove("sess-gone")

	_, _, _, err := env.handler.stageChunk("", "sess-gone", 0, strings.NewReader("A"))
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	_, statErr := os.Stat(env.chunks.SessionDir("", "sess-gone"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestConcurrentChunkUploads(t *testing.T) {
	const totalChunks = 8
	env := newTestEnv(t)

	resp := env.postJSON(t, "/upload-session", map[string]interface{}{
		"filename":    "photo.jpg",
		"fileType":    "image/jpeg",
		"fileSize":    totalChunks,
		"sessionId":   "sess-conc",
		"totalChunks": totalChunks,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var wg sync.WaitGroup
	for i := 0; i < totalChunks; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			resp := env.uploadChunk(t, "sess-conc", index, strings.ToUpper(string(rune('a'+index))))
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	sess, ok := env.registry.Get("sess-conc")
	require.True(t, ok)
	assert.Equal(t, totalChunks, sess.ReceivedChunks)

	resp = env.postJSON(t, "/upload-session/complete", map[string]string{"sessionId": "sess-conc"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		FilePath string `json:"filePath"`
	}
	decodeBody(t, resp, &out)

	data, found := env.publisher.get(out.FilePath)
	require.True(t, found)
	assert.Equal(t, "ABCDEFGH", string(data))
}
