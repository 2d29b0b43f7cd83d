// Package session owns the in-memory table of active upload sessions.
// All lifecycle mutations go through the Registry; chunk receipt for a
// single session is serialized by a per-session lock so the received
// count always matches the number of distinct staged indices.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sharechat/media-upload/internal/models"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExists        = errors.New("session already exists")
	ErrInvalidChunkIndex    = errors.New("invalid chunk index")
	ErrIncompleteSession    = errors.New("session is missing chunks")
	ErrCompletionInProgress = errors.New("completion already in progress")
	ErrAlreadyCompleted     = errors.New("session already completed")
)

// Cleaner releases a session's on-disk staging state. Satisfied by
// chunkstore.ChunkStore.
type Cleaner interface {
	DeleteSessionDir(owner, sessionID string) error
}

type entry struct {
	mu   sync.Mutex
	sess models.UploadSession
}

// Registry is the authoritative map from session id to UploadSession.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	cleaner Cleaner
	log     *logrus.Entry
}

// NewRegistry creates an empty registry. cleaner may be nil in tests that
// never sweep.
func NewRegistry(cleaner Cleaner) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		cleaner:  cleaner,
		log:      logrus.WithField("component", "session-registry"),
	}
}

// Create registers a new session. A live session under the same id is
// rejected with ErrSessionExists unless replace is set, in which case the
// old entry is dropped (its staging dir included) and re-created.
func (r *Registry) Create(sess models.UploadSession, replace bool) error {
	if sess.Status == "" {
		sess.Status = models.StatusCreated
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.Kind == models.KindChunked && sess.ChunkStatus == nil {
		sess.ChunkStatus = make([]bool, sess.TotalChunks)
	}

	r.mu.Lock()
	old, exists := r.sessions[sess.ID]
	if exists && !replace {
		r.mu.Unlock()
		return ErrSessionExists
	}
	r.sessions[sess.ID] = &entry{sess: sess}
	r.mu.Unlock()

	if exists {
		r.release(old)
	}
	return nil
}

// Get returns a copy of the session. The copy shares nothing with the
// registry's record, so callers can read it without holding locks.
func (r *Registry) Get(sessionID string) (models.UploadSession, bool) {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return models.UploadSession{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copySession(&e.sess), true
}

// MarkChunkReceived records receipt of one chunk index. Re-marking an
// already-received index is a no-op that returns the unchanged count.
func (r *Registry) MarkChunkReceived(sessionID string, index int) (received, total int, err error) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return 0, 0, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.sess
	if s.Terminal() {
		return 0, 0, ErrSessionNotFound
	}
	if index < 0 || index >= s.TotalChunks {
		return 0, 0, ErrInvalidChunkIndex
	}
	if !s.ChunkStatus[index] {
		s.ChunkStatus[index] = true
		s.ReceivedChunks++
	}
	if s.Status == models.StatusCreated {
		s.Status = models.StatusReceiving
	}
	return s.ReceivedChunks, s.TotalChunks, nil
}

// IsComplete reports whether every declared chunk has been received.
func (r *Registry) IsComplete(sessionID string) bool {
	e, ok := r.lookup(sessionID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.ReceivedChunks == e.sess.TotalChunks
}

// BeginCompletion transitions a session into the assembling state and
// returns a snapshot of it. Only one completion may be in flight at a
// time; a session mid-completion is also protected from the sweep.
// A previously failed session may begin completion again (retry).
func (r *Registry) BeginCompletion(sessionID string) (models.UploadSession, error) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return models.UploadSession{}, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.sess
	switch s.Status {
	case models.StatusCompleted:
		return copySession(s), ErrAlreadyCompleted
	case models.StatusAssembling, models.StatusPublishing:
		return models.UploadSession{}, ErrCompletionInProgress
	case models.StatusExpired:
		return models.UploadSession{}, ErrSessionNotFound
	}
	if s.Kind == models.KindChunked && s.ReceivedChunks != s.TotalChunks && s.AssembledPath == "" {
		return models.UploadSession{}, ErrIncompleteSession
	}
	s.Status = models.StatusAssembling
	return copySession(s), nil
}

// SetAssembled records the assembled temp file and moves the session to
// the publishing state.
func (r *Registry) SetAssembled(sessionID, assembledPath string) {
	r.update(sessionID, func(s *models.UploadSession) {
		s.AssembledPath = assembledPath
		s.Status = models.StatusPublishing
	})
}

// Finalize marks the session completed with its published location. The
// entry stays in the registry for a grace window so late upload-info
// lookups still resolve.
func (r *Registry) Finalize(sessionID, objectKey, publicURL string) {
	r.update(sessionID, func(s *models.UploadSession) {
		s.ObjectKey = objectKey
		s.PublicURL = publicURL
		s.Status = models.StatusCompleted
		s.CompletedAt = time.Now()
		s.AssembledPath = ""
	})
}

// Fail marks the current completion attempt failed. The assembled file,
// if one was produced, is retained on the session so a retried
// completion can re-publish without the consumed chunks.
func (r *Registry) Fail(sessionID string) {
	r.update(sessionID, func(s *models.UploadSession) {
		s.Status = models.StatusFailed
	})
}

// Remove drops a session and releases its staging state. Used by cancel
// paths; missing sessions are ignored.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if ok {
		r.release(e)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepExpired evicts every session older than ttl, plus completed
// sessions past their shorter grace window. Sessions mid-completion are
// skipped; the in-flight completion wins that race and the next sweep
// picks the session up again. Eviction happens under the registry lock;
// the disk cleanup for the evicted sessions runs after it is released
// so chunk uploads never stall behind directory removal.
func (r *Registry) SweepExpired(now time.Time, ttl, completedGrace time.Duration) int {
	type remnant struct {
		owner, sessionID, assembledPath string
	}
	var evicted []remnant

	r.mu.Lock()
	for id, e := range r.sessions {
		e.mu.Lock()
		s := &e.sess
		expired := false
		switch s.Status {
		case models.StatusAssembling, models.StatusPublishing:
			// mid-completion, leave it alone
		case models.StatusCompleted:
			expired = now.Sub(s.CompletedAt) > completedGrace
		default:
			expired = now.Sub(s.CreatedAt) > ttl
		}
		if expired {
			s.Status = models.StatusExpired
			evicted = append(evicted, remnant{s.Owner, s.ID, s.AssembledPath})
			delete(r.sessions, id)
		}
		e.mu.Unlock()
	}
	r.mu.Unlock()

	for _, rem := range evicted {
		r.cleanupDisk(rem.owner, rem.sessionID, rem.assembledPath)
		r.log.WithFields(logrus.Fields{
			"session_id": rem.sessionID,
			"owner":      rem.owner,
		}).Info("swept expired upload session")
	}
	return len(evicted)
}

func (r *Registry) lookup(sessionID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	return e, ok
}

func (r *Registry) update(sessionID string, fn func(*models.UploadSession)) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.sess)
}

// release deletes a dropped session's on-disk remnants. The fields are
// snapshotted under the entry lock; the disk work itself runs outside
// every lock.
func (r *Registry) release(e *entry) {
	e.mu.Lock()
	owner, id, assembled := e.sess.Owner, e.sess.ID, e.sess.AssembledPath
	e.mu.Unlock()
	r.cleanupDisk(owner, id, assembled)
}

// cleanupDisk removes a session's chunk dir and assembled temp file.
// Cleanup failures are logged, never propagated.
func (r *Registry) cleanupDisk(owner, sessionID, assembledPath string) {
	if r.cleaner != nil {
		if err := r.cleaner.DeleteSessionDir(owner, sessionID); err != nil {
			r.log.WithError(err).WithField("session_id", sessionID).Warn("failed to delete chunk dir")
		}
	}
	if assembledPath != "" {
		removeQuiet(assembledPath)
	}
}

func copySession(s *models.UploadSession) models.UploadSession {
	out := *s
	if s.ChunkStatus != nil {
		out.ChunkStatus = make([]bool, len(s.ChunkStatus))
		copy(out.ChunkStatus, s.ChunkStatus)
	}
	return out
}
