// Package chunkstore stages uploaded chunk fragments on local disk,
// one directory per upload session, one file per chunk ordinal.
package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrMissingChunk is returned when an expected chunk ordinal has no file
// on disk.
var ErrMissingChunk = errors.New("missing chunk")

// ChunkStore manages per-session chunk directories under a temp root.
type ChunkStore struct {
	baseDir string
}

// New creates a ChunkStore rooted at baseDir, creating it if needed.
func New(baseDir string) (*ChunkStore, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create chunk staging dir %s: %w", baseDir, err)
	}
	return &ChunkStore{baseDir: baseDir}, nil
}

// SessionDir returns the staging directory for a session. Directories are
// namespaced by owner so colliding session ids from different identities
// cannot clobber each other.
func (cs *ChunkStore) SessionDir(owner, sessionID string) string {
	return filepath.Join(cs.baseDir, fmt.Sprintf("%s_%s", sanitize(owner), sanitize(sessionID)))
}

func (cs *ChunkStore) chunkPath(owner, sessionID string, index int) string {
	return filepath.Join(cs.SessionDir(owner, sessionID), fmt.Sprintf("chunk_%06d", index))
}

// WriteChunk persists one chunk fragment. Writes go to a temp file first
// and are renamed into place, so a re-send of the same index overwrites
// atomically and concurrent writes of distinct indices never interfere.
func (cs *ChunkStore) WriteChunk(owner, sessionID string, index int, r io.Reader) (int64, error) {
	dir := cs.SessionDir(owner, sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("failed to create session dir: %w", err)
	}

	finalPath := cs.chunkPath(owner, sessionID, index)
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create chunk file: %w", err)
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to write chunk %d: %w", index, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to sync chunk %d: %w", index, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close chunk %d: %w", index, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to finalize chunk %d: %w", index, err)
	}
	return n, nil
}

// HasChunk reports whether the fragment for index exists on disk.
func (cs *ChunkStore) HasChunk(owner, sessionID string, index int) bool {
	info, err := os.Stat(cs.chunkPath(owner, sessionID, index))
	return err == nil && !info.IsDir()
}

// ChunkSequence is a lazy, single-pass reader over a session's fragments
// in strict ascending index order. It is not restartable: once a fragment
// is consumed the sequence moves on.
type ChunkSequence struct {
	store       *ChunkStore
	owner       string
	sessionID   string
	totalChunks int
	next        int
}

// ReadChunksInOrder opens a sequence over all fragments of a session.
// Fragment existence is verified up front so assembly never starts on a
// set with gaps.
func (cs *ChunkStore) ReadChunksInOrder(owner, sessionID string, totalChunks int) (*ChunkSequence, error) {
	for i := 0; i < totalChunks; i++ {
		if !cs.HasChunk(owner, sessionID, i) {
			return nil, fmt.Errorf("%w: session %s index %d", ErrMissingChunk, sessionID, i)
		}
	}
	return &ChunkSequence{
		store:       cs,
		owner:       owner,
		sessionID:   sessionID,
		totalChunks: totalChunks,
	}, nil
}

// Next returns a reader over the next fragment along with its index, or
// io.EOF once the sequence is exhausted. The caller owns the returned
// ReadCloser.
func (seq *ChunkSequence) Next() (io.ReadCloser, int, error) {
	if seq.next >= seq.totalChunks {
		return nil, -1, io.EOF
	}
	index := seq.next
	f, err := os.Open(seq.store.chunkPath(seq.owner, seq.sessionID, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, index, fmt.Errorf("%w: session %s index %d", ErrMissingChunk, seq.sessionID, index)
		}
		return nil, index, fmt.Errorf("failed to open chunk %d: %w", index, err)
	}
	seq.next++
	return f, index, nil
}

// Discard removes the fragment file for a consumed index. Best effort.
func (seq *ChunkSequence) Discard(index int) {
	os.Remove(seq.store.chunkPath(seq.owner, seq.sessionID, index))
}

// DeleteSessionDir removes a session's staging directory and everything
// in it. Idempotent: a directory that is already gone is not an error.
func (cs *ChunkStore) DeleteSessionDir(owner, sessionID string) error {
	err := os.RemoveAll(cs.SessionDir(owner, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session dir: %w", err)
	}
	return nil
}

// sanitize strips path separators so identifiers can never escape the
// staging root.
func sanitize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			out = append(out, c)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
