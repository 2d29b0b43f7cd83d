// Package assembler reassembles a completed session's chunk fragments
// into a single contiguous file.
package assembler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sharechat/media-upload/internal/chunkstore"
	"github.com/sharechat/media-upload/internal/models"
	"github.com/sharechat/media-upload/internal/session"
)

var tracer = otel.Tracer("media-upload-assembler")

// Assembler concatenates staged chunks in strict index order.
type Assembler struct {
	store    *chunkstore.ChunkStore
	registry *session.Registry
	outDir   string
}

// New creates an assembler writing assembled files under outDir.
func New(store *chunkstore.ChunkStore, registry *session.Registry, outDir string) (*Assembler, error) {
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create assembly dir %s: %w", outDir, err)
	}
	return &Assembler{store: store, registry: registry, outDir: outDir}, nil
}

// Assemble streams every chunk of sess, ascending by index, into one
// output file and returns its path and size. Each fragment is deleted as
// soon as it has been consumed, so peak disk usage stays near one file's
// worth. On any I/O error the partial output is removed.
func (a *Assembler) Assemble(ctx context.Context, sess models.UploadSession) (string, int64, error) {
	ctx, span := tracer.Start(ctx, "assemble_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sess.ID),
		attribute.Int("total_chunks", sess.TotalChunks),
	)

	if !a.registry.IsComplete(sess.ID) {
		return "", 0, session.ErrIncompleteSession
	}

	seq, err := a.store.ReadChunksInOrder(sess.Owner, sess.ID, sess.TotalChunks)
	if err != nil {
		span.RecordError(err)
		return "", 0, err
	}

	outPath := filepath.Join(a.outDir, fmt.Sprintf("%s.assembled", sess.ID))
	out, err := os.Create(outPath)
	if err != nil {
		span.RecordError(err)
		return "", 0, fmt.Errorf("failed to create assembled file: %w", err)
	}

	var total int64
	for {
		chunk, index, err := seq.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			abort(out, outPath)
			span.RecordError(err)
			return "", 0, err
		}

		n, err := io.Copy(out, chunk)
		chunk.Close()
		if err != nil {
			abort(out, outPath)
			span.RecordError(err)
			return "", 0, fmt.Errorf("failed to append chunk %d: %w", index, err)
		}
		total += n
		seq.Discard(index)
	}

	if err := out.Sync(); err != nil {
		abort(out, outPath)
		span.RecordError(err)
		return "", 0, fmt.Errorf("failed to sync assembled file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		span.RecordError(err)
		return "", 0, fmt.Errorf("failed to close assembled file: %w", err)
	}

	span.SetAttributes(attribute.Int64("assembled_bytes", total))
	return outPath, total, nil
}

func abort(f *os.File, path string) {
	f.Close()
	os.Remove(path)
}
