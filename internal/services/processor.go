package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/markforge/internal/extract"
	"github.com/Lllllllleong/markforge/internal/models"
)

// maxAttempts is one try plus a single retry for transient failures.
const maxAttempts = 2

// ArtifactStore brackets the lifetime of chunk artifacts on disk.
type ArtifactStore interface {
	RegisterArtifact(ctx context.Context, doc models.Document, chunk models.Chunk) (string, error)
	ReleaseArtifact(ctx context.Context, path string) error
}

// Emitter accepts progress events without blocking.
type Emitter interface {
	Emit(ev models.ProgressEvent)
}

type nopEmitter struct{}

func (nopEmitter) Emit(models.ProgressEvent) {}

// Processor runs one chunk through an adapter and persists its Markdown.
type Processor struct {
	artifacts  ArtifactStore
	events     Emitter
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(artifacts ArtifactStore, events Emitter, retryDelay time.Duration, logger *slog.Logger) *Processor {
	if events == nil {
		events = nopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{artifacts: artifacts, events: events, retryDelay: retryDelay, logger: logger}
}

// Process extracts chunk, retrying once on a transient failure. A failure
// never touches sibling chunks: the chunk is marked Failed, its artifact
// released and the error recorded in the result.
func (p *Processor) Process(ctx context.Context, adapter extract.Adapter, doc models.Document, chunk models.Chunk, chunkTotal int) models.ChunkResult {
	logCtx := p.logger.With("documentId", doc.ID, "chunk", chunk.Index, "adapter", adapter.Name())
	chunk.Status = models.ChunkProcessing

	path, err := p.artifacts.RegisterArtifact(ctx, doc, chunk)
	if err != nil {
		chunk.Status = models.ChunkFailed
		return models.ChunkResult{Chunk: chunk, Err: &models.OrchestratorError{Op: "register artifact", Err: err}}
	}
	chunk.ArtifactPath = path

	extractCtx := extract.WithProgress(ctx, func(percent float64, message string) {
		p.events.Emit(models.ProgressEvent{
			DocumentID: doc.ID,
			ChunkIndex: models.ChunkRef(chunk.Index),
			ChunkTotal: chunkTotal,
			Kind:       models.EventChunkProgress,
			Percent:    percent,
			Message:    message,
		})
	})

	var md string
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		md, err = p.extract(extractCtx, adapter, doc, chunk)
		if err == nil || !models.IsTransient(err) || attempts == maxAttempts {
			break
		}
		logCtx.Warn("Transient extraction failure, retrying once.", "error", err, "retryDelay", p.retryDelay.String())
		select {
		case <-time.After(p.retryDelay):
		case <-ctx.Done():
			err = fmt.Errorf("retry abandoned: %w", ctx.Err())
		}
		if ctx.Err() != nil {
			break
		}
	}

	if err == nil {
		if werr := writeFileAtomic(path, []byte(md)); werr != nil {
			err = models.Permanent(fmt.Errorf("write artifact: %w", werr))
		}
	}

	if err != nil {
		chunk.Status = models.ChunkFailed
		if rerr := p.artifacts.ReleaseArtifact(context.WithoutCancel(ctx), path); rerr != nil {
			logCtx.Warn("Failed to release artifact of failed chunk.", "error", rerr)
		}
		chunk.ArtifactPath = ""
		logCtx.Warn("Chunk failed.", "attempts", attempts, "error", err)
		p.events.Emit(models.ProgressEvent{
			DocumentID: doc.ID,
			ChunkIndex: models.ChunkRef(chunk.Index),
			ChunkTotal: chunkTotal,
			Kind:       models.EventChunkFailed,
			Message:    err.Error(),
		})
		return models.ChunkResult{Chunk: chunk, Attempts: attempts, Err: err}
	}

	chunk.Status = models.ChunkComplete
	logCtx.Debug("Chunk complete.", "attempts", attempts, "bytes", len(md))
	p.events.Emit(models.ProgressEvent{
		DocumentID: doc.ID,
		ChunkIndex: models.ChunkRef(chunk.Index),
		ChunkTotal: chunkTotal,
		Kind:       models.EventChunkDone,
	})
	return models.ChunkResult{Chunk: chunk, Attempts: attempts}
}

func (p *Processor) extract(ctx context.Context, adapter extract.Adapter, doc models.Document, chunk models.Chunk) (string, error) {
	var (
		md  string
		err error
	)
	if chunk.Whole {
		md, err = adapter.ExtractWhole(ctx, doc)
	} else {
		md, err = adapter.ExtractChunk(ctx, doc, chunk)
	}
	if err != nil {
		var extErr *models.ExtractionError
		if !errors.As(err, &extErr) {
			err = models.Permanent(err)
		}
		return "", err
	}
	return md, nil
}
