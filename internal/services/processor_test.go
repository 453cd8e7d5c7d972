package services

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/markforge/internal/extract"
	"github.com/Lllllllleong/markforge/internal/models"
)

type progressAdapter struct {
	*fakeAdapter
}

func (a *progressAdapter) ExtractChunk(ctx context.Context, doc models.Document, chunk models.Chunk) (string, error) {
	extract.ReportProgress(ctx, 40, "layout")
	return a.fakeAdapter.ExtractChunk(ctx, doc, chunk)
}

func testChunk(index int) models.Chunk {
	return models.Chunk{DocumentID: "manual.pdf", Index: index, StartPage: index * 25, EndPage: index*25 + 25}
}

// TestProcessWritesArtifact verifies a successful chunk lands on disk.
func TestProcessWritesArtifact(t *testing.T) {
	store := &dirStore{dir: t.TempDir()}
	events := &recordingEmitter{}
	p := NewProcessor(store, events, 0, nil)

	doc := models.Document{ID: "manual.pdf"}
	res := p.Process(context.Background(), newFakeAdapter(), doc, testChunk(1), 3)
	require.NoError(t, res.Err)

	assert.Equal(t, models.ChunkComplete, res.Chunk.Status)
	assert.Equal(t, 1, res.Attempts)
	data, err := os.ReadFile(res.Chunk.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "manual.pdf pages 25-50", string(data))

	last := events.last()
	assert.Equal(t, models.EventChunkDone, last.Kind)
	require.True(t, last.HasChunk())
	assert.Equal(t, 1, *last.ChunkIndex)
	assert.Equal(t, 3, last.ChunkTotal)
}

// TestProcessRetriesTransientOnce covers the single retry budget.
func TestProcessRetriesTransientOnce(t *testing.T) {
	tests := []struct {
		name     string
		errs     []error
		attempts int
		ok       bool
	}{
		{"transient then success", []error{models.Transient(errors.New("503"))}, 2, true},
		{"transient twice", []error{models.Transient(errors.New("503")), models.Transient(errors.New("503"))}, 2, false},
		{"permanent", []error{models.Permanent(errors.New("corrupt"))}, 1, false},
		{"unclassified is permanent", []error{errors.New("boom")}, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &dirStore{dir: t.TempDir()}
			adapter := newFakeAdapter()
			adapter.fail(0, tt.errs...)
			p := NewProcessor(store, nil, time.Millisecond, nil)

			res := p.Process(context.Background(), adapter, models.Document{ID: "manual.pdf"}, testChunk(0), 1)
			assert.Equal(t, tt.attempts, res.Attempts)
			assert.Equal(t, tt.attempts, adapter.callCount(0))
			if tt.ok {
				require.NoError(t, res.Err)
				assert.Equal(t, models.ChunkComplete, res.Chunk.Status)
				return
			}
			require.Error(t, res.Err)
			var extErr *models.ExtractionError
			assert.True(t, errors.As(res.Err, &extErr))
			assert.Equal(t, models.ChunkFailed, res.Chunk.Status)
			assert.Empty(t, res.Chunk.ArtifactPath)
			assert.EqualValues(t, 1, store.released.Load())
		})
	}
}

// TestProcessRegisterFailureIsFatal verifies ledger faults surface as
// orchestrator errors instead of chunk failures.
func TestProcessRegisterFailureIsFatal(t *testing.T) {
	store := &dirStore{dir: t.TempDir(), err: errors.New("database is locked")}
	adapter := newFakeAdapter()
	p := NewProcessor(store, nil, 0, nil)

	res := p.Process(context.Background(), adapter, models.Document{ID: "manual.pdf"}, testChunk(0), 1)
	var orchErr *models.OrchestratorError
	require.True(t, errors.As(res.Err, &orchErr))
	assert.Equal(t, 0, adapter.callCount(0))
}

// TestProcessForwardsSubProgress checks adapter progress is tagged with
// the chunk it belongs to.
func TestProcessForwardsSubProgress(t *testing.T) {
	store := &dirStore{dir: t.TempDir()}
	events := &recordingEmitter{}
	p := NewProcessor(store, events, 0, nil)

	adapter := &progressAdapter{fakeAdapter: newFakeAdapter()}
	res := p.Process(context.Background(), adapter, models.Document{ID: "manual.pdf"}, testChunk(2), 3)
	require.NoError(t, res.Err)

	assert.Equal(t, []models.EventKind{models.EventChunkProgress, models.EventChunkDone}, events.kinds("manual.pdf"))
	assert.Equal(t, 40.0, events.events[0].Percent)
	assert.Equal(t, 2, *events.events[0].ChunkIndex)
}
