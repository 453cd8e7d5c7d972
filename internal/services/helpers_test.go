package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/markforge/internal/models"
)

// fakeAdapter renders each chunk as its page range. Failures are looked up
// by chunk index and consumed in order, one per call.
type fakeAdapter struct {
	mu       sync.Mutex
	failures map[int][]error
	calls    map[int]int
	onCall   func(chunk models.Chunk)
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{failures: make(map[int][]error), calls: make(map[int]int)}
}

func (a *fakeAdapter) fail(index int, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[index] = append(a.failures[index], errs...)
}

func (a *fakeAdapter) callCount(index int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[index]
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) ExtractChunk(_ context.Context, doc models.Document, chunk models.Chunk) (string, error) {
	if a.onCall != nil {
		a.onCall(chunk)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[chunk.Index]++
	if errs := a.failures[chunk.Index]; len(errs) > 0 {
		a.failures[chunk.Index] = errs[1:]
		return "", errs[0]
	}
	return fmt.Sprintf("%s pages %d-%d", filepath.Base(doc.ID), chunk.StartPage, chunk.EndPage), nil
}

func (a *fakeAdapter) ExtractWhole(ctx context.Context, doc models.Document) (string, error) {
	return a.ExtractChunk(ctx, doc, models.Chunk{Whole: true})
}

type fakePaginator map[string]int

func (p fakePaginator) PageCount(_ context.Context, path string) (int, error) {
	n, ok := p[filepath.Base(path)]
	if !ok {
		return 0, models.Permanent(errors.New("not a pdf"))
	}
	return n, nil
}

// dirStore keeps artifacts in a plain directory.
type dirStore struct {
	dir      string
	released atomic.Int32
	err      error
}

func (s *dirStore) RegisterArtifact(_ context.Context, doc models.Document, chunk models.Chunk) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return filepath.Join(s.dir, doc.Key(), fmt.Sprintf("%d.md", chunk.Index)), nil
}

func (s *dirStore) ReleaseArtifact(_ context.Context, path string) error {
	s.released.Add(1)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (e *recordingEmitter) Emit(ev models.ProgressEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) kinds(docID string) []models.EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var kinds []models.EventKind
	for _, ev := range e.events {
		if ev.DocumentID == docID {
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}

func (e *recordingEmitter) last() models.ProgressEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events[len(e.events)-1]
}

func writeInput(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
