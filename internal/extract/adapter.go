// Package extract holds the backend adapters that turn a source document, or
// a page range of one, into Markdown text.
package extract

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/Lllllllleong/markforge/internal/models"
)

// Adapter converts documents to Markdown. Implementations never retry; every
// failure is reported as a *models.ExtractionError.
type Adapter interface {
	Name() string
	// ExtractChunk converts the pages [chunk.StartPage, chunk.EndPage).
	ExtractChunk(ctx context.Context, doc models.Document, chunk models.Chunk) (string, error)
	// ExtractWhole converts a non-paginated document in one call.
	ExtractWhole(ctx context.Context, doc models.Document) (string, error)
}

// Paginator reports the page count of a paginated source.
type Paginator interface {
	PageCount(ctx context.Context, path string) (int, error)
}

type entry struct {
	format  models.Format
	adapter Adapter
}

// Registry maps lower-case file extensions to a format and an adapter.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds an extension such as ".pdf" to an adapter.
func (r *Registry) Register(ext string, format models.Format, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalizeExt(ext)] = entry{format: format, adapter: adapter}
}

// Resolve returns the adapter registered for ext.
func (r *Registry) Resolve(ext string) (models.Format, Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normalizeExt(ext)]
	return e.format, e.adapter, ok
}

// Extensions lists the registered extensions in sorted order.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.entries))
	for ext := range r.entries {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

type scratchKey struct{}

type progressKey struct{}

type imagesKey struct{}

// ImageTarget tells adapters where extracted images go. Dir receives the
// files and Link is the prefix Markdown links are rewritten to.
type ImageTarget struct {
	Dir  string
	Link string
}

// WithImages attaches an image destination to ctx. Without one, images a
// backend writes are discarded.
func WithImages(ctx context.Context, target ImageTarget) context.Context {
	return context.WithValue(ctx, imagesKey{}, target)
}

func ImageTargetFrom(ctx context.Context) (ImageTarget, bool) {
	t, ok := ctx.Value(imagesKey{}).(ImageTarget)
	return t, ok && t.Dir != ""
}

// ProgressFunc receives backend sub-progress for the chunk being extracted.
// A negative percent means the backend reported a message without one.
type ProgressFunc func(percent float64, message string)

// WithScratchDir sets the directory adapters use for temporary chunk files.
func WithScratchDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, scratchKey{}, dir)
}

// WithProgress attaches a sub-progress callback to ctx.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards backend sub-progress if a callback is attached.
func ReportProgress(ctx context.Context, percent float64, message string) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(percent, message)
	}
}

// scratchFile creates an empty temporary file in the scratch directory.
func scratchFile(ctx context.Context, pattern string) (string, error) {
	dir, _ := ctx.Value(scratchKey{}).(string)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create scratch dir: %w", err)
		}
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// scratchDir creates an empty temporary directory in the scratch directory.
func scratchDir(ctx context.Context, pattern string) (string, error) {
	dir, _ := ctx.Value(scratchKey{}).(string)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create scratch dir: %w", err)
		}
	}
	return os.MkdirTemp(dir, pattern)
}
