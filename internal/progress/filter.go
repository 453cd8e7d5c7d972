package progress

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/Lllllllleong/markforge/internal/models"
)

// FilterOptions tunes the smart filter.
type FilterOptions struct {
	// NoisePatterns marks backend progress-bar redraws that carry no
	// information once rendered as log lines.
	NoisePatterns []string
	// Window collapses same-key events emitted within this interval.
	Window time.Duration
	// PercentStep collapses same-key events whose percent moved less.
	PercentStep float64
	// MaxRun bounds how many events collapse into one before a new run starts.
	MaxRun int
	// Collapsible lists the kinds eligible for noise dropping and collapsing.
	// Lifecycle kinds are never dropped.
	Collapsible []models.EventKind
}

// DefaultFilterOptions returns the filter settings used by the CLI.
func DefaultFilterOptions() FilterOptions {
	return FilterOptions{
		NoisePatterns: []string{"it/s", "%|"},
		Window:        500 * time.Millisecond,
		PercentStep:   5,
		MaxRun:        20,
		Collapsible:   []models.EventKind{models.EventChunkProgress},
	}
}

type runKey struct {
	doc   string
	kind  models.EventKind
	chunk int
}

// Filter drops noise and collapses runs of near-duplicate pending events.
// It is not safe for concurrent use; the Reporter serializes access.
type Filter struct {
	opts FilterOptions
	runs map[runKey]int
}

// NewFilter creates a Filter, filling unset options from the defaults.
func NewFilter(opts FilterOptions) *Filter {
	def := DefaultFilterOptions()
	if opts.NoisePatterns == nil {
		opts.NoisePatterns = def.NoisePatterns
	}
	if opts.MaxRun <= 0 {
		opts.MaxRun = def.MaxRun
	}
	if opts.Collapsible == nil {
		opts.Collapsible = def.Collapsible
	}
	return &Filter{opts: opts, runs: make(map[runKey]int)}
}

func (f *Filter) collapsible(kind models.EventKind) bool {
	return slices.Contains(f.opts.Collapsible, kind)
}

// Noise reports whether ev should be dropped outright.
func (f *Filter) Noise(ev models.ProgressEvent) bool {
	if !f.collapsible(ev.Kind) || ev.Message == "" {
		return false
	}
	if strings.HasPrefix(ev.Message, "\r") {
		return true
	}
	for _, p := range f.opts.NoisePatterns {
		if strings.Contains(ev.Message, p) {
			return true
		}
	}
	return false
}

// Enqueue appends ev to the pending queue. When an earlier pending event has
// the same document, kind and chunk and is close enough in time or percent,
// it is removed so only the latest survives. The queue stays in sequence
// order because the survivor is always appended at the tail.
func (f *Filter) Enqueue(queue []models.ProgressEvent, ev models.ProgressEvent) []models.ProgressEvent {
	if !f.collapsible(ev.Kind) {
		f.forget(ev)
		return append(queue, ev)
	}

	key := keyOf(ev)
	for i := len(queue) - 1; i >= 0; i-- {
		prev := queue[i]
		if keyOf(prev) != key {
			continue
		}
		if f.close(prev, ev) && f.runs[key] < f.opts.MaxRun {
			f.runs[key]++
			queue = slices.Delete(queue, i, i+1)
			return append(queue, ev)
		}
		break
	}
	f.runs[key] = 0
	return append(queue, ev)
}

// forget drops run counters that can no longer grow once ev has ended a
// chunk or a document.
func (f *Filter) forget(ev models.ProgressEvent) {
	switch ev.Kind {
	case models.EventChunkDone, models.EventChunkFailed:
		if ev.ChunkIndex == nil {
			return
		}
		for k := range f.runs {
			if k.doc == ev.DocumentID && k.chunk == *ev.ChunkIndex {
				delete(f.runs, k)
			}
		}
	case models.EventDocumentDone, models.EventDocumentFailed:
		for k := range f.runs {
			if k.doc == ev.DocumentID {
				delete(f.runs, k)
			}
		}
	}
}

func (f *Filter) close(prev, next models.ProgressEvent) bool {
	if f.opts.Window > 0 && next.Time.Sub(prev.Time) <= f.opts.Window {
		return true
	}
	return f.opts.PercentStep > 0 && math.Abs(next.Percent-prev.Percent) < f.opts.PercentStep
}

func keyOf(ev models.ProgressEvent) runKey {
	k := runKey{doc: ev.DocumentID, kind: ev.Kind, chunk: -1}
	if ev.ChunkIndex != nil {
		k.chunk = *ev.ChunkIndex
	}
	return k
}
