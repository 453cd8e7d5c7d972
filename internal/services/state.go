package services

import (
	"fmt"
	"sync"

	"github.com/Lllllllleong/markforge/internal/models"
)

// StatusTracker holds the state machine of every Document in a batch.
type StatusTracker struct {
	mu       sync.RWMutex
	statuses map[string]models.DocumentStatus
}

// NewStatusTracker creates an empty tracker.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{statuses: make(map[string]models.DocumentStatus)}
}

// Add registers a Document in its initial status.
func (t *StatusTracker) Add(id string, status models.DocumentStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[id] = status
}

// Transition moves a Document to status if the edge is allowed.
func (t *StatusTracker) Transition(id string, status models.DocumentStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.statuses[id]
	if !ok {
		return fmt.Errorf("unknown document %q", id)
	}
	if !isValidTransition(current, status) {
		return fmt.Errorf("invalid transition for %s: %s -> %s", id, current, status)
	}
	t.statuses[id] = status
	return nil
}

// Status returns the current status of a Document.
func (t *StatusTracker) Status(id string) models.DocumentStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statuses[id]
}

// isValidTransition enforces the allowed document state machine edges.
// Terminal states never transition.
func isValidTransition(from, to models.DocumentStatus) bool {
	switch from {
	case models.DocumentPending:
		return to == models.DocumentChunking || to == models.DocumentFailed
	case models.DocumentChunking:
		return to == models.DocumentProcessing || to == models.DocumentFailed
	case models.DocumentProcessing:
		return to == models.DocumentAggregating || to == models.DocumentFailed
	case models.DocumentAggregating:
		return to == models.DocumentDone || to == models.DocumentFailed
	default:
		return false
	}
}
