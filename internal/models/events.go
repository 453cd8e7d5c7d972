package models

import "time"

// EventKind classifies progress events.
type EventKind string

const (
	EventStarted        EventKind = "started"
	EventChunkProgress  EventKind = "chunk_progress"
	EventChunkDone      EventKind = "chunk_done"
	EventChunkFailed    EventKind = "chunk_failed"
	EventDocumentDone   EventKind = "document_done"
	EventDocumentFailed EventKind = "document_failed"
	EventBatchDone      EventKind = "batch_done"
)

// ProgressEvent is an immutable progress notification. Seq and Time are
// assigned by the reporter at emission.
type ProgressEvent struct {
	Seq        int64     `json:"seq"`
	Time       time.Time `json:"timestamp"`
	DocumentID string    `json:"documentId,omitempty"`
	ChunkIndex *int      `json:"chunkIndex,omitempty"`
	ChunkTotal int       `json:"chunkTotal,omitempty"`
	Kind       EventKind `json:"kind"`
	Message    string    `json:"message,omitempty"`
	Percent    float64   `json:"percent,omitempty"`
}

// ChunkRef returns a pointer usable as ProgressEvent.ChunkIndex.
func ChunkRef(index int) *int {
	return &index
}

// HasChunk reports whether the event is scoped to a chunk.
func (e ProgressEvent) HasChunk() bool {
	return e.ChunkIndex != nil
}
