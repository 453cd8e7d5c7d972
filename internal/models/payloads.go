package models

import "time"

// These structs define the payloads exchanged with the cloud side: the GCS
// trigger event, the Firestore status document and the workflow argument.

// GCSEvent is the data of a storage object finalize CloudEvent.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// StatusRecord mirrors a Document's progress into Firestore.
type StatusRecord struct {
	DocumentID   string    `firestore:"documentId"`
	RunID        string    `firestore:"runId"`
	Status       string    `firestore:"status"`
	ChunksDone   int       `firestore:"chunksDone"`
	ChunksFailed int       `firestore:"chunksFailed"`
	ChunkTotal   int       `firestore:"chunkTotal,omitempty"`
	LastMessage  string    `firestore:"lastMessage,omitempty"`
	ErrorDetails string    `firestore:"errorDetails,omitempty"`
	LastSeq      int64     `firestore:"lastSeq"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// BatchSummary is the argument handed to the post-batch workflow.
type BatchSummary struct {
	RunID     string          `json:"runId"`
	Cancelled bool            `json:"cancelled"`
	Done      int             `json:"done"`
	Failed    int             `json:"failed"`
	Outputs   []PublishedFile `json:"outputs"`
}

// PublishedFile is one converted file uploaded to the output bucket.
type PublishedFile struct {
	DocumentID string `json:"documentId"`
	GCSUri     string `json:"gcsUri"`
	Status     string `json:"status"`
}
