package models

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
)

// Format is the broad family a source file belongs to. It decides whether a
// Document is paginated and which adapter converts it.
type Format string

const (
	FormatPDF    Format = "pdf"
	FormatOffice Format = "office"
	FormatText   Format = "text"
)

// DocumentStatus tracks a Document through the conversion state machine.
type DocumentStatus string

const (
	DocumentPending     DocumentStatus = "pending"
	DocumentChunking    DocumentStatus = "chunking"
	DocumentProcessing  DocumentStatus = "processing"
	DocumentAggregating DocumentStatus = "aggregating"
	DocumentDone        DocumentStatus = "done"
	DocumentFailed      DocumentStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s DocumentStatus) Terminal() bool {
	return s == DocumentDone || s == DocumentFailed
}

// ChunkStatus tracks a single Chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkComplete   ChunkStatus = "complete"
	ChunkFailed     ChunkStatus = "failed"
)

// Document is one input file in a batch.
type Document struct {
	// ID is the source path relative to the input root, slash separated.
	ID         string         `json:"id" firestore:"id"`
	SourcePath string         `json:"sourcePath" firestore:"sourcePath"`
	Extension  string         `json:"extension" firestore:"extension"`
	Format     Format         `json:"format" firestore:"format"`
	TotalPages int            `json:"totalPages,omitempty" firestore:"totalPages,omitempty"`
	Status     DocumentStatus `json:"status" firestore:"status"`
	// OutputPath is resolved once at enumeration and never changes.
	OutputPath string `json:"outputPath" firestore:"outputPath"`
	Skipped    bool   `json:"skipped,omitempty" firestore:"skipped,omitempty"`
}

// Paginated reports whether the Document is split into page chunks.
func (d Document) Paginated() bool {
	return d.Format == FormatPDF
}

// Key is a filesystem-safe identifier used for artifact directories.
func (d Document) Key() string {
	sum := sha256.Sum256([]byte(d.ID))
	return hex.EncodeToString(sum[:8])
}

// ImageFolder names the folder under images/, next to the output, that
// holds the Document's extracted images.
func (d Document) ImageFolder() string {
	base := strings.TrimSuffix(filepath.Base(d.OutputPath), filepath.Ext(d.OutputPath))
	return strings.ReplaceAll(base, " ", "_")
}

// Chunk is a contiguous half-open page range [StartPage, EndPage) of a
// Document. A non-paginated Document has exactly one Whole chunk.
type Chunk struct {
	DocumentID   string      `json:"documentId"`
	Index        int         `json:"index"`
	StartPage    int         `json:"startPage"`
	EndPage      int         `json:"endPage"`
	Whole        bool        `json:"whole,omitempty"`
	Status       ChunkStatus `json:"status"`
	ArtifactPath string      `json:"artifactPath,omitempty"`
}

// Pages is the number of pages covered by the chunk.
func (c Chunk) Pages() int {
	return c.EndPage - c.StartPage
}

// ChunkResult is the outcome of processing one Chunk.
type ChunkResult struct {
	Chunk    Chunk
	Attempts int
	Err      error
}

// ChunkError describes a failed chunk in a ConversionResult.
type ChunkError struct {
	Index     int    `json:"index"`
	StartPage int    `json:"startPage"`
	EndPage   int    `json:"endPage"`
	Reason    string `json:"reason"`
}

// Section is one heading-delimited part of a converted document.
type Section struct {
	Title   string `json:"section"`
	Level   int    `json:"level"`
	Content string `json:"content"`
}

// ConversionResult is the terminal outcome of a Document.
type ConversionResult struct {
	Document    Document       `json:"document"`
	Markdown    string         `json:"-"`
	Status      DocumentStatus `json:"status"`
	ChunkErrors []ChunkError   `json:"chunkErrors,omitempty"`
	Chunks      int            `json:"chunks"`
	// OutputPath is empty when no file was written.
	OutputPath string        `json:"outputPath,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Duration   time.Duration `json:"duration"`
	Sections   []Section     `json:"-"`
}

// BatchResult collects every Document outcome of one run.
type BatchResult struct {
	RunID      string             `json:"runId"`
	Documents  []ConversionResult `json:"documents"`
	Cancelled  bool               `json:"cancelled"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt time.Time          `json:"finishedAt"`
}

// Done counts Documents that finished successfully, skipped ones included.
func (b BatchResult) Done() int {
	n := 0
	for _, d := range b.Documents {
		if d.Status == DocumentDone {
			n++
		}
	}
	return n
}

// Failed counts Documents that ended in the failed state.
func (b BatchResult) Failed() int {
	n := 0
	for _, d := range b.Documents {
		if d.Status == DocumentFailed {
			n++
		}
	}
	return n
}
