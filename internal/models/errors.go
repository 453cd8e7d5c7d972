package models

import (
	"errors"
	"fmt"
)

// ErrCancelled marks work that never ran because the batch was cancelled.
var ErrCancelled = errors.New("cancelled")

// InvalidRangeError is returned when chunking parameters are not positive.
type InvalidRangeError struct {
	TotalPages       int
	MaxPagesPerChunk int
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid page range: totalPages=%d maxPagesPerChunk=%d", e.TotalPages, e.MaxPagesPerChunk)
}

// ExtractionError is a backend failure on one chunk.
type ExtractionError struct {
	Transient bool
	Cause     error
}

func (e *ExtractionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("extraction failed (%s): %v", kind, e.Cause)
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}

// Transient wraps err as a retryable extraction failure.
func Transient(err error) error {
	return &ExtractionError{Transient: true, Cause: err}
}

// Permanent wraps err as a non-retryable extraction failure.
func Permanent(err error) error {
	return &ExtractionError{Cause: err}
}

// IsTransient reports whether err is a retryable extraction failure.
func IsTransient(err error) bool {
	var extErr *ExtractionError
	return errors.As(err, &extErr) && extErr.Transient
}

// AggregationError is returned when a Document cannot be assembled.
type AggregationError struct {
	DocumentID string
	Reason     string
	Err        error
}

func (e *AggregationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("aggregate %s: %s: %v", e.DocumentID, e.Reason, e.Err)
	}
	return fmt.Sprintf("aggregate %s: %s", e.DocumentID, e.Reason)
}

func (e *AggregationError) Unwrap() error {
	return e.Err
}

// OrchestratorError is a fault in shared infrastructure that aborts the batch.
type OrchestratorError struct {
	Op  string
	Err error
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("batch aborted during %s: %v", e.Op, e.Err)
}

func (e *OrchestratorError) Unwrap() error {
	return e.Err
}
