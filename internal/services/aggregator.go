package services

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/Lllllllleong/markforge/internal/models"
)

// PageSeparator is written between consecutive chunks.
const PageSeparator = "\n\n---\n\n"

// failureMarker matches the placeholder written for a failed chunk.
var failureMarker = regexp.MustCompile(`\[chunk \d+ failed: `)

// Aggregate assembles the Markdown of a Document from its chunk results in
// index order, independent of completion order. Failed chunks are replaced
// by a "[chunk N failed: reason]" marker. The Document is Done only if every
// chunk completed; an AggregationError is returned when no chunk did or an
// artifact cannot be read.
func Aggregate(doc models.Document, results []models.ChunkResult) (models.ConversionResult, error) {
	sorted := slices.Clone(results)
	slices.SortFunc(sorted, func(a, b models.ChunkResult) int { return a.Chunk.Index - b.Chunk.Index })

	res := models.ConversionResult{Document: doc, Chunks: len(sorted), Status: models.DocumentFailed}
	if len(sorted) == 0 {
		return res, &models.AggregationError{DocumentID: doc.ID, Reason: "no chunks"}
	}

	for _, r := range sorted {
		if r.Chunk.Status == models.ChunkFailed {
			res.ChunkErrors = append(res.ChunkErrors, models.ChunkError{
				Index:     r.Chunk.Index,
				StartPage: r.Chunk.StartPage,
				EndPage:   r.Chunk.EndPage,
				Reason:    failureReason(r),
			})
		}
	}
	if len(res.ChunkErrors) == len(sorted) {
		err := &models.AggregationError{DocumentID: doc.ID, Reason: "all chunks failed"}
		res.Reason = err.Error()
		return res, err
	}

	parts := make([]string, 0, len(sorted))
	for _, r := range sorted {
		switch r.Chunk.Status {
		case models.ChunkComplete:
			data, err := os.ReadFile(r.Chunk.ArtifactPath)
			if err != nil {
				aggErr := &models.AggregationError{
					DocumentID: doc.ID,
					Reason:     fmt.Sprintf("artifact of chunk %d unreadable", r.Chunk.Index),
					Err:        err,
				}
				res.Reason = aggErr.Error()
				return res, aggErr
			}
			parts = append(parts, string(data))
		case models.ChunkFailed:
			parts = append(parts, fmt.Sprintf("[chunk %d failed: %s]", r.Chunk.Index, failureReason(r)))
		default:
			aggErr := &models.AggregationError{
				DocumentID: doc.ID,
				Reason:     fmt.Sprintf("chunk %d is %s, not terminal", r.Chunk.Index, r.Chunk.Status),
			}
			res.Reason = aggErr.Error()
			return res, aggErr
		}
	}

	res.Markdown = strings.Join(parts, PageSeparator)
	if len(res.ChunkErrors) == 0 {
		res.Status = models.DocumentDone
	} else {
		res.Reason = fmt.Sprintf("%d of %d chunks failed", len(res.ChunkErrors), len(sorted))
	}
	return res, nil
}

func failureReason(r models.ChunkResult) string {
	if r.Err == nil {
		return "unknown error"
	}
	return strings.ReplaceAll(r.Err.Error(), "\n", " ")
}
