package services

import "github.com/Lllllllleong/markforge/internal/models"

// DefaultMaxPagesPerChunk bounds how many pages a single extraction sees.
const DefaultMaxPagesPerChunk = 25

// ChunkPages partitions [0, totalPages) into consecutive chunks of at most
// maxPagesPerChunk pages. Only the last chunk may be shorter.
func ChunkPages(documentID string, totalPages, maxPagesPerChunk int) ([]models.Chunk, error) {
	if totalPages <= 0 || maxPagesPerChunk <= 0 {
		return nil, &models.InvalidRangeError{TotalPages: totalPages, MaxPagesPerChunk: maxPagesPerChunk}
	}

	chunks := make([]models.Chunk, 0, (totalPages+maxPagesPerChunk-1)/maxPagesPerChunk)
	for start := 0; start < totalPages; start += maxPagesPerChunk {
		chunks = append(chunks, models.Chunk{
			DocumentID: documentID,
			Index:      len(chunks),
			StartPage:  start,
			EndPage:    min(start+maxPagesPerChunk, totalPages),
			Status:     models.ChunkPending,
		})
	}
	return chunks, nil
}

// WholeDocument returns the single implicit chunk of a non-paginated Document.
func WholeDocument(documentID string) []models.Chunk {
	return []models.Chunk{{
		DocumentID: documentID,
		Whole:      true,
		EndPage:    1,
		Status:     models.ChunkPending,
	}}
}
