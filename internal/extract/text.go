package extract

import (
	"context"
	"fmt"
	"os"

	"github.com/Lllllllleong/markforge/internal/models"
)

// Text passes plain text and Markdown through unchanged.
type Text struct{}

func (Text) Name() string { return "text" }

func (t Text) ExtractChunk(ctx context.Context, doc models.Document, chunk models.Chunk) (string, error) {
	return t.ExtractWhole(ctx, doc)
}

func (Text) ExtractWhole(_ context.Context, doc models.Document) (string, error) {
	data, err := os.ReadFile(doc.SourcePath)
	if err != nil {
		return "", models.Permanent(fmt.Errorf("read %s: %w", doc.SourcePath, err))
	}
	return string(data), nil
}
