package services

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/markforge/internal/gcp"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Cleaner polishes aggregated Markdown with the cleaner model.
type Cleaner struct {
	model contentGenerator
}

// NewCleaner creates a Cleaner using the configured cleaner model.
func NewCleaner(model *genai.GenerativeModel) *Cleaner {
	return &Cleaner{model: model}
}

// Clean returns the cleaned Markdown. Failure markers must survive cleaning;
// a response that drops any of them is rejected.
func (c *Cleaner) Clean(ctx context.Context, markdown string) (string, error) {
	resp, err := c.model.GenerateContent(ctx, genai.Text(markdown), genai.Text(gcp.CleanerUserPrompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate cleaned content from gemini: %w", err)
	}

	cleaned := gcp.ResponseMarkdown(resp)
	if gcp.IsRefusal(cleaned) {
		return "", errors.New("gemini response indicates refusal to clean document")
	}
	if cleaned == "" {
		return "", errors.New("gemini returned empty content")
	}
	if len(failureMarker.FindAllStringIndex(cleaned, -1)) < len(failureMarker.FindAllStringIndex(markdown, -1)) {
		return "", errors.New("cleaned content dropped chunk failure markers")
	}
	return cleaned, nil
}
