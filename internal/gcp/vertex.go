package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// --- Translator Model Prompts ---
const TranslatorSystemPrompt = "You are a document parser and markdown translator. Your task is to parse the content of a PDF document and translate it into markdown format. Accuracy, detail, and information preservation are of utmost importance."
const TranslatorUserPrompt = `You will be provided with a range of pages from a PDF document.

Follow these instructions to parse the pages and translate their content into markdown format:

Text: Parse all text content directly into markdown text.
Lists: Parse all lists into markdown lists, maintaining the original structure and formatting.
Images: Replace each image with a short description of its content.
Tables: Parse all tables into markdown tables. If a table contains merged cells, copy the parent cell content into each normalized child cell.
Headers and Footers: Ignore running headers, footers and page numbers.

Return only the markdown for these pages. Do not add commentary about page boundaries; the pages will be joined with others afterwards.`

// --- Cleaner Model Prompts ---
const CleanerSystemPrompt = "You are an expert Markdown editor. Your task is to clean, refine, and consolidate a single Markdown file that was created by merging multiple page ranges. Your goal is to make it a single, cohesive, and well formatted document."
const CleanerUserPrompt = `Follow these instructions to clean, refine, and consolidate the Markdown file:

1.  **Merge Broken Tables**: Merge table fragments separated by page-range separators into a single Markdown table.
2.  **Smooth Formatting**: Keep heading levels, list formatting, and code blocks consistent. Remove line breaks in the middle of sentences caused by page breaks.
3.  **Remove Artifacts**: Delete repeated page numbers and page-range separators (a line of '---') that are not part of the content's structure.
4.  **Keep Failure Markers**: Lines of the form "[chunk N failed: ...]" must be kept verbatim.

Only remove content if you are certain it is noise. Return ONLY the final Markdown content without preamble or surrounding backtick fences.`

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"as a large language model",
}

// VertexClient holds the pre-configured generative models.
type VertexClient struct {
	TranslatorModel *genai.GenerativeModel
	CleanerModel    *genai.GenerativeModel
	baseClient      *genai.Client
}

// NewVertexClient creates a client holding the translator and cleaner models.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	translatorModel := baseClient.GenerativeModel(modelName)
	translatorModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(TranslatorSystemPrompt)},
	}
	translatorModel.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}

	cleanerModel := baseClient.GenerativeModel(modelName)
	cleanerModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(CleanerSystemPrompt)},
	}

	return &VertexClient{
		TranslatorModel: translatorModel,
		CleanerModel:    cleanerModel,
		baseClient:      baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// ResponseMarkdown concatenates the text parts of the first candidate and
// strips a surrounding markdown fence.
func ResponseMarkdown(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var contentBuilder strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			contentBuilder.WriteString(string(txt))
		}
	}

	contentStr := strings.TrimSpace(contentBuilder.String())
	contentStr = strings.TrimPrefix(contentStr, "```markdown")
	contentStr = strings.TrimPrefix(contentStr, "```")
	contentStr = strings.TrimSuffix(contentStr, "```")
	return strings.TrimSpace(contentStr)
}

// IsRefusal reports whether model output looks like a refusal.
func IsRefusal(content string) bool {
	lower := strings.ToLower(content)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
