package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/markforge/internal/gcp"
	"github.com/Lllllllleong/markforge/internal/models"
)

// generator is the subset of *genai.GenerativeModel used for OCR.
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// VertexOCR sends PDF page ranges to a Gemini model and returns its Markdown.
type VertexOCR struct {
	model generator
	pages *PDFPages
}

// NewVertexOCR creates an adapter around the translator model.
func NewVertexOCR(model *genai.GenerativeModel, pages *PDFPages) *VertexOCR {
	return &VertexOCR{model: model, pages: pages}
}

func (v *VertexOCR) Name() string { return "vertex" }

func (v *VertexOCR) ExtractChunk(ctx context.Context, doc models.Document, chunk models.Chunk) (string, error) {
	path, err := v.pages.chunkFile(ctx, doc.SourcePath, chunk.StartPage, chunk.EndPage)
	if err != nil {
		return "", models.Permanent(err)
	}
	defer os.Remove(path)
	return v.translate(ctx, path)
}

func (v *VertexOCR) ExtractWhole(ctx context.Context, doc models.Document) (string, error) {
	return v.translate(ctx, doc.SourcePath)
}

func (v *VertexOCR) translate(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", models.Permanent(fmt.Errorf("read %s: %w", path, err))
	}

	ReportProgress(ctx, 0, "sending pages to vertex")
	resp, err := v.model.GenerateContent(ctx,
		genai.Blob{MIMEType: "application/pdf", Data: data},
		genai.Text(gcp.TranslatorUserPrompt),
	)
	if err != nil {
		return "", classifyRPC(fmt.Errorf("vertex generate content: %w", err))
	}

	md := gcp.ResponseMarkdown(resp)
	if gcp.IsRefusal(md) {
		return "", models.Permanent(errors.New("gemini response indicates refusal to translate pages"))
	}
	ReportProgress(ctx, 100, "pages translated")
	return md, nil
}

// classifyRPC treats throttling, unavailability and deadlines as transient.
func classifyRPC(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.Transient(err)
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
			return models.Transient(err)
		}
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError) {
		return models.Transient(err)
	}
	return models.Permanent(err)
}
