//go:build tesseract

package extract

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Lllllllleong/markforge/internal/models"
)

func init() {
	registerBackend("tesseract", func(o BackendOptions) (Adapter, error) {
		return NewTesseract(o.Pages, o.Languages), nil
	})
}

// Tesseract OCRs the embedded page images of scanned PDFs.
type Tesseract struct {
	pages     *PDFPages
	languages []string
}

// NewTesseract creates a Tesseract adapter. languages defaults to English.
func NewTesseract(pages *PDFPages, languages []string) *Tesseract {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Tesseract{pages: pages, languages: languages}
}

func (t *Tesseract) Name() string { return "tesseract" }

type pageImage struct {
	page int
	seq  int
	data []byte
}

func (t *Tesseract) ExtractChunk(ctx context.Context, doc models.Document, chunk models.Chunk) (string, error) {
	return t.ocr(ctx, doc.SourcePath, []string{fmt.Sprintf("%d-%d", chunk.StartPage+1, chunk.EndPage)})
}

func (t *Tesseract) ExtractWhole(ctx context.Context, doc models.Document) (string, error) {
	return t.ocr(ctx, doc.SourcePath, nil)
}

func (t *Tesseract) ocr(ctx context.Context, path string, selection []string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", models.Permanent(err)
	}
	defer f.Close()

	var images []pageImage
	collect := func(img model.Image, _ bool, _ int) error {
		data, err := io.ReadAll(img)
		if err != nil {
			return err
		}
		images = append(images, pageImage{page: img.PageNr, seq: len(images), data: data})
		return nil
	}
	if err := api.ExtractImages(f, selection, collect, t.pages.conf); err != nil {
		return "", models.Permanent(fmt.Errorf("extract page images: %w", err))
	}
	sort.SliceStable(images, func(i, j int) bool {
		if images[i].page != images[j].page {
			return images[i].page < images[j].page
		}
		return images[i].seq < images[j].seq
	})

	client := gosseract.NewClient()
	defer client.Close()
	if err := client.SetLanguage(t.languages...); err != nil {
		return "", models.Permanent(err)
	}

	var sb strings.Builder
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return "", models.Transient(err)
		}
		if err := client.SetImageFromBytes(img.data); err != nil {
			return "", models.Permanent(fmt.Errorf("page %d: %w", img.page, err))
		}
		text, err := client.Text()
		if err != nil {
			return "", models.Permanent(fmt.Errorf("ocr page %d: %w", img.page, err))
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strings.TrimSpace(text))
		ReportProgress(ctx, float64(i+1)*100/float64(len(images)), fmt.Sprintf("page %d recognized", img.page))
	}
	return sb.String(), nil
}
