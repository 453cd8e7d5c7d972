package extract

import (
	"context"
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDFPages reads page counts and cuts page ranges out of PDF files.
type PDFPages struct {
	conf *model.Configuration
}

// NewPDFPages creates a PDFPages using relaxed validation, which tolerates
// the minor structural defects common in scanned and exported PDFs.
func NewPDFPages() *PDFPages {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFPages{conf: conf}
}

// PageCount returns the number of pages in the PDF at path.
func (p *PDFPages) PageCount(ctx context.Context, path string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("count pages of %s: %w", path, err)
	}
	return n, nil
}

// WriteRange writes the zero-based half-open page range [start, end) of src
// to a new PDF at dst.
func (p *PDFPages) WriteRange(src string, start, end int, dst string) error {
	if start < 0 || end <= start {
		return fmt.Errorf("invalid page range [%d, %d)", start, end)
	}
	selection := []string{fmt.Sprintf("%d-%d", start+1, end)}
	if err := api.TrimFile(src, dst, selection, p.conf); err != nil {
		return fmt.Errorf("trim %s to pages %s: %w", src, selection[0], err)
	}
	return nil
}

// chunkFile writes the chunk's pages to a scratch PDF. The caller removes it.
func (p *PDFPages) chunkFile(ctx context.Context, src string, start, end int) (string, error) {
	dst, err := scratchFile(ctx, "chunk-*.pdf")
	if err != nil {
		return "", err
	}
	if err := p.WriteRange(src, start, end, dst); err != nil {
		os.Remove(dst)
		return "", err
	}
	return dst, nil
}
