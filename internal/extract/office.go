package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/Lllllllleong/markforge/internal/models"
)

// Office converts word-processing, presentation and spreadsheet files.
// Spreadsheets are rendered natively; other formats go through an external
// converter that prints Markdown on stdout (markitdown by default).
type Office struct {
	converter string
	runner    commandRunner
}

// NewOffice creates an Office adapter using converter for non-spreadsheet input.
func NewOffice(converter string) *Office {
	if converter == "" {
		converter = "markitdown"
	}
	return &Office{converter: converter, runner: &execRunner{}}
}

func (o *Office) Name() string { return "office" }

// ExtractChunk is only meaningful for the implicit whole-document chunk.
func (o *Office) ExtractChunk(ctx context.Context, doc models.Document, chunk models.Chunk) (string, error) {
	if !chunk.Whole {
		return "", models.Permanent(fmt.Errorf("%s: office documents are not paginated", doc.ID))
	}
	return o.ExtractWhole(ctx, doc)
}

func (o *Office) ExtractWhole(ctx context.Context, doc models.Document) (string, error) {
	if strings.EqualFold(filepath.Ext(doc.SourcePath), ".xlsx") {
		return spreadsheetMarkdown(doc.SourcePath)
	}

	res, err := o.runner.Run(ctx, forwardLine(ctx), o.converter, doc.SourcePath)
	if err != nil {
		return "", classifyCommand(o.converter, res, err)
	}
	return res.Stdout, nil
}

// spreadsheetMarkdown renders every sheet as a heading and a Markdown table.
func spreadsheetMarkdown(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", models.Permanent(fmt.Errorf("open workbook %s: %w", path, err))
	}
	defer f.Close()

	var sb strings.Builder
	for i, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", models.Permanent(fmt.Errorf("read sheet %q: %w", sheet, err))
		}
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "## %s\n\n", sheet)
		writeTable(&sb, rows)
	}
	return sb.String(), nil
}

func writeTable(sb *strings.Builder, rows [][]string) {
	width := 0
	for _, row := range rows {
		width = max(width, len(row))
	}
	if width == 0 {
		sb.WriteString("_empty sheet_\n")
		return
	}

	writeRow := func(row []string) {
		sb.WriteString("|")
		for c := 0; c < width; c++ {
			cell := ""
			if c < len(row) {
				cell = escapeCell(row[c])
			}
			sb.WriteString(" " + cell + " |")
		}
		sb.WriteString("\n")
	}

	writeRow(rows[0])
	sb.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
	for _, row := range rows[1:] {
		writeRow(row)
	}
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\r\n", "<br>")
	return strings.ReplaceAll(s, "\n", "<br>")
}
