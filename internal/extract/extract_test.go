package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/markforge/internal/models"
)

type fakeRunner struct {
	calls  [][]string
	stderr []string
	result commandResult
	err    error
	onCall func(args []string) error
}

func (f *fakeRunner) Run(_ context.Context, onLine func(string), name string, args ...string) (commandResult, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	for _, line := range f.stderr {
		onLine(line)
	}
	if f.onCall != nil {
		if err := f.onCall(args); err != nil {
			return f.result, err
		}
	}
	return f.result, f.err
}

// TestRegistryResolve verifies extension normalization and lookup.
func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("PDF", models.FormatPDF, Text{})
	r.Register(".txt", models.FormatText, Text{})

	format, adapter, ok := r.Resolve(".pdf")
	require.True(t, ok)
	assert.Equal(t, models.FormatPDF, format)
	assert.Equal(t, "text", adapter.Name())

	_, _, ok = r.Resolve(".exe")
	assert.False(t, ok)
	assert.Equal(t, []string{".pdf", ".txt"}, r.Extensions())
}

func TestTextPassthrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain words"), 0o644))

	out, err := Text{}.ExtractWhole(context.Background(), models.Document{SourcePath: path})
	require.NoError(t, err)
	assert.Equal(t, "plain words", out)

	_, err = Text{}.ExtractWhole(context.Background(), models.Document{SourcePath: path + ".missing"})
	assert.False(t, models.IsTransient(err))
}

// TestOfficeSpreadsheet verifies sheets become headed Markdown tables.
func TestOfficeSpreadsheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Part"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "Qty"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "bolt|nut"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 4))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	runner := &fakeRunner{}
	office := NewOffice("")
	office.runner = runner

	out, err := office.ExtractWhole(context.Background(), models.Document{SourcePath: path})
	require.NoError(t, err)
	assert.Contains(t, out, "## Sheet1")
	assert.Contains(t, out, "| Part | Qty |")
	assert.Contains(t, out, "| --- | --- |")
	assert.Contains(t, out, `| bolt\|nut | 4 |`)
	assert.Empty(t, runner.calls, "spreadsheets must not shell out")
}

// TestOfficeConverterCommand verifies docx conversion and failure classes.
func TestOfficeConverterCommand(t *testing.T) {
	doc := models.Document{SourcePath: "/in/report.docx"}

	runner := &fakeRunner{result: commandResult{Stdout: "# Report\n"}}
	office := NewOffice("markitdown")
	office.runner = runner
	out, err := office.ExtractWhole(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "# Report\n", out)
	assert.Equal(t, []string{"markitdown", "/in/report.docx"}, runner.calls[0])

	office.runner = &fakeRunner{
		result: commandResult{Stderr: "Traceback...\nMemoryError", ExitCode: 1},
		err:    errors.New("exit status 1"),
	}
	_, err = office.ExtractWhole(context.Background(), doc)
	assert.True(t, models.IsTransient(err))

	office.runner = &fakeRunner{
		result: commandResult{Stderr: "unsupported file", ExitCode: 2},
		err:    errors.New("exit status 2"),
	}
	_, err = office.ExtractWhole(context.Background(), doc)
	var extErr *models.ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.False(t, extErr.Transient)
}

func TestOfficeRejectsPageChunks(t *testing.T) {
	_, err := NewOffice("").ExtractChunk(context.Background(), models.Document{ID: "a.docx"}, models.Chunk{EndPage: 3})
	assert.Error(t, err)
}

// TestCommandPDFReadsOutputDir verifies the converter output is collected
// and sub-progress is forwarded.
func TestCommandPDFReadsOutputDir(t *testing.T) {
	scratch := t.TempDir()
	src := filepath.Join(scratch, "source.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.4"), 0o644))

	runner := &fakeRunner{
		stderr: []string{"\rRecognizing:  40%|████      | 2/5 [00:01<00:01,  2.00it/s]", "loaded models"},
		onCall: func(args []string) error {
			outDir := args[len(args)-1]
			sub := filepath.Join(outDir, "source")
			if err := os.MkdirAll(sub, 0o755); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(sub, "source.md"), []byte("# Converted"), 0o644)
		},
	}
	adapter := NewCommandPDF(NewPDFPages(), "marker_single", "--disable_image_extraction")
	adapter.runner = runner

	type update struct {
		pct float64
		msg string
	}
	var updates []update
	ctx := WithScratchDir(context.Background(), scratch)
	ctx = WithProgress(ctx, func(pct float64, msg string) { updates = append(updates, update{pct, msg}) })

	out, err := adapter.ExtractWhole(ctx, models.Document{SourcePath: src})
	require.NoError(t, err)
	assert.Equal(t, "# Converted", out)
	assert.Equal(t, []update{{40, ""}, {-1, "loaded models"}}, updates)

	call := runner.calls[0]
	assert.Equal(t, []string{"marker_single", "--disable_image_extraction", src, "--output_dir"}, call[:4])

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "output dir must be removed after conversion")
}

// TestCommandPDFSavesImages verifies chunk images are moved to the image
// target under chunk-prefixed names and the links follow them.
func TestCommandPDFSavesImages(t *testing.T) {
	scratch, images := t.TempDir(), filepath.Join(t.TempDir(), "images")
	src := filepath.Join(scratch, "source.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.4"), 0o644))

	md := "# Figures\n\n![](_page_0_Picture_1.jpeg)\n\n<img src=\"_page_1_Figure_2.png\" alt=\"plot\">\n\n![](https://example.com/logo.png)\n"
	runner := &fakeRunner{
		onCall: func(args []string) error {
			sub := filepath.Join(args[len(args)-1], "source")
			if err := os.MkdirAll(sub, 0o755); err != nil {
				return err
			}
			for name, data := range map[string]string{
				"source.md":              md,
				"_page_0_Picture_1.jpeg": "jpeg",
				"_page_1_Figure_2.png":   "png",
				"source_meta.json":       "{}",
			} {
				if err := os.WriteFile(filepath.Join(sub, name), []byte(data), 0o644); err != nil {
					return err
				}
			}
			return nil
		},
	}
	adapter := NewCommandPDF(NewPDFPages(), "marker_single")
	adapter.runner = runner

	ctx := WithScratchDir(context.Background(), scratch)
	ctx = WithImages(ctx, ImageTarget{Dir: images, Link: "images/annual_report"})

	out, err := adapter.ExtractWhole(ctx, models.Document{SourcePath: src})
	require.NoError(t, err)
	assert.Contains(t, out, "![](images/annual_report/chunk_0__page_0_Picture_1.jpeg)")
	assert.Contains(t, out, `<img src="images/annual_report/chunk_0__page_1_Figure_2.png" alt="plot">`)
	assert.Contains(t, out, "![](https://example.com/logo.png)", "foreign links are left alone")

	entries, err := os.ReadDir(images)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"chunk_0__page_0_Picture_1.jpeg", "chunk_0__page_1_Figure_2.png"}, names)
}

func TestCollectImagesWithoutTarget(t *testing.T) {
	scratch := t.TempDir()
	dir := filepath.Join(scratch, "out")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("png"), 0o644))

	out, err := collectImages(context.Background(), dir, 3, "![](a.png)")
	require.NoError(t, err)
	assert.Equal(t, "![](a.png)", out)
}

func TestCommandPDFNoOutput(t *testing.T) {
	adapter := NewCommandPDF(NewPDFPages(), "marker_single")
	adapter.runner = &fakeRunner{}
	ctx := WithScratchDir(context.Background(), t.TempDir())

	_, err := adapter.ExtractWhole(ctx, models.Document{SourcePath: "x.pdf"})
	require.Error(t, err)
	assert.False(t, models.IsTransient(err))
	assert.True(t, errors.Is(err, errNoMarkdown))
}

// TestClassifyRPC verifies which RPC failures are retryable.
func TestClassifyRPC(t *testing.T) {
	tests := []struct {
		err       error
		transient bool
	}{
		{status.Error(codes.ResourceExhausted, "quota"), true},
		{status.Error(codes.Unavailable, "try later"), true},
		{status.Error(codes.DeadlineExceeded, "slow"), true},
		{context.DeadlineExceeded, true},
		{status.Error(codes.InvalidArgument, "bad pdf"), false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.transient, models.IsTransient(classifyRPC(tt.err)), "%v", tt.err)
	}
}

type fakeGenerator struct {
	parts []genai.Part
	resp  *genai.GenerateContentResponse
	err   error
}

func (g *fakeGenerator) GenerateContent(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	g.parts = parts
	return g.resp, g.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(text)}},
		}},
	}
}

// TestVertexOCR verifies the PDF is sent inline and the reply unwrapped.
func TestVertexOCR(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.7"), 0o644))

	gen := &fakeGenerator{resp: textResponse("```markdown\n# Title\n\nBody\n```")}
	v := &VertexOCR{model: gen, pages: NewPDFPages()}

	out, err := v.ExtractWhole(context.Background(), models.Document{SourcePath: path})
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nBody", out)

	require.Len(t, gen.parts, 2)
	blob, ok := gen.parts[0].(genai.Blob)
	require.True(t, ok)
	assert.Equal(t, "application/pdf", blob.MIMEType)
	assert.Equal(t, []byte("%PDF-1.7"), blob.Data)

	gen.resp = textResponse("I am unable to help with that.")
	_, err = v.ExtractWhole(context.Background(), models.Document{SourcePath: path})
	require.Error(t, err)
	assert.False(t, models.IsTransient(err))

	gen.err = status.Error(codes.ResourceExhausted, "quota")
	_, err = v.ExtractWhole(context.Background(), models.Document{SourcePath: path})
	assert.True(t, models.IsTransient(err))
}

func TestBackendsRegistry(t *testing.T) {
	assert.Contains(t, Backends(), "marker")

	adapter, err := NewBackend("marker", BackendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "marker_single", adapter.Name())

	_, err = NewBackend("nope", BackendOptions{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not available"))
}
