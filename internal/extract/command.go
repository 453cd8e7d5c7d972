package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/Lllllllleong/markforge/internal/models"
)

// commandResult captures the outcome of an external converter.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability. onLine receives
// every stderr line as it is produced.
type commandRunner interface {
	Run(ctx context.Context, onLine func(string), name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

// Run executes one command and captures stdout/stderr and exit code.
func (r *execRunner) Run(ctx context.Context, onLine func(string), name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	stderr := &lineWriter{onLine: onLine}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	stderr.flush()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.all.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// lineWriter splits a stream on newlines and keeps a full copy.
type lineWriter struct {
	mu     sync.Mutex
	onLine func(string)
	all    bytes.Buffer
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.all.Write(p)
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

func (w *lineWriter) emit(line string) {
	if w.onLine != nil && strings.TrimSpace(line) != "" {
		w.onLine(line)
	}
}

var barPercent = regexp.MustCompile(`(\d{1,3})%\|`)

// forwardLine turns converter stderr into sub-progress. Progress-bar redraws
// carrying a percentage become percent updates; anything else is passed on
// verbatim for the reporter to filter.
func forwardLine(ctx context.Context) func(string) {
	return func(line string) {
		segments := strings.Split(line, "\r")
		last := strings.TrimSpace(segments[len(segments)-1])
		if m := barPercent.FindStringSubmatch(last); m != nil {
			if pct, err := strconv.Atoi(m[1]); err == nil {
				ReportProgress(ctx, float64(pct), "")
				return
			}
		}
		ReportProgress(ctx, -1, line)
	}
}

var memoryExhaustion = []string{"memoryerror", "out of memory", "cannot allocate memory", "killed"}

// classifyCommand maps a failed converter run onto an ExtractionError.
// Memory exhaustion and cancellation are transient, everything else is not.
func classifyCommand(name string, res commandResult, err error) error {
	detail := strings.TrimSpace(res.Stderr)
	if len(detail) > 500 {
		detail = detail[len(detail)-500:]
	}
	wrapped := fmt.Errorf("%s exited with code %d: %w: %s", name, res.ExitCode, err, detail)
	if errors.Is(err, context.DeadlineExceeded) {
		return models.Transient(wrapped)
	}
	lower := strings.ToLower(res.Stderr + "\n" + err.Error())
	for _, marker := range memoryExhaustion {
		if strings.Contains(lower, marker) {
			return models.Transient(wrapped)
		}
	}
	return models.Permanent(wrapped)
}

// CommandPDF extracts PDF page ranges with an external converter that
// writes Markdown into an output directory, such as marker_single.
type CommandPDF struct {
	pages   *PDFPages
	command string
	args    []string
	runner  commandRunner
}

// NewCommandPDF creates an adapter running command with args followed by the
// chunk PDF path and "--output_dir <dir>".
func NewCommandPDF(pages *PDFPages, command string, args ...string) *CommandPDF {
	return &CommandPDF{pages: pages, command: command, args: args, runner: &execRunner{}}
}

func (a *CommandPDF) Name() string { return a.command }

func (a *CommandPDF) ExtractChunk(ctx context.Context, doc models.Document, chunk models.Chunk) (string, error) {
	src, err := a.pages.chunkFile(ctx, doc.SourcePath, chunk.StartPage, chunk.EndPage)
	if err != nil {
		return "", models.Permanent(err)
	}
	defer os.Remove(src)
	return a.convert(ctx, src, chunk.Index)
}

func (a *CommandPDF) ExtractWhole(ctx context.Context, doc models.Document) (string, error) {
	return a.convert(ctx, doc.SourcePath, 0)
}

// convert runs the converter on src and returns its Markdown. Images it
// wrote are kept when ctx carries an ImageTarget.
func (a *CommandPDF) convert(ctx context.Context, src string, index int) (string, error) {
	outDir, err := scratchDir(ctx, "out-*")
	if err != nil {
		return "", models.Permanent(err)
	}
	defer os.RemoveAll(outDir)

	args := append(append([]string{}, a.args...), src, "--output_dir", outDir)
	res, err := a.runner.Run(ctx, forwardLine(ctx), a.command, args...)
	if err != nil {
		return "", classifyCommand(a.command, res, err)
	}

	md, err := firstMarkdown(outDir)
	if err != nil {
		return "", models.Permanent(fmt.Errorf("%s produced no markdown: %w", a.command, err))
	}
	data, err := os.ReadFile(md)
	if err != nil {
		return "", models.Permanent(err)
	}
	text, err := collectImages(ctx, filepath.Dir(md), index, string(data))
	if err != nil {
		return "", models.Permanent(fmt.Errorf("save images: %w", err))
	}
	return text, nil
}

var errNoMarkdown = errors.New("no .md file found")

// firstMarkdown returns the lexically first .md file under dir.
func firstMarkdown(dir string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".md") {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", errNoMarkdown
	}
	return found, nil
}
