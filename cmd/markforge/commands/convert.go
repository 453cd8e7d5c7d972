package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/markforge/internal/bootstrap"
	"github.com/Lllllllleong/markforge/internal/config"
	"github.com/Lllllllleong/markforge/internal/models"
	"github.com/Lllllllleong/markforge/internal/progress"
)

var convertOpts struct {
	input         string
	output        string
	maxPages      int
	workers       int
	documents     int
	display       string
	skipExisting  bool
	sections      bool
	clean         bool
	publishBucket string
	backend       string
}

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert every supported document under a directory",
	Long: `Convert walks the input directory recursively and writes one Markdown file
per supported document into the output directory, mirroring subdirectories.
Interrupting the batch (Ctrl-C) lets chunks in flight finish, writes no
partial files and exits non-zero. The exit status is also non-zero when any
document failed.`,
	RunE: runConvert,
}

func init() {
	f := convertCmd.Flags()
	f.StringVarP(&convertOpts.input, "input", "i", "", "input directory")
	f.StringVarP(&convertOpts.output, "output", "o", "", "output directory")
	f.IntVar(&convertOpts.maxPages, "max-pages", 0, "maximum pages per PDF chunk")
	f.IntVar(&convertOpts.workers, "workers", 0, "chunks extracted concurrently per document")
	f.IntVar(&convertOpts.documents, "documents", 0, "documents converted concurrently")
	f.StringVar(&convertOpts.display, "display", "", "progress display: auto, console, bars or log")
	f.BoolVar(&convertOpts.skipExisting, "skip-existing", true, "skip documents whose output already exists")
	f.BoolVar(&convertOpts.sections, "sections", false, "also write <name>.sections.json")
	f.BoolVar(&convertOpts.clean, "clean", false, "post-process Markdown with the Vertex AI cleaner model")
	f.StringVar(&convertOpts.publishBucket, "publish-bucket", "", "upload outputs to this GCS bucket")
	f.StringVar(&convertOpts.backend, "backend", "", "PDF backend: marker, vertex or tesseract")
	rootCmd.AddCommand(convertCmd)
}

// applyConvertFlags overrides configuration with the flags set explicitly.
func applyConvertFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("input") {
		cfg.Conversion.InputDirectory = convertOpts.input
	}
	if f.Changed("output") {
		cfg.Conversion.OutputDirectory = convertOpts.output
	}
	if f.Changed("max-pages") {
		cfg.Conversion.MaxPagesPerChunk = convertOpts.maxPages
	}
	if f.Changed("workers") {
		cfg.Conversion.WorkerConcurrency = convertOpts.workers
	}
	if f.Changed("documents") {
		cfg.Conversion.DocumentConcurrency = convertOpts.documents
	}
	if f.Changed("display") {
		cfg.Progress.Display = convertOpts.display
	}
	if f.Changed("skip-existing") {
		cfg.Conversion.SkipExisting = convertOpts.skipExisting
	}
	if f.Changed("sections") {
		cfg.Conversion.Sections = convertOpts.sections
	}
	if f.Changed("clean") {
		cfg.Conversion.Clean = convertOpts.clean
	}
	if f.Changed("publish-bucket") {
		cfg.GCP.OutputBucket = convertOpts.publishBucket
	}
	if f.Changed("backend") {
		cfg.Extraction.PDFBackend = convertOpts.backend
	}
}

func runConvert(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyConvertFlags(cmd, cfg)
	if cfg.Conversion.InputDirectory == "" {
		return fmt.Errorf("an input directory is required (use --input)")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	display := resolveDisplay(cfg.Progress.Display)
	logger := newLogger(cmd.ErrOrStderr(), display == "bars")
	slog.SetDefault(logger)

	sink, closeSink := newSink(display, cmd.ErrOrStderr(), cfg.Progress.NoColor, logger)
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Logger: logger, Sink: sink})
	if err != nil {
		closeSink()
		return err
	}

	result, runErr := app.Orchestrator.Run(ctx)
	if err := app.Close(); err != nil {
		logger.Warn("Failed to close clients.", "error", err)
	}
	closeSink()
	if runErr != nil {
		return runErr
	}

	printSummary(cmd.OutOrStdout(), result)
	switch {
	case result.Cancelled:
		return fmt.Errorf("batch cancelled: %d done, %d failed", result.Done(), result.Failed())
	case result.Failed() > 0:
		return fmt.Errorf("%d of %d document(s) failed", result.Failed(), len(result.Documents))
	}
	return nil
}

// resolveDisplay picks bars for an interactive terminal when display is auto.
func resolveDisplay(display string) string {
	if display != "auto" {
		return display
	}
	if color.NoColor {
		return "console"
	}
	return "bars"
}

func newSink(display string, w io.Writer, noColor bool, logger *slog.Logger) (progress.Sink, func()) {
	switch display {
	case "bars":
		s := progress.NewDisplaySink(w)
		return s, s.Close
	case "log":
		return progress.NewLogSink(logger), func() {}
	default:
		return progress.NewConsoleSink(w, noColor), func() {}
	}
}

func printSummary(w io.Writer, result models.BatchResult) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	faint := color.New(color.Faint)

	fmt.Fprintln(w)
	for _, res := range result.Documents {
		switch {
		case res.Document.Skipped:
			faint.Fprintf(w, "  skipped  %s\n", res.Document.ID)
		case res.Status == models.DocumentDone:
			green.Fprintf(w, "  done     %s -> %s (%s)\n", res.Document.ID, res.OutputPath, res.Duration.Round(time.Millisecond))
		default:
			red.Fprintf(w, "  failed   %s: %s\n", res.Document.ID, res.Reason)
			for _, ce := range res.ChunkErrors {
				red.Fprintf(w, "           chunk %d (pages %d-%d): %s\n", ce.Index, ce.StartPage+1, ce.EndPage, ce.Reason)
			}
		}
	}
	fmt.Fprintf(w, "\n%d done, %d failed in %s\n", result.Done(), result.Failed(),
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
}
