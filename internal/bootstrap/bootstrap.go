// Package bootstrap wires configuration into a ready-to-run conversion
// pipeline. Both the CLI and the cloud function build their App here.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"github.com/google/uuid"

	"github.com/Lllllllleong/markforge/internal/config"
	"github.com/Lllllllleong/markforge/internal/extract"
	"github.com/Lllllllleong/markforge/internal/gcp"
	"github.com/Lllllllleong/markforge/internal/models"
	"github.com/Lllllllleong/markforge/internal/progress"
	"github.com/Lllllllleong/markforge/internal/recovery"
	"github.com/Lllllllleong/markforge/internal/services"
)

var (
	officeExtensions = []string{".docx", ".pptx", ".xlsx"}
	textExtensions   = []string{".txt", ".md"}
)

// Options carries the process specific parts of the wiring.
type Options struct {
	Logger *slog.Logger
	// Sink renders progress for the operator. The Firestore mirror is added
	// from configuration.
	Sink progress.Sink
	// StatusLabel tags Firestore status records. A random label is used
	// when empty.
	StatusLabel string
}

// App is a fully wired pipeline. Close releases every client it opened.
type App struct {
	Config       *config.Config
	Registry     *extract.Registry
	Pages        *extract.PDFPages
	Ledger       *recovery.Manager
	Reporter     *progress.Reporter
	Orchestrator *services.Orchestrator

	closers []func() error
}

// New builds an App from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg}
	ready := false
	defer func() {
		if !ready {
			_ = app.Close()
		}
	}()

	var (
		vertex *gcp.VertexClient
		err    error
	)
	if cfg.NeedsVertex() {
		vertex, err = gcp.NewVertexClient(ctx, cfg.GCP.ProjectID, cfg.GCP.Region, cfg.GCP.Model)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, vertex.Close)
	}

	app.Registry, app.Pages, err = NewRegistry(cfg, vertex)
	if err != nil {
		return nil, err
	}

	ledgerOpts := []recovery.Option{recovery.WithLogger(logger), recovery.WithStaleAfter(cfg.Recovery.StaleAfter)}
	if cfg.Recovery.HeartbeatInterval > 0 {
		ledgerOpts = append(ledgerOpts, recovery.WithHeartbeatInterval(cfg.Recovery.HeartbeatInterval))
	}
	app.Ledger, err = recovery.Open(ctx, cfg.Conversion.OutputDirectory, ledgerOpts...)
	if err != nil {
		return nil, fmt.Errorf("open recovery ledger: %w", err)
	}
	app.closers = append(app.closers, app.Ledger.Close)

	var sinks progress.MultiSink
	if opts.Sink != nil {
		sinks = append(sinks, opts.Sink)
	}
	if cfg.GCP.StatusCollection != "" {
		fsClient, err := gcp.NewFirestoreClient(ctx, cfg.GCP.ProjectID)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, fsClient.Close)
		label := opts.StatusLabel
		if label == "" {
			label = uuid.NewString()
		}
		sinks = append(sinks, progress.NewFirestoreSink(gcp.NewStatusStore(fsClient, cfg.GCP.StatusCollection), label))
	}
	app.Reporter = progress.NewReporter(sinks, progress.Options{
		Filter: progress.FilterOptions{
			Window:      cfg.Progress.CollapseWindow,
			PercentStep: cfg.Progress.CollapsePercent,
			MaxRun:      cfg.Progress.MaxCollapse,
		},
		QueueLimit: cfg.Progress.QueueLimit,
		Logger:     logger,
	})

	orchOpts := []services.Option{services.WithLogger(logger), services.WithEvents(app.Reporter)}
	if cfg.Conversion.Clean {
		orchOpts = append(orchOpts, services.WithCleaner(services.NewCleaner(vertex.CleanerModel)))
	}
	if cfg.GCP.OutputBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		app.closers = append(app.closers, client.Close)
		orchOpts = append(orchOpts, services.WithPublisher(gcp.NewPublisher(client, cfg.GCP.OutputBucket, cfg.GCP.OutputPrefix)))
	}
	if cfg.GCP.WorkflowID != "" {
		client, err := executions.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create workflows client: %w", err)
		}
		app.closers = append(app.closers, client.Close)
		notifier := gcp.NewWorkflowNotifier(client, cfg.GCP.ProjectID, cfg.GCP.WorkflowLocation, cfg.GCP.WorkflowID)
		orchOpts = append(orchOpts, services.WithNotifier(notifier))
	}

	app.Orchestrator = services.NewOrchestrator(services.OrchestratorConfig{
		InputDir:            cfg.Conversion.InputDirectory,
		OutputDir:           cfg.Conversion.OutputDirectory,
		MaxPagesPerChunk:    cfg.Conversion.MaxPagesPerChunk,
		WorkerConcurrency:   cfg.Conversion.WorkerConcurrency,
		DocumentConcurrency: cfg.Conversion.DocumentConcurrency,
		SkipExisting:        cfg.Conversion.SkipExisting,
		Sections:            cfg.Conversion.Sections,
		RetryDelay:          cfg.Extraction.RetryDelay,
	}, app.Registry, app.Pages, app.Ledger, orchOpts...)
	ready = true
	return app, nil
}

// Close drains pending progress events and closes every client.
func (a *App) Close() error {
	if a.Reporter != nil {
		a.Reporter.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewRegistry maps every supported extension to its adapter. vertex may be
// nil unless the vertex PDF backend is selected.
func NewRegistry(cfg *config.Config, vertex *gcp.VertexClient) (*extract.Registry, *extract.PDFPages, error) {
	pages := extract.NewPDFPages()

	var pdf extract.Adapter
	if cfg.Extraction.PDFBackend == "vertex" {
		if vertex == nil {
			return nil, nil, errors.New("vertex backend selected without a Vertex AI client")
		}
		pdf = extract.NewVertexOCR(vertex.TranslatorModel, pages)
	} else {
		var err error
		pdf, err = extract.NewBackend(cfg.Extraction.PDFBackend, extract.BackendOptions{
			Pages:     pages,
			Languages: cfg.Extraction.Languages,
			Command:   cfg.Extraction.PDFCommand,
			Args:      cfg.Extraction.PDFArgs,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	registry := extract.NewRegistry()
	registry.Register(".pdf", models.FormatPDF, pdf)
	office := extract.NewOffice(cfg.Extraction.OfficeConverter)
	for _, ext := range officeExtensions {
		registry.Register(ext, models.FormatOffice, office)
	}
	for _, ext := range textExtensions {
		registry.Register(ext, models.FormatText, extract.Text{})
	}
	return registry, pages, nil
}
