package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/markforge/internal/extract"
	"github.com/Lllllllleong/markforge/internal/models"
	"github.com/Lllllllleong/markforge/internal/recovery"
)

// OrchestratorConfig holds the batch settings.
type OrchestratorConfig struct {
	InputDir            string
	OutputDir           string
	MaxPagesPerChunk    int
	WorkerConcurrency   int
	DocumentConcurrency int
	SkipExisting        bool
	Sections            bool
	RetryDelay          time.Duration
}

// RunLedger starts runs and reclaims state left by dead ones.
type RunLedger interface {
	BeginRun(ctx context.Context) (*recovery.Run, error)
	Sweep(ctx context.Context, except *recovery.Run) (int, error)
}

// MarkdownCleaner post-processes aggregated Markdown.
type MarkdownCleaner interface {
	Clean(ctx context.Context, markdown string) (string, error)
}

// OutputPublisher copies a converted file somewhere outside the output directory.
type OutputPublisher interface {
	Publish(ctx context.Context, localPath, relPath string) (string, error)
}

// BatchNotifier is told about every finished batch.
type BatchNotifier interface {
	Notify(ctx context.Context, summary models.BatchSummary) (string, error)
}

// Orchestrator drives a batch of Documents through chunking, extraction,
// aggregation and output.
type Orchestrator struct {
	cfg       OrchestratorConfig
	registry  *extract.Registry
	paginator extract.Paginator
	ledger    RunLedger
	events    Emitter
	cleaner   MarkdownCleaner
	publisher OutputPublisher
	notifier  BatchNotifier
	logger    *slog.Logger
}

// Option configures optional Orchestrator stages.
type Option func(*Orchestrator)

func WithCleaner(c MarkdownCleaner) Option { return func(o *Orchestrator) { o.cleaner = c } }
func WithPublisher(p OutputPublisher) Option { return func(o *Orchestrator) { o.publisher = p } }
func WithNotifier(n BatchNotifier) Option { return func(o *Orchestrator) { o.notifier = n } }
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }
func WithEvents(e Emitter) Option { return func(o *Orchestrator) { o.events = e } }

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig, registry *extract.Registry, paginator extract.Paginator, ledger RunLedger, opts ...Option) *Orchestrator {
	if cfg.MaxPagesPerChunk <= 0 {
		cfg.MaxPagesPerChunk = DefaultMaxPagesPerChunk
	}
	cfg.WorkerConcurrency = max(cfg.WorkerConcurrency, 1)
	cfg.DocumentConcurrency = max(cfg.DocumentConcurrency, 1)

	o := &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		paginator: paginator,
		ledger:    ledger,
		events:    nopEmitter{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// batch is the state of one Run call.
type batch struct {
	run       *recovery.Run
	processor *Processor
	tracker   *StatusTracker

	// interrupted is set once cancellation cut a Document short.
	interrupted atomic.Bool
}

// Run converts every supported Document under the input directory. Per
// document failures are reported in the result; the returned error is only
// set for faults that abort the whole batch. Cancelling ctx stops dispatch
// of new Documents and chunks while in-flight chunks run to completion.
func (o *Orchestrator) Run(ctx context.Context) (models.BatchResult, error) {
	result := models.BatchResult{StartedAt: time.Now()}
	logCtx := o.logger.With("inputDir", o.cfg.InputDir, "outputDir", o.cfg.OutputDir)

	if err := checkWritable(o.cfg.OutputDir); err != nil {
		return result, &models.OrchestratorError{Op: "prepare output directory", Err: err}
	}

	run, err := o.ledger.BeginRun(ctx)
	if err != nil {
		return result, &models.OrchestratorError{Op: "begin run", Err: err}
	}
	result.RunID = run.ID
	logCtx = logCtx.With("runId", run.ID)
	defer func() {
		if err := run.Finish(context.WithoutCancel(ctx)); err != nil {
			logCtx.Warn("Failed to clean up run state.", "error", err)
		}
	}()

	if freed, err := o.ledger.Sweep(ctx, run); err != nil {
		logCtx.Warn("Orphan sweep failed.", "error", err)
	} else if freed > 0 {
		logCtx.Info("Reclaimed artifacts from an earlier run.", "files", freed)
	}

	jobs, err := enumerate(ctx, o.cfg.InputDir, o.cfg.OutputDir, o.registry, o.cfg.SkipExisting, logCtx)
	if err != nil {
		return result, &models.OrchestratorError{Op: "enumerate input", Err: err}
	}
	logCtx.Info("Batch started.", "documents", len(jobs))

	b := &batch{
		run:       run,
		processor: NewProcessor(run, o.events, o.cfg.RetryDelay, o.logger),
		tracker:   NewStatusTracker(),
	}

	batchCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	results := make([]models.ConversionResult, len(jobs))
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.DocumentConcurrency)

	for i, j := range jobs {
		b.tracker.Add(j.Document.ID, j.Document.Status)
		if j.Document.Skipped {
			results[i] = models.ConversionResult{Document: j.Document, Status: models.DocumentDone, OutputPath: j.Document.OutputPath, Reason: "output exists"}
			o.events.Emit(models.ProgressEvent{DocumentID: j.Document.ID, Kind: models.EventDocumentDone, Message: "skipped, output exists"})
			continue
		}
		if batchCtx.Err() != nil {
			results[i] = o.cancelled(b, j.Document, 0, time.Now())
			continue
		}
		g.Go(func() error {
			// The slot may only free up after cancellation.
			if batchCtx.Err() != nil {
				results[i] = o.cancelled(b, j.Document, 0, time.Now())
				return nil
			}
			res, err := o.convert(batchCtx, b, j)
			results[i] = res
			if err != nil {
				abort(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Documents = results
	result.Cancelled = b.interrupted.Load()
	result.FinishedAt = time.Now()

	var fatal *models.OrchestratorError
	if errors.As(context.Cause(batchCtx), &fatal) {
		logCtx.Error("Batch aborted.", "error", fatal)
		return result, fatal
	}

	if !result.Cancelled {
		o.publish(ctx, &result)
	}

	msg := fmt.Sprintf("%d done, %d failed", result.Done(), result.Failed())
	if result.Cancelled {
		msg += ", cancelled"
	}
	o.events.Emit(models.ProgressEvent{Kind: models.EventBatchDone, Message: msg})
	logCtx.Info("Batch finished.", "done", result.Done(), "failed", result.Failed(), "cancelled", result.Cancelled)
	return result, nil
}

// convert runs one Document to a terminal state. A non-nil error is a
// batch-fatal fault.
func (o *Orchestrator) convert(ctx context.Context, b *batch, j job) (models.ConversionResult, error) {
	start := time.Now()
	doc := j.Document
	logCtx := o.logger.With("documentId", doc.ID, "adapter", j.Adapter.Name())

	o.transition(b, &doc, models.DocumentChunking)
	chunks, err := o.plan(ctx, &doc)
	if err != nil {
		return o.fail(b, doc, nil, err.Error(), start), nil
	}

	o.events.Emit(models.ProgressEvent{DocumentID: doc.ID, Kind: models.EventStarted, ChunkTotal: len(chunks), Message: fmt.Sprintf("%d chunk(s)", len(chunks))})
	o.transition(b, &doc, models.DocumentProcessing)

	chunkResults, dispatched := o.processChunks(ctx, b, j.Adapter, doc, chunks)
	defer o.release(b, doc, chunkResults, logCtx)

	for _, r := range chunkResults {
		var fatal *models.OrchestratorError
		if errors.As(r.Err, &fatal) {
			return o.fail(b, doc, nil, fatal.Error(), start), fatal
		}
	}
	if dispatched < len(chunks) {
		logCtx.Info("Document cancelled.", "dispatched", dispatched, "chunks", len(chunks))
		return o.cancelled(b, doc, len(chunks), start), nil
	}

	o.transition(b, &doc, models.DocumentAggregating)
	res, err := Aggregate(doc, chunkResults)
	if err != nil {
		logCtx.Error("Aggregation failed.", "error", err)
		return o.fail(b, doc, res.ChunkErrors, err.Error(), start), nil
	}

	if o.cleaner != nil {
		cleaned, err := o.cleaner.Clean(context.WithoutCancel(ctx), res.Markdown)
		if err != nil {
			logCtx.Warn("Cleanup failed, keeping uncleaned markdown.", "error", err)
		} else {
			res.Markdown = cleaned
		}
	}
	if o.cfg.Sections {
		res.Sections = SplitSections(res.Markdown)
	}

	if err := o.writeOutput(b, doc, res); err != nil {
		fatal := &models.OrchestratorError{Op: "write output", Err: err}
		return o.fail(b, doc, res.ChunkErrors, fatal.Error(), start), fatal
	}
	res.OutputPath = doc.OutputPath

	o.transition(b, &doc, res.Status)
	res.Document = doc
	res.Duration = time.Since(start)

	if res.Status == models.DocumentDone {
		logCtx.Info("Document converted.", "chunks", len(chunks), "output", doc.OutputPath, "duration", res.Duration.String())
		o.events.Emit(models.ProgressEvent{DocumentID: doc.ID, Kind: models.EventDocumentDone, Message: doc.OutputPath})
	} else {
		logCtx.Warn("Document partially converted.", "failedChunks", len(res.ChunkErrors), "output", doc.OutputPath)
		o.events.Emit(models.ProgressEvent{DocumentID: doc.ID, Kind: models.EventDocumentFailed, Message: res.Reason})
	}
	return res, nil
}

// plan splits the Document into chunks.
func (o *Orchestrator) plan(ctx context.Context, doc *models.Document) ([]models.Chunk, error) {
	if !doc.Paginated() {
		return WholeDocument(doc.ID), nil
	}
	pages, err := o.paginator.PageCount(ctx, doc.SourcePath)
	if err != nil {
		return nil, err
	}
	doc.TotalPages = pages
	return ChunkPages(doc.ID, pages, o.cfg.MaxPagesPerChunk)
}

// processChunks dispatches chunks to the worker pool until ctx is cancelled
// and waits for every started chunk. Extraction itself runs detached from
// ctx so in-flight chunks finish. The count returned is of chunks started.
func (o *Orchestrator) processChunks(ctx context.Context, b *batch, adapter extract.Adapter, doc models.Document, chunks []models.Chunk) ([]models.ChunkResult, int) {
	results := make([]models.ChunkResult, len(chunks))
	workCtx := extract.WithScratchDir(context.WithoutCancel(ctx), b.run.ScratchDir())
	workCtx = extract.WithImages(workCtx, extract.ImageTarget{
		Dir:  imageStage(b, doc),
		Link: path.Join("images", doc.ImageFolder()),
	})

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.WorkerConcurrency)
	started := make([]bool, len(chunks))
	for i, c := range chunks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// g.Go blocks for a free slot, so check again once one is held.
			if ctx.Err() != nil {
				return nil
			}
			started[i] = true
			results[i] = b.processor.Process(workCtx, adapter, doc, c, len(chunks))
			return nil
		})
	}
	_ = g.Wait()

	dispatched := 0
	for i, c := range chunks {
		if started[i] {
			dispatched++
			continue
		}
		c.Status = models.ChunkFailed
		results[i] = models.ChunkResult{Chunk: c, Err: models.ErrCancelled}
	}
	return results, dispatched
}

func (o *Orchestrator) release(b *batch, doc models.Document, results []models.ChunkResult, logCtx *slog.Logger) {
	if err := os.RemoveAll(imageStage(b, doc)); err != nil {
		logCtx.Warn("Failed to remove staged images.", "error", err)
	}
	for _, r := range results {
		if r.Chunk.ArtifactPath == "" {
			continue
		}
		if err := b.run.ReleaseArtifact(context.Background(), r.Chunk.ArtifactPath); err != nil {
			logCtx.Warn("Failed to release artifact.", "path", r.Chunk.ArtifactPath, "error", err)
		}
	}
}

// imageStage is where chunk images of doc wait until its output is written.
func imageStage(b *batch, doc models.Document) string {
	return filepath.Join(b.run.StagingDir(), "images", doc.Key())
}

// writeOutput moves the images into place before the Markdown that links
// to them.
func (o *Orchestrator) writeOutput(b *batch, doc models.Document, res models.ConversionResult) error {
	imageDir := filepath.Join(filepath.Dir(doc.OutputPath), "images", doc.ImageFolder())
	if err := promoteImages(imageStage(b, doc), imageDir); err != nil {
		return err
	}
	if err := promote(b.run.StagingDir(), doc.OutputPath, []byte(res.Markdown)); err != nil {
		return err
	}
	if res.Sections == nil {
		return nil
	}
	data, err := sectionsJSON(res.Sections)
	if err != nil {
		return err
	}
	sidecar := strings.TrimSuffix(doc.OutputPath, ".md") + ".sections.json"
	return promote(b.run.StagingDir(), sidecar, data)
}

func (o *Orchestrator) transition(b *batch, doc *models.Document, status models.DocumentStatus) {
	if err := b.tracker.Transition(doc.ID, status); err != nil {
		o.logger.Error("State machine violation.", "documentId", doc.ID, "error", err)
		return
	}
	doc.Status = status
}

func (o *Orchestrator) fail(b *batch, doc models.Document, chunkErrors []models.ChunkError, reason string, start time.Time) models.ConversionResult {
	o.transition(b, &doc, models.DocumentFailed)
	o.events.Emit(models.ProgressEvent{DocumentID: doc.ID, Kind: models.EventDocumentFailed, Message: reason})
	return models.ConversionResult{
		Document:    doc,
		Status:      models.DocumentFailed,
		ChunkErrors: chunkErrors,
		Reason:      reason,
		Duration:    time.Since(start),
	}
}

func (o *Orchestrator) cancelled(b *batch, doc models.Document, chunks int, start time.Time) models.ConversionResult {
	b.interrupted.Store(true)
	res := o.fail(b, doc, nil, models.ErrCancelled.Error(), start)
	res.Chunks = chunks
	return res
}

// publish uploads converted files and notifies the post-batch workflow.
func (o *Orchestrator) publish(ctx context.Context, result *models.BatchResult) {
	summary := models.BatchSummary{RunID: result.RunID, Done: result.Done(), Failed: result.Failed()}
	if o.publisher != nil {
		for _, res := range result.Documents {
			if res.OutputPath == "" || res.Document.Skipped {
				continue
			}
			rel, err := filepath.Rel(o.cfg.OutputDir, res.OutputPath)
			if err != nil {
				rel = filepath.Base(res.OutputPath)
			}
			uri, err := o.publisher.Publish(ctx, res.OutputPath, filepath.ToSlash(rel))
			if err != nil {
				o.logger.Error("Failed to publish output.", "documentId", res.Document.ID, "error", err)
				continue
			}
			summary.Outputs = append(summary.Outputs, models.PublishedFile{DocumentID: res.Document.ID, GCSUri: uri, Status: string(res.Status)})
		}
	}
	if o.notifier != nil {
		name, err := o.notifier.Notify(ctx, summary)
		if err != nil {
			o.logger.Error("Failed to notify workflow.", "runId", result.RunID, "error", err)
			return
		}
		o.logger.Info("Workflow triggered.", "execution", name)
	}
}
