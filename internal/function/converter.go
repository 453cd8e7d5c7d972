// Package function adapts the conversion pipeline to a storage-triggered
// cloud function: each finalized object is downloaded, converted as a
// one-document batch and published to the output bucket.
package function

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/markforge/internal/bootstrap"
	"github.com/Lllllllleong/markforge/internal/config"
	"github.com/Lllllllleong/markforge/internal/extract"
	"github.com/Lllllllleong/markforge/internal/gcp"
	"github.com/Lllllllleong/markforge/internal/models"
	"github.com/Lllllllleong/markforge/internal/progress"
)

type objectStore interface {
	Download(ctx context.Context, bucket, object, destPath string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

type gcsObjects struct {
	client *storage.Client
}

func (g gcsObjects) Download(ctx context.Context, bucket, object, destPath string) error {
	return gcp.Download(ctx, g.client, bucket, object, destPath)
}

func (g gcsObjects) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	return gcp.ListObjects(ctx, g.client, bucket, prefix)
}

type batchRunner interface {
	Run(ctx context.Context) (models.BatchResult, error)
}

type outputResetter interface {
	ResetOutput(ctx context.Context) (int, error)
}

// Converter handles storage finalize events one at a time.
type Converter struct {
	outputBucket string
	outputPrefix string
	inputDir     string
	objects      objectStore
	registry     *extract.Registry
	runner       batchRunner
	output       outputResetter
	logger       *slog.Logger

	// mu serializes events; the work directories are shared.
	mu sync.Mutex
}

// NewConverter builds a Converter from the environment. The pipeline works
// in a private temporary directory.
func NewConverter(ctx context.Context) (*Converter, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	if cfg.GCP.OutputBucket == "" {
		return nil, fmt.Errorf("OUTPUT_BUCKET environment variable must be set")
	}
	if cfg.GCP.StatusCollection == "" {
		cfg.GCP.StatusCollection = "documents"
	}

	root, err := os.MkdirTemp("", "markforge-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	cfg.Conversion.InputDirectory = filepath.Join(root, "in")
	cfg.Conversion.OutputDirectory = filepath.Join(root, "out")
	cfg.Conversion.SkipExisting = false

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}

	logger := slog.Default()
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Logger:      logger,
		Sink:        progress.NewLogSink(logger),
		StatusLabel: "gcs",
	})
	if err != nil {
		storageClient.Close()
		return nil, err
	}

	c := newConverter(cfg, gcsObjects{client: storageClient}, app.Registry, app.Orchestrator, app.Ledger, logger)
	logger.Info("Converter initialized.", "outputBucket", cfg.GCP.OutputBucket, "pdfBackend", cfg.Extraction.PDFBackend)
	return c, nil
}

func newConverter(cfg *config.Config, objects objectStore, registry *extract.Registry, runner batchRunner, output outputResetter, logger *slog.Logger) *Converter {
	return &Converter{
		outputBucket: cfg.GCP.OutputBucket,
		outputPrefix: strings.Trim(cfg.GCP.OutputPrefix, "/"),
		inputDir:     cfg.Conversion.InputDirectory,
		objects:      objects,
		registry:     registry,
		runner:       runner,
		output:       output,
		logger:       logger,
	}
}

// Process converts the object named by e. Unsupported objects, the
// function's own outputs and objects already converted are skipped.
func (c *Converter) Process(ctx context.Context, e models.GCSEvent) error {
	logCtx := c.logger.With("gcsBucket", e.Bucket, "gcsObject", e.Name)

	if strings.HasSuffix(e.Name, "/") {
		return nil
	}
	if e.Bucket == c.outputBucket && strings.HasPrefix(e.Name, c.outputPrefix+"/") {
		logCtx.Debug("Ignoring published output.")
		return nil
	}
	if _, _, ok := c.registry.Resolve(path.Ext(e.Name)); !ok {
		logCtx.Info("Ignoring unsupported object.")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	target := path.Join(c.outputPrefix, strings.TrimSuffix(e.Name, path.Ext(e.Name))+".md")
	existing, err := c.objects.List(ctx, c.outputBucket, target)
	if err != nil {
		logCtx.Error("Failed to check for existing output", "error", err)
		return err
	}
	if slices.Contains(existing, target) {
		logCtx.Info("Output already published. Skipping.", "object", target)
		return nil
	}

	if err := os.RemoveAll(c.inputDir); err != nil {
		return fmt.Errorf("failed to clear input dir: %w", err)
	}
	localPath := filepath.Join(c.inputDir, filepath.FromSlash(e.Name))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create input dir: %w", err)
	}
	if err := c.objects.Download(ctx, e.Bucket, e.Name, localPath); err != nil {
		logCtx.Error("Failed to download source object", "error", err)
		return err
	}

	fileHash, err := calculateFileHash(localPath)
	if err != nil {
		return fmt.Errorf("failed to calculate file hash: %w", err)
	}
	logCtx = logCtx.With("fileHash", fileHash)

	defer func() {
		if _, err := c.output.ResetOutput(context.WithoutCancel(ctx)); err != nil {
			logCtx.Warn("Failed to clear output dir.", "error", err)
		}
	}()

	result, err := c.runner.Run(ctx)
	if err != nil {
		logCtx.Error("Conversion batch aborted", "error", err)
		return err
	}
	for _, res := range result.Documents {
		switch {
		case res.Status == models.DocumentDone:
			logCtx.Info("Document converted and published.", "object", target, "duration", res.Duration.String())
		case res.OutputPath != "":
			logCtx.Warn("Document published with failed chunks.", "object", target, "failedChunks", len(res.ChunkErrors))
		default:
			logCtx.Error("Document conversion failed", "reason", res.Reason)
			return fmt.Errorf("conversion of %s failed: %s", e.Name, res.Reason)
		}
	}
	return nil
}

func calculateFileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
