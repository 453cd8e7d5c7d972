// Package config loads markforge settings from an optional YAML file, a .env
// file and environment variables, in that order of precedence from lowest.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a conversion batch.
type Config struct {
	Conversion ConversionConfig `yaml:"conversion"`
	Extraction ExtractionConfig `yaml:"extraction"`
	GCP        GCPConfig        `yaml:"gcp"`
	Progress   ProgressConfig   `yaml:"progress"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
}

// ConversionConfig controls chunking and concurrency.
type ConversionConfig struct {
	InputDirectory      string `yaml:"inputDirectory"`
	OutputDirectory     string `yaml:"outputDirectory"`
	MaxPagesPerChunk    int    `yaml:"maxPagesPerChunk"`
	WorkerConcurrency   int    `yaml:"workerConcurrency"`
	DocumentConcurrency int    `yaml:"documentConcurrency"`
	SkipExisting        bool   `yaml:"skipExisting"`
	Sections            bool   `yaml:"sections"` // write <stem>.sections.json
	Clean               bool   `yaml:"clean"`    // post-process with the cleaner model
}

// ExtractionConfig selects and tunes the extraction backends.
type ExtractionConfig struct {
	PDFBackend      string        `yaml:"pdfBackend"` // marker, vertex or tesseract
	PDFCommand      string        `yaml:"pdfCommand"`
	PDFArgs         []string      `yaml:"pdfArgs"`
	OfficeConverter string        `yaml:"officeConverter"`
	Languages       []string      `yaml:"languages"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
}

// GCPConfig holds the optional Google Cloud integrations.
type GCPConfig struct {
	ProjectID        string `yaml:"projectId"`
	Region           string `yaml:"region"`
	Model            string `yaml:"model"`
	OutputBucket     string `yaml:"outputBucket"`
	OutputPrefix     string `yaml:"outputPrefix"`
	StatusCollection string `yaml:"statusCollection"` // empty disables the Firestore mirror
	WorkflowLocation string `yaml:"workflowLocation"`
	WorkflowID       string `yaml:"workflowId"`
}

// ProgressConfig tunes the progress reporter.
type ProgressConfig struct {
	Display         string        `yaml:"display"` // auto, console, bars or log
	NoColor         bool          `yaml:"noColor"`
	QueueLimit      int           `yaml:"queueLimit"`
	CollapseWindow  time.Duration `yaml:"collapseWindow"`
	CollapsePercent float64       `yaml:"collapsePercent"`
	MaxCollapse     int           `yaml:"maxCollapse"`
}

// RecoveryConfig tunes the run ledger.
type RecoveryConfig struct {
	StaleAfter        time.Duration `yaml:"staleAfter"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

var (
	pdfBackends = []string{"marker", "vertex", "tesseract"}
	displays    = []string{"auto", "console", "bars", "log"}
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Conversion: ConversionConfig{
			OutputDirectory:     "converted",
			MaxPagesPerChunk:    25,
			WorkerConcurrency:   1,
			DocumentConcurrency: 1,
			SkipExisting:        true,
		},
		Extraction: ExtractionConfig{
			PDFBackend:      "marker",
			OfficeConverter: "markitdown",
			Languages:       []string{"eng"},
			RetryDelay:      2 * time.Second,
		},
		GCP: GCPConfig{
			Region:           "us-central1",
			Model:            "gemini-1.5-pro",
			OutputPrefix:     "converted",
			WorkflowLocation: "us-central1",
		},
		Progress: ProgressConfig{
			Display:         "auto",
			CollapseWindow:  500 * time.Millisecond,
			CollapsePercent: 5,
			MaxCollapse:     20,
		},
		Recovery: RecoveryConfig{
			StaleAfter: 2 * time.Minute,
		},
	}
}

// Load reads the YAML file at path, if any, then applies .env and
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Conversion.MaxPagesPerChunk < 1 {
		errs = append(errs, fmt.Errorf("conversion.maxPagesPerChunk must be positive, got %d", c.Conversion.MaxPagesPerChunk))
	}
	if c.Conversion.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("conversion.workerConcurrency must be positive, got %d", c.Conversion.WorkerConcurrency))
	}
	if c.Conversion.DocumentConcurrency < 1 {
		errs = append(errs, fmt.Errorf("conversion.documentConcurrency must be positive, got %d", c.Conversion.DocumentConcurrency))
	}
	if c.Conversion.OutputDirectory == "" {
		errs = append(errs, errors.New("conversion.outputDirectory is required"))
	}
	if !slices.Contains(pdfBackends, c.Extraction.PDFBackend) {
		errs = append(errs, fmt.Errorf("extraction.pdfBackend %q is not one of %s", c.Extraction.PDFBackend, strings.Join(pdfBackends, ", ")))
	}
	if c.Extraction.RetryDelay < 0 {
		errs = append(errs, errors.New("extraction.retryDelay must not be negative"))
	}
	if !slices.Contains(displays, c.Progress.Display) {
		errs = append(errs, fmt.Errorf("progress.display %q is not one of %s", c.Progress.Display, strings.Join(displays, ", ")))
	}
	if c.Progress.QueueLimit < 0 {
		errs = append(errs, errors.New("progress.queueLimit must not be negative"))
	}
	if c.Recovery.StaleAfter <= 0 {
		errs = append(errs, errors.New("recovery.staleAfter must be positive"))
	}
	if c.NeedsVertex() && c.GCP.ProjectID == "" {
		errs = append(errs, errors.New("gcp.projectId is required for the vertex backend and cleaning"))
	}
	if c.GCP.WorkflowID != "" && c.GCP.ProjectID == "" {
		errs = append(errs, errors.New("gcp.projectId is required to trigger a workflow"))
	}
	return errors.Join(errs...)
}

// NeedsVertex reports whether any enabled stage calls Vertex AI.
func (c *Config) NeedsVertex() bool {
	return c.Extraction.PDFBackend == "vertex" || c.Conversion.Clean
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PROJECT_ID"); v != "" {
		cfg.GCP.ProjectID = v
	} else if v := os.Getenv("GCP_PROJECT"); v != "" {
		cfg.GCP.ProjectID = v
	}
	if v := os.Getenv("VERTEX_AI_REGION"); v != "" {
		cfg.GCP.Region = v
	}
	if v := os.Getenv("VERTEX_AI_MODEL"); v != "" {
		cfg.GCP.Model = v
	}
	if v := os.Getenv("OUTPUT_BUCKET"); v != "" {
		cfg.GCP.OutputBucket = v
	}
	if v := os.Getenv("FIRESTORE_COLLECTION"); v != "" {
		cfg.GCP.StatusCollection = v
	}
	if v := os.Getenv("WORKFLOW_ID"); v != "" {
		cfg.GCP.WorkflowID = v
	}

	if v := os.Getenv("MARKFORGE_INPUT_DIR"); v != "" {
		cfg.Conversion.InputDirectory = v
	}
	if v := os.Getenv("MARKFORGE_OUTPUT_DIR"); v != "" {
		cfg.Conversion.OutputDirectory = v
	}
	if v := os.Getenv("MARKFORGE_PDF_BACKEND"); v != "" {
		cfg.Extraction.PDFBackend = v
	}

	ints := map[string]*int{
		"MARKFORGE_MAX_PAGES_PER_CHUNK":  &cfg.Conversion.MaxPagesPerChunk,
		"MARKFORGE_WORKER_CONCURRENCY":   &cfg.Conversion.WorkerConcurrency,
		"MARKFORGE_DOCUMENT_CONCURRENCY": &cfg.Conversion.DocumentConcurrency,
	}
	for name, dst := range ints {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}
	if v := os.Getenv("MARKFORGE_SKIP_EXISTING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MARKFORGE_SKIP_EXISTING: %w", err)
		}
		cfg.Conversion.SkipExisting = b
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		cfg.Progress.NoColor = true
	}
	return nil
}
