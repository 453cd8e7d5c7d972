package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/markforge/internal/config"
	"github.com/Lllllllleong/markforge/internal/models"
	"github.com/Lllllllleong/markforge/internal/progress"
)

func TestNewRegistry(t *testing.T) {
	cfg := config.DefaultConfig()
	registry, pages, err := NewRegistry(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, pages)

	format, adapter, ok := registry.Resolve(".PDF")
	require.True(t, ok)
	assert.Equal(t, models.FormatPDF, format)
	assert.Equal(t, "marker_single", adapter.Name())

	format, adapter, ok = registry.Resolve(".xlsx")
	require.True(t, ok)
	assert.Equal(t, models.FormatOffice, format)
	assert.Equal(t, "office", adapter.Name())

	format, _, ok = registry.Resolve(".md")
	require.True(t, ok)
	assert.Equal(t, models.FormatText, format)

	_, _, ok = registry.Resolve(".exe")
	assert.False(t, ok)
}

func TestNewRegistryVertexNeedsClient(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Extraction.PDFBackend = "vertex"
	_, _, err := NewRegistry(cfg, nil)
	require.Error(t, err)
}

// TestNewRunsLocalBatch wires a local-only App and converts a text file.
func TestNewRunsLocalBatch(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(in, "readme.txt"), []byte("hello"), 0o644))

	cfg := config.DefaultConfig()
	cfg.Conversion.InputDirectory = in
	cfg.Conversion.OutputDirectory = out

	var kinds []models.EventKind
	sink := progress.SinkFunc(func(ev models.ProgressEvent) error {
		kinds = append(kinds, ev.Kind)
		return nil
	})

	app, err := New(context.Background(), cfg, Options{Sink: sink})
	require.NoError(t, err)

	result, err := app.Orchestrator.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, app.Close())

	assert.Equal(t, 1, result.Done())
	data, err := os.ReadFile(filepath.Join(out, "readme.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	require.NotEmpty(t, kinds)
	assert.Equal(t, models.EventBatchDone, kinds[len(kinds)-1])
}
