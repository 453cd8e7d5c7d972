package function

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/markforge/internal/bootstrap"
	"github.com/Lllllllleong/markforge/internal/config"
	"github.com/Lllllllleong/markforge/internal/models"
	"github.com/Lllllllleong/markforge/internal/recovery"
	"github.com/Lllllllleong/markforge/internal/services"
)

type fakeObjects struct {
	mu        sync.Mutex
	content   map[string]string
	published []string
	downloads int
}

func (f *fakeObjects) Download(_ context.Context, bucket, object, destPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	data, ok := f.content[bucket+"/"+object]
	if !ok {
		return errors.New("object not found")
	}
	return os.WriteFile(destPath, []byte(data), 0o644)
}

func (f *fakeObjects) List(_ context.Context, _, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, p := range f.published {
		if len(p) >= len(prefix) && p[:len(prefix)] == prefix {
			names = append(names, p)
		}
	}
	return names, nil
}

// Publish stands in for the bucket publisher so published names feed List.
func (f *fakeObjects) Publish(_ context.Context, localPath, relPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := "converted/" + relPath
	f.published = append(f.published, name)
	return "gs://out/" + name, nil
}

func newTestConverter(t *testing.T, objects *fakeObjects) (*Converter, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Conversion.InputDirectory = filepath.Join(root, "in")
	cfg.Conversion.OutputDirectory = filepath.Join(root, "out")
	cfg.Conversion.SkipExisting = false
	cfg.GCP.OutputBucket = "out"

	registry, pages, err := bootstrap.NewRegistry(cfg, nil)
	require.NoError(t, err)
	ledger, err := recovery.Open(context.Background(), cfg.Conversion.OutputDirectory)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	orch := services.NewOrchestrator(services.OrchestratorConfig{
		InputDir:  cfg.Conversion.InputDirectory,
		OutputDir: cfg.Conversion.OutputDirectory,
	}, registry, pages, ledger, services.WithPublisher(objects))

	return newConverter(cfg, objects, registry, orch, ledger, slog.Default()), cfg.Conversion.OutputDirectory
}

func TestProcessConvertsAndPublishes(t *testing.T) {
	objects := &fakeObjects{content: map[string]string{"uploads/notes/todo.txt": "- ship it"}}
	c, outDir := newTestConverter(t, objects)

	err := c.Process(context.Background(), models.GCSEvent{Bucket: "uploads", Name: "notes/todo.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"converted/notes/todo.md"}, objects.published)
	assert.NoFileExists(t, filepath.Join(outDir, "notes", "todo.md"), "local output is cleared after publishing")

	// A redelivered event finds the published output and does no work.
	err = c.Process(context.Background(), models.GCSEvent{Bucket: "uploads", Name: "notes/todo.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, objects.downloads)
	assert.Len(t, objects.published, 1)
}

func TestProcessIgnoresObjects(t *testing.T) {
	tests := []struct {
		name  string
		event models.GCSEvent
	}{
		{"folder placeholder", models.GCSEvent{Bucket: "uploads", Name: "notes/"}},
		{"unsupported extension", models.GCSEvent{Bucket: "uploads", Name: "photo.jpg"}},
		{"own output", models.GCSEvent{Bucket: "out", Name: "converted/notes/todo.md"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objects := &fakeObjects{content: map[string]string{}}
			c, _ := newTestConverter(t, objects)
			require.NoError(t, c.Process(context.Background(), tt.event))
			assert.Zero(t, objects.downloads)
		})
	}
}

func TestProcessDownloadFailure(t *testing.T) {
	objects := &fakeObjects{content: map[string]string{}}
	c, _ := newTestConverter(t, objects)

	err := c.Process(context.Background(), models.GCSEvent{Bucket: "uploads", Name: "missing.md"})
	require.Error(t, err)
	assert.Empty(t, objects.published)
}

func TestProcessReportsFailedDocument(t *testing.T) {
	// Not a PDF, so page counting fails and nothing is written.
	objects := &fakeObjects{content: map[string]string{"uploads/broken.pdf": "plain text"}}
	c, _ := newTestConverter(t, objects)

	err := c.Process(context.Background(), models.GCSEvent{Bucket: "uploads", Name: "broken.pdf"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conversion of broken.pdf failed")
	assert.Empty(t, objects.published)
}

func TestCalculateFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	hash, err := calculateFileHash(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hash)
}
