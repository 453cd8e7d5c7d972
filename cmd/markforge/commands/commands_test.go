package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/markforge/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// TestConvertCommand runs a small batch end to end through the CLI.
func TestConvertCommand(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(in, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(in, "notes", "todo.txt"), []byte("- ship it"), 0o644))

	stdout, err := execute(t, "convert", "--input", in, "--output", out, "--display", "log", "--no-color")
	require.NoError(t, err)
	assert.Contains(t, stdout, "1 done, 0 failed")

	data, err := os.ReadFile(filepath.Join(out, "notes", "todo.md"))
	require.NoError(t, err)
	assert.Equal(t, "- ship it", string(data))
}

func TestSweepCommand(t *testing.T) {
	out := t.TempDir()
	stray := filepath.Join(out, ".markforge", "scratch", "dead-run", "chunk.pdf")
	require.NoError(t, os.MkdirAll(filepath.Dir(stray), 0o755))
	require.NoError(t, os.WriteFile(stray, []byte("%PDF"), 0o644))

	stdout, err := execute(t, "sweep", "--output", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Freed 1 file(s).")
	assert.NoFileExists(t, stray)
}

func TestPlanDirectory(t *testing.T) {
	in := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(in, "readme.md"), []byte("# hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "data.bin"), []byte{0}, 0o644))

	stdout, err := execute(t, "plan", in)
	require.NoError(t, err)
	assert.Contains(t, stdout, "readme.md")
	assert.Contains(t, stdout, "convert")
	assert.NotContains(t, stdout, "data.bin")
}

func TestApplyConvertFlags(t *testing.T) {
	cmd := convertCmd
	require.NoError(t, cmd.Flags().Set("max-pages", "7"))
	require.NoError(t, cmd.Flags().Set("backend", "tesseract"))

	cfg := config.DefaultConfig()
	applyConvertFlags(cmd, cfg)
	assert.Equal(t, 7, cfg.Conversion.MaxPagesPerChunk)
	assert.Equal(t, "tesseract", cfg.Extraction.PDFBackend)
	assert.True(t, cfg.Conversion.SkipExisting)
}

func TestResolveDisplay(t *testing.T) {
	assert.Equal(t, "log", resolveDisplay("log"))
	assert.Contains(t, []string{"bars", "console"}, resolveDisplay("auto"))
}
