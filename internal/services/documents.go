package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Lllllllleong/markforge/internal/extract"
	"github.com/Lllllllleong/markforge/internal/models"
)

// job is a Document paired with the adapter resolved for it at enumeration.
type job struct {
	Document models.Document
	Adapter  extract.Adapter
}

// tempChunkName matches scratch files older converters left next to inputs.
var tempChunkName = regexp.MustCompile(`_temp_chunk_\d+\.pdf$`)

// enumerate walks inputDir recursively and plans one Document per supported
// file. Output paths mirror the input tree under outputDir and are named
// <stem>.md, or <stem><ext>.md when two inputs in a directory share a stem.
// With skipExisting, Documents whose output exists are skipped unless that
// output still carries chunk failure markers.
func enumerate(ctx context.Context, inputDir, outputDir string, registry *extract.Registry, skipExisting bool, logger *slog.Logger) ([]job, error) {
	info, err := os.Stat(inputDir)
	if err != nil {
		return nil, fmt.Errorf("input directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input %s is not a directory", inputDir)
	}

	absOut, _ := filepath.Abs(outputDir)
	var jobs []job
	err = filepath.WalkDir(inputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		name := d.Name()
		if d.IsDir() {
			if path != inputDir && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if abs, _ := filepath.Abs(path); abs == absOut && path != inputDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || tempChunkName.MatchString(name) {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(name))
		format, adapter, ok := registry.Resolve(ext)
		if !ok {
			logger.Debug("Skipping unsupported file.", "path", path)
			return nil
		}
		rel, err := filepath.Rel(inputDir, path)
		if err != nil {
			return err
		}
		jobs = append(jobs, job{
			Document: models.Document{
				ID:         filepath.ToSlash(rel),
				SourcePath: path,
				Extension:  ext,
				Format:     format,
				Status:     models.DocumentPending,
			},
			Adapter: adapter,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Document.ID < jobs[j].Document.ID })
	assignOutputPaths(jobs, outputDir)

	if skipExisting {
		for i := range jobs {
			doc := &jobs[i].Document
			existing, err := readOutput(doc.OutputPath)
			switch {
			case err != nil:
				return nil, err
			case existing == nil:
			case failureMarker.Match(existing):
				logger.Info("Existing output has failed chunks, converting again.", "documentId", doc.ID)
			default:
				doc.Skipped = true
				doc.Status = models.DocumentDone
			}
		}
	}
	return jobs, nil
}

// readOutput returns the contents of an earlier output, or nil if there is
// none.
func readOutput(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func assignOutputPaths(jobs []job, outputDir string) {
	type stemKey struct{ dir, stem string }
	counts := make(map[stemKey]int)
	for _, j := range jobs {
		dir, stem := splitID(j.Document.ID)
		counts[stemKey{dir, strings.ToLower(stem)}]++
	}
	for i := range jobs {
		doc := &jobs[i].Document
		dir, stem := splitID(doc.ID)
		name := stem + ".md"
		if counts[stemKey{dir, strings.ToLower(stem)}] > 1 {
			name = stem + doc.Extension + ".md"
		}
		doc.OutputPath = filepath.Join(outputDir, filepath.FromSlash(dir), name)
	}
}

func splitID(id string) (dir, stem string) {
	dir, file := filepath.Split(filepath.FromSlash(id))
	return filepath.ToSlash(filepath.Clean(dir)), strings.TrimSuffix(file, filepath.Ext(file))
}

// Plan enumerates inputDir without converting anything.
func Plan(ctx context.Context, inputDir, outputDir string, registry *extract.Registry, skipExisting bool) ([]models.Document, error) {
	jobs, err := enumerate(ctx, inputDir, outputDir, registry, skipExisting, slog.Default())
	if err != nil {
		return nil, err
	}
	docs := make([]models.Document, len(jobs))
	for i, j := range jobs {
		docs[i] = j.Document
	}
	return docs, nil
}
