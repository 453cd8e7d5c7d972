package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Sweep deletes every temporary file not owned by except, which may be nil,
// and forgets dead runs. It refuses to run while another live batch exists
// and returns the number of files freed. A second call frees nothing.
func (m *Manager) Sweep(ctx context.Context, except *Run) (int, error) {
	exceptID := ""
	if except != nil {
		exceptID = except.ID
	}

	live, err := m.liveRuns(ctx, m.db, exceptID)
	if err != nil {
		return 0, err
	}
	if live > 0 {
		return 0, ErrBatchActive
	}

	freed := 0
	for _, area := range []string{artifactsDir, stagingDir, scratchDir} {
		n, err := sweepArea(filepath.Join(m.root, area), exceptID)
		freed += n
		if err != nil {
			return freed, fmt.Errorf("sweep %s: %w", area, err)
		}
	}

	if err := sweepLocks(filepath.Join(m.root, locksDir), exceptID); err != nil {
		return freed, fmt.Errorf("sweep locks: %w", err)
	}

	if _, err := m.db.ExecContext(ctx, `DELETE FROM artifacts WHERE run_id != ?`, exceptID); err != nil {
		return freed, fmt.Errorf("prune artifact ledger: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM runs WHERE id != ?`, exceptID); err != nil {
		return freed, fmt.Errorf("prune run ledger: %w", err)
	}

	if freed > 0 {
		m.logger.Info("Reclaimed orphaned artifacts.", "files", freed)
	}
	return freed, nil
}

// sweepArea removes every entry of dir except the one named keep.
func sweepArea(dir, keep string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	freed := 0
	for _, e := range entries {
		if keep != "" && e.Name() == keep {
			continue
		}
		path := filepath.Join(dir, e.Name())
		n, err := countFiles(path)
		if err != nil {
			return freed, err
		}
		if err := os.RemoveAll(path); err != nil {
			return freed, err
		}
		freed += n
	}
	return freed, nil
}

func countFiles(path string) (int, error) {
	n := 0
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	return n, err
}

// ResetOutput removes every converted output under the output directory
// together with all temporary state. It refuses while a batch is live.
func (m *Manager) ResetOutput(ctx context.Context) (int, error) {
	live, err := m.liveRuns(ctx, m.db, "")
	if err != nil {
		return 0, err
	}
	if live > 0 {
		return 0, ErrBatchActive
	}

	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		return 0, fmt.Errorf("read output dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.Name() == WorkDirName {
			continue
		}
		path := filepath.Join(m.outputDir, e.Name())
		n, err := countFiles(path)
		if err != nil {
			return removed, err
		}
		if err := os.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", path, err)
		}
		removed += n
	}

	freed, err := m.Sweep(ctx, nil)
	return removed + freed, err
}
