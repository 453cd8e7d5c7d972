package services

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// writeFileAtomic writes data to a temporary sibling of path and renames it
// into place, so readers never observe a partially written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// promote writes data into the staging directory and renames it to dest.
// Staging lives inside the output directory so the rename never crosses a
// filesystem boundary.
func promote(stagingDir, dest string, data []byte) error {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	staged, err := os.CreateTemp(stagingDir, "*-"+filepath.Base(dest))
	if err != nil {
		return fmt.Errorf("create staged file: %w", err)
	}
	stagedName := staged.Name()
	if _, err := staged.Write(data); err != nil {
		staged.Close()
		os.Remove(stagedName)
		return fmt.Errorf("write staged file: %w", err)
	}
	if err := staged.Close(); err != nil {
		os.Remove(stagedName)
		return fmt.Errorf("close staged file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		os.Remove(stagedName)
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.Rename(stagedName, dest); err != nil {
		os.Remove(stagedName)
		return fmt.Errorf("move output into place: %w", err)
	}
	return nil
}

// promoteImages renames every staged image into dest. A missing staging
// directory means the Document produced no images.
func promoteImages(staged, dest string) error {
	entries, err := os.ReadDir(staged)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(entries) == 0) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read staged images: %w", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Rename(filepath.Join(staged, e.Name()), filepath.Join(dest, e.Name())); err != nil {
			return fmt.Errorf("move image into place: %w", err)
		}
	}
	return nil
}

// checkWritable verifies that dir exists or can be created and accepts files.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".markforge-write-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
