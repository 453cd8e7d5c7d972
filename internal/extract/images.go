package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".bmp": true, ".tif": true, ".tiff": true, ".svg": true,
}

var (
	markdownImage = regexp.MustCompile(`(!\[[^\]]*\]\()([^)\s]+)`)
	htmlImage     = regexp.MustCompile(`(<img\b[^>]*?\ssrc=["'])([^"']+)`)
)

// collectImages moves the images under dir into the ImageTarget of ctx as
// chunk_<index>_<name> and points the links in md at their new location.
// Backends number images per run, so only the chunk index keeps names apart.
func collectImages(ctx context.Context, dir string, index int, md string) (string, error) {
	target, ok := ImageTargetFrom(ctx)
	if !ok {
		return md, nil
	}

	links := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !imageExts[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := "chunk_" + strconv.Itoa(index) + "_" + d.Name()
		if err := moveFile(p, filepath.Join(target.Dir, name)); err != nil {
			return err
		}
		links[filepath.ToSlash(rel)] = path.Join(target.Link, name)
		return nil
	})
	if err != nil || len(links) == 0 {
		return md, err
	}

	rewrite := func(re *regexp.Regexp, s string) string {
		return re.ReplaceAllStringFunc(s, func(m string) string {
			sub := re.FindStringSubmatch(m)
			if link, ok := links[strings.TrimPrefix(sub[2], "./")]; ok {
				return sub[1] + link
			}
			return m
		})
	}
	return rewrite(htmlImage, rewrite(markdownImage, md)), nil
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Join(err, os.Remove(dst))
	}
	return out.Close()
}
