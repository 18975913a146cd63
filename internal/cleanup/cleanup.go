// Package cleanup removes the temporary files of a run and manages the
// dated trash directory for consumed inputs.
package cleanup

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/amankumarsingh77/comfyui-router/pkg/logger"
)

const dayLayout = "2006-01-02"

type Cleaner struct {
	trashDir string
	now      func() time.Time
	log      logger.Logger
}

func NewCleaner(trashDir string, log logger.Logger) *Cleaner {
	return &Cleaner{trashDir: trashDir, now: time.Now, log: log}
}

// Remove deletes every path. Missing files are fine, so running it twice
// is a no-op. All paths are attempted even if some fail.
func (c *Cleaner) Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		err := os.Remove(p)
		switch {
		case err == nil:
			c.log.Debugf("removed %s", p)
		case errors.Is(err, os.ErrNotExist):
		default:
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// SweepIntermediates removes ComfyUI by-products named <prefix>_*.png or
// <prefix>_*.mp4 in dir, except the paths in keep.
func (c *Cleaner) SweepIntermediates(dir, prefix string, keep ...string) (int, error) {
	skip := make(map[string]bool, len(keep))
	for _, k := range keep {
		if abs, err := filepath.Abs(k); err == nil {
			skip[abs] = true
		}
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var victims []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix+"_") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".png" && ext != ".mp4" {
			continue
		}
		p := filepath.Join(dir, name)
		if abs, err := filepath.Abs(p); err == nil && skip[abs] {
			continue
		}
		victims = append(victims, p)
	}
	return len(victims), c.Remove(victims...)
}

// MoveToTrash moves path into <trash>/YYYY-MM-DD/ and returns the new
// location. An existing file of the same name gets a numeric suffix.
func (c *Cleaner) MoveToTrash(path string) (string, error) {
	if c.trashDir == "" {
		return "", errors.New("no trash directory configured")
	}
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrapf(err, "trash %s", path)
	}

	dayDir := filepath.Join(c.trashDir, c.now().Format(dayLayout))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return "", err
	}
	dst := uniquePath(filepath.Join(dayDir, filepath.Base(path)))
	if err := move(path, dst); err != nil {
		return "", errors.Wrapf(err, "move %s to trash", path)
	}
	c.log.Infof("moved %s to %s", path, dst)
	return dst, nil
}

// PurgeTrash deletes dated trash folders older than days. Folders whose
// name is not a date are left alone.
func (c *Cleaner) PurgeTrash(days int) (int, error) {
	if c.trashDir == "" || days <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(c.trashDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	today := c.now()
	cutoff := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.Local).AddDate(0, 0, -days)
	purged := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day, err := time.ParseInLocation(dayLayout, e.Name(), time.Local)
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.trashDir, e.Name())); err != nil {
			return purged, err
		}
		purged++
		c.log.Infof("purged trash folder %s", e.Name())
	}
	return purged, nil
}

func uniquePath(p string) string {
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return p
	}
	ext := filepath.Ext(p)
	base := strings.TrimSuffix(p, ext)
	for i := 1; ; i++ {
		cand := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(cand); errors.Is(err, os.ErrNotExist) {
			return cand
		}
	}
}

// move renames, falling back to copy and delete across filesystems.
func move(src, dst string) error {
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
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
