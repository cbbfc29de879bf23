package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

const runDirLayout = "2006-01-02_15-04-05"

var reUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Storage manages run directories under destination roots.
type Storage struct{}

// NewStorage creates a new storage instance
func NewStorage() *Storage {
	return &Storage{}
}

// CreateRunDir creates a uniquely named directory for one run, derived from
// the job name and start time: <root>/<name>_<2006-01-02_15-04-05>[-N].
func (s *Storage) CreateRunDir(root, jobName string, startedAt time.Time) (string, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("failed to create destination root: %w", err)
	}

	base := SafeName(jobName) + "_" + startedAt.Format(runDirLayout)
	for i := 1; i < 1000; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		dir := filepath.Join(root, name)
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to create run directory: %w", err)
		}
	}
	return "", fmt.Errorf("failed to create run directory: too many runs named %s", base)
}

// SafeName reduces a job name to something usable as a directory name.
func SafeName(name string) string {
	s := strings.Trim(reUnsafe.ReplaceAllString(strings.TrimSpace(name), "-"), "-.")
	if s == "" {
		return "job"
	}
	return s
}

// DirSize walks dir and sums the sizes of regular files.
func (s *Storage) DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("failed to measure %s: %w", dir, err)
	}
	return total, nil
}

// HasFiles reports whether dir holds at least one regular file.
func (s *Storage) HasFiles(dir string) bool {
	found := false
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// RemoveRunDir deletes a run directory recursively. A missing directory is not an error.
func (s *Storage) RemoveRunDir(dir string) error {
	if strings.TrimSpace(dir) == "" || filepath.Clean(dir) == string(filepath.Separator) {
		return fmt.Errorf("refusing to remove %q", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return nil
}

// FreeSpace returns the bytes available on the filesystem holding path. The
// nearest existing ancestor is measured when path does not exist yet.
func (s *Storage) FreeSpace(ctx context.Context, path string) (uint64, error) {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			break
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}

	usage, err := disk.UsageWithContext(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("failed to read free space for %s: %w", path, err)
	}
	return usage.Free, nil
}
