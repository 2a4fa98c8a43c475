// Package logging provides a rotating file writer for structured log output
// from the breaker daemon. It implements io.WriteCloser and rotates by size,
// keeping a bounded number of backups and dropping files past a maximum age.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter is an io.WriteCloser that rotates log files by size.
type RotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	written int64

	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
}

// NewRotatingWriter opens path (creating directories as needed) and returns a
// writer that rotates once the file exceeds maxSizeMB. Rotated files are
// named <base>-<timestamp><ext>; at most maxBackups are kept and files older
// than maxAgeDays are removed.
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	rw := &RotatingWriter{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.written = info.Size()
	return nil
}

// Write appends to the current file, rotating first when the write would push
// it past the size limit.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.maxBytes > 0 && rw.written+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.file.Write(p)
	rw.written += int64(n)
	return n, err
}

// Close closes the current file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// rotate renames the current file to a timestamped backup, reopens, and
// prunes old backups. Must be called with rw.mu held.
func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("closing log file for rotation: %w", err)
	}

	backup := rw.backupName(time.Now())
	if err := os.Rename(rw.path, backup); err != nil {
		return fmt.Errorf("rotating log file: %w", err)
	}
	if err := rw.open(); err != nil {
		return err
	}

	rw.prune()
	return nil
}

func (rw *RotatingWriter) backupName(now time.Time) string {
	ext := filepath.Ext(rw.path)
	base := strings.TrimSuffix(rw.path, ext)
	return fmt.Sprintf("%s-%s%s", base, now.Format("20060102T150405.000"), ext)
}

// prune removes backups beyond maxBackups and any older than maxAge.
// Errors are ignored; pruning is best-effort.
func (rw *RotatingWriter) prune() {
	ext := filepath.Ext(rw.path)
	base := strings.TrimSuffix(filepath.Base(rw.path), ext)
	pattern := filepath.Join(filepath.Dir(rw.path), base+"-*"+ext)

	backups, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	sort.Strings(backups) // timestamped names sort oldest first

	cutoff := time.Now().Add(-rw.maxAge)
	keepFrom := 0
	if rw.maxBackups > 0 && len(backups) > rw.maxBackups {
		keepFrom = len(backups) - rw.maxBackups
	}
	for i, b := range backups {
		if i < keepFrom {
			os.Remove(b)
			continue
		}
		if rw.maxAge > 0 {
			if info, err := os.Stat(b); err == nil && info.ModTime().Before(cutoff) {
				os.Remove(b)
			}
		}
	}
}
