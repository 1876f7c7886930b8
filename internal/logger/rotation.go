package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// backupLayout stamps rolled files: loanrenew.log.20241120-080000.000000
const backupLayout = "20060102-150405.000000"

// RotatingWriter appends to one log file and rolls it aside once it would
// grow past its size limit. Schedule mode writes from several goroutines,
// so every method takes the lock.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	limit    int64 // bytes, 0 never rolls
	keepDays int   // 0 keeps every backup
	gzip     bool
	file     *os.File
	size     int64
}

// NewRotatingWriter opens (or creates) the log at path and drops backups
// older than maxAge days.
func NewRotatingWriter(path string, maxSizeMB int, maxAge int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, size, err := openLog(path)
	if err != nil {
		return nil, err
	}

	w := &RotatingWriter{
		path:     path,
		limit:    int64(maxSizeMB) << 20,
		keepDays: maxAge,
		gzip:     compress,
		file:     file,
		size:     size,
	}
	w.prune(time.Now())
	return w, nil
}

func openLog(path string) (*os.File, int64, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat log file: %w", err)
	}
	return file, info.Size(), nil
}

// Write appends p. A record never straddles two files: the log rolls before
// a write that would cross the limit, unless the file is still empty.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.limit > 0 && w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.roll(time.Now()); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the log. Later writes fail with os.ErrClosed.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// roll renames the live file to a stamped backup and starts a fresh one
func (w *RotatingWriter) roll(now time.Time) error {
	if err := w.file.Close(); err != nil {
		return err
	}

	backup := w.path + "." + now.Format(backupLayout)
	if err := os.Rename(w.path, backup); err != nil {
		return err
	}
	if w.gzip {
		go func() { _ = gzipBackup(backup) }()
	}

	file, _, err := openLog(w.path)
	if err != nil {
		w.file = nil
		return err
	}
	w.file = file
	w.size = 0

	w.prune(now)
	return nil
}

// gzipBackup replaces path with path.gz. The archive is written under a
// temporary name so a crash never leaves a truncated .gz behind.
func gzipBackup(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := path + ".gz.tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	_, err = io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path+".gz"); err != nil {
		return err
	}
	return os.Remove(path)
}

// prune deletes backups whose stamp is older than keepDays. Age comes from
// the name, not the mtime, since compressing a backup rewrites its mtime.
// Files that merely share the prefix are left alone.
func (w *RotatingWriter) prune(now time.Time) {
	if w.keepDays <= 0 {
		return
	}

	entries, err := os.ReadDir(filepath.Dir(w.path))
	if err != nil {
		return
	}

	cutoff := now.AddDate(0, 0, -w.keepDays)
	prefix := filepath.Base(w.path) + "."
	for _, e := range entries {
		stamped, ok := backupTime(e.Name(), prefix)
		if !ok || !stamped.Before(cutoff) {
			continue
		}
		os.Remove(filepath.Join(filepath.Dir(w.path), e.Name()))
	}
}

// backupTime parses the rotation time out of a backup file name. Stamps
// without the microsecond part are accepted too.
func backupTime(name, prefix string) (time.Time, bool) {
	stamp, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return time.Time{}, false
	}
	stamp = strings.TrimSuffix(stamp, ".gz")
	for _, layout := range []string{backupLayout, "20060102-150405"} {
		if t, err := time.ParseInLocation(layout, stamp, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
