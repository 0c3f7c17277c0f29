package logger

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// backupTimeFormat sorts lexically in rotation order
const backupTimeFormat = "20060102-150405.000000"

// RotationConfig describes a rotating log file
type RotationConfig struct {
	Filename string
	// MaxBytes is the size at which the file is moved aside
	MaxBytes int64
	// MaxAge removes backups older than this many days; 0 keeps them
	MaxAge int
	// MaxBackups caps how many backups are kept; 0 keeps them all
	MaxBackups int
	// Compress gzips backups after rotation
	Compress bool
}

// RotatingWriter appends to a log file and moves it aside once it reaches
// MaxBytes. Backups are named <file>.<timestamp>, with a -N suffix when two
// rotations share a timestamp. Compression and pruning run in the background;
// Close waits for them.
type RotatingWriter struct {
	mu         sync.Mutex
	filename   string
	maxBytes   int64
	maxAge     time.Duration
	maxBackups int
	compress   bool
	now        func() time.Time

	file   *os.File
	size   int64
	closed bool

	lastStamp string
	seq       int

	// housekeeping serializes compression and pruning
	housekeeping sync.Mutex
	pending      sync.WaitGroup
}

// NewRotatingWriter opens (or creates) the log file and prunes stale backups
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.Filename == "" {
		return nil, errors.New("log file name is required")
	}
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d bytes", cfg.MaxBytes)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		filename:   cfg.Filename,
		maxBytes:   cfg.MaxBytes,
		maxAge:     time.Duration(cfg.MaxAge) * 24 * time.Hour,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if err := w.openLocked(); err != nil {
		return nil, err
	}

	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		w.prune()
	}()

	return w, nil
}

// Write appends p, rotating first when p would push a non-empty file past
// the limit. A single oversized write lands whole in a fresh file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for background compression and pruning
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.file.Close()
	w.mu.Unlock()

	w.pending.Wait()
	return err
}

func (w *RotatingWriter) openLocked() error {
	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	backup := w.backupName()
	renameErr := os.Rename(w.filename, backup)

	// The file is reopened even when the rename failed so later writes still land
	if err := w.openLocked(); err != nil {
		return err
	}
	if renameErr != nil {
		return renameErr
	}

	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		w.housekeeping.Lock()
		defer w.housekeeping.Unlock()

		if w.compress {
			if err := compressFile(backup); err != nil {
				fmt.Fprintf(os.Stderr, "logger: failed to compress %s: %v\n", backup, err)
			}
		}
		w.pruneLocked()
	}()
	return nil
}

// backupName never reuses a name, even one pruned since it was handed out
func (w *RotatingWriter) backupName() string {
	stamp := w.now().Format(backupTimeFormat)
	if stamp == w.lastStamp {
		w.seq++
	} else {
		w.lastStamp, w.seq = stamp, 0
	}

	for {
		name := w.filename + "." + stamp
		if w.seq > 0 {
			name = fmt.Sprintf("%s-%d", name, w.seq)
		}
		if !exists(name) && !exists(name+".gz") {
			return name
		}
		w.seq++
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type backupFile struct {
	path    string
	modTime time.Time
}

// backups lists rotated files, oldest first
func (w *RotatingWriter) backups() ([]backupFile, error) {
	matches, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return nil, err
	}

	var files []backupFile
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, backupFile{path: path, modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		return strings.TrimSuffix(files[i].path, ".gz") < strings.TrimSuffix(files[j].path, ".gz")
	})
	return files, nil
}

func (w *RotatingWriter) prune() {
	w.housekeeping.Lock()
	defer w.housekeeping.Unlock()
	w.pruneLocked()
}

// pruneLocked drops backups past MaxAge or beyond MaxBackups
func (w *RotatingWriter) pruneLocked() {
	if w.maxAge <= 0 && w.maxBackups <= 0 {
		return
	}
	files, err := w.backups()
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-w.maxAge)
	for i, f := range files {
		expired := w.maxAge > 0 && f.modTime.Before(cutoff)
		excess := w.maxBackups > 0 && len(files)-i > w.maxBackups
		if expired || excess {
			_ = os.Remove(f.path)
		}
	}
}

// compressFile replaces path with path.gz
func compressFile(path string) (err error) {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	target := path + ".gz"
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(target)
		}
	}()

	gzw := gzip.NewWriter(dst)
	if _, err = io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		return err
	}
	if err = gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err = dst.Close(); err != nil {
		return err
	}

	src.Close()
	return os.Remove(path)
}
