package jsonl

// ============================================================================
// Durable JSON-lines writer
// Responsibilities:
// 1. Append one record per line (compact JSON, UTF-8 unescaped)
// 2. fsync every append before returning
// 3. Size-based rotation with numbered backups
// 4. Serialize writers in this process (mutex) and across processes (file lock)
// 5. Quarantine an unreadable file at startup
// ============================================================================

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ChuLiYu/dialog-forge/internal/metrics"
	"github.com/ChuLiYu/dialog-forge/pkg/types"
)

const (
	// DefaultLockTimeout bounds how long Append waits for another process
	DefaultLockTimeout = 10 * time.Second

	// progressEvery controls the periodic "records written" log line
	progressEvery = 100
)

// Options configures a Writer
type Options struct {
	Path        string        // target file, e.g. data/dialogues.jsonl
	MaxBytes    int64         // rotate once the file reaches this size; <= 0 disables rotation
	BackupCount int           // number of numbered backups kept; 0 truncates on rotation
	LockTimeout time.Duration // 0 means DefaultLockTimeout
	FieldOrder  []string      // keys written first, in this order; the rest follow sorted

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Stats is a snapshot of the writer counters
type Stats struct {
	Path         string `json:"path"`
	SizeBytes    int64  `json:"size_bytes"`
	LinesInFile  int64  `json:"lines_in_file"`
	TotalWritten int64  `json:"total_written"`
	Errors       int64  `json:"errors"`
	Rotations    int64  `json:"rotations"`
	MaxBytes     int64  `json:"max_bytes"`
	BackupCount  int    `json:"backup_count"`
	Closed       bool   `json:"closed"`
}

// Writer appends records to a JSON-lines file. Safe for concurrent use.
type Writer struct {
	mu          sync.Mutex // serializes rotation+write inside this process
	path        string
	maxBytes    int64
	backupCount int
	lockTimeout time.Duration
	fieldOrder  []string
	lock        locker

	linesInFile  atomic.Int64
	totalWritten atomic.Int64
	errCount     atomic.Int64
	rotations    atomic.Int64
	closed       atomic.Bool

	log     *slog.Logger
	metrics *metrics.Collector
}

/*
NewWriter opens or creates the target file.

Behavior:
- Creates the parent directory if needed
- An existing file is scanned once: non-blank lines are counted and invalid
  JSON lines are logged as warnings
- A torn last line (no trailing newline) is terminated before any append
- A file that cannot be read at all is renamed to
  <stem>.corrupted.<unix-seconds><ext> and a *CorruptionError is returned
*/
func NewWriter(opts Options) (*Writer, error) {
	if opts.Path == "" {
		return nil, errors.New("jsonl: empty path")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.BackupCount < 0 {
		opts.BackupCount = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	w := &Writer{
		path:        opts.Path,
		maxBytes:    opts.MaxBytes,
		backupCount: opts.BackupCount,
		lockTimeout: opts.LockTimeout,
		fieldOrder:  slices.Clone(opts.FieldOrder),
		lock:        newLockFile(opts.Path + ".lock"),
		log:         opts.Logger.With("component", "writer", "path", opts.Path),
		metrics:     opts.Metrics,
	}

	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("jsonl: create directory: %w", err)
		}
	}

	if _, err := os.Lstat(opts.Path); err == nil {
		lines, torn, err := w.inspect()
		if err != nil {
			return nil, w.quarantine(err)
		}
		if torn {
			// a crash mid-write left no trailing newline; start the next record on its own line
			if err := appendLine(opts.Path, []byte{'\n'}); err != nil {
				return nil, fmt.Errorf("jsonl: terminate torn line: %w", err)
			}
			w.log.Warn("terminated torn last line")
		}
		w.linesInFile.Store(lines)
		w.log.Info("opened existing file", "lines", lines)
	} else if errors.Is(err, fs.ErrNotExist) {
		if err := createEmpty(opts.Path); err != nil {
			return nil, fmt.Errorf("jsonl: create file: %w", err)
		}
		w.log.Info("created new file")
	} else {
		return nil, fmt.Errorf("jsonl: stat %s: %w", opts.Path, err)
	}

	return w, nil
}

// Append serializes rec as one line and makes it durable before returning.
//
// The in-process mutex and the cross-process lock are both held for the
// rotation check and the write. Errors are counted and returned; nothing is
// retried here.
func (w *Writer) Append(rec types.Record) error {
	line, err := encodeLine(rec, w.fieldOrder)
	if err != nil {
		w.recordError()
		return fmt.Errorf("jsonl: encode record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		w.recordError()
		return ErrWriterClosed
	}

	if err := acquireLock(w.lock, w.path+".lock", w.lockTimeout); err != nil {
		w.recordError()
		w.log.Warn("append lock not acquired", "error", err)
		return err
	}
	defer w.releaseLock()

	if w.needsRotation() {
		if err := w.rotateLocked(); err != nil {
			w.recordError()
			return err
		}
	}

	if err := appendLine(w.path, line); err != nil {
		w.recordError()
		return err
	}

	w.linesInFile.Add(1)
	total := w.totalWritten.Add(1)
	w.metrics.RecordAppend(len(line))
	if total%progressEvery == 0 {
		w.log.Info("records written", "total", total, "in_file", w.linesInFile.Load())
	}
	return nil
}

// Rotate forces a rotation regardless of the current size
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return ErrWriterClosed
	}
	if err := acquireLock(w.lock, w.path+".lock", w.lockTimeout); err != nil {
		w.log.Warn("rotate lock not acquired", "error", err)
		return err
	}
	defer w.releaseLock()

	return w.rotateLocked()
}

// Stats returns the current counters without blocking on in-flight appends
func (w *Writer) Stats() Stats {
	var size int64
	if info, err := os.Stat(w.path); err == nil {
		size = info.Size()
	}
	return Stats{
		Path:         w.path,
		SizeBytes:    size,
		LinesInFile:  w.linesInFile.Load(),
		TotalWritten: w.totalWritten.Load(),
		Errors:       w.errCount.Load(),
		Rotations:    w.rotations.Load(),
		MaxBytes:     w.maxBytes,
		BackupCount:  w.backupCount,
		Closed:       w.closed.Load(),
	}
}

// Path returns the primary file path
func (w *Writer) Path() string {
	return w.path
}

// BackupPath returns the path of backup i (1 = newest): <stem>.<i><ext>
func (w *Writer) BackupPath(i int) string {
	ext := filepath.Ext(w.path)
	stem := strings.TrimSuffix(w.path, ext)
	return fmt.Sprintf("%s.%d%s", stem, i, ext)
}

// Close marks the writer closed. Later appends fail with ErrWriterClosed.
// Close waits for an in-flight append and is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Swap(true) {
		return nil
	}
	s := w.Stats()
	w.log.Info("writer closed",
		"total_written", s.TotalWritten,
		"errors", s.Errors,
		"rotations", s.Rotations,
		"size", humanize.Bytes(uint64(s.SizeBytes)))
	return nil
}

// ============================================================================
// Internal methods (caller holds w.mu and the file lock)
// ============================================================================

func (w *Writer) needsRotation() bool {
	if w.maxBytes <= 0 {
		return false
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	return info.Size() >= w.maxBytes
}

// rotateLocked shifts backups up by one, drops the oldest, and starts a new
// empty primary. With no backups configured the primary is truncated.
func (w *Writer) rotateLocked() error {
	if w.backupCount == 0 {
		if err := os.Truncate(w.path, 0); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("jsonl: truncate: %w", err)
		}
	} else {
		if err := removeIfExists(w.BackupPath(w.backupCount)); err != nil {
			return fmt.Errorf("jsonl: remove oldest backup: %w", err)
		}
		for i := w.backupCount - 1; i >= 1; i-- {
			src := w.BackupPath(i)
			if _, err := os.Stat(src); err != nil {
				continue
			}
			if err := os.Rename(src, w.BackupPath(i+1)); err != nil {
				return fmt.Errorf("jsonl: shift backup %d: %w", i, err)
			}
		}
		if err := os.Rename(w.path, w.BackupPath(1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("jsonl: rotate primary: %w", err)
		}
	}

	if err := createEmpty(w.path); err != nil {
		return fmt.Errorf("jsonl: create primary: %w", err)
	}

	w.linesInFile.Store(0)
	n := w.rotations.Add(1)
	w.metrics.RecordRotation()
	w.log.Info("file rotated", "rotations", n, "backups", w.backupCount)
	return nil
}

// inspect counts non-blank lines and warns about lines that are not JSON
// objects. torn reports a non-empty file without a trailing newline.
func (w *Writer) inspect() (lines int64, torn bool, err error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return 0, false, err
	}
	torn = len(data) > 0 && data[len(data)-1] != '\n'

	var invalid int64
	for i, raw := range bytes.Split(data, []byte{'\n'}) {
		l := bytes.TrimSpace(raw)
		if len(l) == 0 {
			continue
		}
		lines++
		if _, err := types.ParseRecord(l); err != nil {
			invalid++
			w.log.Warn("invalid JSON line", "line", i+1, "error", err)
		}
	}
	if invalid > 0 {
		w.log.Warn("existing file contains invalid lines", "invalid", invalid, "lines", lines)
	}
	return lines, torn, nil
}

// quarantine moves the unreadable primary aside
func (w *Writer) quarantine(cause error) error {
	ext := filepath.Ext(w.path)
	stem := strings.TrimSuffix(w.path, ext)
	dst := fmt.Sprintf("%s.corrupted.%d%s", stem, time.Now().Unix(), ext)

	if err := os.Rename(w.path, dst); err != nil {
		w.log.Error("could not quarantine unreadable file", "error", err, "cause", cause)
		return &CorruptionError{Path: w.path, Cause: errors.Join(cause, err)}
	}
	w.log.Error("unreadable file quarantined", "moved_to", dst, "cause", cause)
	return &CorruptionError{Path: w.path, QuarantinedTo: dst, Cause: cause}
}

func (w *Writer) releaseLock() {
	if err := w.lock.unlock(); err != nil {
		w.log.Warn("release lock", "error", err)
	}
}

func (w *Writer) recordError() {
	w.errCount.Add(1)
	w.metrics.RecordWriteError()
}

// ============================================================================
// Helpers
// ============================================================================

// encodeLine renders rec as one compact JSON line, keys in order first
func encodeLine(rec types.Record, order []string) ([]byte, error) {
	line, err := rec.MarshalOrdered(order)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// appendLine opens per write so a rotation by another process is observed
func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("jsonl: open for append: %w", err)
	}

	n, err := f.Write(line)
	if err == nil && n < len(line) {
		err = io.ErrShortWrite
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("jsonl: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("jsonl: close: %w", err)
	}
	return nil
}

func createEmpty(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
