package events

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize is the size at which a log file is rotated.
	DefaultMaxLogSize = 100 * 1024 * 1024
	// ArchiveDir is the directory, next to the log, that holds rotated files.
	ArchiveDir = "archive"
)

// fileEntry is the on-disk shape of one line.
type fileEntry struct {
	Timestamp string         `json:"ts"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

// FileLog is an append-only JSON-lines sink with size-based rotation.
//
// When a signing key is set every entry line is followed by a line holding
// the hex HMAC-SHA256 of the entry, making later edits detectable.
type FileLog struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	currentSize int64
	maxSize     int64
	key         []byte
	now         func() time.Time
}

// FileLogOption configures a FileLog.
type FileLogOption func(*FileLog)

// WithSigningKey enables per-entry HMAC signatures.
func WithSigningKey(key string) FileLogOption {
	return func(l *FileLog) {
		if key != "" {
			l.key = []byte(key)
		}
	}
}

// WithMaxSize overrides DefaultMaxLogSize.
func WithMaxSize(n int64) FileLogOption {
	return func(l *FileLog) {
		if n > 0 {
			l.maxSize = n
		}
	}
}

// OpenFileLog creates the parent directory if needed and opens path for append.
func OpenFileLog(path string, opts ...FileLogOption) (*FileLog, error) {
	l := &FileLog{path: path, maxSize: DefaultMaxLogSize, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLog) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", l.path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file %s: %w", l.path, err)
	}
	l.file = f
	l.currentSize = st.Size()
	return nil
}

func (l *FileLog) Write(_ context.Context, ev Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	raw, err := json.Marshal(fileEntry{
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Type:      ev.Type,
		Payload:   ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	data := append(raw, '\n')
	if l.key != nil {
		data = append(data, sign(l.key, raw)...)
		data = append(data, '\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("log file %s is closed", l.path)
	}
	// A failed rotation keeps appending to the current file and is retried
	// on the next write.
	var rotErr error
	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			rotErr = fmt.Errorf("rotate log: %w", err)
			if l.file == nil {
				return rotErr
			}
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return errors.Join(rotErr, fmt.Errorf("write log entry: %w", err))
	}
	if err := l.file.Sync(); err != nil {
		return errors.Join(rotErr, fmt.Errorf("sync log file: %w", err))
	}
	l.currentSize += int64(n)
	return rotErr
}

// rotate must be called with mu held. If it fails, the active file is
// reopened in place, or left nil when that fails too.
func (l *FileLog) rotate() error {
	if err := l.file.Close(); err != nil {
		return l.reopen(fmt.Errorf("close current log file: %w", err))
	}

	dir := filepath.Join(filepath.Dir(l.path), ArchiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return l.reopen(fmt.Errorf("create archive directory: %w", err))
	}

	base := filepath.Base(l.path)
	ext := filepath.Ext(base)
	name := fmt.Sprintf("%s.%s%s", strings.TrimSuffix(base, ext), l.now().UTC().Format("20060102T150405.000000000"), ext)
	if err := os.Rename(l.path, filepath.Join(dir, name)); err != nil {
		return l.reopen(fmt.Errorf("archive log file: %w", err))
	}
	return l.reopen(nil)
}

// reopen replaces the closed handle with a fresh one on l.path and returns
// cause joined with any open error.
func (l *FileLog) reopen(cause error) error {
	l.file = nil
	if err := l.open(); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Path returns the active log file path.
func (l *FileLog) Path() string { return l.path }

// Close flushes and closes the file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func sign(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

// VerifySigned checks a signed log written with key. It returns the number
// of entries and how many carried a valid signature.
func VerifySigned(path, key string) (total, valid int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		raw := append([]byte(nil), sc.Bytes()...)
		total++
		if !sc.Scan() {
			break
		}
		want := sign([]byte(key), raw)
		if hmac.Equal(want, sc.Bytes()) {
			valid++
		}
	}
	if err := sc.Err(); err != nil {
		return total, valid, fmt.Errorf("scan log file: %w", err)
	}
	return total, valid, nil
}
