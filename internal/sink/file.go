package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ocx/helvault/internal/herrors"
)

// RotationKind selects a File sink's rotation policy.
type RotationKind int

const (
	RotationNone RotationKind = iota
	RotationSizeBytes
	RotationDaily
)

// RotationPolicy configures File's rotation behavior.
type RotationPolicy struct {
	Kind      RotationKind
	SizeBytes int64 // used when Kind == RotationSizeBytes
}

// File is the append-only file sink with §4.J's rotation policies.
// Rotation renames the current file to "<stem>.<suffix>.<ext>": suffix is
// YYYY-MM-DD for Daily, YYYY-MM-DDTHH-MM-SS for SizeBytes.
type File struct {
	mu      sync.Mutex
	path    string
	stem    string
	ext     string
	policy  RotationPolicy
	f       *os.File
	written int64
	openDay string // yyyy-mm-dd the current file was opened on, for Daily
}

// NewFile opens (creating if absent) path for append and prepares rotation.
func NewFile(path string, policy RotationPolicy) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &herrors.SinkError{Fatal: true, Cause: fmt.Errorf("file sink: open %s: %w", path, err)}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &herrors.SinkError{Fatal: true, Cause: err}
	}
	stem, ext := splitStemExt(path)
	return &File{
		path:    path,
		stem:    stem,
		ext:     ext,
		policy:  policy,
		f:       f,
		written: info.Size(),
		openDay: today(),
	}, nil
}

func splitStemExt(path string) (string, string) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return stem, ext
}

func today() string { return time.Now().Format("2006-01-02") }

func (fl *File) WriteLine(_ string, line []byte) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if err := fl.maybeRotate(int64(len(line)) + 1); err != nil {
		return err
	}

	n, err := fl.f.Write(line)
	if err != nil {
		return &herrors.SinkError{Cause: err}
	}
	m, err := fl.f.Write([]byte("\n"))
	if err != nil {
		return &herrors.SinkError{Cause: err}
	}
	fl.written += int64(n + m)
	return nil
}

func (fl *File) maybeRotate(incoming int64) error {
	switch fl.policy.Kind {
	case RotationSizeBytes:
		if fl.policy.SizeBytes > 0 && fl.written+incoming > fl.policy.SizeBytes {
			return fl.rotate(time.Now().Format("2006-01-02T15-04-05"))
		}
	case RotationDaily:
		if d := today(); d != fl.openDay {
			return fl.rotate(fl.openDay) // rotate under the day that just ended
		}
	}
	return nil
}

func (fl *File) rotate(suffix string) error {
	if err := fl.f.Close(); err != nil {
		return &herrors.SinkError{Cause: err}
	}
	rotated := fmt.Sprintf("%s.%s%s", fl.stem, suffix, fl.ext)
	if err := os.Rename(fl.path, rotated); err != nil {
		return &herrors.SinkError{Cause: fmt.Errorf("file sink: rotate: %w", err)}
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &herrors.SinkError{Fatal: true, Cause: err}
	}
	fl.f = f
	fl.written = 0
	fl.openDay = today()
	return nil
}

func (fl *File) Flush() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.f.Sync()
}

func (fl *File) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.f.Close()
}
