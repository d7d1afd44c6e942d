package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ocx/helvault/internal/herrors"
)

// Stdout writes one line per event, newline-terminated, flushing after
// every write per §4.J ("write + newline + flush atomically (best effort:
// one syscall per line)"). A broken pipe is fatal, matching "a broken pipe
// terminates the process with a distinguishable error".
type Stdout struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewStdout wraps os.Stdout.
func NewStdout() *Stdout {
	return &Stdout{w: bufio.NewWriter(os.Stdout)}
}

func (s *Stdout) WriteLine(_ string, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return s.wrapBrokenPipe(err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return s.wrapBrokenPipe(err)
	}
	if err := s.w.Flush(); err != nil {
		return s.wrapBrokenPipe(err)
	}
	return nil
}

func (s *Stdout) wrapBrokenPipe(err error) error {
	if isBrokenPipe(err) {
		return &herrors.SinkError{Fatal: true, Cause: fmt.Errorf("stdout: broken pipe: %w", err)}
	}
	return &herrors.SinkError{Fatal: false, Cause: err}
}

func isBrokenPipe(err error) bool {
	return err == io.ErrClosedPipe || strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "epipe")
}

func (s *Stdout) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

func (s *Stdout) Close() error { return s.Flush() }
