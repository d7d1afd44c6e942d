package sink

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/helvault/internal/config"
	"github.com/ocx/helvault/internal/herrors"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestFile_WritesOneLinePerCall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	f, err := NewFile(path, RotationPolicy{Kind: RotationNone})
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.WriteLine("src-1", []byte(`{"a":1}`)))
	require.NoError(t, f.WriteLine("src-1", []byte(`{"a":2}`)))

	lines := readLines(t, path)
	assert.Equal(t, []string{`{"a":1}`, `{"a":2}`}, lines)
}

func TestFile_SizeBytesRotationRenamesCurrentFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	f, err := NewFile(path, RotationPolicy{Kind: RotationSizeBytes, SizeBytes: 10})
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.WriteLine("src-1", []byte("0123456789")))
	// next write pushes past the threshold, triggering rotation first
	require.NoError(t, f.WriteLine("src-1", []byte("next")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var rotatedFound, currentFound bool
	for _, e := range entries {
		if e.Name() == "events.ndjson" {
			currentFound = true
		}
		if strings.HasPrefix(e.Name(), "events.") && strings.HasSuffix(e.Name(), ".ndjson") && e.Name() != "events.ndjson" {
			rotatedFound = true
		}
	}
	assert.True(t, currentFound, "current file should still exist after rotation")
	assert.True(t, rotatedFound, "a rotated sibling should exist")

	current := readLines(t, path)
	assert.Equal(t, []string{"next"}, current)
}

func TestFile_DailyRotationKeepsSameFileWithinSameDay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	f, err := NewFile(path, RotationPolicy{Kind: RotationDaily})
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.WriteLine("src-1", []byte("a")))
	require.NoError(t, f.WriteLine("src-1", []byte("b")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no rotation should occur within the same day")
}

// fakeSink records every written line for backpressure assertions.
type fakeSink struct {
	mu      sync.Mutex
	lines   [][]byte
	delay   time.Duration
	flushed bool
}

func (f *fakeSink) WriteLine(_ string, line []byte) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(line))
	copy(cp, line)
	f.lines = append(f.lines, cp)
	return nil
}
func (f *fakeSink) Flush() error { f.flushed = true; return nil }
func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lines)
}

func TestBackpressure_DrainsQueueToUnderlyingSink(t *testing.T) {
	inner := &fakeSink{}
	bp, err := NewBackpressure(inner, config.BackpressureConfig{
		Detection: config.DetectionConfig{EventQueueSize: 10},
		Strategy:  StrategyBlock,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, bp.WriteLine("src-1", []byte("line")))
	}
	require.NoError(t, bp.Flush())
	assert.Equal(t, 5, inner.count())
	require.NoError(t, bp.Close())
}

func TestBackpressure_DropOldestFirstDiscardsUnderPressure(t *testing.T) {
	inner := &fakeSink{delay: 50 * time.Millisecond}
	bp, err := NewBackpressure(inner, config.BackpressureConfig{
		Detection:  config.DetectionConfig{EventQueueSize: 2},
		Strategy:   StrategyDrop,
		DropPolicy: DropOldestFirst,
	})
	require.NoError(t, err)
	defer bp.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, bp.WriteLine("src-1", []byte("line")))
	}

	assert.True(t, bp.droppedTotal > 0, "expected some lines to be dropped under sustained pressure")
}

func TestBackpressure_FlushWaitsForQueueToEmpty(t *testing.T) {
	inner := &fakeSink{delay: 10 * time.Millisecond}
	bp, err := NewBackpressure(inner, config.BackpressureConfig{
		Detection: config.DetectionConfig{EventQueueSize: 50},
		Strategy:  StrategyBlock,
	})
	require.NoError(t, err)
	defer bp.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, bp.WriteLine("src-1", []byte("line")))
	}
	require.NoError(t, bp.Flush())
	assert.Equal(t, 10, inner.count())
	assert.True(t, inner.flushed)
}

func TestBackpressure_DiskBufferSpillsOverflowToDisk(t *testing.T) {
	dir := t.TempDir()
	inner := &fakeSink{delay: 50 * time.Millisecond}
	bp, err := NewBackpressure(inner, config.BackpressureConfig{
		Detection: config.DetectionConfig{EventQueueSize: 1},
		Strategy:  StrategyDiskBuffer,
		DiskBuffer: &config.DiskBufferConfig{
			Path:          dir,
			MaxSizeMB:     10,
			SegmentSizeMB: 1,
		},
	})
	require.NoError(t, err)
	defer bp.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, bp.WriteLine("src-1", []byte("overflow line")))
	}

	spoolPath := filepath.Join(dir, "spool.ndjson")
	_, statErr := os.Stat(spoolPath)
	assert.NoError(t, statErr, "expected the disk spool file to exist once the queue filled")
}

func TestStdout_WrapsBrokenPipeAsFatal(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	r.Close() // force a broken pipe on the writer side

	s := &Stdout{w: bufio.NewWriter(w)}
	writeErr := s.WriteLine("src-1", []byte(`{"a":1}`))
	require.Error(t, writeErr)
	var sinkErr *herrors.SinkError
	require.ErrorAs(t, writeErr, &sinkErr)
	assert.True(t, sinkErr.Fatal)
}
